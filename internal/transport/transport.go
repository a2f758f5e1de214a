// Package transport drives the SIP-over-WebSocket link (spec §4.A). It
// owns the duplex frame channel to the SIP server, decodes inbound frames
// into sipgo SIP messages, and serializes outbound ones. Reconnection is
// bounded by ReconnectionAttempts and waits a fixed
// ReconnectionTimeoutSeconds before each attempt; the bus is the
// only way other components learn the link came up or went down.
//
// Framing is built directly on gobwas/ws - the same WebSocket library the
// teacher's sipgo dependency already pulls in transitively for its own
// "ws" server transport - because this core dials *out* to a SIP server
// rather than listening for inbound WebSocket upgrades.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/config"
)

// MessageHandler receives a single parsed inbound SIP message.
type MessageHandler func(sip.Message)

// Transport owns the WebSocket connection carrying SIP frames to/from the
// configured server.
type Transport struct {
	cfg *config.Config
	bus *bus.Bus

	mu                sync.Mutex
	conn              net.Conn
	state             State
	attemptsRemaining int
	stopped           bool

	onMessage MessageHandler
	pending   map[string]chan *sip.Response

	cancelRead context.CancelFunc
}

// New creates a Transport bound to cfg, publishing connect/disconnect
// events on bus.
func New(cfg *config.Config, b *bus.Bus) *Transport {
	return &Transport{
		cfg:               cfg,
		bus:               b,
		state:             StateDisconnected,
		attemptsRemaining: cfg.ReconnectionAttempts,
	}
}

// OnMessage registers the single sink for inbound SIP messages. Called once
// by whichever component wires the core together (typically a facade that
// fans a message out to the registrar, session store and subscription
// engine by method/response-to-request matching).
func (t *Transport) OnMessage(fn MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// State returns the current transport state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start opens the connection and keeps it open, honoring the reconnect
// policy, until ctx is canceled or Stop is called. Start returns at once;
// the first connect attempt and all reconnect attempts run in the
// background and report their outcome on the bus.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

// Stop closes the connection and suppresses further reconnect attempts.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.stopped = true
	conn := t.conn
	cancel := t.cancelRead
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		err := t.connectOnce(ctx)
		if err == nil {
			// connectOnce blocks reading until the connection drops or Stop is
			// called; when it returns nil the link simply closed cleanly.
		} else {
			slog.Warn("[Transport] connect failed", "error", err)
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.state = StateDisconnected
		t.attemptsRemaining--
		remaining := t.attemptsRemaining
		t.mu.Unlock()

		t.bus.Emit(bus.TopicTransportDisconnected, DisconnectedPayload{Cause: errString(err)})

		if remaining < 0 {
			slog.Error("[Transport] reconnect attempts exhausted")
			t.bus.Emit(bus.TopicTransportDisconnected, DisconnectedPayload{Cause: "fatal: reconnect attempts exhausted", Fatal: true})
			return
		}

		wait := time.Duration(t.cfg.ReconnectionTimeoutSeconds) * time.Second
		slog.Info("[Transport] scheduling reconnect", "in", wait, "attempts_remaining", remaining)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *Transport) connectOnce(ctx context.Context) error {
	t.mu.Lock()
	t.state = StateConnecting
	t.mu.Unlock()

	url := t.cfg.WebSocketURL()
	dialer := ws.Dialer{
		Protocols: []string{"sip"},
		Timeout:   10 * time.Second,
	}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", url, err)
	}

	readCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.conn = conn
	t.cancelRead = cancel
	t.state = StateConnected
	t.attemptsRemaining = t.cfg.ReconnectionAttempts
	t.mu.Unlock()

	slog.Info("[Transport] connected", "url", url)
	t.bus.Emit(bus.TopicTransportConnected, ConnectedPayload{})

	err = t.readLoop(readCtx, conn)
	cancel()

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := wsutil.ReadServerMessage(conn, nil)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		for _, m := range msgs {
			switch m.OpCode {
			case ws.OpClose:
				return nil
			case ws.OpPing, ws.OpPong:
				continue
			case ws.OpText, ws.OpBinary:
				t.dispatch(m.Payload)
			}
		}
	}
}

func (t *Transport) dispatch(payload []byte) {
	msg, err := sip.ParseMessage(payload)
	if err != nil {
		slog.Warn("[Transport] failed to parse inbound SIP frame", "error", err)
		return
	}

	if res, ok := msg.(*sip.Response); ok {
		if t.completePending(res) {
			return
		}
	}

	t.mu.Lock()
	handler := t.onMessage
	t.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// pendingKey correlates a response to its request the way the rest of the
// core needs it matched: Call-ID plus CSeq number and method. The
// digest-auth retry this core performs for 401/407 challenges carries a
// new CSeq number, so it is tracked under its own key.
func pendingKey(callID string, cseq uint32, method sip.RequestMethod) string {
	return fmt.Sprintf("%s|%d|%s", callID, cseq, method)
}

// completePending delivers res to whichever pending channel matches its
// Call-ID/CSeq. Provisional (1xx) responses are forwarded without
// retiring the entry, since an INVITE transaction may see several before
// its final response; anything >=200 retires the entry.
func (t *Transport) completePending(res *sip.Response) bool {
	cseqHdr := res.CSeq()
	callIDHdr := res.CallID()
	if cseqHdr == nil || callIDHdr == nil {
		return false
	}
	key := pendingKey(callIDHdr.Value(), cseqHdr.SeqNo, cseqHdr.MethodName)
	final := res.StatusCode >= 200

	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok && final {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	if final {
		close(ch)
	}
	return true
}

func (t *Transport) registerPending(key string) chan *sip.Response {
	ch := make(chan *sip.Response, 4)
	t.mu.Lock()
	if t.pending == nil {
		t.pending = make(map[string]chan *sip.Response)
	}
	t.pending[key] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) abandonPending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// SendRequest sends req and blocks for its first FINAL (>=200) response,
// ctx cancellation, or RFC 3261 Timer B (32s). Any provisional responses
// along the way are discarded - callers that need to observe ringing use
// SendDialogRequest instead. Components that need digest-auth retry call
// SendRequest a second time with the same Call-ID, an incremented CSeq
// and an Authorization header.
func (t *Transport) SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ch, key, err := t.send(req)
	if err != nil {
		return nil, err
	}

	timeout := time.NewTimer(32 * time.Second)
	defer timeout.Stop()

	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("transport: response channel closed without a final response")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
			// provisional - keep waiting
		case <-ctx.Done():
			t.abandonPending(key)
			return nil, ctx.Err()
		case <-timeout.C:
			t.abandonPending(key)
			return nil, fmt.Errorf("transport: request timed out waiting for response")
		}
	}
}

// SendDialogRequest sends req (typically INVITE) and returns a channel
// delivering every response - provisional and final - until the final one
// closes the channel. Callers drive their own ringing/establishing state
// machine off the stream.
func (t *Transport) SendDialogRequest(req *sip.Request) (<-chan *sip.Response, error) {
	ch, _, err := t.send(req)
	return ch, err
}

func (t *Transport) send(req *sip.Request) (chan *sip.Response, string, error) {
	cseqHdr := req.CSeq()
	callIDHdr := req.CallID()
	if cseqHdr == nil || callIDHdr == nil {
		return nil, "", fmt.Errorf("transport: request missing CSeq/Call-ID")
	}
	key := pendingKey(callIDHdr.Value(), cseqHdr.SeqNo, cseqHdr.MethodName)
	ch := t.registerPending(key)

	if err := t.Send(req); err != nil {
		t.abandonPending(key)
		return nil, "", err
	}
	return ch, key, nil
}

// Send writes a single outbound SIP message as one WebSocket text frame.
func (t *Transport) Send(msg sip.Message) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	data := []byte(msg.String())
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ConnectedPayload is the transportConnected event payload.
type ConnectedPayload struct{}

// DisconnectedPayload is the transportDisconnected event payload.
type DisconnectedPayload struct {
	Cause string
	Fatal bool
}
