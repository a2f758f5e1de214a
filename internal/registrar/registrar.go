// Package registrar implements the Registration Client (spec §4.B): the
// four-state REGISTER lifecycle, digest auth on challenge, a refresh
// timer at 75% of the granted expiry, and the 500ms-delayed auto-register
// that follows a fresh transport connection. Grounded on the teacher's
// pack client registration flow (other_examples' alephcom-teams-sip-blf
// internal/sip client, the only UAC-side REGISTER code in the corpus),
// generalized from its direct sipgo.Client/UDP transport onto this core's
// own WebSocket Transport and request/response correlation.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/config"
)

// ConnectSettleDelay is how long the Registration Client waits after a
// transportConnected event before auto-registering (spec §4.B). Only a
// registration attempt already in flight holds the auto-register back: the
// attemptReconnect flag it also checks is never set by this package, so a
// transport reconnection in progress does not.
const ConnectSettleDelay = 500 * time.Millisecond

// Transport is the subset of *transport.Transport the Registration Client
// depends on. Narrowed to an interface so tests can drive REGISTER/
// digest-challenge flows against a fake instead of a live WebSocket
// connection.
type Transport interface {
	SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// Client drives REGISTER/un-REGISTER against cfg.Server.
type Client struct {
	cfg *config.Config
	tr  Transport
	bus *bus.Bus

	mu               sync.Mutex
	state            State
	registering      bool
	expiresGranted   int
	refreshTimer     *time.Timer
	cseq             uint32
	attemptReconnect bool
	callID           string

	onUnregister func(ctx context.Context)
}

// New creates a Client bound to cfg's server/credentials, driving REGISTER
// over tr and announcing state changes on b.
func New(cfg *config.Config, tr Transport, b *bus.Bus) *Client {
	c := &Client{cfg: cfg, tr: tr, bus: b, state: StateUnregistered, callID: uuid.NewString()}
	b.Subscribe(bus.TopicTransportConnected, func(bus.Event) {
		c.onTransportConnected()
	})
	b.Subscribe(bus.TopicTransportDisconnected, func(bus.Event) {
		c.onTransportDisconnected()
	})
	return c
}

// OnUnregister registers a callback invoked when Unregister runs,
// allowing the caller to terminate live sessions and drop BLF
// subscriptions first (spec §4.B unregister flow).
func (c *Client) OnUnregister(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnregister = fn
}

// State returns the current registration state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) onTransportConnected() {
	time.AfterFunc(ConnectSettleDelay, func() {
		c.mu.Lock()
		busy := c.registering || c.attemptReconnect
		c.mu.Unlock()
		if busy {
			return
		}
		if err := c.Register(context.Background()); err != nil {
			slog.Warn("[Registrar] auto-register failed", "error", err)
		}
	})
}

func (c *Client) onTransportDisconnected() {
	c.mu.Lock()
	c.state = StateUnregistered
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.mu.Unlock()
}

// setState updates the state and, only on a transition into Registered,
// publishes registered (spec §4.B "On each transition to Registered,
// publish registered"; spec.md §8 scenario 1 requires exactly one such
// publish per successful registration). Other transitions are observed
// via registrationFailed/unregistered instead.
func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == StateRegistered {
		c.bus.Emit(bus.TopicRegistered, StateChangedPayload{State: s.String()})
	}
}

func (c *Client) nextCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cseq++
	return c.cseq
}

// Register sends REGISTER, retrying once with digest credentials on a 401
// or 407 challenge, and arms the 75%-of-expires refresh timer on success.
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	if c.registering {
		c.mu.Unlock()
		return fmt.Errorf("registrar: registration already in progress")
	}
	c.registering = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.registering = false
		c.mu.Unlock()
	}()

	c.setState(StateRegistering)

	recipient, err := c.registrarURI()
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	req := c.buildRegister(recipient, "")
	res, err := c.tr.SendRequest(ctx, req)
	if err != nil {
		c.setState(StateFailed)
		c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: FailureFatal.String(), Reason: err.Error()})
		return err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
		}
		challengeHdr := res.GetHeader(authHeader)
		if challengeHdr == nil {
			c.setState(StateFailed)
			reason := fmt.Sprintf("registrar: %d without %s", res.StatusCode, authHeader)
			c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: FailureFatal.String(), Reason: reason})
			return fmt.Errorf("%s", reason)
		}
		chal, err := digest.ParseChallenge(challengeHdr.Value())
		if err != nil {
			c.setState(StateFailed)
			c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: FailureFatal.String(), Reason: fmt.Sprintf("parse challenge: %v", err)})
			return fmt.Errorf("registrar: parse challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      recipient.Host,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		})
		if err != nil {
			c.setState(StateFailed)
			c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: FailureFatal.String(), Reason: fmt.Sprintf("compute digest: %v", err)})
			return fmt.Errorf("registrar: compute digest: %w", err)
		}

		authedReq := c.buildRegister(recipient, cred.String())
		res, err = c.tr.SendRequest(ctx, authedReq)
		if err != nil {
			c.setState(StateFailed)
			c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: FailureFatal.String(), Reason: err.Error()})
			return err
		}
	}

	if res.StatusCode != 200 && res.StatusCode != 202 {
		kind := classifyStatus(res.StatusCode)
		c.setState(StateFailed)
		c.bus.Emit(bus.TopicRegistrationFailed, FailurePayload{Kind: kind.String(), Reason: fmt.Sprintf("%d %s", res.StatusCode, res.Reason)})
		return fmt.Errorf("registrar: register failed: %d %s", res.StatusCode, res.Reason)
	}

	expires := c.grantedExpires(res)
	c.mu.Lock()
	c.expiresGranted = expires
	c.mu.Unlock()

	c.setState(StateRegistered)
	c.armRefresh(ctx, expires)
	return nil
}

func (c *Client) grantedExpires(res *sip.Response) int {
	if h := res.GetHeader("Expires"); h != nil {
		var n int
		if _, err := fmt.Sscanf(h.Value(), "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return c.cfg.RegisterExpires
}

func (c *Client) armRefresh(ctx context.Context, expires int) {
	c.mu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	delay := time.Duration(expires) * 75 / 100 * time.Second
	c.refreshTimer = time.AfterFunc(delay, func() {
		if err := c.Register(ctx); err != nil {
			slog.Warn("[Registrar] refresh register failed", "error", err)
		}
	})
	c.mu.Unlock()
}

// Unregister sends a REGISTER with Expires: 0. Unless skipTeardown is
// true, it first runs the OnUnregister hook so the caller can terminate
// live sessions and drop BLF subscriptions (spec §4.B unregister flow).
func (c *Client) Unregister(ctx context.Context, skipTeardown bool) error {
	c.mu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	hook := c.onUnregister
	c.mu.Unlock()

	if !skipTeardown && hook != nil {
		hook(ctx)
	}

	recipient, err := c.registrarURI()
	if err != nil {
		return err
	}
	req := c.buildRegister(recipient, "")
	req.RemoveHeader("Expires")
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	if _, err := c.tr.SendRequest(ctx, req); err != nil {
		slog.Warn("[Registrar] unregister request failed", "error", err)
	}
	c.setState(StateUnregistered)
	c.bus.Emit(bus.TopicUnregistered, struct{}{})
	return nil
}

func (c *Client) registrarURI() (sip.Uri, error) {
	var u sip.Uri
	addr := fmt.Sprintf("sip:%s", c.cfg.Domain)
	if c.cfg.Domain == "" {
		addr = fmt.Sprintf("sip:%s", c.cfg.Server)
	}
	if err := sip.ParseUri(addr, &u); err != nil {
		return u, fmt.Errorf("registrar: parse registrar URI: %w", err)
	}
	return u, nil
}

func (c *Client) buildRegister(recipient sip.Uri, authorization string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, recipient)
	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: c.cfg.DisplayName,
		Address:     sip.Uri{User: c.cfg.Username, Host: recipient.Host},
		Params:      sip.NewParams(),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: c.cfg.Username, Host: recipient.Host},
	})
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", c.cfg.Username, recipient.Host)))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", c.cfg.RegisterExpires)))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextCSeq(), MethodName: sip.REGISTER})

	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}
	return req
}

// StateChangedPayload is the registered/unregistered event payload.
type StateChangedPayload struct {
	State string
}

// RegistrarState lets a subscriber confirm the actual state a registered
// event carries instead of trusting the topic name alone.
func (p StateChangedPayload) RegistrarState() string { return p.State }

// FailurePayload is the registrationFailed event payload.
type FailurePayload struct {
	Kind   string
	Reason string
}
