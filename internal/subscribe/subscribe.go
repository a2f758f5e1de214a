// Package subscribe implements the Subscription Engine (spec §4.C): BLF
// dialog-event subscriptions with staggered startup, RFC 4235 dialog-info
// XML parsing, rejection handling and periodic retry of failed
// subscriptions. Grounded on the only genuine UAC-side SIP client in the
// retrieval pack, other_examples' alephcom-teams-sip-blf internal/sip
// client, generalized from its direct sipgo.Client/UDP transaction onto
// this core's own WebSocket Transport and request/response correlation.
package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"golang.org/x/sync/errgroup"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/config"
	"github.com/kittykatchunks/365connect/internal/registrar"
)

// SubscribeExpires is the Expires value offered on every dialog-event
// SUBSCRIBE; the server's own policy may grant less.
const SubscribeExpires = 3600

// StaggerInterval is how far apart successive SUBSCRIBEs are dispatched at
// startup and on retry, to avoid a thundering herd at the server (spec
// §4.C stagger policy).
const StaggerInterval = 100 * time.Millisecond

// DefaultRetryInterval is the failed-subscription retry job's period.
const DefaultRetryInterval = 180 * time.Second

// Transport is the subset of *transport.Transport the Subscription Engine
// depends on. Narrowed to an interface so tests can drive
// subscribe/NOTIFY/unsubscribe against a fake.
type Transport interface {
	SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error)
	Send(msg sip.Message) error
}

// Target names one extension the UI wants a BLF button for.
type Target struct {
	Extension   string
	DisplayName string
}

// Entry is one monitored extension's BLF state (spec §3 "BLF Entry").
type Entry struct {
	Extension           string
	DisplayName         string
	RemoteTarget        string
	State               DialogState
	AcceptedAtLeastOnce bool
	RejectedOnce        bool
	RejectionStatus     int

	callID string
	cseq   uint32
}

// Engine owns every configured BLF Entry and drives its subscription
// lifecycle.
type Engine struct {
	cfg *config.Config
	tr  Transport
	bus *bus.Bus

	retryInterval time.Duration

	mu          sync.Mutex
	entries     map[string]*Entry
	failed      map[string]struct{}
	retryCancel context.CancelFunc
}

// New creates an Engine bound to cfg's server/credentials, driving
// SUBSCRIBE/NOTIFY/UNSUBSCRIBE over tr and publishing BLF events on b. The
// Engine starts its staggered subscribe pass on "registered" and stops the
// retry job and clears every handle on "unregistered" or a transport
// disconnect, matching the other top-level components' self-contained bus
// wiring.
func New(cfg *config.Config, tr Transport, b *bus.Bus) *Engine {
	e := &Engine{
		cfg:           cfg,
		tr:            tr,
		bus:           b,
		retryInterval: DefaultRetryInterval,
		entries:       make(map[string]*Entry),
		failed:        make(map[string]struct{}),
	}
	b.Subscribe(bus.TopicRegistered, func(ev bus.Event) {
		if p, ok := ev.Payload.(registrar.StateChangedPayload); ok && p.State == registrar.StateRegistered.String() {
			go e.Start(context.Background())
		}
	})
	b.Subscribe(bus.TopicUnregistered, func(bus.Event) { e.stopRetryLoop() })
	b.Subscribe(bus.TopicTransportDisconnected, func(bus.Event) { e.onTransportDisconnected() })
	return e
}

// Configure replaces the BLF button list. Call before Start, or while
// already registered to add/remove buttons live; entries dropped from
// targets are torn down with Unsubscribe.
func (e *Engine) Configure(ctx context.Context, targets []Target) {
	e.mu.Lock()
	wanted := make(map[string]Target, len(targets))
	for _, t := range targets {
		wanted[t.Extension] = t
	}
	var toRemove []string
	for ext := range e.entries {
		if _, ok := wanted[ext]; !ok {
			toRemove = append(toRemove, ext)
		}
	}
	var toAdd []Target
	for ext, t := range wanted {
		if _, ok := e.entries[ext]; !ok {
			toAdd = append(toAdd, t)
			e.entries[ext] = &Entry{Extension: t.Extension, DisplayName: t.DisplayName, State: DialogUnknown}
		} else {
			e.entries[ext].DisplayName = t.DisplayName
		}
	}
	e.mu.Unlock()

	for _, ext := range toRemove {
		e.Unsubscribe(ctx, ext)
	}
	if len(toAdd) > 0 {
		e.subscribeStaggered(ctx, extensionsOf(toAdd))
	}
}

func extensionsOf(targets []Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Extension
	}
	return out
}

// Start dispatches one SUBSCRIBE per configured extension, staggered by
// StaggerInterval, and arms the periodic retry job (spec §4.C).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	exts := make([]string, 0, len(e.entries))
	for ext := range e.entries {
		exts = append(exts, ext)
	}
	e.mu.Unlock()

	e.subscribeStaggered(ctx, exts)
	e.startRetryLoop(ctx)
}

func (e *Engine) subscribeStaggered(ctx context.Context, exts []string) {
	if len(exts) == 0 {
		return
	}
	g, gCtx := errgroup.WithContext(ctx)
	for i, ext := range exts {
		if i > 0 {
			time.Sleep(StaggerInterval)
		}
		ext := ext
		g.Go(func() error {
			e.subscribeOne(gCtx, ext)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) subscribeOne(ctx context.Context, extension string) {
	e.mu.Lock()
	entry, ok := e.entries[extension]
	if !ok {
		e.mu.Unlock()
		return
	}
	entry.callID = uuid.NewString()
	entry.cseq = 1
	e.mu.Unlock()

	recipient, err := e.targetURI(extension)
	if err != nil {
		slog.Warn("[Subscribe] bad extension URI", "extension", extension, "error", err)
		e.markFailed(extension, 0)
		return
	}

	req := e.buildSubscribe(recipient, entry, "")
	res, err := e.tr.SendRequest(ctx, req)
	if err != nil {
		slog.Warn("[Subscribe] subscribe failed", "extension", extension, "error", err)
		e.markFailed(extension, 0)
		return
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = e.retryWithDigest(ctx, res, entry, recipient)
		if err != nil {
			slog.Warn("[Subscribe] digest retry failed", "extension", extension, "error", err)
			e.markFailed(extension, 0)
			return
		}
	}

	if res.StatusCode != 200 && res.StatusCode != 202 {
		if res.StatusCode == 404 {
			slog.Warn("[Subscribe] extension has no BLF hint on PBX", "extension", extension)
		}
		e.mu.Lock()
		entry.RejectedOnce = true
		entry.RejectionStatus = res.StatusCode
		entry.State = DialogOffline
		e.mu.Unlock()
		e.markFailed(extension, res.StatusCode)
		e.bus.Emit(bus.TopicBlfStateChanged, BlfStatePayload{Extension: extension, State: DialogOffline.String()})
		return
	}

	e.mu.Lock()
	entry.AcceptedAtLeastOnce = true
	delete(e.failed, extension)
	e.mu.Unlock()
	e.bus.Emit(bus.TopicBlfSubscribed, BlfSubscribedPayload{Extension: extension})
}

func (e *Engine) retryWithDigest(ctx context.Context, challenge *sip.Response, entry *Entry, recipient sip.Uri) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
	}
	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("subscribe: %d without %s", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("subscribe: parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.SUBSCRIBE.String(),
		URI:      recipient.Host,
		Username: e.cfg.Username,
		Password: e.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: compute digest: %w", err)
	}

	e.mu.Lock()
	entry.cseq++
	e.mu.Unlock()
	authedReq := e.buildSubscribe(recipient, entry, cred.String())
	return e.tr.SendRequest(ctx, authedReq)
}

func (e *Engine) markFailed(extension string, status int) {
	e.mu.Lock()
	e.failed[extension] = struct{}{}
	e.mu.Unlock()
	if status != 0 {
		slog.Info("[Subscribe] extension added to retry set", "extension", extension, "status", status)
	}
}

func (e *Engine) startRetryLoop(ctx context.Context) {
	e.mu.Lock()
	if e.retryCancel != nil {
		e.mu.Unlock()
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	e.retryCancel = cancel
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-retryCtx.Done():
				return
			case <-ticker.C:
				e.runRetryPass(retryCtx)
			}
		}
	}()
}

func (e *Engine) runRetryPass(ctx context.Context) {
	e.mu.Lock()
	exts := make([]string, 0, len(e.failed))
	for ext := range e.failed {
		if _, ok := e.entries[ext]; ok {
			exts = append(exts, ext)
		}
	}
	e.mu.Unlock()
	e.subscribeStaggered(ctx, exts)
}

func (e *Engine) stopRetryLoop() {
	e.mu.Lock()
	cancel := e.retryCancel
	e.retryCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// onTransportDisconnected clears every in-memory subscription handle; they
// are no longer valid over a dead connection, and stops the retry loop.
// The subscriptions are rebuilt after the next successful registration.
func (e *Engine) onTransportDisconnected() {
	e.stopRetryLoop()
	e.mu.Lock()
	for _, entry := range e.entries {
		entry.callID = ""
		entry.cseq = 0
	}
	e.mu.Unlock()
}

// HandleNotify processes an inbound NOTIFY for the dialog event package,
// publishing a blfStateChanged event and returning the 200 OK the caller
// must send back immediately (spec §4.C, RFC 3265 response requirement).
// A NOTIFY that does not correlate to any tracked entry still gets the
// 200 OK, with no event published.
func (e *Engine) HandleNotify(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)

	callIDHdr := req.CallID()
	if callIDHdr == nil {
		return res
	}
	entry := e.entryByCallID(callIDHdr.Value())
	if entry == nil {
		return res
	}

	state, remote := ParseDialogInfo(req.Body())

	e.mu.Lock()
	entry.State = state
	entry.RemoteTarget = remote
	e.mu.Unlock()

	e.bus.Emit(bus.TopicBlfStateChanged, BlfStatePayload{
		Extension:    entry.Extension,
		State:        state.String(),
		RemoteTarget: remote,
	})
	return res
}

func (e *Engine) entryByCallID(callID string) *Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.entries {
		if entry.callID == callID {
			return entry
		}
	}
	return nil
}

// Unsubscribe sends SUBSCRIBE with Expires: 0 and deletes the local record
// regardless of the server's response (spec §4.C unsubscribe contract).
func (e *Engine) Unsubscribe(ctx context.Context, extension string) {
	e.mu.Lock()
	entry, ok := e.entries[extension]
	delete(e.entries, extension)
	delete(e.failed, extension)
	e.mu.Unlock()
	if !ok {
		return
	}

	recipient, err := e.targetURI(extension)
	if err == nil && entry.callID != "" {
		entry.cseq++
		req := e.buildSubscribe(recipient, entry, "")
		req.RemoveHeader("Expires")
		req.AppendHeader(sip.NewHeader("Expires", "0"))
		if _, err := e.tr.SendRequest(ctx, req); err != nil {
			slog.Warn("[Subscribe] unsubscribe request failed", "extension", extension, "error", err)
		}
	}
	e.bus.Emit(bus.TopicBlfUnsubscribed, BlfUnsubscribedPayload{Extension: extension})
}

// Entries returns a snapshot of every tracked BLF entry.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, *entry)
	}
	return out
}

// FailedSet returns the extensions currently in the retry set.
func (e *Engine) FailedSet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.failed))
	for ext := range e.failed {
		out = append(out, ext)
	}
	return out
}

func (e *Engine) targetURI(extension string) (sip.Uri, error) {
	var u sip.Uri
	host := e.cfg.Domain
	if host == "" {
		host = e.cfg.Server
	}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", extension, host), &u); err != nil {
		return u, fmt.Errorf("subscribe: parse target URI: %w", err)
	}
	return u, nil
}

func (e *Engine) buildSubscribe(recipient sip.Uri, entry *Entry, authorization string) *sip.Request {
	req := sip.NewRequest(sip.SUBSCRIBE, recipient)
	callID := sip.CallIDHeader(entry.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: e.cfg.Username, Host: hostOf(recipient)},
		Params:  sip.NewParams(),
	})
	req.From().Params.Add("tag", uuid.NewString())
	req.AppendHeader(&sip.ToHeader{Address: recipient})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: entry.cseq, MethodName: sip.SUBSCRIBE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Event", "dialog"))
	req.AppendHeader(sip.NewHeader("Accept", "application/dialog-info+xml"))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", SubscribeExpires)))
	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}
	return req
}

func hostOf(u sip.Uri) string {
	return strings.TrimSpace(u.Host)
}

// BlfStatePayload is the blfStateChanged event payload.
type BlfStatePayload struct {
	Extension    string
	State        string
	RemoteTarget string
}

// BlfSubscribedPayload is the blfSubscribed event payload.
type BlfSubscribedPayload struct {
	Extension string
}

// BlfUnsubscribedPayload is the blfUnsubscribed event payload.
type BlfUnsubscribedPayload struct {
	Extension string
}
