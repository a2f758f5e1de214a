// Package session implements the Session Store (spec §4.D): per-call
// lifecycle, hold/mute bookkeeping, DTMF and blind/attended transfer,
// built the way the teacher's dialog package drives in-dialog requests -
// adapted from a server-side B2BUA dialog to a client UAC session, so
// every in-dialog request here is built from the local side rather than
// switched on inbound/outbound direction.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/line"
	"github.com/kittykatchunks/365connect/internal/media"
)

// DialOptions configures an outbound call.
type DialOptions struct {
	// OriginalSessionID tags a consultation call as belonging to an
	// attended transfer in progress (spec §4.D attended transfer).
	OriginalSessionID string
}

// Transport is the subset of *transport.Transport the Session Store
// depends on. Narrowed to an interface so tests can drive the state
// machine against a fake instead of a live WebSocket connection.
type Transport interface {
	SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error)
	SendDialogRequest(req *sip.Request) (<-chan *sip.Response, error)
	Send(msg sip.Message) error
}

// Manager is the Session Store: it owns every live Session, drives the
// SIP signaling for dial/answer/hangup/hold/DTMF/transfer, and publishes
// the session lifecycle events other components react to.
type Manager struct {
	tr   Transport
	bus  *bus.Bus
	line *line.Manager

	localURI  sip.Uri
	localHost string

	mu             sync.RWMutex
	sessions       map[string]*Session
	pendingInvites map[string]*sip.Request

	transferMu       sync.Mutex
	pendingTransfers map[string]*pendingTransfer

	cseq atomic.Uint32
}

// New creates a Manager. localURI is this softphone's own address-of-record,
// used as the From/Contact identity on every request it originates.
func New(tr Transport, b *bus.Bus, lines *line.Manager, localURI sip.Uri) *Manager {
	return &Manager{
		tr:               tr,
		bus:              b,
		line:             lines,
		localURI:         localURI,
		localHost:        localURI.Host,
		sessions:         make(map[string]*Session),
		pendingInvites:   make(map[string]*sip.Request),
		pendingTransfers: make(map[string]*pendingTransfer),
	}
}

// Get returns the session with id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns a snapshot of every tracked session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) nextCSeq() uint32 {
	return m.cseq.Add(1)
}

// Dial originates an outbound call to peerURI (spec §4.D "dial"). It
// assigns a line slot, sends the INVITE and returns immediately with the
// Session in StateEstablishing; ringing/answer/failure arrive
// asynchronously and are reflected via TransitionTo plus bus events.
func (m *Manager) Dial(ctx context.Context, peerURI string, opts DialOptions) (*Session, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(peerURI, &recipient); err != nil {
		return nil, fmt.Errorf("session: parse peer URI: %w", err)
	}

	id := uuid.NewString()
	s := NewSession(id, DirectionOutbound, peerURI)
	s.OriginalSessionID = opts.OriginalSessionID

	lineNum, err := m.line.Assign(id)
	if err != nil {
		return nil, err
	}
	s.LineNumber = lineNum

	callID := sip.CallIDHeader(id)
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: m.localURI, Params: sip.NewParams()})
	req.From().Params.Add("tag", uuid.NewString())
	req.AppendHeader(&sip.ToHeader{Address: recipient})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: m.localURI})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.TransitionTo(StateEstablishing); err != nil {
		return nil, err
	}

	responses, err := m.tr.SendDialogRequest(req)
	if err != nil {
		m.line.Clear(id)
		_ = s.TransitionTo(StateTerminated)
		return nil, fmt.Errorf("session: send INVITE: %w", err)
	}

	m.bus.Emit(bus.TopicSessionCreated, SessionEventPayload{SessionID: id, Direction: s.Direction.String(), PeerURI: peerURI})

	go m.watchInviteResponses(ctx, s, responses)

	return s, nil
}

func (m *Manager) watchInviteResponses(ctx context.Context, s *Session, responses <-chan *sip.Response) {
	for res := range responses {
		switch {
		case res.StatusCode >= 100 && res.StatusCode < 200:
			m.bus.Emit(bus.TopicSessionStateChanged, SessionEventPayload{SessionID: s.ID, State: s.State().String()})
		case res.StatusCode == 200:
			s.setLastOffer(res.Body())
			if err := s.TransitionTo(StateEstablished); err != nil {
				slog.Warn("[Session] invalid transition on answer", "session", s.ID, "error", err)
			}
			m.line.UpdateState(s.ID, line.StateActive)
			m.bus.Emit(bus.TopicSessionAnswered, SessionEventPayload{SessionID: s.ID})
		case res.StatusCode >= 300:
			_ = s.TransitionTo(StateTerminated)
			m.line.Clear(s.ID)
			m.bus.Emit(bus.TopicSessionError, SessionEventPayload{SessionID: s.ID, Reason: fmt.Sprintf("%d %s", res.StatusCode, res.Reason)})
			m.bus.Emit(bus.TopicSessionTerminated, SessionEventPayload{SessionID: s.ID})
		}
	}
}

// HangUp terminates a session, sending BYE if established or CANCEL if an
// outbound session is still establishing; an inbound session still
// ringing is rejected with 486 Busy Here (spec §4.D "hangUp").
func (m *Manager) HangUp(ctx context.Context, sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State().IsTerminal() {
		return nil
	}
	if s.Direction == DirectionInbound && s.State() == StateEstablishing {
		return m.Reject(ctx, sessionID, 486, "Busy Here")
	}

	method := sip.BYE
	if s.State() == StateEstablishing {
		method = sip.CANCEL
	}

	req := sip.NewRequest(method, mustURI(s.PeerURI))
	callID := sip.CallIDHeader(s.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if _, err := m.tr.SendRequest(ctx, req); err != nil {
		slog.Warn("[Session] hangup request failed", "session", s.ID, "error", err)
	}

	_ = s.TransitionTo(StateTerminated)
	m.line.Clear(s.ID)
	m.bus.Emit(bus.TopicSessionTerminated, SessionEventPayload{SessionID: s.ID})
	return nil
}

// Hold places sessionID on hold: rewrites the last SDP offer to sendonly
// and sends a re-INVITE (spec §4.D hold/unhold).
func (m *Manager) Hold(ctx context.Context, sessionID string) error {
	return m.reinviteDirection(ctx, sessionID, media.DirectionSendOnly, true)
}

// Unhold resumes a held session (spec §4.D hold/unhold).
func (m *Manager) Unhold(ctx context.Context, sessionID string) error {
	return m.reinviteDirection(ctx, sessionID, media.DirectionSendRecv, false)
}

func (m *Manager) reinviteDirection(ctx context.Context, sessionID string, dir media.Direction, hold bool) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State() != StateEstablished {
		return ErrSessionGone
	}
	if err := s.beginReInvite(); err != nil {
		return err
	}
	defer s.endReInvite()

	offer := s.lastOfferBody()
	var body []byte
	if len(offer) > 0 {
		rewritten, err := media.RewriteDirection(offer, dir)
		if err != nil {
			return fmt.Errorf("session: rewrite SDP: %w", err)
		}
		body = rewritten
	}

	req := sip.NewRequest(sip.INVITE, mustURI(s.PeerURI))
	callID := sip.CallIDHeader(s.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: m.localURI})
	if body != nil {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	res, err := m.tr.SendRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("session: re-INVITE: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("session: re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}
	if len(res.Body()) > 0 {
		s.setLastOffer(res.Body())
	}

	s.setOnHold(hold)
	if hold {
		m.line.UpdateState(s.ID, line.StateHeld)
		m.bus.Emit(bus.TopicSessionHeld, SessionEventPayload{SessionID: s.ID, Held: true})
	} else {
		m.line.UpdateState(s.ID, line.StateActive)
		m.bus.Emit(bus.TopicSessionHeld, SessionEventPayload{SessionID: s.ID, Held: false})
	}
	return nil
}

// SetMuted toggles local mute for sessionID. Mute never touches SDP.
func (m *Manager) SetMuted(sessionID string, muted bool) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.SetMuted(muted)
	m.bus.Emit(bus.TopicSessionMuted, SessionEventPayload{SessionID: s.ID, Muted: muted})
	return nil
}

// SessionEventPayload is the common shape for session-lifecycle bus
// events; fields unrelated to a given topic are left zero.
type SessionEventPayload struct {
	SessionID string
	Direction string
	PeerURI   string
	State     string
	Held      bool
	Muted     bool
	Reason    string
}

func mustURI(s string) sip.Uri {
	var u sip.Uri
	_ = sip.ParseUri(s, &u)
	return u
}
