package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/line"
)

// HandleInvite processes an inbound INVITE (spec §4.D, §4.F "answer"): it
// assigns a line slot, creates the Session in StateEstablishing, sends a
// 180 Ringing, and holds the original request so a later Answer or Reject
// can build the final response from it. If every line is busy the INVITE
// is declined with 486 Busy Here and no Session is created.
//
// If another session is already non-terminal, this is a call-waiting
// scenario (spec §4.E): the line is still assigned but the selected line
// is left unchanged, and callWaitingTone is published instead of
// auto-focusing.
func (m *Manager) HandleInvite(req *sip.Request) (*Session, error) {
	fromHdr := req.From()
	peerURI := ""
	peerName := ""
	if fromHdr != nil {
		peerURI = fromHdr.Address.String()
		peerName = fromHdr.DisplayName
	}

	callIDHdr := req.CallID()
	if callIDHdr == nil {
		return nil, fmt.Errorf("session: inbound INVITE missing Call-ID")
	}
	id := callIDHdr.Value()

	wasBusy := m.anyNonTerminal()

	s := NewSession(id, DirectionInbound, peerURI)
	s.PeerName = peerName

	lineNum, err := m.line.Assign(id)
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusCode(486), "Busy Here", nil)
		if sendErr := m.tr.Send(res); sendErr != nil {
			slog.Warn("[Session] failed to send 486 Busy Here", "error", sendErr)
		}
		return nil, err
	}
	s.LineNumber = lineNum

	if err := s.TransitionTo(StateEstablishing); err != nil {
		m.line.Clear(id)
		return nil, err
	}
	s.setLastOffer(req.Body())

	m.mu.Lock()
	m.sessions[id] = s
	if m.pendingInvites == nil {
		m.pendingInvites = make(map[string]*sip.Request)
	}
	m.pendingInvites[id] = req
	m.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := m.tr.Send(ringing); err != nil {
		slog.Warn("[Session] failed to send 180 Ringing", "session", id, "error", err)
	}

	m.bus.Emit(bus.TopicSessionCreated, SessionEventPayload{SessionID: id, Direction: s.Direction.String(), PeerURI: peerURI})
	if wasBusy {
		m.bus.Emit(bus.TopicCallWaitingTone, CallWaitingPayload{LineNumber: lineNum, SessionID: id})
	}
	return s, nil
}

func (m *Manager) anyNonTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.State().IsTerminal() {
			return true
		}
	}
	return false
}

// Answer accepts sessionID's inbound INVITE with localSDP as the 200 OK
// body (spec §4.F "answer"), using whatever input/output device
// constraints the caller already baked into localSDP.
func (m *Manager) Answer(ctx context.Context, sessionID string, localSDP []byte) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.Direction != DirectionInbound {
		return fmt.Errorf("session: %s is not an inbound session", sessionID)
	}
	if s.State() != StateEstablishing {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	req, ok := m.pendingInvites[sessionID]
	delete(m.pendingInvites, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: no pending INVITE for %s", sessionID)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", localSDP)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := m.tr.Send(res); err != nil {
		return fmt.Errorf("session: send 200 OK: %w", err)
	}

	s.setLastOffer(localSDP)
	if err := s.TransitionTo(StateEstablished); err != nil {
		return err
	}
	m.line.UpdateState(s.ID, line.StateActive)
	m.bus.Emit(bus.TopicSessionAnswered, SessionEventPayload{SessionID: s.ID})
	return nil
}

// Reject declines sessionID's inbound INVITE before it is answered, with
// code (486 Busy Here and 603 Decline are the common cases).
func (m *Manager) Reject(ctx context.Context, sessionID string, code int, reason string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.Direction != DirectionInbound || s.State() != StateEstablishing {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	req, ok := m.pendingInvites[sessionID]
	delete(m.pendingInvites, sessionID)
	m.mu.Unlock()
	if ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
		if err := m.tr.Send(res); err != nil {
			slog.Warn("[Session] failed to send rejection", "session", sessionID, "error", err)
		}
	}

	_ = s.TransitionTo(StateTerminated)
	m.line.Clear(s.ID)
	m.bus.Emit(bus.TopicSessionTerminated, SessionEventPayload{SessionID: s.ID, Reason: reason})
	return nil
}

// CallWaitingPayload is the callWaitingTone event payload.
type CallWaitingPayload struct {
	LineNumber int
	SessionID  string
}

// HandleBye processes a peer-initiated BYE on an established or
// establishing session: it transitions the session to terminated, frees
// its line slot, emits sessionTerminated, and returns the 200 OK the
// caller should send back. A BYE for an unknown Call-ID gets a 481 Call/
// Transaction Does Not Exist, per RFC 3261 §15.
func (m *Manager) HandleBye(req *sip.Request) *sip.Response {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		return sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
	}

	s, ok := m.Get(callIDHdr.Value())
	if !ok || s.State().IsTerminal() {
		return sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	}

	_ = s.TransitionTo(StateTerminated)
	m.line.Clear(s.ID)
	m.bus.Emit(bus.TopicSessionTerminated, SessionEventPayload{SessionID: s.ID, Reason: "remote BYE"})

	return sip.NewResponseFromRequest(req, 200, "OK", nil)
}
