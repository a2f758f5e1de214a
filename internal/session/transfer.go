package session

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
)

// pendingTransfer tracks a REFER accepted (2xx) but not yet resolved by its
// sipfrag NOTIFY, keyed by the session ID the REFER was sent within (spec
// §4.D transfer completion; spec.md §8 "REFER receives 202 then a NOTIFY
// SIP/2.0 200 OK").
type pendingTransfer struct {
	kind           TransferKind
	target         string
	consultationID string
	rec            TransferRecord
}

// BlindTransfer sends REFER to sessionID's peer pointing at target (spec
// §4.D blind transfer). REFER acceptance (2xx) only means the peer agreed
// to attempt the transfer; sessionID is left up until the sipfrag NOTIFY
// that follows resolves it, handled by HandleReferNotify.
func (m *Manager) BlindTransfer(ctx context.Context, sessionID, target string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State() != StateEstablished {
		return fmt.Errorf("session: blind transfer requires an established call, got %s", s.State())
	}

	rec := TransferRecord{Kind: TransferBlind, Target: target, InitiatedAt: time.Now()}

	req := sip.NewRequest(sip.REFER, mustURI(s.PeerURI))
	callID := sip.CallIDHeader(s.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: sip.REFER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", target)))
	req.AppendHeader(sip.NewHeader("Referred-By", m.localURI.String()))

	m.bus.Emit(bus.TopicTransferInitiated, TransferEventPayload{SessionID: sessionID, Kind: "blind", Target: target})

	res, err := m.tr.SendRequest(ctx, req)
	if err != nil {
		rec.FailReason = err.Error()
		s.recordTransfer(rec)
		return fmt.Errorf("session: refer: %w", err)
	}
	if res.StatusCode >= 300 {
		rec.FailReason = fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
		s.recordTransfer(rec)
		return fmt.Errorf("session: refer rejected: %d %s", res.StatusCode, res.Reason)
	}

	m.transferMu.Lock()
	m.pendingTransfers[sessionID] = &pendingTransfer{kind: TransferBlind, target: target, rec: rec}
	m.transferMu.Unlock()
	return nil
}

// AttendedTransfer holds the original call, dials target as a tagged
// consultation call, and returns the consultation Session. The caller is
// expected to complete the transfer with CompleteAttendedTransfer once the
// consultation reaches StateEstablished (spec §4.D attended transfer).
func (m *Manager) AttendedTransfer(ctx context.Context, originalSessionID, target string) (*Session, error) {
	original, ok := m.Get(originalSessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if original.State() != StateEstablished {
		return nil, fmt.Errorf("session: attended transfer requires an established call, got %s", original.State())
	}

	if err := m.Hold(ctx, originalSessionID); err != nil {
		return nil, fmt.Errorf("session: hold before consultation: %w", err)
	}

	consultation, err := m.Dial(ctx, target, DialOptions{OriginalSessionID: originalSessionID})
	if err != nil {
		return nil, fmt.Errorf("session: dial consultation: %w", err)
	}

	m.bus.Emit(bus.TopicTransferInitiated, TransferEventPayload{SessionID: originalSessionID, Kind: "attended", Target: target})
	return consultation, nil
}

// CompleteAttendedTransfer sends REFER-with-Replaces on the original
// dialog once the consultation call answers, joining the original party to
// the consultation target. Both local legs stay up until the sipfrag
// NOTIFY that follows REFER acceptance resolves the transfer, handled by
// HandleReferNotify.
func (m *Manager) CompleteAttendedTransfer(ctx context.Context, consultationSessionID string) error {
	consultation, ok := m.Get(consultationSessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if consultation.OriginalSessionID == "" {
		return fmt.Errorf("session: %s is not a consultation call", consultationSessionID)
	}
	original, ok := m.Get(consultation.OriginalSessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if consultation.State() != StateEstablished {
		return fmt.Errorf("session: consultation call not yet established")
	}

	rec := TransferRecord{Kind: TransferAttended, Target: consultation.PeerURI, InitiatedAt: time.Now()}

	req := sip.NewRequest(sip.REFER, mustURI(original.PeerURI))
	callID := sip.CallIDHeader(original.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: sip.REFER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s?Replaces=%s>", consultation.PeerURI, consultation.ID)))

	res, err := m.tr.SendRequest(ctx, req)
	if err != nil {
		rec.FailReason = err.Error()
		original.recordTransfer(rec)
		return fmt.Errorf("session: refer-replaces: %w", err)
	}
	if res.StatusCode >= 300 {
		rec.FailReason = fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
		original.recordTransfer(rec)
		return fmt.Errorf("session: refer-replaces rejected: %d %s", res.StatusCode, res.Reason)
	}

	m.transferMu.Lock()
	m.pendingTransfers[original.ID] = &pendingTransfer{kind: TransferAttended, target: consultation.PeerURI, consultationID: consultation.ID, rec: rec}
	m.transferMu.Unlock()
	return nil
}

// CancelAttendedTransfer abandons an in-progress attended transfer:
// tears down the consultation call and unholds the original.
func (m *Manager) CancelAttendedTransfer(ctx context.Context, consultationSessionID string) error {
	consultation, ok := m.Get(consultationSessionID)
	if !ok {
		return ErrSessionNotFound
	}
	original := consultation.OriginalSessionID
	if err := m.HangUp(ctx, consultationSessionID); err != nil {
		return err
	}
	if original == "" {
		return nil
	}
	return m.Unhold(ctx, original)
}

// TransferEventPayload is the transferInitiated/transferCompleted event
// payload.
type TransferEventPayload struct {
	SessionID string
	Kind      string
	Target    string
	Succeeded bool
}
