package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/media"
)

// ToneDefaults are the default timings for SendToneSequence (spec §4.D
// DTMF sequences): a pre-delay before the first tone, a press duration
// per tone, and a gap between tones.
var ToneDefaults = struct {
	PreDelay time.Duration
	Press    time.Duration
	Gap      time.Duration
}{
	PreDelay: 500 * time.Millisecond,
	Press:    150 * time.Millisecond,
	Gap:      200 * time.Millisecond,
}

func validTone(r rune) bool {
	_, ok := media.RuneToEvent(r)
	return ok
}

// RTPWriterFor is supplied by the host environment/WebRTC layer so the
// session package can emit RFC 4733 telephone-event packets on the
// correct outbound RTP stream without owning media transport itself.
type RTPWriterFor func(sessionID string) (media.RTPWriter, bool)

// SendDTMF sends a single tone on sessionID. RFC 4733 telephone-event is
// preferred when an RTP writer is available; otherwise this falls back
// to a SIP INFO request carrying application/dtmf-relay (spec §4.D DTMF
// fallback).
func (m *Manager) SendDTMF(ctx context.Context, sessionID string, tone rune, rtpWriter RTPWriterFor) error {
	if !validTone(tone) {
		return ErrInvalidTone
	}
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State() != StateEstablished {
		return ErrSessionGone
	}

	if rtpWriter != nil {
		if w, ok := rtpWriter(sessionID); ok {
			dw := media.NewDTMFWriter(w, media.DTMFPayloadType)
			ssrc := rand.Uint32()
			if err := dw.SendDigit(tone, ToneDefaults.Press, ssrc, uint16(rand.Uint32()), rand.Uint32()); err != nil {
				return fmt.Errorf("session: rfc4733 dtmf: %w", err)
			}
			m.bus.Emit(bus.TopicDtmfSent, DTMFEventPayload{SessionID: sessionID, Tone: string(tone), Method: "rfc4733"})
			return nil
		}
	}

	return m.sendDTMFInfo(ctx, s, tone)
}

func (m *Manager) sendDTMFInfo(ctx context.Context, s *Session, tone rune) error {
	req := sip.NewRequest(sip.INFO, mustURI(s.PeerURI))
	callID := sip.CallIDHeader(s.ID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: m.nextCSeq(), MethodName: sip.INFO})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=150\r\n", tone)))

	res, err := m.tr.SendRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("session: info dtmf: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("session: info dtmf rejected: %d %s", res.StatusCode, res.Reason)
	}
	m.bus.Emit(bus.TopicDtmfSent, DTMFEventPayload{SessionID: s.ID, Tone: string(tone), Method: "info"})
	return nil
}

// SendToneSequence sends each tone in digits in order, honoring
// ToneDefaults between tones (spec §4.D DTMF sequences).
func (m *Manager) SendToneSequence(ctx context.Context, sessionID string, digits string, rtpWriter RTPWriterFor) error {
	for _, r := range digits {
		if !validTone(r) {
			return ErrInvalidTone
		}
	}

	select {
	case <-time.After(ToneDefaults.PreDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	for i, r := range digits {
		if err := m.SendDTMF(ctx, sessionID, r, rtpWriter); err != nil {
			return fmt.Errorf("session: tone %d (%c): %w", i, r, err)
		}
		if i < len(digits)-1 {
			select {
			case <-time.After(ToneDefaults.Press + ToneDefaults.Gap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	slog.Debug("[Session] tone sequence sent", "session", sessionID, "digits", len(digits))
	return nil
}

// DTMFEventPayload is the dtmfSent event payload.
type DTMFEventPayload struct {
	SessionID string
	Tone      string
	Method    string
}
