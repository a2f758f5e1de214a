package session

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
)

// waitForState polls until s reaches want, or fails the test after a short
// deadline. Dial's answer arrives via watchInviteResponses on its own
// goroutine, so tests that need an outbound call Established cannot just
// check immediately after Dial returns.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v before deadline", s.State(), want)
}

func establishedInboundSession(t *testing.T, m *Manager, callID string) *Session {
	t.Helper()
	s, err := m.HandleInvite(newInboundInvite(t, callID))
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}
	if err := m.Answer(context.Background(), s.ID, []byte("v=0\r\n")); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	return s
}

func sipfragNotify(callID, fragStatusLine string) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{User: "1001", Host: "example.net"})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag"))
	req.SetBody([]byte(fragStatusLine))
	return req
}

func TestBlindTransferAcceptedLeavesSessionUpUntilNotify(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s := establishedInboundSession(t, m, "call-1")

	if err := m.BlindTransfer(context.Background(), s.ID, "sip:bob@example.net"); err != nil {
		t.Fatalf("BlindTransfer() error = %v", err)
	}
	if s.State().IsTerminal() {
		t.Fatal("session terminated immediately on REFER acceptance, want left up until sipfrag NOTIFY")
	}
}

func TestBlindTransferSipfragSuccessHangsUpSession(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s := establishedInboundSession(t, m, "call-1")

	if err := m.BlindTransfer(context.Background(), s.ID, "sip:bob@example.net"); err != nil {
		t.Fatalf("BlindTransfer() error = %v", err)
	}

	var completed []TransferEventPayload
	m.bus.Subscribe(bus.TopicTransferCompleted, func(ev bus.Event) {
		completed = append(completed, ev.Payload.(TransferEventPayload))
	})

	res := m.HandleReferNotify(sipfragNotify("call-1", "SIP/2.0 200 OK"))
	if res == nil || res.StatusCode != 200 {
		t.Fatalf("HandleReferNotify() = %v, want 200 OK", res)
	}
	if !s.State().IsTerminal() {
		t.Errorf("State() = %v, want terminal after sipfrag 200", s.State())
	}
	if len(completed) != 1 || !completed[0].Succeeded {
		t.Errorf("transferCompleted = %+v, want one succeeded event", completed)
	}
}

func TestBlindTransferSipfragFailureLeavesSessionUp(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s := establishedInboundSession(t, m, "call-1")

	if err := m.BlindTransfer(context.Background(), s.ID, "sip:bob@example.net"); err != nil {
		t.Fatalf("BlindTransfer() error = %v", err)
	}

	var completed []TransferEventPayload
	m.bus.Subscribe(bus.TopicTransferCompleted, func(ev bus.Event) {
		completed = append(completed, ev.Payload.(TransferEventPayload))
	})

	res := m.HandleReferNotify(sipfragNotify("call-1", "SIP/2.0 486 Busy Here"))
	if res == nil || res.StatusCode != 200 {
		t.Fatalf("HandleReferNotify() = %v, want 200 OK", res)
	}
	if s.State().IsTerminal() {
		t.Error("session terminated on sipfrag failure, want left up")
	}
	if len(completed) != 1 || completed[0].Succeeded {
		t.Errorf("transferCompleted = %+v, want one failed event", completed)
	}
}

func TestBlindTransferSipfragProvisionalDoesNotResolve(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s := establishedInboundSession(t, m, "call-1")

	if err := m.BlindTransfer(context.Background(), s.ID, "sip:bob@example.net"); err != nil {
		t.Fatalf("BlindTransfer() error = %v", err)
	}

	res := m.HandleReferNotify(sipfragNotify("call-1", "SIP/2.0 100 Trying"))
	if res == nil || res.StatusCode != 200 {
		t.Fatalf("HandleReferNotify() = %v, want 200 OK", res)
	}
	if s.State().IsTerminal() {
		t.Error("session terminated on provisional sipfrag, want left up")
	}

	m.transferMu.Lock()
	_, stillPending := m.pendingTransfers[s.ID]
	m.transferMu.Unlock()
	if !stillPending {
		t.Error("pending transfer resolved by a provisional sipfrag, want still pending")
	}
}

func TestHandleReferNotifyUnknownCallIDReturnsNil(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	res := m.HandleReferNotify(sipfragNotify("no-such-call", "SIP/2.0 200 OK"))
	if res != nil {
		t.Errorf("HandleReferNotify() = %v, want nil for an uncorrelated NOTIFY", res)
	}
}

func TestAttendedTransferCompletionHangsUpBothLegsOnSuccess(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	original := establishedInboundSession(t, m, "call-1")

	consultation, err := m.AttendedTransfer(context.Background(), original.ID, "sip:carol@example.net")
	if err != nil {
		t.Fatalf("AttendedTransfer() error = %v", err)
	}
	waitForState(t, consultation, StateEstablished)

	if err := m.CompleteAttendedTransfer(context.Background(), consultation.ID); err != nil {
		t.Fatalf("CompleteAttendedTransfer() error = %v", err)
	}
	if original.State().IsTerminal() {
		t.Error("original session already terminal before sipfrag resolution")
	}

	res := m.HandleReferNotify(sipfragNotify(original.ID, "SIP/2.0 200 OK"))
	if res == nil || res.StatusCode != 200 {
		t.Fatalf("HandleReferNotify() = %v, want 200 OK", res)
	}
	if !original.State().IsTerminal() {
		t.Error("original session not terminated after sipfrag 200")
	}
	if !consultation.State().IsTerminal() {
		t.Error("consultation session not terminated after sipfrag 200")
	}
}
