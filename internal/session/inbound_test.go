package session

import (
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
)

func newInboundInvite(t *testing.T, callID string) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	if err := sip.ParseUri("sip:1001@example.net", &recipient); err != nil {
		t.Fatalf("parse recipient: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, recipient)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Bob",
		Address:     sip.Uri{User: "bob", Host: "example.net"},
		Params:      sip.NewParams(),
	})
	req.SetBody([]byte("v=0\r\n"))
	return req
}

func TestHandleInviteAssignsLineAndSendsRinging(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	req := newInboundInvite(t, "call-1")

	s, err := m.HandleInvite(req)
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}
	if s.Direction != DirectionInbound {
		t.Errorf("Direction = %v, want DirectionInbound", s.Direction)
	}
	if s.LineNumber != 1 {
		t.Errorf("LineNumber = %d, want 1", s.LineNumber)
	}
	if s.State() != StateEstablishing {
		t.Errorf("State() = %v, want StateEstablishing", s.State())
	}
	if s.PeerName != "Bob" {
		t.Errorf("PeerName = %q, want Bob", s.PeerName)
	}
}

func TestAnswerSendsTwoHundredAndTransitionsEstablished(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	req := newInboundInvite(t, "call-1")
	s, err := m.HandleInvite(req)
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}

	if err := m.Answer(context.Background(), s.ID, []byte("v=0\r\n")); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if s.State() != StateEstablished {
		t.Errorf("State() = %v, want StateEstablished", s.State())
	}
	if s.AnsweredAt.IsZero() {
		t.Error("expected AnsweredAt set")
	}
}

func TestRejectDeclinesAndTerminates(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	req := newInboundInvite(t, "call-1")
	s, err := m.HandleInvite(req)
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}

	if err := m.Reject(context.Background(), s.ID, 486, "Busy Here"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if !s.State().IsTerminal() {
		t.Errorf("State() = %v, want terminal", s.State())
	}
}

func TestHandleInviteAllLinesBusyDeclines(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	for i := 0; i < 3; i++ {
		req := newInboundInvite(t, string(rune('a'+i)))
		if _, err := m.HandleInvite(req); err != nil {
			t.Fatalf("HandleInvite() error = %v", err)
		}
	}

	_, err := m.HandleInvite(newInboundInvite(t, "overflow"))
	if err == nil {
		t.Fatal("expected error when all lines busy")
	}
}

func TestHandleInviteWhileAnotherActiveEmitsCallWaiting(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	first, err := m.HandleInvite(newInboundInvite(t, "call-1"))
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}
	if err := m.Answer(context.Background(), first.ID, []byte("v=0\r\n")); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	var waitingEvents []CallWaitingPayload
	m.bus.Subscribe(bus.TopicCallWaitingTone, func(ev bus.Event) {
		waitingEvents = append(waitingEvents, ev.Payload.(CallWaitingPayload))
	})

	second, err := m.HandleInvite(newInboundInvite(t, "call-2"))
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}
	if second.LineNumber != 2 {
		t.Errorf("LineNumber = %d, want 2", second.LineNumber)
	}
	if len(waitingEvents) != 1 || waitingEvents[0].SessionID != "call-2" {
		t.Errorf("waitingEvents = %+v", waitingEvents)
	}
}

func TestHandleByeTerminatesEstablishedSession(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s, err := m.HandleInvite(newInboundInvite(t, "call-1"))
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}
	if err := m.Answer(context.Background(), s.ID, []byte("v=0\r\n")); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	bye := sip.NewRequest(sip.BYE, sip.Uri{User: "1001", Host: "example.net"})
	cid := sip.CallIDHeader("call-1")
	bye.AppendHeader(&cid)

	res := m.HandleBye(bye)
	if res.StatusCode != 200 {
		t.Errorf("HandleBye() status = %d, want 200", res.StatusCode)
	}
	if !s.State().IsTerminal() {
		t.Errorf("State() = %v, want terminal", s.State())
	}
}

func TestHandleByeUnknownCallIDReturns481(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	bye := sip.NewRequest(sip.BYE, sip.Uri{User: "1001", Host: "example.net"})
	cid := sip.CallIDHeader("missing")
	bye.AppendHeader(&cid)

	res := m.HandleBye(bye)
	if res.StatusCode != 481 {
		t.Errorf("HandleBye() status = %d, want 481", res.StatusCode)
	}
}

func TestHangUpOnRingingInboundSessionRejects(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	s, err := m.HandleInvite(newInboundInvite(t, "call-1"))
	if err != nil {
		t.Fatalf("HandleInvite() error = %v", err)
	}

	if err := m.HangUp(context.Background(), s.ID); err != nil {
		t.Fatalf("HangUp() error = %v", err)
	}
	if !s.State().IsTerminal() {
		t.Errorf("State() = %v, want terminal", s.State())
	}
}
