package callctl

import (
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/config"
	"github.com/kittykatchunks/365connect/internal/hostenv"
	"github.com/kittykatchunks/365connect/internal/line"
	"github.com/kittykatchunks/365connect/internal/session"
)

type fakeTransport struct{}

func (fakeTransport) SendRequest(_ context.Context, req *sip.Request) (*sip.Response, error) {
	return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
}
func (fakeTransport) SendDialogRequest(req *sip.Request) (<-chan *sip.Response, error) {
	ch := make(chan *sip.Response, 1)
	ch <- sip.NewResponseFromRequest(req, 200, "OK", nil)
	close(ch)
	return ch, nil
}
func (fakeTransport) Send(sip.Message) error { return nil }

func newTestController(t *testing.T) *Controller {
	t.Helper()
	var local sip.Uri
	if err := sip.ParseUri("sip:1001@example.net", &local); err != nil {
		t.Fatalf("parse local URI: %v", err)
	}
	b := bus.New()
	lines := line.New(b)
	sessions := session.New(fakeTransport{}, b, lines, local)
	cfg, err := config.New(
		config.WithServer("pbx.example.net"),
		config.WithCredentials("1001", "secret", "example.net"),
	)
	if err != nil {
		t.Fatalf("config.New() error = %v", err)
	}
	devices := &hostenv.Static{InputDevice: "mic-1", OutputDevice: "spk-1"}
	return New(sessions, lines, cfg, devices, nil)
}

func TestDialNormalizesBareExtensionToSipURI(t *testing.T) {
	c := newTestController(t)
	id, err := c.Dial(context.Background(), "2002")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestDialPassesThroughAlreadyQualifiedURI(t *testing.T) {
	c := newTestController(t)
	_, err := c.Dial(context.Background(), "sip:2002@other.example.net")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
}

func TestInputOutputDeviceReadFromHostEnv(t *testing.T) {
	c := newTestController(t)
	if got := c.InputDevice(); got != "mic-1" {
		t.Errorf("InputDevice() = %q, want mic-1", got)
	}
	if got := c.OutputDevice(); got != "spk-1" {
		t.Errorf("OutputDevice() = %q, want spk-1", got)
	}
}

func TestHangUpWithoutSessionIDUsesSelectedLine(t *testing.T) {
	c := newTestController(t)
	id, err := c.Dial(context.Background(), "2002")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := c.HangUp(context.Background(), ""); err != nil {
		t.Fatalf("HangUp() error = %v", err)
	}
	s, ok := c.sessions.Get(id)
	if !ok {
		t.Fatal("session disappeared")
	}
	if !s.State().IsTerminal() {
		t.Errorf("State() = %v, want terminal", s.State())
	}
}

func TestHangUpWithoutSessionIDAndNoSelectionErrors(t *testing.T) {
	c := newTestController(t)
	if err := c.HangUp(context.Background(), ""); err == nil {
		t.Fatal("expected error when no line is selected")
	}
}
