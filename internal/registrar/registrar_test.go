package registrar

import (
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/config"
)

// fakeTransport answers SendRequest from a scripted list of responses, one
// per call, so a test can drive a challenge/retry sequence deterministically.
type fakeTransport struct {
	responses []*sip.Response
	requests  []*sip.Request
}

func (f *fakeTransport) SendRequest(_ context.Context, req *sip.Request) (*sip.Response, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
	}
	return f.responses[idx], nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(
		config.WithServer("pbx.example.net"),
		config.WithCredentials("1001", "secret", "example.net"),
	)
	if err != nil {
		t.Fatalf("config.New() error = %v", err)
	}
	return cfg
}

func challengeResponse(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.net", nonce="abc123", algorithm=MD5`))
	return res
}

func TestRegisterSucceedsWithoutChallenge(t *testing.T) {
	tr := &fakeTransport{}
	c := New(newTestConfig(t), tr, bus.New())

	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if c.State() != StateRegistered {
		t.Errorf("State() = %v, want StateRegistered", c.State())
	}
	if len(tr.requests) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(tr.requests))
	}
	if tr.requests[0].CallID() == nil {
		t.Error("REGISTER request missing Call-ID header")
	}
}

func TestRegisterRetriesWithDigestOnChallenge(t *testing.T) {
	challenging := &challengingTransport{}
	c := New(newTestConfig(t), challenging, bus.New())

	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if c.State() != StateRegistered {
		t.Errorf("State() = %v, want StateRegistered", c.State())
	}
	if len(challenging.requests) != 2 {
		t.Fatalf("len(requests) = %d, want 2 (initial + digest retry)", len(challenging.requests))
	}
	if challenging.requests[1].GetHeader("Authorization") == nil {
		t.Fatal("retry request missing Authorization header")
	}
}

// challengingTransport rejects the first REGISTER with a 401 challenge and
// accepts any subsequent request carrying an Authorization header.
type challengingTransport struct {
	requests []*sip.Request
}

func (f *challengingTransport) SendRequest(_ context.Context, req *sip.Request) (*sip.Response, error) {
	f.requests = append(f.requests, req)
	if req.GetHeader("Authorization") == nil {
		return challengeResponse(req), nil
	}
	return sip.NewResponseFromRequest(req, 200, "OK", nil), nil
}

func TestRegisterEmitsRegisteredExactlyOnce(t *testing.T) {
	tr := &fakeTransport{}
	b := bus.New()
	c := New(newTestConfig(t), tr, b)

	var registeredCount int
	b.Subscribe(bus.TopicRegistered, func(bus.Event) { registeredCount++ })

	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if registeredCount != 1 {
		t.Errorf("registered emitted %d times, want exactly 1", registeredCount)
	}
}

func TestRegisterFailureDoesNotEmitRegistered(t *testing.T) {
	tr := &rejectingTransport{status: 503, reason: "Service Unavailable"}
	b := bus.New()
	c := New(newTestConfig(t), tr, b)

	var registeredCount int
	var failedCount int
	b.Subscribe(bus.TopicRegistered, func(bus.Event) { registeredCount++ })
	b.Subscribe(bus.TopicRegistrationFailed, func(bus.Event) { failedCount++ })

	if err := c.Register(context.Background()); err == nil {
		t.Fatal("Register() error = nil, want non-nil")
	}
	if registeredCount != 0 {
		t.Errorf("registered emitted %d times, want 0 on failure", registeredCount)
	}
	if failedCount != 1 {
		t.Errorf("registrationFailed emitted %d times, want 1", failedCount)
	}
}

func TestRegisterChallengeFailuresEmitRegistrationFailed(t *testing.T) {
	tr := &missingChallengeHeaderTransport{}
	b := bus.New()
	c := New(newTestConfig(t), tr, b)

	var failedCount int
	b.Subscribe(bus.TopicRegistrationFailed, func(bus.Event) { failedCount++ })

	if err := c.Register(context.Background()); err == nil {
		t.Fatal("Register() error = nil, want non-nil")
	}
	if failedCount != 1 {
		t.Errorf("registrationFailed emitted %d times, want 1", failedCount)
	}
	if c.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", c.State())
	}
}

// missingChallengeHeaderTransport returns a 401 with no challenge header at
// all, exercising the "missing challenge header" failure path.
type missingChallengeHeaderTransport struct{}

func (missingChallengeHeaderTransport) SendRequest(_ context.Context, req *sip.Request) (*sip.Response, error) {
	return sip.NewResponseFromRequest(req, 401, "Unauthorized", nil), nil
}

func TestRegisterFailsOnNonAuthErrorStatus(t *testing.T) {
	tr := &rejectingTransport{status: 503, reason: "Service Unavailable"}
	c := New(newTestConfig(t), tr, bus.New())

	if err := c.Register(context.Background()); err == nil {
		t.Fatal("Register() error = nil, want non-nil")
	}
	if c.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", c.State())
	}
}

type rejectingTransport struct {
	status int
	reason string
}

func (f *rejectingTransport) SendRequest(_ context.Context, req *sip.Request) (*sip.Response, error) {
	return sip.NewResponseFromRequest(req, sip.StatusCode(f.status), f.reason, nil), nil
}

func TestUnregisterRunsTeardownHookAndEmitsUnregistered(t *testing.T) {
	tr := &fakeTransport{}
	c := New(newTestConfig(t), tr, bus.New())
	var hookRan bool
	c.OnUnregister(func(context.Context) { hookRan = true })

	if err := c.Unregister(context.Background(), false); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !hookRan {
		t.Error("expected OnUnregister hook to run")
	}
	if c.State() != StateUnregistered {
		t.Errorf("State() = %v, want StateUnregistered", c.State())
	}
}

func TestUnregisterSkipsTeardownHookWhenRequested(t *testing.T) {
	tr := &fakeTransport{}
	c := New(newTestConfig(t), tr, bus.New())
	var hookRan bool
	c.OnUnregister(func(context.Context) { hookRan = true })

	if err := c.Unregister(context.Background(), true); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if hookRan {
		t.Error("expected OnUnregister hook to be skipped")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want FailureKind
	}{
		{401, FailureAuth},
		{403, FailureAuth},
		{404, FailureNotFound},
		{503, FailureTransient},
		{500, FailureFatal},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.code); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
