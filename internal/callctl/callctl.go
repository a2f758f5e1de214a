// Package callctl implements the Call Controller (spec §4.F): the
// orchestrator a UI layer talks to, composed purely from the Session Store
// and Line Key Manager plus target normalization. The host's device
// selection is exposed through InputDevice/OutputDevice; Dial and Answer
// do not read it. Grounded on the teacher's own thin
// orchestration layer, internal/ui's handlers, which never hold SIP state
// themselves and only ever call down into a lower-level client.
package callctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/kittykatchunks/365connect/internal/config"
	"github.com/kittykatchunks/365connect/internal/hostenv"
	"github.com/kittykatchunks/365connect/internal/line"
	"github.com/kittykatchunks/365connect/internal/session"
)

// TransferMode selects blind vs. attended transfer (spec §4.D, §4.F
// "transfer(sessionId, target, mode)").
type TransferMode int

const (
	TransferBlind TransferMode = iota
	TransferAttended
)

// Controller is the Call Controller. It holds no SIP/media state of its
// own; every call is a direct composition of Sessions and Lines.
type Controller struct {
	sessions *session.Manager
	lines    *line.Manager
	cfg      *config.Config
	devices  hostenv.DeviceSelector
	rtpFor   session.RTPWriterFor
}

// New creates a Controller. rtpFor may be nil, in which case DTMF always
// falls back to SIP INFO (spec §4.D DTMF fallback); a host wiring a real
// WebRTC media stack supplies it to prefer RFC 4733.
func New(sessions *session.Manager, lines *line.Manager, cfg *config.Config, devices hostenv.DeviceSelector, rtpFor session.RTPWriterFor) *Controller {
	return &Controller{sessions: sessions, lines: lines, cfg: cfg, devices: devices, rtpFor: rtpFor}
}

// Dial normalizes target to a SIP URI using the configured domain,
// allocates a line, and starts an outgoing session (spec §4.F "dial").
func (c *Controller) Dial(ctx context.Context, target string) (string, error) {
	uri := c.normalizeTarget(target)
	s, err := c.sessions.Dial(ctx, uri, session.DialOptions{})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// normalizeTarget builds a full SIP URI from a bare extension/number using
// the configured domain, or passes an already-qualified target through
// unchanged (spec §4.F "normalize to a SIP URI using the configured
// domain").
func (c *Controller) normalizeTarget(target string) string {
	if strings.Contains(target, "sip:") || strings.Contains(target, "sips:") {
		return target
	}
	domain := c.cfg.Domain
	if domain == "" {
		domain = c.cfg.Server
	}
	return fmt.Sprintf("sip:%s@%s", target, domain)
}

// Answer accepts sessionId's inbound INVITE (spec §4.F "answer") with
// localSDP exactly as the caller built it; it does not read or apply the
// host's device selection.
func (c *Controller) Answer(ctx context.Context, sessionID string, localSDP []byte) error {
	return c.sessions.Answer(ctx, sessionID, localSDP)
}

// InputDevice and OutputDevice return the host's current device selection
// (spec §4.F "device selection"). Dial and Answer do not call them; a
// caller building localSDP/offer SDP consults them itself.
func (c *Controller) InputDevice() string {
	if c.devices == nil {
		return ""
	}
	return c.devices.SelectedDevice(hostenv.DeviceInput)
}

func (c *Controller) OutputDevice() string {
	if c.devices == nil {
		return ""
	}
	return c.devices.SelectedDevice(hostenv.DeviceOutput)
}

// HangUp terminates sessionID, or the currently-selected line's session if
// sessionID is empty (spec §4.F "hangUp(sessionId?)").
func (c *Controller) HangUp(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = c.selectedSessionID()
		if sessionID == "" {
			return fmt.Errorf("callctl: no line selected")
		}
	}
	return c.sessions.HangUp(ctx, sessionID)
}

func (c *Controller) selectedSessionID() string {
	lineNum := c.lines.Selected()
	if lineNum == 0 {
		return ""
	}
	for _, slot := range c.lines.Slots() {
		if slot.Number == lineNum {
			return slot.SessionID
		}
	}
	return ""
}

// Transfer delegates to blind or attended transfer per mode (spec §4.D,
// §4.F "transfer"). Attended transfer returns the new consultation
// session's id; blind transfer returns "" since no new session is
// created.
func (c *Controller) Transfer(ctx context.Context, sessionID, target string, mode TransferMode) (string, error) {
	switch mode {
	case TransferBlind:
		return "", c.sessions.BlindTransfer(ctx, sessionID, target)
	case TransferAttended:
		consult, err := c.sessions.AttendedTransfer(ctx, sessionID, target)
		if err != nil {
			return "", err
		}
		return consult.ID, nil
	default:
		return "", fmt.Errorf("callctl: unknown transfer mode %d", mode)
	}
}

// SendDtmf sends a single DTMF tone on sessionID (spec §4.F "sendDtmf").
func (c *Controller) SendDtmf(ctx context.Context, sessionID string, tone rune) error {
	return c.sessions.SendDTMF(ctx, sessionID, tone, c.rtpFor)
}

// SendDtmfSequence sends each tone in sequence with the session package's
// default inter-tone timings (spec §4.F "sendDtmfSequence"). Per-call
// timing overrides are not modeled; spec.md leaves the "timings?" argument
// optional and no example in the retrieval pack demonstrates a
// caller-supplied override.
func (c *Controller) SendDtmfSequence(ctx context.Context, sessionID string, sequence string) error {
	return c.sessions.SendToneSequence(ctx, sessionID, sequence, c.rtpFor)
}
