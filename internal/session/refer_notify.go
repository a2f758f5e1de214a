package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/bus"
)

// HandleReferNotify processes an inbound NOTIFY on a REFER subscription
// (spec §4.D transfer completion): the sipfrag status line in the body -
// not the original REFER response - decides whether the transfer
// completed. A final response (2xx) hangs up the transferred leg(s); a
// final failure (4xx/5xx/6xx) leaves the session up, exactly as spec.md
// §8's boundary scenario requires ("REFER receives 202 then a NOTIFY
// SIP/2.0 200 OK"). A provisional sipfrag (1xx) is acknowledged without
// resolving the pending transfer. Returns nil if req does not correlate to
// any transfer this Manager is waiting on.
func (m *Manager) HandleReferNotify(req *sip.Request) *sip.Response {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		return nil
	}
	sessionID := callIDHdr.Value()

	m.transferMu.Lock()
	pending, ok := m.pendingTransfers[sessionID]
	m.transferMu.Unlock()
	if !ok {
		return nil
	}

	status, final := parseSipfragStatus(req.Body())
	if !final {
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	}

	m.transferMu.Lock()
	delete(m.pendingTransfers, sessionID)
	m.transferMu.Unlock()

	succeeded := status >= 200 && status < 300
	pending.rec.Succeeded = succeeded
	pending.rec.CompletedAt = time.Now()
	if !succeeded {
		pending.rec.FailReason = sipfragFailReason(status)
	}
	if s, ok := m.Get(sessionID); ok {
		s.recordTransfer(pending.rec)
	}

	m.bus.Emit(bus.TopicTransferCompleted, TransferEventPayload{
		SessionID: sessionID,
		Kind:      pending.kind.String(),
		Target:    pending.target,
		Succeeded: succeeded,
	})

	if succeeded {
		_ = m.HangUp(context.Background(), sessionID)
		if pending.consultationID != "" {
			_ = m.HangUp(context.Background(), pending.consultationID)
		}
	}

	return sip.NewResponseFromRequest(req, 200, "OK", nil)
}

// parseSipfragStatus reads the status code off a message/sipfrag body's
// leading status line ("SIP/2.0 200 OK"). final reports whether the code
// is a final response (>=200); a provisional or unparseable body is not
// final, so the caller keeps waiting.
func parseSipfragStatus(body []byte) (code int, final bool) {
	line := strings.TrimSpace(string(body))
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return n, n >= 200
}

func sipfragFailReason(status int) string {
	return "sipfrag " + strconv.Itoa(status)
}
