package session

import "time"

// Stats is a point-in-time call-detail snapshot for one session, adapted
// from the teacher's CDR record down to the fields a client softphone can
// actually observe - no SIP codes or trunk-side IPs, since those belong
// to the server this core merely talks to.
type Stats struct {
	SessionID    string
	Direction    string
	PeerURI      string
	LineNumber   int
	State        string
	StartTime    time.Time
	AnswerTime   time.Time
	EndTime      time.Time
	Duration     time.Duration
	OnHold       bool
	Muted        bool
	TransferredN int
}

// Stats returns a snapshot of sessionID's call-detail fields, suitable
// for a call-history UI or diagnostics export.
func (m *Manager) Stats(sessionID string) (Stats, bool) {
	s, ok := m.Get(sessionID)
	if !ok {
		return Stats{}, false
	}
	return Stats{
		SessionID:    s.ID,
		Direction:    s.Direction.String(),
		PeerURI:      s.PeerURI,
		LineNumber:   s.LineNumber,
		State:        s.State().String(),
		StartTime:    s.CreatedAt,
		AnswerTime:   s.AnsweredAt,
		EndTime:      s.TerminatedAt,
		Duration:     s.Duration(),
		OnHold:       s.OnHold(),
		Muted:        s.Muted(),
		TransferredN: len(s.TransferRecords()),
	}, true
}
