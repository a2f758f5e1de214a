package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransferRecord captures one transfer attempt against a session (spec §3
// TransferIntent, persisted onto the session once it completes or fails).
type TransferRecord struct {
	Kind        TransferKind
	Target      string
	InitiatedAt time.Time
	CompletedAt time.Time
	Succeeded   bool
	FailReason  string
}

// TransferKind distinguishes blind from attended transfer.
type TransferKind int

const (
	TransferBlind TransferKind = iota
	TransferAttended
)

func (k TransferKind) String() string {
	if k == TransferAttended {
		return "attended"
	}
	return "blind"
}

// Session is one SIP dialog from the softphone's point of view (spec §3).
type Session struct {
	ID         string
	Direction  Direction
	LineNumber int
	PeerURI    string
	PeerName   string

	CreatedAt    time.Time
	AnsweredAt   time.Time
	TerminatedAt time.Time

	// OriginalSessionID ties an attended-transfer consultation call back
	// to the call being transferred (spec §4.D attended transfer).
	OriginalSessionID string

	mu              sync.RWMutex
	state           State
	onHold          bool
	muted           bool
	lastOffer       []byte
	transferRecords []TransferRecord

	reInviteInFlight atomic.Bool
}

// NewSession constructs a Session in StateInitial.
func NewSession(id string, dir Direction, peerURI string) *Session {
	return &Session{
		ID:        id,
		Direction: dir,
		PeerURI:   peerURI,
		CreatedAt: time.Now(),
		state:     StateInitial,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TransitionTo moves the session to next, validating the transition.
func (s *Session) TransitionTo(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	s.state = next
	switch next {
	case StateEstablished:
		if s.AnsweredAt.IsZero() {
			s.AnsweredAt = time.Now()
		}
	case StateTerminated:
		s.TerminatedAt = time.Now()
	}
	return nil
}

// OnHold reports whether the session is currently held.
func (s *Session) OnHold() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onHold
}

// setOnHold records the hold bookkeeping; the re-INVITE itself is driven
// by Manager.Hold/Unhold.
func (s *Session) setOnHold(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHold = v
}

// Muted reports whether the local track is muted.
func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// SetMuted toggles local mute. Unlike hold, mute never touches SDP or
// sends a re-INVITE - it is purely a local track-enable flag (spec §4.D).
func (s *Session) SetMuted(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = v
}

// Duration returns the established-call duration, zero if never answered.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AnsweredAt.IsZero() {
		return 0
	}
	end := s.TerminatedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AnsweredAt)
}

func (s *Session) lastOfferBody() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOffer
}

func (s *Session) setLastOffer(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOffer = body
}

// beginReInvite marks a hold/unhold re-INVITE in flight; returns
// ErrReInviteInProgress if one is already running (spec §4.D invariant:
// only one re-INVITE per session at a time).
func (s *Session) beginReInvite() error {
	if !s.reInviteInFlight.CompareAndSwap(false, true) {
		return ErrReInviteInProgress
	}
	return nil
}

func (s *Session) endReInvite() {
	s.reInviteInFlight.Store(false)
}

func (s *Session) recordTransfer(rec TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferRecords = append(s.transferRecords, rec)
}

// TransferRecords returns a copy of the transfer history for this session.
func (s *Session) TransferRecords() []TransferRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TransferRecord, len(s.transferRecords))
	copy(out, s.transferRecords)
	return out
}
