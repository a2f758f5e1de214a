package session

import "testing"

func TestStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitial, StateEstablishing, true},
		{StateInitial, StateEstablished, false},
		{StateEstablishing, StateEstablished, true},
		{StateEstablished, StateTerminated, true},
		{StateTerminated, StateEstablishing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%v.CanTransitionTo(%v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionToRejectsInvalid(t *testing.T) {
	s := NewSession("s1", DirectionOutbound, "sip:bob@example.net")
	if err := s.TransitionTo(StateEstablished); err != ErrInvalidTransition {
		t.Fatalf("TransitionTo() error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionToEstablishedSetsAnsweredAt(t *testing.T) {
	s := NewSession("s1", DirectionOutbound, "sip:bob@example.net")
	_ = s.TransitionTo(StateEstablishing)
	_ = s.TransitionTo(StateEstablished)
	if s.AnsweredAt.IsZero() {
		t.Error("expected AnsweredAt to be set on reaching Established")
	}
}

func TestBeginReInviteRejectsConcurrent(t *testing.T) {
	s := NewSession("s1", DirectionOutbound, "sip:bob@example.net")
	if err := s.beginReInvite(); err != nil {
		t.Fatalf("first beginReInvite() error = %v", err)
	}
	if err := s.beginReInvite(); err != ErrReInviteInProgress {
		t.Fatalf("second beginReInvite() error = %v, want ErrReInviteInProgress", err)
	}
	s.endReInvite()
	if err := s.beginReInvite(); err != nil {
		t.Fatalf("beginReInvite() after end error = %v", err)
	}
}

func TestSetMutedDoesNotAffectHold(t *testing.T) {
	s := NewSession("s1", DirectionOutbound, "sip:bob@example.net")
	s.SetMuted(true)
	if !s.Muted() {
		t.Error("expected Muted() true")
	}
	if s.OnHold() {
		t.Error("expected OnHold() false, mute must not imply hold")
	}
}
