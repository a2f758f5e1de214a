package line

import "testing"

func TestAssignPicksLowestNumberedIdleSlot(t *testing.T) {
	m := New(nil)
	n1, err := m.Assign("s1")
	if err != nil || n1 != 1 {
		t.Fatalf("Assign(s1) = (%d, %v), want (1, nil)", n1, err)
	}
	n2, err := m.Assign("s2")
	if err != nil || n2 != 2 {
		t.Fatalf("Assign(s2) = (%d, %v), want (2, nil)", n2, err)
	}
}

func TestAssignLine1AutoFocuses(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	if got := m.Selected(); got != 1 {
		t.Errorf("Selected() = %d, want 1", got)
	}
}

// TestAssignDoesNotAutoFocusWhileAnotherLineStillBusy exercises spec
// §4.E's auto-focus rule in full: Line 1 auto-focuses only when no other
// non-terminal session exists, not merely when nothing is currently
// selected. Line 1 ends and resets selected to 0 while Line 2 is still
// occupied; a new inbound call then lands on the now-idle Line 1, and must
// not steal focus away from the still-busy Line 2.
func TestAssignDoesNotAutoFocusWhileAnotherLineStillBusy(t *testing.T) {
	m := New(nil)
	m.Assign("s1") // Line 1, auto-focuses: selected == 1
	m.Assign("s2") // Line 2, call-waiting: selected stays 1

	m.Clear("s1") // Line 1 ends; selected resets to 0 while Line 2 is still busy
	if got := m.Selected(); got != 0 {
		t.Fatalf("Selected() after Clear = %d, want 0", got)
	}

	n, err := m.Assign("s3") // lands back on the now-idle Line 1
	if err != nil || n != 1 {
		t.Fatalf("Assign(s3) = (%d, %v), want (1, nil)", n, err)
	}
	if got := m.Selected(); got != 0 {
		t.Errorf("Selected() = %d, want 0 (Line 2 still busy, must not auto-focus)", got)
	}
}

func TestAssignAllLinesBusyReturnsError(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	m.Assign("s2")
	m.Assign("s3")
	if _, err := m.Assign("s4"); err != ErrAllLinesBusy {
		t.Fatalf("Assign(s4) error = %v, want ErrAllLinesBusy", err)
	}
}

func TestSelectLineHoldsPreviousActiveLine(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	m.UpdateState("s1", StateActive)
	m.Assign("s2")

	toHold, err := m.SelectLine(2)
	if err != nil {
		t.Fatalf("SelectLine() error = %v", err)
	}
	if toHold != "s1" {
		t.Errorf("toHold = %q, want s1", toHold)
	}
	if m.Selected() != 2 {
		t.Errorf("Selected() = %d, want 2", m.Selected())
	}
}

func TestSelectLineOnIdlePreviousReturnsNoHold(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	m.Assign("s2")

	toHold, err := m.SelectLine(2)
	if err != nil {
		t.Fatalf("SelectLine() error = %v", err)
	}
	if toHold != "" {
		t.Errorf("toHold = %q, want empty", toHold)
	}
}

func TestClearReleasesSlotAndSelection(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	m.Clear("s1")

	if m.Selected() != 0 {
		t.Errorf("Selected() = %d, want 0 after clearing selected line", m.Selected())
	}
	if got, err := m.Assign("s2"); err != nil || got != 1 {
		t.Errorf("Assign() after Clear = (%d, %v), want (1, nil)", got, err)
	}
}

func TestAllBusy(t *testing.T) {
	m := New(nil)
	if m.AllBusy() {
		t.Fatal("expected AllBusy() false on fresh manager")
	}
	m.Assign("s1")
	m.Assign("s2")
	m.Assign("s3")
	if !m.AllBusy() {
		t.Fatal("expected AllBusy() true once all slots occupied")
	}
}

func TestLineOf(t *testing.T) {
	m := New(nil)
	m.Assign("s1")
	m.Assign("s2")
	if got := m.LineOf("s2"); got != 2 {
		t.Errorf("LineOf(s2) = %d, want 2", got)
	}
	if got := m.LineOf("missing"); got != 0 {
		t.Errorf("LineOf(missing) = %d, want 0", got)
	}
}
