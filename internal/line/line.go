// Package line implements the Line Key Manager (spec §4.E): a fixed
// three-slot call-appearance model mirroring a deskphone's line keys.
// Allocation always picks the lowest-numbered idle slot; selecting a line
// auto-holds the previously selected line if that line is Active.
package line

import (
	"fmt"
	"sync"

	"github.com/kittykatchunks/365connect/internal/bus"
)

// Count is the fixed number of line slots. The spec models a three-line
// deskphone; this is not configurable.
const Count = 3

// ErrAllLinesBusy is returned by Assign when every slot is occupied.
var ErrAllLinesBusy = fmt.Errorf("line: all lines busy")

// State is the occupancy state of a single line slot.
type State int

const (
	StateIdle State = iota
	StateActive
	StateHeld
	StateRinging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StateHeld:
		return "Held"
	case StateRinging:
		return "Ringing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Slot is one line key. Number is 1-based per spec §3 (Line Slot).
type Slot struct {
	Number    int
	SessionID string
	State     State
}

func (s Slot) idle() bool { return s.State == StateIdle && s.SessionID == "" }

// Manager owns the fixed set of line slots and the currently-selected
// line. It does not know about SIP or WebRTC; session.Manager calls into
// it purely to reserve/update/release line numbers.
type Manager struct {
	mu       sync.Mutex
	bus      *bus.Bus
	slots    [Count]Slot
	selected int // 0 means none selected
}

// New creates a Manager with all slots idle.
func New(b *bus.Bus) *Manager {
	m := &Manager{bus: b}
	for i := range m.slots {
		m.slots[i] = Slot{Number: i + 1, State: StateIdle}
	}
	return m
}

// Assign reserves the lowest-numbered idle slot for sessionID and returns
// its line number. If no slot is idle, it returns ErrAllLinesBusy and
// leaves the slots and the selected line unchanged (spec §4.E capacity
// policy); the Session Store then declines an inbound INVITE with 486.
func (m *Manager) Assign(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		if m.slots[i].idle() {
			m.slots[i].SessionID = sessionID
			m.slots[i].State = StateRinging
			num := m.slots[i].Number

			// Auto-focus rule (spec §4.E): only Line 1, only when no other
			// non-terminal session exists, and only from an unselected or
			// Line 2/3-selected state - never steals focus while another
			// line is still busy (the call-waiting case).
			if num == 1 && (m.selected == 0 || m.selected == 2 || m.selected == 3) && !m.anyOtherOccupied(i) {
				m.selected = num
			}
			m.emitLineChanged()
			return num, nil
		}
	}
	return 0, ErrAllLinesBusy
}

// anyOtherOccupied reports whether any slot other than except is non-idle.
func (m *Manager) anyOtherOccupied(except int) bool {
	for i := range m.slots {
		if i == except {
			continue
		}
		if !m.slots[i].idle() {
			return true
		}
	}
	return false
}

// UpdateState transitions the slot holding sessionID to state. No-op if
// the session does not occupy a slot.
func (m *Manager) UpdateState(sessionID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		if m.slots[i].SessionID == sessionID {
			m.slots[i].State = state
			m.emitLineChanged()
			return
		}
	}
}

// Clear releases the slot holding sessionID back to idle.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		if m.slots[i].SessionID == sessionID {
			num := m.slots[i].Number
			m.slots[i] = Slot{Number: num, State: StateIdle}
			if m.selected == num {
				m.selected = 0
			}
			m.emitLineChanged()
			return
		}
	}
}

// SelectLine moves operator focus to lineNumber. If the slot currently
// selected is Active, it is auto-held first (spec §4.E "selecting a busy
// line holds whatever was previously active"); the caller must still
// perform the actual re-INVITE via the session manager - SelectLine only
// updates the slot bookkeeping and returns the session that needs holding
// (empty string if none).
func (m *Manager) SelectLine(lineNumber int) (toHold string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lineNumber < 1 || lineNumber > Count {
		return "", fmt.Errorf("line: invalid line number %d", lineNumber)
	}

	var previous *Slot
	if m.selected != 0 && m.selected != lineNumber {
		for i := range m.slots {
			if m.slots[i].Number == m.selected {
				previous = &m.slots[i]
				break
			}
		}
	}

	m.selected = lineNumber
	m.emitLineChanged()

	if previous != nil && previous.State == StateActive {
		return previous.SessionID, nil
	}
	return "", nil
}

// Selected returns the currently-selected line number, or 0 if none.
func (m *Manager) Selected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Slots returns a snapshot of all line slots.
func (m *Manager) Slots() [Count]Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots
}

// ActiveLines returns the line numbers currently not idle.
func (m *Manager) ActiveLines() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for _, s := range m.slots {
		if !s.idle() {
			out = append(out, s.Number)
		}
	}
	return out
}

// AllBusy reports whether every slot is occupied.
func (m *Manager) AllBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.idle() {
			return false
		}
	}
	return true
}

// LineOf returns the line number currently holding sessionID, or 0.
func (m *Manager) LineOf(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.SessionID == sessionID {
			return s.Number
		}
	}
	return 0
}

func (m *Manager) emitLineChanged() {
	if m.bus == nil {
		return
	}
	m.bus.Emit(bus.TopicLineChanged, LineChangedPayload{
		Slots:    m.slots,
		Selected: m.selected,
	})
}

// LineChangedPayload is the lineChanged event payload.
type LineChangedPayload struct {
	Slots    [Count]Slot
	Selected int
}
