// Package hostenv models the "host environment" abstraction named in
// spec §9's design notes for globals/singletons: the audio-device
// selection, localized-string dictionary, and agent/voicemail signal
// sources that an embedding UI layer would otherwise hand the core as bare
// globals. The core depends only on these narrow interfaces and never
// reaches into global state on its own, matching the teacher's own
// practice of injecting every external collaborator through a constructor
// (see internal/ui/client.Client and internal/signaling's config/bus
// wiring).
package hostenv

// DeviceKind distinguishes the two device roles the Call Controller reads
// on every dial/answer (spec §4.F "device selection").
type DeviceKind int

const (
	DeviceInput DeviceKind = iota
	DeviceOutput
)

// DeviceSelector exposes the host's currently chosen audio devices. The
// core never enumerates hardware itself; it asks the host for whichever
// identifiers the UI's device picker currently holds.
type DeviceSelector interface {
	// SelectedDevice returns the host-chosen device identifier for kind,
	// or "" if the host has no preference (use the platform default).
	SelectedDevice(kind DeviceKind) string
}

// Strings exposes the host's localized-string dictionary. Only the lookup
// surface is modeled; the dictionary's contents are out of scope (spec §1
// Non-goals, carried forward in SPEC_FULL §C.2).
type Strings interface {
	// Lookup returns the localized string for key, or key itself if no
	// translation is registered, matching the teacher's fallback
	// convention for missing template values.
	Lookup(key string) string
}

// AgentState is the subset of agent/voicemail signal the Indicator State
// Machine consumes (spec §4.G priority table rows 4-6). The agent
// login/pause/queue state machine itself is out of scope; this is a
// read-only snapshot the host pushes or the core polls.
type AgentState struct {
	LoggedIn          bool
	VoicemailMessages int
}

// AgentSource supplies the current AgentState on demand.
type AgentSource interface {
	CurrentAgentState() AgentState
}

// Static is a fixed-value, concurrency-safe HostEnv suitable for the demo
// binary and for tests: every accessor returns whatever was supplied at
// construction, with no dynamic host wiring.
type Static struct {
	InputDevice  string
	OutputDevice string
	Dictionary   map[string]string
	Agent        AgentState
}

func (s *Static) SelectedDevice(kind DeviceKind) string {
	if kind == DeviceOutput {
		return s.OutputDevice
	}
	return s.InputDevice
}

func (s *Static) Lookup(key string) string {
	if s.Dictionary == nil {
		return key
	}
	if v, ok := s.Dictionary[key]; ok {
		return v
	}
	return key
}

func (s *Static) CurrentAgentState() AgentState {
	return s.Agent
}

// HostEnv bundles the three narrow capabilities the core depends on,
// matching the teacher's pattern of a single small constructor-injected
// bundle rather than three separately-threaded parameters.
type HostEnv struct {
	Devices DeviceSelector
	Strings Strings
	Agent   AgentSource
}

// New bundles the three capabilities for injection into the Call
// Controller and Indicator State Machine.
func New(devices DeviceSelector, strings Strings, agent AgentSource) *HostEnv {
	return &HostEnv{Devices: devices, Strings: strings, Agent: agent}
}
