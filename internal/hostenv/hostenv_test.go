package hostenv

import "testing"

func TestStaticSelectedDevice(t *testing.T) {
	s := &Static{InputDevice: "mic-1", OutputDevice: "spk-1"}
	if got := s.SelectedDevice(DeviceInput); got != "mic-1" {
		t.Errorf("SelectedDevice(DeviceInput) = %q, want mic-1", got)
	}
	if got := s.SelectedDevice(DeviceOutput); got != "spk-1" {
		t.Errorf("SelectedDevice(DeviceOutput) = %q, want spk-1", got)
	}
}

func TestStaticLookupFallsBackToKey(t *testing.T) {
	s := &Static{Dictionary: map[string]string{"hello": "Bonjour"}}
	if got := s.Lookup("hello"); got != "Bonjour" {
		t.Errorf("Lookup(hello) = %q, want Bonjour", got)
	}
	if got := s.Lookup("missing"); got != "missing" {
		t.Errorf("Lookup(missing) = %q, want missing", got)
	}
}

func TestStaticCurrentAgentState(t *testing.T) {
	s := &Static{Agent: AgentState{LoggedIn: true, VoicemailMessages: 3}}
	got := s.CurrentAgentState()
	if !got.LoggedIn || got.VoicemailMessages != 3 {
		t.Errorf("CurrentAgentState() = %+v", got)
	}
}

func TestNewBundlesCapabilities(t *testing.T) {
	s := &Static{InputDevice: "mic-1"}
	env := New(s, s, s)
	if env.Devices.SelectedDevice(DeviceInput) != "mic-1" {
		t.Error("HostEnv.Devices not wired to the supplied DeviceSelector")
	}
}
