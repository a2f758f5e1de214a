package indicator

// State is the resolved indicator state (spec §4.G priority table).
type State int

const (
	StateOffline State = iota
	StateRegistered
	StateIdle
	StateIdleWithVoicemail
	StateActive
	StateHold
	StateRinging
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "Offline"
	case StateRegistered:
		return "Registered"
	case StateIdle:
		return "Idle"
	case StateIdleWithVoicemail:
		return "IdleWithVoicemail"
	case StateActive:
		return "Active"
	case StateHold:
		return "Hold"
	case StateRinging:
		return "Ringing"
	default:
		return "Unknown"
	}
}

// RenderMode is the shape of the command sent to the lamp driver.
type RenderMode int

const (
	RenderOff RenderMode = iota
	RenderSolid
	RenderBlink
	RenderAlert
)

// Color channels are 0-100 integers (spec §6 lamp driver interface).
type Color struct {
	R, G, B int
}

var (
	colorRed   = Color{R: 100, G: 0, B: 0}
	colorGreen = Color{R: 0, G: 100, B: 0}
	colorWhite = Color{R: 100, G: 100, B: 100}
)

// blinkCadenceTenths is the 1.5s/1.5s on/off cadence shared by Hold and
// IdleWithVoicemail (spec §4.G rows 2, 4), expressed in tenths of a second
// as the lamp driver's blink() action requires.
const blinkCadenceTenths = 15

// Render is the fully-resolved lamp command for a State: a render mode,
// a color, and (for Blink/Alert) the extra parameters the lamp driver
// needs.
type Render struct {
	State     State
	Mode      RenderMode
	Color     Color
	OnTenths  int
	OffTenths int
	Sound     int
	Volume    int
}

// resolve implements the priority table of spec §4.G: highest-numbered
// input wins, evaluated top to bottom, first match returned. inputs is
// always evaluated as a pure function of its arguments: the indicator
// never accumulates derived flags (spec §9 "multi-source state machines").
func resolve(in inputs, sound, volume int) Render {
	switch {
	case in.anyRinging:
		return Render{State: StateRinging, Mode: RenderAlert, Color: colorRed, Sound: sound, Volume: volume}
	case in.anyHeld:
		return Render{State: StateHold, Mode: RenderBlink, Color: colorYellow, OnTenths: blinkCadenceTenths, OffTenths: blinkCadenceTenths}
	case in.anyActive:
		return Render{State: StateActive, Mode: RenderSolid, Color: colorRed}
	case in.agentLoggedIn && in.voicemailCount > 0:
		return Render{State: StateIdleWithVoicemail, Mode: RenderBlink, Color: colorGreen, OnTenths: blinkCadenceTenths, OffTenths: blinkCadenceTenths}
	case in.agentLoggedIn:
		return Render{State: StateIdle, Mode: RenderSolid, Color: colorGreen}
	case in.registered:
		return Render{State: StateRegistered, Mode: RenderSolid, Color: colorWhite}
	default:
		return Render{State: StateOffline, Mode: RenderOff}
	}
}

var colorYellow = Color{R: 100, G: 100, B: 0}

// inputs is the full observed state the priority table is a pure function
// of (spec §9 "multi-source state machines"): no flag here is ever stored
// pre-derived, it is recomputed from the owning components on every event.
type inputs struct {
	registered     bool
	anyRinging     bool
	anyHeld        bool
	anyActive      bool
	agentLoggedIn  bool
	voicemailCount int
}
