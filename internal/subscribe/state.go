package subscribe

import "fmt"

// DialogState is the BLF dialog-state variant of spec §3.
type DialogState int

const (
	DialogUnknown DialogState = iota
	DialogTrying
	DialogProceeding
	DialogEarly
	DialogConfirmed
	DialogHold
	DialogTerminated
	DialogOffline
)

func (s DialogState) String() string {
	switch s {
	case DialogUnknown:
		return "Unknown"
	case DialogTrying:
		return "Trying"
	case DialogProceeding:
		return "Proceeding"
	case DialogEarly:
		return "Early"
	case DialogConfirmed:
		return "Confirmed"
	case DialogHold:
		return "Hold"
	case DialogTerminated:
		return "Terminated"
	case DialogOffline:
		return "Offline"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// wireString is the lowercase RFC 4235 <state> token for a dialog state.
// DialogOffline is synthetic (never arrives over the wire) and DialogUnknown
// is a parse-failure sentinel; neither has a canonical wire token, so both
// fall back to "terminated", the same fallback the parser itself uses for
// an absent <dialog> element.
func (s DialogState) wireString() string {
	switch s {
	case DialogTrying:
		return "trying"
	case DialogProceeding:
		return "proceeding"
	case DialogEarly:
		return "early"
	case DialogConfirmed:
		return "confirmed"
	case DialogHold:
		return "hold"
	default:
		return "terminated"
	}
}

func parseStateToken(s string) DialogState {
	switch s {
	case "trying":
		return DialogTrying
	case "proceeding":
		return DialogProceeding
	case "early":
		return DialogEarly
	case "confirmed":
		return DialogConfirmed
	case "hold":
		return DialogHold
	case "terminated":
		return DialogTerminated
	default:
		return DialogUnknown
	}
}
