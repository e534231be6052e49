package idle

import (
	"fmt"
	"time"
)

// Phase is the coarse position of a tab in the idle state machine.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseWarning
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "ACTIVE"
	case PhaseWarning:
		return "WARNING"
	case PhaseExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Reason records why a tab reached EXPIRED.
type Reason string

const (
	ReasonInactivity   Reason = "inactivity"
	ReasonUserLogout   Reason = "user_logout"
	ReasonRemoteLogout Reason = "remote_logout"

	// ReasonSessionRejected is set when the API answered 401 for this tab.
	ReasonSessionRejected Reason = "session_rejected"
)

// State is a snapshot of one tab's idle state. It is never persisted or shared.
type State struct {
	Phase     Phase
	Remaining time.Duration // countdown shown while in WARNING, whole ticks
	Reason    Reason        // set once EXPIRED
}

func (s State) String() string {
	switch s.Phase {
	case PhaseWarning:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Remaining)
	case PhaseExpired:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	default:
		return s.Phase.String()
	}
}

// ActivityKind is an input event class that counts as user presence.
type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
)

// Qualifies returns true for the fixed set of input classes that reset the idle timer.
func (k ActivityKind) Qualifies() bool {
	switch k {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch:
		return true
	default:
		return false
	}
}

// roundUp rounds d up to a whole multiple of unit.
func roundUp(d, unit time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if r := d % unit; r != 0 {
		d += unit - r
	}
	return d
}
