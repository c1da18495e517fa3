package interaction

import "fmt"

// Phase is the stage an interaction is in. Phases never overlap.
type Phase int

const (
	Idle Phase = iota
	AwaitingCallStart
	Calling
	Generating
	Responding
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingCallStart:
		return "awaiting call"
	case Calling:
		return "calling"
	case Generating:
		return "generating"
	case Responding:
		return "responding"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}
