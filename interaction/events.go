package interaction

import (
	"fmt"
	"time"

	"github.com/robmorgan/antiphon/sequence"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	PhaseChanged EventKind = iota
	LookaheadChanged
	TemperatureChanged
	DriftWarning
	CycleCompleted
)

func (k EventKind) String() string {
	switch k {
	case PhaseChanged:
		return "phase"
	case LookaheadChanged:
		return "lookahead"
	case TemperatureChanged:
		return "temperature"
	case DriftWarning:
		return "drift"
	case CycleCompleted:
		return "cycle"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification about the running interaction. Fields not relevant to Kind are zero.
type Event struct {
	Kind  EventKind
	At    time.Time
	Cycle int

	Phase Phase

	// CallStart and CallEnd bound the current call. CallEnd is zero while a signal-bounded call is still open.
	CallStart time.Time
	CallEnd   time.Time

	Lookahead         int
	PreviousLookahead int

	Temperature float64

	// Slack is how long before the response start generation finished. Negative when the response was late.
	Slack time.Duration

	Message string
}

// Observer receives interaction events. Observe is called on the interaction goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// ChannelObserver forwards events to a channel, dropping them when the channel is full.
type ChannelObserver chan Event

func (c ChannelObserver) Observe(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// Cycle is one completed call and its response.
type Cycle struct {
	Number      int
	CallStart   time.Time
	CallEnd     time.Time
	CallSteps   int64
	Lookahead   int
	Temperature float64
	Slack       time.Duration
	Call        *sequence.Sequence
	Response    *sequence.Sequence
}

// CycleRecorder receives every completed cycle. RecordCycle must not block.
type CycleRecorder interface {
	RecordCycle(Cycle)
}
