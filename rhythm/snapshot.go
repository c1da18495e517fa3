package rhythm

import (
	"fmt"
	"time"
)

// Snapshot describes where an instant falls on the step grid established by a Timebase and a bar length.
type Snapshot struct {
	// Instant is the point in time with respect to which the snapshot is computed.
	Instant time.Time

	// Step is the absolute step number containing the instant.
	Step int64

	// Bar is the absolute bar number containing the instant.
	Bar int64

	// StepWithinBar is the step number relative to the start of the bar, from 0.
	StepWithinBar int

	// StepPhase is how far through its step the instant is, in [0, 1).
	StepPhase float64
}

// TakeSnapshot computes the grid position of instant.
func (tb Timebase) TakeSnapshot(instant time.Time, stepsPerBar int) Snapshot {
	step := tb.StepAt(instant)
	return Snapshot{
		Instant:       instant,
		Step:          step,
		Bar:           floorDiv(step, int64(stepsPerBar)),
		StepWithinBar: int(floorMod(step, int64(stepsPerBar))),
		StepPhase:     tb.StepPhase(instant),
	}
}

// IsDownBeat checks whether the snapshot falls in the first step of its bar.
func (s Snapshot) IsDownBeat() bool {
	return s.StepWithinBar == 0
}

// GetMarker returns the position represented by the snapshot as "bar.step".
func (s Snapshot) GetMarker() string {
	return fmt.Sprintf("%d.%d", s.Bar, s.StepWithinBar+1)
}

// StepsToBarEnd returns the number of steps to extend a span of elapsed steps so that it ends on a bar boundary at
// least minRemaining steps away. A span already on a boundary is only accepted when minRemaining is zero.
// stepsPerBar must be positive.
func StepsToBarEnd(elapsed, stepsPerBar, minRemaining int64) int64 {
	remaining := floorMod(-elapsed, stepsPerBar)
	for remaining < minRemaining {
		remaining += stepsPerBar
	}
	return remaining
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
