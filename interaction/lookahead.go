package interaction

import (
	"time"

	"github.com/robmorgan/antiphon/rhythm"
)

// AdjustLookahead returns the lookahead for the next cycle given how long before the response start the generator
// finished. Early responses shrink the lookahead by a step, never below minLookahead, and late ones grow it by a
// step.
func AdjustLookahead(lookahead, minLookahead int, slack, step time.Duration) int {
	switch {
	case slack > time.Duration(lookahead)*step:
		if lookahead-1 < minLookahead {
			return minLookahead
		}
		return lookahead - 1
	case slack < 0:
		return lookahead + 1
	default:
		return lookahead
	}
}

// SignalBoundedCallSteps returns the length of a call ended by a signal elapsed steps after it began. The call runs
// on to the first bar line at least lookahead steps after the signal.
func SignalBoundedCallSteps(elapsed, stepsPerBar, lookahead int64) int64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed + rhythm.StepsToBarEnd(elapsed, stepsPerBar, lookahead)
}
