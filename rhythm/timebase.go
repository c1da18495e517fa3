package rhythm

import (
	"math"
	"math/bits"
	"time"
)

// nanosPerMinuteMilli is a minute in nanoseconds, scaled by the thousandths kept from QPM.
const nanosPerMinuteMilli = 60 * int64(time.Second) * 1000

// Timebase converts between wall-clock instants and musical steps. Steps are counted from the Unix epoch so that
// every component sharing a tempo agrees on the step grid without exchanging an origin.
//
// Grid arithmetic is exact: step n begins at the first nanosecond at or after n step lengths from the epoch, so
// StepAt(StepTime(n)) == n for every n. QPM is honoured to a thousandth of a quarter per minute.
type Timebase struct {
	// QPM is the tempo in quarter notes per minute. Must be positive.
	QPM float64

	// StepsPerQuarter is the step resolution. Must be positive.
	StepsPerQuarter int
}

// NewTimebase creates a Timebase for the given tempo and resolution.
func NewTimebase(qpm float64, stepsPerQuarter int) Timebase {
	return Timebase{QPM: qpm, StepsPerQuarter: stepsPerQuarter}
}

// SecondsPerStep returns the length of one step in seconds.
func (tb Timebase) SecondsPerStep() float64 {
	return 60.0 / (tb.QPM * float64(tb.StepsPerQuarter))
}

// StepDuration returns the length of one step, rounded to the nanosecond.
func (tb Timebase) StepDuration() time.Duration {
	return secondsToDuration(tb.SecondsPerStep())
}

// StepsToDuration returns the length of the given number of steps.
func (tb Timebase) StepsToDuration(steps float64) time.Duration {
	return secondsToDuration(steps * tb.SecondsPerStep())
}

// StepTime returns the instant at which step n begins.
func (tb Timebase) StepTime(n int64) time.Time {
	num, den := tb.ratio()
	return time.Unix(0, mulDivCeil(n, num, den))
}

// StepsToTime returns the instant at a (fractional) step position. Whole positions land exactly on StepTime.
func (tb Timebase) StepsToTime(steps float64) time.Time {
	whole := math.Floor(steps)
	start := tb.StepTime(int64(whole))
	if frac := steps - whole; frac > 0 {
		return start.Add(tb.StepsToDuration(frac))
	}
	return start
}

// StepAt returns the step containing the instant.
func (tb Timebase) StepAt(t time.Time) int64 {
	num, den := tb.ratio()
	return mulDivFloor(t.UnixNano(), den, num)
}

// StepCeil returns the first step beginning at or after the instant.
func (tb Timebase) StepCeil(t time.Time) int64 {
	step := tb.StepAt(t)
	if tb.StepTime(step).Before(t) {
		step++
	}
	return step
}

// StepPhase returns how far through its step the instant is, in [0, 1).
func (tb Timebase) StepPhase(t time.Time) float64 {
	step := tb.StepAt(t)
	phase := t.Sub(tb.StepTime(step)).Seconds() / tb.SecondsPerStep()
	return math.Min(phase, math.Nextafter(1, 0))
}

// TimeToSteps returns the (fractional) step position of an instant.
func (tb Timebase) TimeToSteps(t time.Time) float64 {
	return float64(tb.StepAt(t)) + tb.StepPhase(t)
}

// ratio returns the step length as num/den nanoseconds, reduced.
func (tb Timebase) ratio() (num, den int64) {
	num = nanosPerMinuteMilli
	den = int64(math.Round(tb.QPM*1000)) * int64(tb.StepsPerQuarter)
	if den <= 0 {
		den = 1
	}
	g := gcd(num, den)
	return num / g, den / g
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// mulDivFloor returns floor(a*b/c) for b, c > 0 without intermediate overflow. Results beyond int64 saturate.
func mulDivFloor(a, b, c int64) int64 {
	negative := a < 0
	ua := uint64(a)
	if negative {
		ua = -ua
	}

	hi, lo := bits.Mul64(ua, uint64(b))
	if hi >= uint64(c) {
		if negative {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		if negative {
			return math.MinInt64
		}
		return math.MaxInt64
	}

	if negative {
		if r != 0 {
			q++
		}
		return -int64(q)
	}
	return int64(q)
}

// mulDivCeil returns ceil(a*b/c) for b, c > 0.
func mulDivCeil(a, b, c int64) int64 {
	return -mulDivFloor(-a, b, c)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
