package control

import (
	"fmt"

	"github.com/robmorgan/antiphon/engine/scale"
)

// TemperatureRange maps an 8-bit control value onto a sampling temperature.
type TemperatureRange struct {
	// Min is returned for a control value of 0.
	Min float64

	// Mid is returned for control values 63 and 64, and when no value is set.
	Mid float64

	// Max is returned for a control value of 127.
	Max float64
}

// DefaultTemperatureRange returns the range used when none is configured.
func DefaultTemperatureRange() TemperatureRange {
	return TemperatureRange{Min: 0.1, Mid: 1.0, Max: 2.0}
}

// Validate checks that the temperatures are ordered.
func (r TemperatureRange) Validate() error {
	if r.Min > r.Mid || r.Mid > r.Max {
		return fmt.Errorf("temperatures must be ordered min <= mid <= max, got %v/%v/%v", r.Min, r.Mid, r.Max)
	}
	return nil
}

// FromControlValue linearly interpolates between Mid and one endpoint. Values above 127 are treated as 127.
func (r TemperatureRange) FromControlValue(v Value) float64 {
	raw, ok := v.Get()
	if !ok {
		return r.Mid
	}

	val := scale.ClampValue(float64(raw), 0, MaxValue)
	switch {
	case val > 64:
		return r.Mid + (val-64)*(r.Max-r.Mid)/63
	case val < 63:
		return r.Min + val*(r.Mid-r.Min)/63
	default:
		return r.Mid
	}
}
