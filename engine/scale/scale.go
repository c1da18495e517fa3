package scale

import "math"

// ClampValue limits t to the interval spanned by min and max, in either order.
func ClampValue(t, min, max float64) float64 {
	min, max = math.Min(min, max), math.Max(min, max)
	return math.Max(math.Min(t, max), min)
}

// Clamp returns a function that linearly maps a number from the interval [rMin,rMax] onto [tMin,tMax], clamping
// results that fall outside the target interval.
func Clamp(rMin, rMax, tMin, tMax float64) func(m float64) float64 {
	return func(m float64) float64 {
		if rMax == rMin {
			return tMin
		}
		return ClampValue(tMin+(m-rMin)*(tMax-tMin)/(rMax-rMin), tMin, tMax)
	}
}

// ToUnitClamp returns a function that maps [rMin,rMax] onto [0,1], clamping at the ends.
func ToUnitClamp(rMin, rMax float64) func(m float64) float64 {
	return Clamp(rMin, rMax, 0, 1)
}

// FromUnitClamp returns a function that scales a number from the unit interval onto [tMin,tMax].
func FromUnitClamp(tMin, tMax float64) func(m float64) float64 {
	return Clamp(0, 1, tMin, tMax)
}
