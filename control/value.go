package control

import "strconv"

// MaxValue is the largest value a 7-bit MIDI control can take.
const MaxValue = 127

// Value is an optional control value. The zero Value is unset.
type Value struct {
	value uint8
	set   bool
}

// ValueOf returns a set Value.
func ValueOf(v uint8) Value {
	return Value{value: v, set: true}
}

// Unset returns a Value that carries no reading.
func Unset() Value {
	return Value{}
}

// Get returns the value and whether it is set.
func (v Value) Get() (uint8, bool) {
	return v.value, v.set
}

// IsSet reports whether a reading is present.
func (v Value) IsSet() bool {
	return v.set
}

func (v Value) String() string {
	if !v.set {
		return "unset"
	}
	return strconv.Itoa(int(v.value))
}
