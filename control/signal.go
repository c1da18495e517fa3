package control

import "fmt"

// AnyValue matches every value of a signal's control or note.
const AnyValue = -1

// SignalKind identifies which kind of MIDI message triggers a Signal.
type SignalKind int

const (
	// ControlChange signals fire on a control change message for Number.
	ControlChange SignalKind = iota
	// NoteOn signals fire on a note-on message for note Number.
	NoteOn
)

func (k SignalKind) String() string {
	switch k {
	case ControlChange:
		return "cc"
	case NoteOn:
		return "note"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Signal describes a discrete performer event the interaction can wait on. Signals are comparable and may be used as
// map keys.
type Signal struct {
	Kind SignalKind

	// Number is the control number or the note number.
	Number uint8

	// Value is the control value or velocity that fires the signal, or AnyValue.
	Value int
}

// ControlSignal returns a Signal fired by control change number with the given value (or AnyValue).
func ControlSignal(number uint8, value int) Signal {
	return Signal{Kind: ControlChange, Number: number, Value: value}
}

// NoteSignal returns a Signal fired by any note-on for the given note.
func NoteSignal(note uint8) Signal {
	return Signal{Kind: NoteOn, Number: note, Value: AnyValue}
}

// Matches reports whether a message of the given kind, number and value fires the signal.
func (s Signal) Matches(kind SignalKind, number, value uint8) bool {
	if s.Kind != kind || s.Number != number {
		return false
	}
	return s.Value == AnyValue || s.Value == int(value)
}

func (s Signal) String() string {
	if s.Value == AnyValue {
		return fmt.Sprintf("%s:%d", s.Kind, s.Number)
	}
	return fmt.Sprintf("%s:%d=%d", s.Kind, s.Number, s.Value)
}
