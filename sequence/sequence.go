package sequence

import (
	"time"

	"golang.org/x/exp/slices"
)

// Note is a single timed note event.
type Note struct {
	Pitch    uint8
	Velocity uint8

	// Instrument distinguishes voices within a sequence. Captured notes carry the MIDI channel they arrived on.
	Instrument int

	Start      time.Time
	End        time.Time
}

// Duration returns how long the note sounds.
func (n Note) Duration() time.Duration {
	return n.End.Sub(n.Start)
}

// Sequence is an ordered collection of notes over a time window. Captured and generated material are both
// Sequences; once handed to another component a Sequence must be treated as immutable, so every transformation
// below returns a new Sequence.
type Sequence struct {
	// QPM is the tempo the material was performed or generated at.
	QPM float64

	// Start and End bound the window the material covers.
	Start time.Time
	End   time.Time

	Notes []Note
}

// New creates an empty Sequence over [start, end).
func New(qpm float64, start, end time.Time) *Sequence {
	return &Sequence{QPM: qpm, Start: start, End: end}
}

// Len returns the number of notes.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Notes)
}

// IsEmpty reports whether the sequence holds no notes.
func (s *Sequence) IsEmpty() bool {
	return s.Len() == 0
}

// Duration returns the length of the window.
func (s *Sequence) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Clone returns a deep copy.
func (s *Sequence) Clone() *Sequence {
	out := *s
	out.Notes = slices.Clone(s.Notes)
	return &out
}

// Sorted returns a copy with notes ordered by start time, then pitch.
func (s *Sequence) Sorted() *Sequence {
	out := s.Clone()
	slices.SortStableFunc(out.Notes, func(a, b Note) bool {
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.Pitch < b.Pitch
	})
	return out
}

// Merge returns a new Sequence combining the notes of both inputs. All fields aside from the notes and the end of the
// window are taken from s.
func (s *Sequence) Merge(other *Sequence) *Sequence {
	out := s.Clone()
	out.Notes = append(out.Notes, other.Notes...)
	if other.End.After(out.End) {
		out.End = other.End
	}
	return out
}

// FilterInstrument returns a new Sequence with the notes of instrument removed from the given time on. Notes of that
// instrument starting before from but still sounding at from are truncated to end at from.
func (s *Sequence) FilterInstrument(instrument int, from time.Time) *Sequence {
	out := s.Clone()
	out.Notes = out.Notes[:0]
	for _, n := range s.Notes {
		if n.Instrument == instrument {
			if !n.Start.Before(from) {
				continue
			}
			if !n.End.Before(from) {
				n.End = from
			}
		}
		out.Notes = append(out.Notes, n)
	}
	return out
}

// Window returns the notes starting in [start, end), with note ends clipped to end.
func (s *Sequence) Window(start, end time.Time) *Sequence {
	out := &Sequence{QPM: s.QPM, Start: start, End: end}
	for _, n := range s.Notes {
		if n.Start.Before(start) || !n.Start.Before(end) {
			continue
		}
		if n.End.After(end) {
			n.End = end
		}
		out.Notes = append(out.Notes, n)
	}
	return out
}

// Shift returns a copy moved by d.
func (s *Sequence) Shift(d time.Duration) *Sequence {
	out := s.Clone()
	out.Start = out.Start.Add(d)
	out.End = out.End.Add(d)
	for i := range out.Notes {
		out.Notes[i].Start = out.Notes[i].Start.Add(d)
		out.Notes[i].End = out.Notes[i].End.Add(d)
	}
	return out
}
