package rhythm

import (
	"math"
	"time"
)

// Metronome establishes a beat timeline from a start instant, a tempo and a bar length. It is immutable; a tempo
// change means a new Metronome.
// Originally based on https://github.com/Deep-Symmetry/electro/blob/main/src/main/java/org/deepsymmetry/electro/Metronome.java#L449
type Metronome struct {
	startTime   time.Time
	tempo       float64
	beatsPerBar int
}

// NewMetronome creates a Metronome whose first beat falls on start.
func NewMetronome(start time.Time, tempo float64, beatsPerBar int) *Metronome {
	if beatsPerBar < 1 {
		beatsPerBar = 1
	}
	return &Metronome{
		startTime:   start,
		tempo:       tempo,
		beatsPerBar: beatsPerBar,
	}
}

// GetTimeOfBeat determines the instant at which a particular beat will occur. Beats are numbered from 1.
func (m *Metronome) GetTimeOfBeat(beat int64) time.Time {
	offset := beatsToMilliseconds(1, m.tempo) * float64(beat-1)
	return m.startTime.Add(time.Duration(math.Round(offset * float64(time.Millisecond))))
}

// GetBeat returns the number of the beat in progress at the instant.
func (m *Metronome) GetBeat(instant time.Time) int64 {
	return markerNumber(instant, m.startTime, beatsToMilliseconds(1, m.tempo))
}

// IsDownBeat checks whether the beat is the first beat in its bar.
func (m *Metronome) IsDownBeat(beat int64) bool {
	return (beat-1)%int64(m.beatsPerBar) == 0
}

// beatsToMilliseconds calculates milliseconds for given beats and tempo
func beatsToMilliseconds(beats int, tempo float64) float64 {
	return (60000.0 / tempo) * float64(beats)
}

// markerNumber calculates the marker number
func markerNumber(instant, start time.Time, interval float64) int64 {
	return int64(math.Floor(instant.Sub(start).Seconds()*1000/interval)) + 1
}
