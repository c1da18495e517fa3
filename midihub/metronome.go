package midihub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"

	"github.com/robmorgan/antiphon/rhythm"
)

// Click describes the metronome sound. Beats fall on quarter notes and the first beat of each bar is accented.
type Click struct {
	Channel        uint8
	Pitch          uint8
	Velocity       uint8
	AccentPitch    uint8
	AccentVelocity uint8
	Length         time.Duration
	BeatsPerBar    int
}

// DefaultClick is a side stick on the General MIDI drum channel, accented by velocity.
func DefaultClick() Click {
	return Click{
		Channel:        9,
		Pitch:          37,
		Velocity:       90,
		AccentPitch:    37,
		AccentVelocity: 127,
		Length:         50 * time.Millisecond,
		BeatsPerBar:    4,
	}
}

type metronome struct {
	timeline *rhythm.Metronome

	mu      sync.Mutex
	stopAt  time.Time
	changed chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func (h *Hub) StartMetronome(qpm float64, start time.Time) {
	m := &metronome{
		timeline: rhythm.NewMetronome(start, qpm, h.click.BeatsPerBar),
		changed:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	previous := h.metronome
	h.metronome = m
	h.mu.Unlock()
	if previous != nil {
		close(previous.quit)
		<-previous.done
	}

	h.log.WithFields(logrus.Fields{"qpm": qpm, "start": start}).Debug("Starting metronome")
	go h.runMetronome(m)
}

func (h *Hub) StopMetronome(at time.Time, block bool) {
	h.mu.Lock()
	m := h.metronome
	h.mu.Unlock()
	if m == nil {
		return
	}

	m.mu.Lock()
	m.stopAt = at
	m.mu.Unlock()
	select {
	case m.changed <- struct{}{}:
	default:
	}

	if block {
		<-m.done
	}
}

func (h *Hub) runMetronome(m *metronome) {
	defer close(m.done)

	beat := m.timeline.GetBeat(h.clock.Now())
	if beat < 1 {
		beat = 1
	}
	if m.timeline.GetTimeOfBeat(beat).Before(h.clock.Now()) {
		beat++
	}

	for {
		m.mu.Lock()
		stopAt := m.stopAt
		m.mu.Unlock()

		next := m.timeline.GetTimeOfBeat(beat)
		if !stopAt.IsZero() && !next.Before(stopAt) {
			return
		}

		d := next.Sub(h.clock.Now())
		if d > 0 {
			timer := h.clock.NewTimer(d)
			select {
			case <-m.quit:
				timer.Stop()
				return
			case <-m.changed:
				timer.Stop()
				continue
			case <-timer.C():
			}
		}

		if !h.tick(m, beat) {
			return
		}
		beat++
	}
}

// tick sounds one click. It reports false when the metronome was stopped mid-click.
func (h *Hub) tick(m *metronome, beat int64) bool {
	pitch, velocity := h.click.Pitch, h.click.Velocity
	if m.timeline.IsDownBeat(beat) {
		pitch, velocity = h.click.AccentPitch, h.click.AccentVelocity
	}

	h.write(midi.NoteOn(h.click.Channel, pitch, velocity))
	stopped := !h.wait(h.clock.Now().Add(h.click.Length), m.quit)
	h.write(midi.NoteOff(h.click.Channel, pitch))
	return !stopped
}
