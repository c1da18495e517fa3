package midihub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"golang.org/x/exp/slices"

	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/sequence"
)

type playEvent struct {
	at       time.Time
	on       bool
	pitch    uint8
	velocity uint8
}

// Player plays a sequence on the hub's output channel.
type Player struct {
	hub    *Hub
	events []playEvent

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	sounding map[uint8]int
}

var _ hub.Player = (*Player)(nil)

func newPlayer(h *Hub, seq *sequence.Sequence, start time.Time) *Player {
	p := &Player{
		hub:      h,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sounding: make(map[uint8]int),
	}
	if seq != nil {
		for _, n := range seq.Notes {
			if n.Start.Before(start) {
				continue
			}
			p.events = append(p.events,
				playEvent{at: n.Start, on: true, pitch: n.Pitch, velocity: n.Velocity},
				playEvent{at: n.End, pitch: n.Pitch},
			)
		}
	}
	slices.SortStableFunc(p.events, func(a, b playEvent) bool {
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return !a.on && b.on
	})

	h.log.WithFields(logrus.Fields{"notes": len(p.events) / 2, "start": start}).Debug("Scheduled playback")
	return p
}

func (p *Player) run() {
	defer close(p.done)
	for _, ev := range p.events {
		if !p.hub.wait(ev.at, p.quit) {
			p.release()
			return
		}
		if ev.on {
			p.hub.write(midi.NoteOn(p.hub.channel, ev.pitch, ev.velocity))
			p.sounding[ev.pitch]++
			continue
		}
		if p.sounding[ev.pitch] > 0 {
			p.hub.write(midi.NoteOff(p.hub.channel, ev.pitch))
			p.sounding[ev.pitch]--
		}
	}
}

// release sends a note-off for every note still sounding.
func (p *Player) release() {
	for pitch, n := range p.sounding {
		for ; n > 0; n-- {
			p.hub.write(midi.NoteOff(p.hub.channel, pitch))
		}
	}
	p.sounding = map[uint8]int{}
}

// Stop silences the playback and waits for it to finish.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Player) Done() <-chan struct{} {
	return p.done
}
