// Package hubtest provides an in-memory hub.Hub that records every scheduled action instead of touching MIDI ports.
package hubtest

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/sequence"
)

// Op names a recorded hub action.
type Op string

const (
	OpStartCapture   Op = "start_capture"
	OpStopCapture    Op = "stop_capture"
	OpStartMetronome Op = "start_metronome"
	OpStopMetronome  Op = "stop_metronome"
	OpStartPlayback  Op = "start_playback"
	OpWake           Op = "wake"
)

// Event is one recorded action. At is the scheduled instant the action refers to, not when it was requested.
type Event struct {
	Op     Op
	At     time.Time
	Block  bool
	Signal control.Signal
}

// Hub is a recording hub.Hub. The zero value is not usable; use New.
type Hub struct {
	// Material produces the captured material for a capture window. When nil, captures are empty.
	Material func(start, stop time.Time) *sequence.Sequence

	// HoldCaptures makes Captured block until its context is done.
	HoldCaptures bool

	clock clock.PassiveClock

	mu        sync.Mutex
	events    []Event
	captors   []*Captor
	players   []*Player
	controls  map[uint8]control.Value
	waiters   map[control.Signal][]chan time.Time
	waitCount map[control.Signal]int
}

var _ hub.Hub = (*Hub)(nil)

// New creates a Hub that stamps injected control changes with clk.
func New(clk clock.PassiveClock) *Hub {
	return &Hub{
		clock:     clk,
		controls:  make(map[uint8]control.Value),
		waiters:   make(map[control.Signal][]chan time.Time),
		waitCount: make(map[control.Signal]int),
	}
}

func (h *Hub) record(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

// Events returns every recorded action in order.
func (h *Hub) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// EventsOf returns the recorded actions of one kind.
func (h *Hub) EventsOf(op Op) []Event {
	var out []Event
	for _, ev := range h.Events() {
		if ev.Op == op {
			out = append(out, ev)
		}
	}
	return out
}

// Captors returns every capture started so far.
func (h *Hub) Captors() []*Captor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Captor(nil), h.captors...)
}

// Players returns every playback started so far.
func (h *Hub) Players() []*Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Player(nil), h.players...)
}

func (h *Hub) StartCapture(qpm float64, start time.Time) hub.Captor {
	c := &Captor{hub: h, QPM: qpm, Start: start}
	h.mu.Lock()
	h.captors = append(h.captors, c)
	h.events = append(h.events, Event{Op: OpStartCapture, At: start})
	h.mu.Unlock()
	return c
}

func (h *Hub) StartMetronome(qpm float64, start time.Time) {
	h.record(Event{Op: OpStartMetronome, At: start})
}

func (h *Hub) StopMetronome(at time.Time, block bool) {
	h.record(Event{Op: OpStopMetronome, At: at, Block: block})
}

func (h *Hub) StartPlayback(seq *sequence.Sequence, start time.Time) hub.Player {
	p := &Player{Sequence: seq, Start: start, done: make(chan struct{})}
	h.mu.Lock()
	h.players = append(h.players, p)
	h.events = append(h.events, Event{Op: OpStartPlayback, At: start})
	h.mu.Unlock()
	return p
}

func (h *Hub) WaitForSignal(ctx context.Context, signal control.Signal) (time.Time, error) {
	ch := make(chan time.Time, 1)
	h.mu.Lock()
	h.waiters[signal] = append(h.waiters[signal], ch)
	h.waitCount[signal]++
	h.mu.Unlock()

	select {
	case at, ok := <-ch:
		if !ok {
			return time.Time{}, hub.ErrWoken
		}
		return at, nil
	case <-ctx.Done():
		h.removeWaiter(signal, ch)
		return time.Time{}, ctx.Err()
	}
}

func (h *Hub) removeWaiter(signal control.Signal, ch chan time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	waiters := h.waiters[signal]
	for i := range waiters {
		if waiters[i] == ch {
			h.waiters[signal] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (h *Hub) WakeSignalWaiters(signal control.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.waiters[signal] {
		close(ch)
	}
	delete(h.waiters, signal)
	h.events = append(h.events, Event{Op: OpWake, Signal: signal})
}

func (h *Hub) ControlValue(number uint8) control.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controls[number]
}

// SetControl sets the value returned by ControlValue.
func (h *Hub) SetControl(number, value uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls[number] = control.ValueOf(value)
}

// Emit delivers signal to every current waiter as if it was delivered at the given instant and returns how many
// waiters were released.
func (h *Hub) Emit(signal control.Signal, at time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	waiters := h.waiters[signal]
	delete(h.waiters, signal)
	for _, ch := range waiters {
		ch <- at
	}
	return len(waiters)
}

// Waiting returns how many goroutines are blocked on signal.
func (h *Hub) Waiting(signal control.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[signal])
}

// WaitCalls returns how many times WaitForSignal has been called for signal.
func (h *Hub) WaitCalls(signal control.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitCount[signal]
}

// InjectControlChange records the control value and fires matching control change signals now.
func (h *Hub) InjectControlChange(number, value uint8) {
	h.SetControl(number, value)

	h.mu.Lock()
	var matched []control.Signal
	for signal := range h.waiters {
		if signal.Matches(control.ControlChange, number, value) {
			matched = append(matched, signal)
		}
	}
	h.mu.Unlock()

	for _, signal := range matched {
		h.Emit(signal, h.clock.Now())
	}
}

// Captor is a recorded capture session.
type Captor struct {
	hub   *Hub
	QPM   float64
	Start time.Time

	mu   sync.Mutex
	stop time.Time
}

var _ hub.Captor = (*Captor)(nil)

func (c *Captor) StopAt(t time.Time) {
	c.mu.Lock()
	c.stop = t
	c.mu.Unlock()
	c.hub.record(Event{Op: OpStopCapture, At: t})
}

// Stop returns the scheduled stop instant.
func (c *Captor) Stop() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *Captor) Captured(ctx context.Context) (*sequence.Sequence, error) {
	if c.hub.HoldCaptures {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	stop := c.Stop()
	if c.hub.Material != nil {
		return c.hub.Material(c.Start, stop), nil
	}
	return sequence.New(c.QPM, c.Start, stop), nil
}

func (c *Captor) RegisterCallback(signal control.Signal, fn func(*sequence.Sequence)) func() {
	return func() {}
}

// Player is a recorded playback.
type Player struct {
	Sequence *sequence.Sequence
	Start    time.Time

	once sync.Once
	done chan struct{}
}

var _ hub.Player = (*Player)(nil)

func (p *Player) Stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Stopped reports whether Stop was called.
func (p *Player) Stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
