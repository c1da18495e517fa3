package midihub

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/sequence"
)

type callback struct {
	signal control.Signal
	fn     func(*sequence.Sequence)
}

// Captor records notes played from its start until its stop.
type Captor struct {
	hub   *Hub
	qpm   float64
	start time.Time

	mu        sync.Mutex
	stop      time.Time
	sounding  map[uint8]sequence.Note
	notes     []sequence.Note
	callbacks map[int]callback
	nextID    int

	finishOnce sync.Once
	done       chan struct{}
}

var _ hub.Captor = (*Captor)(nil)

func newCaptor(h *Hub, qpm float64, start time.Time) *Captor {
	return &Captor{
		hub:       h,
		qpm:       qpm,
		start:     start,
		sounding:  make(map[uint8]sequence.Note),
		callbacks: make(map[int]callback),
		done:      make(chan struct{}),
	}
}

func (c *Captor) noteOn(channel, pitch, velocity uint8, at time.Time) {
	if at.Before(c.start) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stop.IsZero() && !at.Before(c.stop) {
		return
	}
	if prev, ok := c.sounding[pitch]; ok {
		prev.End = at
		c.notes = append(c.notes, prev)
	}
	c.sounding[pitch] = sequence.Note{Pitch: pitch, Velocity: velocity, Instrument: int(channel), Start: at}
}

func (c *Captor) noteOff(pitch uint8, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.sounding[pitch]
	if !ok {
		return
	}
	delete(c.sounding, pitch)
	n.End = at
	if !c.stop.IsZero() && n.End.After(c.stop) {
		n.End = c.stop
	}
	c.notes = append(c.notes, n)
}

func (c *Captor) signal(kind control.SignalKind, number, value uint8) {
	c.mu.Lock()
	var fns []func(*sequence.Sequence)
	for _, cb := range c.callbacks {
		if cb.signal.Matches(kind, number, value) {
			fns = append(fns, cb.fn)
		}
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	captured := c.snapshot(c.hub.clock.Now())
	for _, fn := range fns {
		go fn(captured)
	}
}

// snapshot returns the material captured up to end, closing sounding notes at end. Click channel notes are left out
// when the hub ignores them.
func (c *Captor) snapshot(end time.Time) *sequence.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := sequence.New(c.qpm, c.start, end)
	out.Notes = slices.Clone(c.notes)
	for _, n := range c.sounding {
		n.End = end
		out.Notes = append(out.Notes, n)
	}
	if c.hub.ignoreClick {
		out = out.FilterInstrument(int(c.hub.click.Channel), c.start)
	}
	return out.Sorted()
}

func (c *Captor) StopAt(t time.Time) {
	c.mu.Lock()
	c.stop = t
	c.mu.Unlock()

	go func() {
		if c.hub.wait(t, c.done) {
			c.finish()
		}
	}()
}

func (c *Captor) finish() {
	c.finishOnce.Do(func() {
		c.hub.removeCaptor(c)

		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		if stop.Before(c.start) {
			stop = c.start
		}

		captured := c.snapshot(stop).Window(c.start, stop)
		c.mu.Lock()
		c.notes = captured.Notes
		c.sounding = map[uint8]sequence.Note{}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Captor) Captured(ctx context.Context) (*sequence.Sequence, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := sequence.New(c.qpm, c.start, c.stop)
	if c.stop.Before(c.start) {
		out.End = c.start
	}
	out.Notes = slices.Clone(c.notes)
	return out, nil
}

func (c *Captor) RegisterCallback(signal control.Signal, fn func(*sequence.Sequence)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = callback{signal: signal, fn: fn}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.callbacks, id)
	}
}
