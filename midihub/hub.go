// Package midihub implements hub.Hub on MIDI ports through gomidi.
package midihub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/logger"
	"github.com/robmorgan/antiphon/sequence"
)

// Options configure a Hub.
type Options struct {
	// InPort and OutPort name the MIDI ports to open. Empty names pick the first available port.
	InPort  string
	OutPort string

	// Passthrough echoes every input message to the output port.
	Passthrough bool

	// IgnoreClickChannel drops notes arriving on the click channel from captures, for setups where the output is
	// looped back into the input.
	IgnoreClickChannel bool

	// Channel is the MIDI channel responses are played on, from 0.
	Channel uint8

	Click Click

	Clock  clock.Clock
	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Click == (Click{}) {
		o.Click = DefaultClick()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = logger.GetProjectLogger()
	}
	return o
}

// Hub captures input from one MIDI port and plays clicks and responses on another.
type Hub struct {
	clock       clock.Clock
	log         *logrus.Entry
	passthrough bool
	ignoreClick bool
	channel     uint8
	click       Click

	sendMu sync.Mutex
	send   func(midi.Message) error

	stopListening func()

	mu        sync.Mutex
	controls  map[uint8]control.Value
	waiters   map[control.Signal][]chan time.Time
	captors   map[*Captor]struct{}
	metronome *metronome
}

var _ hub.Hub = (*Hub)(nil)

// New creates a Hub writing to send. Input is fed through Handle.
func New(send func(midi.Message) error, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		clock:       opts.Clock,
		log:         opts.Logger,
		passthrough: opts.Passthrough,
		ignoreClick: opts.IgnoreClickChannel,
		channel:     opts.Channel,
		click:       opts.Click,
		send:        send,
		controls:    make(map[uint8]control.Value),
		waiters:     make(map[control.Signal][]chan time.Time),
		captors:     make(map[*Captor]struct{}),
	}
}

// Open connects a Hub to the named ports using the registered gomidi driver.
func Open(opts Options) (*Hub, error) {
	in, err := findInPort(opts.InPort)
	if err != nil {
		return nil, err
	}
	out, err := findOutPort(opts.OutPort)
	if err != nil {
		return nil, err
	}

	send, err := midi.SendTo(out)
	if err != nil {
		return nil, errors.WithStackTrace(fmt.Errorf("open output %q: %w", out.String(), err))
	}

	h := New(send, opts)
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		h.Handle(msg, h.clock.Now())
	}, midi.HandleError(func(err error) {
		h.log.WithError(err).WithField("port", in.String()).Warn("MIDI input error")
	}))
	if err != nil {
		return nil, errors.WithStackTrace(fmt.Errorf("listen on %q: %w", in.String(), err))
	}
	h.stopListening = stop

	h.log.WithFields(logrus.Fields{"in": in.String(), "out": out.String()}).Info("Opened MIDI ports")
	return h, nil
}

func findInPort(name string) (drivers.In, error) {
	if name != "" {
		in, err := midi.FindInPort(name)
		if err != nil {
			return nil, errors.WithStackTrace(fmt.Errorf("input port %q: %w", name, err))
		}
		return in, nil
	}
	ins := midi.GetInPorts()
	if len(ins) == 0 {
		return nil, errors.WithStackTrace(fmt.Errorf("no MIDI input ports available"))
	}
	return ins[0], nil
}

func findOutPort(name string) (drivers.Out, error) {
	if name != "" {
		out, err := midi.FindOutPort(name)
		if err != nil {
			return nil, errors.WithStackTrace(fmt.Errorf("output port %q: %w", name, err))
		}
		return out, nil
	}
	outs := midi.GetOutPorts()
	if len(outs) == 0 {
		return nil, errors.WithStackTrace(fmt.Errorf("no MIDI output ports available"))
	}
	return outs[0], nil
}

// Ports lists the names of the available input and output ports.
func Ports() (ins, outs []string) {
	for _, in := range midi.GetInPorts() {
		ins = append(ins, in.String())
	}
	for _, out := range midi.GetOutPorts() {
		outs = append(outs, out.String())
	}
	return ins, outs
}

// Close stops listening, silences the metronome and closes the driver.
func (h *Hub) Close() error {
	if h.stopListening != nil {
		h.stopListening()
	}
	h.StopMetronome(h.clock.Now(), true)
	midi.CloseDriver()
	return nil
}

func (h *Hub) write(msg midi.Message) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.send(msg); err != nil {
		h.log.WithError(err).WithField("msg", msg.String()).Warn("Failed to send MIDI message")
	}
}

// Handle processes one input message received at the given instant.
func (h *Hub) Handle(msg midi.Message, at time.Time) {
	h.log.WithFields(logrus.Fields{"msg": msg.String(), "at": at}).Debug("MIDI in")
	if h.passthrough {
		h.write(msg)
	}

	var ch, key, vel, number, value uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		for _, c := range h.activeCaptors() {
			c.noteOn(ch, key, vel, at)
		}
		h.fire(control.NoteOn, key, vel, at)
	case msg.GetNoteEnd(&ch, &key):
		for _, c := range h.activeCaptors() {
			c.noteOff(key, at)
		}
	case msg.GetControlChange(&ch, &number, &value):
		h.mu.Lock()
		h.controls[number] = control.ValueOf(value)
		h.mu.Unlock()
		h.fire(control.ControlChange, number, value, at)
	}
}

// InjectControlChange handles a control change as if it arrived on the input port now.
func (h *Hub) InjectControlChange(number, value uint8) {
	h.Handle(midi.ControlChange(0, number, value), h.clock.Now())
}

func (h *Hub) fire(kind control.SignalKind, number, value uint8, at time.Time) {
	h.mu.Lock()
	var released []chan time.Time
	for signal, waiters := range h.waiters {
		if signal.Matches(kind, number, value) {
			released = append(released, waiters...)
			delete(h.waiters, signal)
		}
	}
	h.mu.Unlock()

	for _, ch := range released {
		ch <- at
	}
	for _, c := range h.activeCaptors() {
		c.signal(kind, number, value)
	}
}

func (h *Hub) activeCaptors() []*Captor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Captor, 0, len(h.captors))
	for c := range h.captors {
		out = append(out, c)
	}
	return out
}

func (h *Hub) WaitForSignal(ctx context.Context, signal control.Signal) (time.Time, error) {
	ch := make(chan time.Time, 1)
	h.mu.Lock()
	h.waiters[signal] = append(h.waiters[signal], ch)
	h.mu.Unlock()

	select {
	case at, ok := <-ch:
		if !ok {
			return time.Time{}, hub.ErrWoken
		}
		return at, nil
	case <-ctx.Done():
		h.mu.Lock()
		waiters := h.waiters[signal]
		for i := range waiters {
			if waiters[i] == ch {
				h.waiters[signal] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
		return time.Time{}, ctx.Err()
	}
}

func (h *Hub) WakeSignalWaiters(signal control.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.waiters[signal] {
		close(ch)
	}
	delete(h.waiters, signal)
}

// Waiting returns how many goroutines are blocked on signal.
func (h *Hub) Waiting(signal control.Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[signal])
}

func (h *Hub) ControlValue(number uint8) control.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controls[number]
}

func (h *Hub) StartCapture(qpm float64, start time.Time) hub.Captor {
	c := newCaptor(h, qpm, start)
	h.mu.Lock()
	h.captors[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) removeCaptor(c *Captor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.captors, c)
}

func (h *Hub) StartPlayback(seq *sequence.Sequence, start time.Time) hub.Player {
	p := newPlayer(h, seq, start)
	go p.run()
	return p
}

// wait blocks until at, or until quit is closed. It reports whether at was reached.
func (h *Hub) wait(at time.Time, quit <-chan struct{}) bool {
	d := at.Sub(h.clock.Now())
	if d <= 0 {
		select {
		case <-quit:
			return false
		default:
			return true
		}
	}
	timer := h.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-quit:
		return false
	}
}
