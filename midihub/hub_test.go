package midihub

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/sequence"
)

const waitFor = 2 * time.Second

var t0 = time.Unix(1000, 0)

type outbox struct {
	mu   sync.Mutex
	sent []midi.Message
}

func (o *outbox) send(msg midi.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) Sent() []midi.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]midi.Message(nil), o.sent...)
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func newTestHub(t *testing.T, opts Options) (*Hub, *outbox, *testingclock.FakeClock) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	clk := testingclock.NewFakeClock(t0)
	out := &outbox{}
	opts.Clock = clk
	opts.Logger = logrus.NewEntry(log)
	return New(out.send, opts), out, clk
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func TestControlChangeUpdatesValue(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	assert.False(t, h.ControlValue(21).IsSet())

	h.Handle(midi.ControlChange(0, 21, 90), t0)
	assert.Equal(t, control.ValueOf(90), h.ControlValue(21))

	h.InjectControlChange(21, 3)
	assert.Equal(t, control.ValueOf(3), h.ControlValue(21))
}

func TestWaitForSignalReturnsDeliveryTime(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	signal := control.ControlSignal(20, 127)

	result := make(chan time.Time, 1)
	go func() {
		at, err := h.WaitForSignal(context.Background(), signal)
		assert.NoError(t, err)
		result <- at
	}()
	require.Eventually(t, func() bool { return h.Waiting(signal) == 1 }, waitFor, time.Millisecond)

	// a different value does not fire the signal
	h.Handle(midi.ControlChange(0, 20, 0), t0.Add(ms(100)))
	assert.Equal(t, 1, h.Waiting(signal))

	h.Handle(midi.ControlChange(0, 20, 127), t0.Add(ms(250)))
	select {
	case at := <-result:
		assert.Equal(t, t0.Add(ms(250)), at)
	case <-time.After(waitFor):
		t.Fatal("waiter was never released")
	}
	assert.Zero(t, h.Waiting(signal))
}

func TestNoteSignal(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	signal := control.NoteSignal(36)

	result := make(chan error, 1)
	go func() {
		_, err := h.WaitForSignal(context.Background(), signal)
		result <- err
	}()
	require.Eventually(t, func() bool { return h.Waiting(signal) == 1 }, waitFor, time.Millisecond)

	h.Handle(midi.NoteOn(3, 36, 64), t0)
	assert.NoError(t, <-result)
}

func TestWakeSignalWaiters(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	signal := control.ControlSignal(20, control.AnyValue)

	result := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.WaitForSignal(context.Background(), signal)
			result <- err
		}()
	}
	require.Eventually(t, func() bool { return h.Waiting(signal) == 2 }, waitFor, time.Millisecond)

	h.WakeSignalWaiters(signal)
	assert.ErrorIs(t, <-result, hub.ErrWoken)
	assert.ErrorIs(t, <-result, hub.ErrWoken)
}

func TestWaitForSignalCancelled(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	signal := control.ControlSignal(20, control.AnyValue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.WaitForSignal(ctx, signal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.Waiting(signal))
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	h, out, _ := newTestHub(t, Options{Passthrough: true})
	h.Handle(midi.NoteOn(0, 60, 100), t0)
	h.Handle(midi.NoteOff(0, 60), t0)
	assert.Equal(t, []midi.Message{midi.NoteOn(0, 60, 100), midi.NoteOff(0, 60)}, out.Sent())

	quiet, out, _ := newTestHub(t, Options{})
	quiet.Handle(midi.NoteOn(0, 60, 100), t0)
	assert.Zero(t, out.Len())
}

func TestCapture(t *testing.T) {
	t.Parallel()

	h, _, clk := newTestHub(t, Options{})
	start := t0.Add(ms(100))
	captor := h.StartCapture(120, start)

	h.Handle(midi.NoteOn(0, 59, 80), t0)
	h.Handle(midi.NoteOn(0, 60, 100), t0.Add(ms(150)))
	h.Handle(midi.NoteOff(0, 60), t0.Add(ms(250)))
	h.Handle(midi.NoteOn(0, 64, 90), t0.Add(ms(300)))

	captor.StopAt(t0.Add(ms(400)))
	require.Eventually(t, clk.HasWaiters, waitFor, time.Millisecond)
	clk.Step(ms(400))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	seq, err := captor.Captured(ctx)
	require.NoError(t, err)

	assert.Equal(t, start, seq.Start)
	assert.Equal(t, t0.Add(ms(400)), seq.End)
	require.Equal(t, 2, seq.Len())
	assert.Equal(t, sequence.Note{Pitch: 60, Velocity: 100, Start: t0.Add(ms(150)), End: t0.Add(ms(250))}, seq.Notes[0])
	assert.Equal(t, sequence.Note{Pitch: 64, Velocity: 90, Start: t0.Add(ms(300)), End: t0.Add(ms(400))}, seq.Notes[1])

	// input after the stop is not captured
	h.Handle(midi.NoteOn(0, 67, 90), t0.Add(ms(500)))
	seq, err = captor.Captured(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, seq.Len())
}

func captureClickAndKeys(t *testing.T, opts Options) *sequence.Sequence {
	t.Helper()

	h, _, clk := newTestHub(t, opts)
	captor := h.StartCapture(120, t0)
	h.Handle(midi.NoteOn(9, 37, 127), t0.Add(ms(10)))
	h.Handle(midi.NoteOn(3, 60, 100), t0.Add(ms(20)))
	h.Handle(midi.NoteOff(9, 37), t0.Add(ms(60)))
	h.Handle(midi.NoteOff(3, 60), t0.Add(ms(120)))

	captor.StopAt(t0.Add(ms(200)))
	require.Eventually(t, clk.HasWaiters, waitFor, time.Millisecond)
	clk.Step(ms(200))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	seq, err := captor.Captured(ctx)
	require.NoError(t, err)
	return seq
}

func TestCaptureIgnoresClickChannel(t *testing.T) {
	t.Parallel()

	seq := captureClickAndKeys(t, Options{IgnoreClickChannel: true})
	require.Equal(t, 1, seq.Len())
	assert.Equal(t, sequence.Note{
		Pitch: 60, Velocity: 100, Instrument: 3, Start: t0.Add(ms(20)), End: t0.Add(ms(120)),
	}, seq.Notes[0])
}

func TestCaptureKeepsClickChannelByDefault(t *testing.T) {
	t.Parallel()

	seq := captureClickAndKeys(t, Options{})
	require.Equal(t, 2, seq.Len())
	assert.Equal(t, 9, seq.Notes[0].Instrument)
	assert.Equal(t, 3, seq.Notes[1].Instrument)
}

func TestCaptureStoppedInThePast(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	captor := h.StartCapture(120, t0.Add(-time.Second))
	h.Handle(midi.NoteOn(0, 60, 100), t0.Add(-ms(500)))
	captor.StopAt(t0.Add(-ms(200)))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	seq, err := captor.Captured(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())
	assert.Equal(t, t0.Add(-ms(200)), seq.Notes[0].End)
}

func TestCapturedCancelled(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	captor := h.StartCapture(120, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := captor.Captured(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCaptorCallback(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHub(t, Options{})
	captor := h.StartCapture(120, t0)
	h.Handle(midi.NoteOn(0, 60, 100), t0)

	got := make(chan *sequence.Sequence, 1)
	cancel := captor.RegisterCallback(control.ControlSignal(22, control.AnyValue), func(seq *sequence.Sequence) {
		got <- seq
	})

	h.Handle(midi.ControlChange(0, 22, 1), t0)
	select {
	case seq := <-got:
		require.Equal(t, 1, seq.Len())
		assert.Equal(t, uint8(60), seq.Notes[0].Pitch)
	case <-time.After(waitFor):
		t.Fatal("callback never ran")
	}

	cancel()
	h.Handle(midi.ControlChange(0, 22, 1), t0)
	select {
	case <-got:
		t.Fatal("cancelled callback ran")
	case <-time.After(20 * time.Millisecond):
	}
}
