package interaction

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/generator"
	"github.com/robmorgan/antiphon/hub/hubtest"
	"github.com/robmorgan/antiphon/rhythm"
	"github.com/robmorgan/antiphon/sequence"
)

const waitFor = 2 * time.Second

var tb = rhythm.NewTimebase(120, 4)

// steps converts a step count at 120 qpm and 4 steps per quarter to an instant. The test clock starts at
// time.Unix(1000, 0), so the first call starts on step 8008.
func steps(n float64) time.Time {
	return tb.StepsToTime(n)
}

type respondFunc func(ctx context.Context, n int, req *generator.Request) (*sequence.Sequence, error)

type stubGenerator struct {
	respond respondFunc

	mu       sync.Mutex
	requests []*generator.Request
}

func (g *stubGenerator) Name() string { return "stub" }

func (g *stubGenerator) Generate(ctx context.Context, req *generator.Request) (*sequence.Sequence, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	g.mu.Unlock()

	if g.respond != nil {
		return g.respond(ctx, n, req)
	}
	return generator.Echo{}.Generate(ctx, req)
}

func (g *stubGenerator) Requests() []*generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*generator.Request(nil), g.requests...)
}

// blockFrom echoes until the nth request, which blocks until the interaction stops.
func blockFrom(n int) respondFunc {
	return func(ctx context.Context, i int, req *generator.Request) (*sequence.Sequence, error) {
		if i >= n {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return generator.Echo{}.Generate(ctx, req)
	}
}

type cycleLog struct {
	mu     sync.Mutex
	cycles []Cycle
}

func (l *cycleLog) RecordCycle(c Cycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycles = append(l.cycles, c)
}

func (l *cycleLog) Cycles() []Cycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Cycle(nil), l.cycles...)
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestInteraction(t *testing.T, cfg Config, gen *stubGenerator, opts ...Option) (*CallAndResponse, *hubtest.Hub, *testingclock.FakeClock) {
	t.Helper()
	return newTestInteractionAt(t, time.Unix(1000, 0), cfg, gen, opts...)
}

func newTestInteractionAt(t *testing.T, now time.Time, cfg Config, gen *stubGenerator, opts ...Option) (*CallAndResponse, *hubtest.Hub, *testingclock.FakeClock) {
	t.Helper()

	clk := testingclock.NewFakeClock(now)
	h := hubtest.New(clk)
	c, err := New(h, gen, cfg, append([]Option{WithClock(clk), WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return c, h, clk
}

func shortPhrases() Config {
	cfg := DefaultConfig()
	cfg.PhraseBars = 1
	cfg.StepsPerBar = 4
	return cfg
}

func drain(events chan Event, kind EventKind) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestTwoCyclesEndToEnd(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{respond: blockFrom(3)}
	cycles := &cycleLog{}
	events := make(chan Event, 256)
	c, h, _ := newTestInteraction(t, shortPhrases(), gen, WithRecorder(cycles), WithObserver(ChannelObserver(events)))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.Players()) == 2 && len(gen.Requests()) == 3
	}, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	players := h.Players()
	require.Len(t, players, 2)
	assert.Equal(t, steps(8012), players[0].Start)
	assert.Equal(t, steps(8020), players[1].Start)

	captors := h.Captors()
	require.Len(t, captors, 3)
	assert.Equal(t, steps(8008), captors[0].Start)
	assert.Equal(t, steps(8008), captors[0].Stop())
	assert.Equal(t, steps(8016), captors[1].Start)
	assert.Equal(t, steps(8017), captors[1].Stop())
	assert.Equal(t, steps(8024), captors[2].Start)
	assert.Equal(t, steps(8026), captors[2].Stop())

	// no capture overlaps a response
	for i, p := range players {
		assert.False(t, captors[i].Stop().After(p.Start))
		assert.False(t, p.Sequence.End.After(captors[i+1].Start))
	}
	assert.True(t, players[1].Stopped())

	requests := gen.Requests()
	assert.Equal(t, steps(8012), requests[0].Start)
	assert.Equal(t, steps(8016), requests[0].End)
	assert.Equal(t, steps(8020), requests[1].Start)
	assert.Equal(t, steps(8024), requests[1].End)

	var metronomeStarts, metronomeStops []time.Time
	for _, ev := range h.EventsOf(hubtest.OpStartMetronome) {
		metronomeStarts = append(metronomeStarts, ev.At)
	}
	for _, ev := range h.EventsOf(hubtest.OpStopMetronome) {
		assert.False(t, ev.Block)
		metronomeStops = append(metronomeStops, ev.At)
	}
	assert.Equal(t, []time.Time{steps(8008), steps(8016), steps(8024)}, metronomeStarts)
	assert.Equal(t, []time.Time{steps(8012), steps(8020), steps(8028)}, metronomeStops)

	assert.Equal(t, 2, c.Lookahead())
	assert.Equal(t, Stopped, c.Phase())

	recorded := cycles.Cycles()
	require.Len(t, recorded, 2)
	assert.Equal(t, 1, recorded[0].Number)
	assert.Equal(t, int64(4), recorded[0].CallSteps)
	assert.Equal(t, 4, recorded[0].Lookahead)
	assert.Equal(t, 3, recorded[1].Lookahead)
	assert.Equal(t, steps(8016), recorded[1].CallStart)
	assert.Equal(t, 1500*time.Millisecond, recorded[0].Slack)

	var phases []Phase
	for _, ev := range drain(events, PhaseChanged) {
		phases = append(phases, ev.Phase)
	}
	require.GreaterOrEqual(t, len(phases), 4)
	assert.Equal(t, []Phase{Calling, Generating, Responding, Calling}, phases[:4])
	assert.Equal(t, Stopped, phases[len(phases)-1])
}

func TestLateResponseGrowsLookahead(t *testing.T) {
	t.Parallel()

	var clk *testingclock.FakeClock
	gen := &stubGenerator{}
	gen.respond = func(ctx context.Context, n int, req *generator.Request) (*sequence.Sequence, error) {
		if n > 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		clk.SetTime(steps(8013))
		return generator.Echo{}.Generate(ctx, req)
	}
	events := make(chan Event, 256)
	c, h, fake := newTestInteraction(t, shortPhrases(), gen, WithObserver(ChannelObserver(events)))
	clk = fake

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(gen.Requests()) == 2 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 5, c.Lookahead())
	require.Len(t, h.Players(), 1)

	changes := drain(events, LookaheadChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, 4, changes[0].PreviousLookahead)
	assert.Equal(t, 5, changes[0].Lookahead)
	assert.Equal(t, -125*time.Millisecond, changes[0].Slack)
}

func TestConsecutiveLateCyclesWarnOfDrift(t *testing.T) {
	t.Parallel()

	var clk *testingclock.FakeClock
	gen := &stubGenerator{}
	gen.respond = func(ctx context.Context, n int, req *generator.Request) (*sequence.Sequence, error) {
		if n > 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		clk.SetTime(req.Start.Add(tb.StepDuration()))
		return generator.Echo{}.Generate(ctx, req)
	}

	cfg := DefaultConfig()
	cfg.PhraseBars = 1
	cfg.LagWarningCycles = 2
	events := make(chan Event, 256)
	c, _, fake := newTestInteraction(t, cfg, gen, WithObserver(ChannelObserver(events)))
	clk = fake

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(gen.Requests()) == 3 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 6, c.Lookahead())
	warnings := drain(events, DriftWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Cycle)
}

func TestLookaheadReachingCallLengthWarnsOfDrift(t *testing.T) {
	t.Parallel()

	var clk *testingclock.FakeClock
	gen := &stubGenerator{}
	gen.respond = func(ctx context.Context, n int, req *generator.Request) (*sequence.Sequence, error) {
		if n > 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		clk.SetTime(req.Start.Add(tb.StepDuration()))
		return generator.Echo{}.Generate(ctx, req)
	}

	cfg := shortPhrases()
	cfg.StepsPerBar = 8
	cfg.InitialLookahead = 7
	events := make(chan Event, 256)
	c, _, fake := newTestInteraction(t, cfg, gen, WithObserver(ChannelObserver(events)))
	clk = fake

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(gen.Requests()) == 2 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 8, c.Lookahead())
	warnings := drain(events, DriftWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 8, warnings[0].Lookahead)
}

func TestSignalBoundedCall(t *testing.T) {
	t.Parallel()

	end := control.ControlSignal(20, control.AnyValue)
	cfg := DefaultConfig()
	cfg.PhraseBars = 0
	cfg.EndCallSignal = &end

	gen := &stubGenerator{}
	c, h, clk := newTestInteraction(t, cfg, gen)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return h.Waiting(end) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, Calling, c.Phase())
	require.Equal(t, 1, h.Emit(end, steps(8018.5)))

	require.Eventually(t, func() bool {
		return len(h.Players()) == 1 && h.Waiting(end) == 1
	}, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	captors := h.Captors()
	require.Len(t, captors, 2)
	assert.Equal(t, steps(8008), captors[0].Start)
	assert.Equal(t, steps(8020), captors[0].Stop())
	assert.Equal(t, steps(8024), h.Players()[0].Start)

	requests := gen.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, steps(8024), requests[0].Start)
	assert.Equal(t, steps(8040), requests[0].End)

	// the second call was interrupted while waiting for its end
	assert.Equal(t, steps(8040), captors[1].Start)
	assert.Equal(t, clk.Now(), captors[1].Stop())

	stops := h.EventsOf(hubtest.OpStopMetronome)
	require.Len(t, stops, 2)
	assert.Equal(t, steps(8024), stops[0].At)
	assert.Len(t, h.EventsOf(hubtest.OpWake), 1)
}

func TestSignalBoundedCallKeepsLookaheadAtPresentDayInstants(t *testing.T) {
	t.Parallel()

	end := control.ControlSignal(20, control.AnyValue)
	cfg := DefaultConfig()
	cfg.PhraseBars = 0
	cfg.EndCallSignal = &end
	cfg.InitialLookahead = 5
	grid := rhythm.NewTimebase(cfg.QPM, cfg.StepsPerQuarter)

	for offset := 0; offset < 64; offset++ {
		now := time.Unix(1760000000, 0).Add(time.Duration(offset) * 37 * time.Millisecond)
		c, h, _ := newTestInteractionAt(t, now, cfg, &stubGenerator{})

		require.NoError(t, c.Start(context.Background()))
		require.Eventually(t, func() bool { return h.Waiting(end) == 1 }, waitFor, time.Millisecond)
		callStart := grid.StepAt(h.Captors()[0].Start)
		require.Equal(t, h.Captors()[0].Start, grid.StepTime(callStart))

		// twelve steps in, a bar line four steps away is closer than the lookahead
		h.Emit(end, grid.StepTime(callStart+12))
		require.Eventually(t, func() bool {
			return len(h.Players()) == 1 && h.Waiting(end) == 1
		}, waitFor, time.Millisecond)
		require.NoError(t, c.Stop())

		assert.Equal(t, grid.StepTime(callStart+32), h.Players()[0].Start, "offset %d", offset)
		assert.Equal(t, grid.StepTime(callStart+27), h.Captors()[0].Stop(), "offset %d", offset)
	}
}

func TestStartSignalDelaysCall(t *testing.T) {
	t.Parallel()

	start := control.NoteSignal(36)
	cfg := shortPhrases()
	cfg.StartCallSignal = &start

	gen := &stubGenerator{}
	c, h, _ := newTestInteraction(t, cfg, gen)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return h.Waiting(start) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, AwaitingCallStart, c.Phase())
	assert.Empty(t, h.Captors())

	h.Emit(start, steps(8030.2))
	require.Eventually(t, func() bool {
		return len(h.Players()) == 1 && h.Waiting(start) == 1
	}, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	require.Len(t, h.Captors(), 1)
	assert.Equal(t, steps(8031), h.Captors()[0].Start)
	assert.Equal(t, steps(8035), h.Players()[0].Start)
}

func TestStopWhileAwaitingCallStart(t *testing.T) {
	t.Parallel()

	start := control.NoteSignal(36)
	cfg := shortPhrases()
	cfg.StartCallSignal = &start

	gen := &stubGenerator{}
	c, h, _ := newTestInteraction(t, cfg, gen)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return h.Waiting(start) == 1 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, Stopped, c.Phase())
	assert.Empty(t, h.Captors())
	assert.Empty(t, h.EventsOf(hubtest.OpStartMetronome))
	assert.Empty(t, gen.Requests())
}

func TestStopWhileCapturing(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	c, h, clk := newTestInteraction(t, shortPhrases(), gen)
	h.HoldCaptures = true

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.EventsOf(hubtest.OpStopCapture)) == 1 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Empty(t, gen.Requests())
	assert.Empty(t, h.Players())

	// the planned stops at the end of the call are brought forward to the stop
	captors := h.Captors()
	require.Len(t, captors, 1)
	assert.Equal(t, clk.Now(), captors[0].Stop())
	stops := h.EventsOf(hubtest.OpStopMetronome)
	require.Len(t, stops, 2)
	assert.Equal(t, steps(8012), stops[0].At)
	assert.Equal(t, clk.Now(), stops[1].At)
}

func TestStopWhileGenerating(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{respond: blockFrom(1)}
	c, h, _ := newTestInteraction(t, shortPhrases(), gen)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Phase() == Generating }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Len(t, gen.Requests(), 1)
	assert.Empty(t, h.Players())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{respond: blockFrom(1)}
	c, _, _ := newTestInteraction(t, shortPhrases(), gen)
	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Stop())
		}()
	}
	wg.Wait()

	assert.NoError(t, c.Stop())
	assert.NoError(t, c.Wait())
	assert.Equal(t, Stopped, c.Phase())
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestInteraction(t, shortPhrases(), &stubGenerator{respond: blockFrom(1)})
	assert.Equal(t, ErrNotStarted, errors.Unwrap(c.Wait()))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, ErrAlreadyStarted, errors.Unwrap(c.Start(context.Background())))
	require.NoError(t, c.Stop())
	assert.Equal(t, ErrStopped, errors.Unwrap(c.Start(context.Background())))
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	c, h, _ := newTestInteraction(t, shortPhrases(), &stubGenerator{})
	require.NoError(t, c.Stop())
	require.NoError(t, c.Wait())
	assert.Equal(t, ErrStopped, errors.Unwrap(c.Start(context.Background())))
	assert.Equal(t, Stopped, c.Phase())
	assert.Empty(t, h.Events())
}

func TestContextCancelEndsInteraction(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{respond: blockFrom(1)}
	c, h, _ := newTestInteraction(t, shortPhrases(), gen)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return len(gen.Requests()) == 1 }, waitFor, time.Millisecond)
	cancel()

	require.NoError(t, c.Wait())
	assert.Empty(t, h.Players())
}

func TestGenerationFailureIsTerminal(t *testing.T) {
	t.Parallel()

	failure := fmt.Errorf("model exploded")
	gen := &stubGenerator{respond: func(context.Context, int, *generator.Request) (*sequence.Sequence, error) {
		return nil, failure
	}}
	c, h, _ := newTestInteraction(t, shortPhrases(), gen)

	require.NoError(t, c.Start(context.Background()))
	err := c.Wait()
	require.Error(t, err)

	genErr, ok := errors.Unwrap(err).(*GenerationError)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, 1, genErr.Cycle)
	assert.Equal(t, "stub", genErr.Generator)
	assert.Equal(t, failure, genErr.Err)

	assert.Empty(t, h.Players())
	assert.Len(t, gen.Requests(), 1)
	assert.Equal(t, Stopped, c.Phase())
	assert.Equal(t, err, c.Stop())
}

func TestTemperatureFollowsControl(t *testing.T) {
	t.Parallel()

	number := uint8(21)
	cfg := shortPhrases()
	cfg.TemperatureControl = &number

	var h *hubtest.Hub
	gen := &stubGenerator{}
	gen.respond = func(ctx context.Context, n int, req *generator.Request) (*sequence.Sequence, error) {
		switch n {
		case 1:
			h.SetControl(number, 0)
		case 3:
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return generator.Echo{}.Generate(ctx, req)
	}

	clk := testingclock.NewFakeClock(time.Unix(1000, 0))
	h = hubtest.New(clk)
	h.SetControl(number, 127)
	events := make(chan Event, 256)
	c, err := New(h, gen, cfg, WithClock(clk), WithLogger(quietLogger()), WithObserver(ChannelObserver(events)))
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.Temperature())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(gen.Requests()) == 3 }, waitFor, time.Millisecond)
	require.NoError(t, c.Stop())

	requests := gen.Requests()
	assert.InDelta(t, 2.0, requests[0].Temperature, 1e-9)
	assert.InDelta(t, 0.1, requests[1].Temperature, 1e-9)
	assert.InDelta(t, 0.1, requests[2].Temperature, 1e-9)

	changes := drain(events, TemperatureChanged)
	require.Len(t, changes, 1)
	assert.InDelta(t, 0.1, changes[0].Temperature, 1e-9)
}

func TestTemperatureWithoutControlIsMid(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestInteraction(t, shortPhrases(), &stubGenerator{})
	assert.Equal(t, 1.0, c.Temperature())
}
