// Package interaction runs a real-time call and response between a performer and a sequence generator.
//
// Time is measured in steps counted from the Unix epoch. Each cycle captures a call, asks the generator for a
// response starting on the step the call ends, and schedules its playback. Generation starts a few steps before the
// call ends (the lookahead); the lookahead shrinks while the generator keeps up and grows whenever a response is
// late.
package interaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/generator"
	"github.com/robmorgan/antiphon/hub"
	"github.com/robmorgan/antiphon/logger"
	"github.com/robmorgan/antiphon/rhythm"
	"github.com/robmorgan/antiphon/sequence"
)

// Option customizes a CallAndResponse.
type Option func(*CallAndResponse)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(c *CallAndResponse) { c.clock = clk }
}

// WithLogger replaces the project logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *CallAndResponse) { c.log = log }
}

// WithObserver adds an Observer.
func WithObserver(o Observer) Option {
	return func(c *CallAndResponse) { c.observers = append(c.observers, o) }
}

// WithRecorder adds a CycleRecorder.
func WithRecorder(r CycleRecorder) Option {
	return func(c *CallAndResponse) { c.recorders = append(c.recorders, r) }
}

// CallAndResponse alternates between capturing a call from the performer and playing back a generated response.
type CallAndResponse struct {
	hub       hub.Hub
	generator generator.Generator
	cfg       Config
	tb        rhythm.Timebase
	clock     clock.Clock
	log       *logrus.Entry
	observers []Observer
	recorders []CycleRecorder

	stopping atomic.Bool

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	err       error

	mu          sync.Mutex
	phase       Phase
	cycle       int
	lookahead   int
	temperature float64

	// owned by the interaction goroutine
	lateCycles int
	player     hub.Player
}

// New validates cfg and creates an interaction driving h with gen.
func New(h hub.Hub, gen generator.Generator, cfg Config, opts ...Option) (*CallAndResponse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithStackTrace(err)
	}
	cfg = cfg.withDefaults()

	c := &CallAndResponse{
		hub:       h,
		generator: gen,
		cfg:       cfg,
		tb:        rhythm.NewTimebase(cfg.QPM, cfg.StepsPerQuarter),
		clock:     clock.RealClock{},
		log:       logger.GetProjectLogger(),
		done:      make(chan struct{}),
		lookahead: cfg.InitialLookahead,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("generator", gen.Name())
	c.temperature = cfg.Temperatures.FromControlValue(c.controlValue())
	return c, nil
}

// Config returns the validated configuration with defaults applied.
func (c *CallAndResponse) Config() Config {
	return c.cfg
}

// Phase returns the current phase.
func (c *CallAndResponse) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Lookahead returns the current lookahead in steps.
func (c *CallAndResponse) Lookahead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookahead
}

// Temperature returns the temperature the last response was generated with.
func (c *CallAndResponse) Temperature() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temperature
}

// Start runs the interaction on its own goroutine until Stop is called, ctx is done or generation fails.
func (c *CallAndResponse) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopping.Load() {
		return errors.WithStackTrace(ErrStopped)
	}
	if c.started {
		return errors.WithStackTrace(ErrAlreadyStarted)
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Stop asks the interaction to stop and waits for it to exit. It is safe to call from any goroutine, any number of
// times. It returns the error that ended the interaction, if any.
func (c *CallAndResponse) Stop() error {
	c.stopOnce.Do(func() {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()

		c.stopping.Store(true)
		if c.cfg.StartCallSignal != nil {
			c.hub.WakeSignalWaiters(*c.cfg.StartCallSignal)
		}
		if c.cfg.EndCallSignal != nil {
			c.hub.WakeSignalWaiters(*c.cfg.EndCallSignal)
		}
		if c.cancel != nil {
			c.cancel()
		}
		if !c.started {
			c.setPhase(Stopped)
			close(c.done)
		}
	})
	<-c.done
	return c.err
}

// Wait blocks until the interaction exits and returns the error that ended it, if any.
func (c *CallAndResponse) Wait() error {
	c.lifecycle.Lock()
	started := c.started || c.stopping.Load()
	c.lifecycle.Unlock()
	if !started {
		return errors.WithStackTrace(ErrNotStarted)
	}
	<-c.done
	return c.err
}

// Done is closed once the interaction has exited.
func (c *CallAndResponse) Done() <-chan struct{} {
	return c.done
}

func (c *CallAndResponse) stopped(ctx context.Context) bool {
	return c.stopping.Load() || ctx.Err() != nil
}

func (c *CallAndResponse) run(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()

	c.log.WithFields(logrus.Fields{
		"qpm":         c.cfg.QPM,
		"phrase_bars": c.cfg.PhraseBars,
		"lookahead":   c.lookahead,
	}).Info("Starting call and response")

	startSteps := c.tb.StepAt(c.clock.Now().Add(c.cfg.StartDelay))
	callStart := startSteps

	for cycle := 1; !c.stopped(ctx); cycle++ {
		next, err := c.runCycle(ctx, cycle, callStart)
		if err != nil {
			c.err = errors.WithStackTrace(err)
			c.log.WithError(err).WithField("cycle", cycle).Error("Generation failed, stopping interaction")
			break
		}
		if next < 0 {
			break
		}
		callStart = next
	}

	if c.player != nil {
		c.player.Stop()
	}
	c.setPhase(Stopped)
	c.log.Info("Call and response stopped")
}

// runCycle runs one call and response from callStart. It returns the step the next call starts on, or -1 when the
// interaction was stopped.
func (c *CallAndResponse) runCycle(ctx context.Context, cycle int, callStart int64) (int64, error) {
	c.mu.Lock()
	c.cycle = cycle
	c.mu.Unlock()

	callStart, ok := c.awaitCallStart(ctx, callStart)
	if !ok {
		return -1, nil
	}

	callSteps, captured, ok := c.call(ctx, callStart)
	if !ok {
		return -1, nil
	}

	responseStart := callStart + callSteps
	response, err := c.generate(ctx, cycle, captured, responseStart, responseStart+callSteps)
	if err != nil {
		return -1, err
	}
	if response == nil {
		return -1, nil
	}

	c.respond(cycle, callStart, callSteps, captured, response)
	return responseStart + callSteps, nil
}

func (c *CallAndResponse) awaitCallStart(ctx context.Context, planned int64) (int64, bool) {
	signal := c.cfg.StartCallSignal
	if signal == nil {
		return planned, true
	}

	c.setPhase(AwaitingCallStart)
	at, err := c.hub.WaitForSignal(ctx, *signal)
	if err != nil || c.stopped(ctx) {
		return 0, false
	}

	if step := c.tb.StepCeil(at); step > planned {
		planned = step
	}
	c.log.WithFields(logrus.Fields{"signal": signal.String(), "call_start": planned}).Debug("Call start signalled")
	return planned, true
}

func (c *CallAndResponse) call(ctx context.Context, callStart int64) (int64, *sequence.Sequence, bool) {
	c.setPhase(Calling)

	start := c.tb.StepTime(callStart)
	c.hub.StartMetronome(c.cfg.QPM, start)
	captor := c.hub.StartCapture(c.cfg.QPM, start)

	lookahead := int64(c.Lookahead())
	callSteps := c.cfg.CallSteps()
	if c.cfg.EndCallSignal != nil {
		// open-ended until the performer signals
		c.emit(Event{Kind: PhaseChanged, Phase: Calling, CallStart: start, Lookahead: int(lookahead)})

		at, err := c.hub.WaitForSignal(ctx, *c.cfg.EndCallSignal)
		if err != nil || c.stopped(ctx) {
			c.abandonCall(captor)
			return 0, nil, false
		}
		elapsed := c.tb.StepAt(at) - callStart
		callSteps = SignalBoundedCallSteps(elapsed, int64(c.cfg.StepsPerBar), lookahead)
		c.log.WithFields(logrus.Fields{"elapsed": elapsed, "call_steps": callSteps}).Debug("Call end signalled")
	}

	captureSteps := callSteps - lookahead
	if captureSteps < 0 {
		captureSteps = 0
	}
	c.hub.StopMetronome(c.tb.StepTime(callStart+callSteps), false)
	captor.StopAt(c.tb.StepTime(callStart + captureSteps))

	c.emit(Event{
		Kind:      PhaseChanged,
		Phase:     Calling,
		CallStart: start,
		CallEnd:   c.tb.StepTime(callStart + callSteps),
		Lookahead: int(lookahead),
	})

	captured, err := captor.Captured(ctx)
	if err != nil || c.stopped(ctx) {
		c.abandonCall(captor)
		return 0, nil, false
	}
	if captured == nil {
		captured = sequence.New(c.cfg.QPM, start, c.tb.StepTime(callStart+captureSteps))
	}
	return callSteps, captured, true
}

// abandonCall silences the metronome and ends the capture now, overriding any stop already scheduled.
func (c *CallAndResponse) abandonCall(captor hub.Captor) {
	now := c.clock.Now()
	c.hub.StopMetronome(now, false)
	captor.StopAt(now)
}

// generate returns the response, or nil with no error when the interaction was stopped while generating.
func (c *CallAndResponse) generate(ctx context.Context, cycle int, captured *sequence.Sequence, responseStart, responseEnd int64) (*sequence.Sequence, error) {
	c.setPhase(Generating)
	temperature := c.refreshTemperature()

	req := &generator.Request{
		Input:           captured,
		Start:           c.tb.StepTime(responseStart),
		End:             c.tb.StepTime(responseEnd),
		Temperature:     temperature,
		QPM:             c.cfg.QPM,
		StepsPerQuarter: c.cfg.StepsPerQuarter,
	}
	response, err := c.generator.Generate(ctx, req)
	if c.stopped(ctx) {
		return nil, nil
	}
	if err != nil {
		return nil, &GenerationError{Cycle: cycle, Generator: c.generator.Name(), Err: err}
	}
	if response == nil {
		response = sequence.New(c.cfg.QPM, req.Start, req.End)
	}
	return response, nil
}

func (c *CallAndResponse) respond(cycle int, callStart, callSteps int64, captured, response *sequence.Sequence) {
	c.setPhase(Responding)

	responseStart := c.tb.StepTime(callStart + callSteps)
	c.player = c.hub.StartPlayback(response, responseStart)

	slack := responseStart.Sub(c.clock.Now())
	previous := c.Lookahead()
	lookahead := AdjustLookahead(previous, c.cfg.MinLookahead, slack, c.tb.StepDuration())

	c.mu.Lock()
	c.lookahead = lookahead
	temperature := c.temperature
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"cycle": cycle, "slack": slack, "lookahead": lookahead})
	switch {
	case lookahead < previous:
		log.Infof("Generator is ahead by %.3f seconds, decreasing lookahead", slack.Seconds())
	case lookahead > previous:
		log.Warnf("Generator is lagging by %.3f seconds, increasing lookahead", -slack.Seconds())
	}
	if lookahead != previous {
		c.emit(Event{Kind: LookaheadChanged, Cycle: cycle, Lookahead: lookahead, PreviousLookahead: previous, Slack: slack})
	}

	c.checkDrift(cycle, slack, lookahead, previous, callSteps)

	completed := Cycle{
		Number:      cycle,
		CallStart:   c.tb.StepTime(callStart),
		CallEnd:     responseStart,
		CallSteps:   callSteps,
		Lookahead:   previous,
		Temperature: temperature,
		Slack:       slack,
		Call:        captured,
		Response:    response,
	}
	for _, r := range c.recorders {
		r.RecordCycle(completed)
	}
	c.emit(Event{Kind: CycleCompleted, Cycle: cycle, Slack: slack, Lookahead: lookahead, Temperature: temperature})
}

func (c *CallAndResponse) checkDrift(cycle int, slack time.Duration, lookahead, previous int, callSteps int64) {
	if slack < 0 {
		c.lateCycles++
	} else {
		c.lateCycles = 0
	}

	var message string
	switch {
	case c.lateCycles == c.cfg.LagWarningCycles:
		message = "responses have been late for several cycles in a row"
	case int64(lookahead) >= callSteps && int64(previous) < callSteps:
		message = "lookahead has reached the call length, the call is no longer captured"
	default:
		return
	}

	c.log.WithFields(logrus.Fields{
		"cycle":       cycle,
		"late_cycles": c.lateCycles,
		"lookahead":   lookahead,
		"call_steps":  callSteps,
	}).Warn("Timing drift: " + message)
	c.emit(Event{Kind: DriftWarning, Cycle: cycle, Lookahead: lookahead, Slack: slack, Message: message})
}

func (c *CallAndResponse) controlValue() control.Value {
	if c.cfg.TemperatureControl == nil {
		return control.Unset()
	}
	return c.hub.ControlValue(*c.cfg.TemperatureControl)
}

// refreshTemperature reads the temperature control. An unset control keeps the current temperature.
func (c *CallAndResponse) refreshTemperature() float64 {
	value := c.controlValue()

	c.mu.Lock()
	previous := c.temperature
	if value.IsSet() {
		c.temperature = c.cfg.Temperatures.FromControlValue(value)
	}
	temperature := c.temperature
	cycle := c.cycle
	c.mu.Unlock()

	if temperature != previous {
		c.log.WithFields(logrus.Fields{"temperature": temperature, "control": value.String()}).Info("New temperature value")
		c.emit(Event{Kind: TemperatureChanged, Cycle: cycle, Temperature: temperature})
	}
	return temperature
}

func (c *CallAndResponse) setPhase(p Phase) {
	c.mu.Lock()
	previous := c.phase
	c.phase = p
	cycle := c.cycle
	lookahead := c.lookahead
	c.mu.Unlock()

	if previous == p {
		return
	}
	c.log.WithFields(logrus.Fields{"cycle": cycle, "phase": p.String()}).Info("Phase changed")
	if p == Calling {
		// announced by call once the call length is known
		return
	}
	c.emit(Event{Kind: PhaseChanged, Cycle: cycle, Phase: p, Lookahead: lookahead})
}

func (c *CallAndResponse) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	if ev.Cycle == 0 {
		c.mu.Lock()
		ev.Cycle = c.cycle
		c.mu.Unlock()
	}
	for _, o := range c.observers {
		o.Observe(ev)
	}
}
