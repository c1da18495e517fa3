package interaction

import (
	"fmt"
	"time"

	"github.com/robmorgan/antiphon/control"
)

const (
	DefaultQPM              = 120.0
	DefaultStepsPerQuarter  = 4
	DefaultStepsPerBar      = 16
	DefaultInitialLookahead = 4
	DefaultMinLookahead     = 1
	DefaultLagWarningCycles = 4
	DefaultStartDelay       = time.Second
)

// Config describes a call and response interaction. Zero numeric fields other than QPM and PhraseBars take their
// defaults.
type Config struct {
	QPM             float64
	StepsPerQuarter int
	StepsPerBar     int

	// PhraseBars fixes the call length in bars. Exactly one of PhraseBars and EndCallSignal must be set.
	PhraseBars int

	// EndCallSignal ends the call at the first bar line at least the current lookahead away from the signal.
	EndCallSignal *control.Signal

	// StartCallSignal, when set, holds each call until the performer signals.
	StartCallSignal *control.Signal

	// TemperatureControl is the control number whose value sets the sampling temperature.
	TemperatureControl *uint8
	Temperatures       control.TemperatureRange

	// InitialLookahead is how many steps before the end of the call generation starts. It adapts after every cycle
	// but never drops below MinLookahead.
	InitialLookahead int
	MinLookahead     int

	// LagWarningCycles is how many late responses in a row trigger a drift warning.
	LagWarningCycles int

	// StartDelay is how far ahead of the current time the first call is scheduled.
	StartDelay time.Duration
}

// DefaultConfig returns a two bar fixed-length interaction at 120 qpm.
func DefaultConfig() Config {
	return Config{
		QPM:              DefaultQPM,
		StepsPerQuarter:  DefaultStepsPerQuarter,
		StepsPerBar:      DefaultStepsPerBar,
		PhraseBars:       2,
		Temperatures:     control.DefaultTemperatureRange(),
		InitialLookahead: DefaultInitialLookahead,
		MinLookahead:     DefaultMinLookahead,
		LagWarningCycles: DefaultLagWarningCycles,
		StartDelay:       DefaultStartDelay,
	}
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid interaction config: %s %s", e.Field, e.Reason)
}

func (c Config) withDefaults() Config {
	if c.StepsPerQuarter == 0 {
		c.StepsPerQuarter = DefaultStepsPerQuarter
	}
	if c.StepsPerBar == 0 {
		c.StepsPerBar = DefaultStepsPerBar
	}
	if c.Temperatures == (control.TemperatureRange{}) {
		c.Temperatures = control.DefaultTemperatureRange()
	}
	if c.InitialLookahead == 0 {
		c.InitialLookahead = DefaultInitialLookahead
	}
	if c.MinLookahead == 0 {
		c.MinLookahead = DefaultMinLookahead
	}
	if c.LagWarningCycles == 0 {
		c.LagWarningCycles = DefaultLagWarningCycles
	}
	if c.StartDelay == 0 {
		c.StartDelay = DefaultStartDelay
	}
	return c
}

// Validate checks the configuration once defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	switch {
	case c.QPM <= 0:
		return &ConfigError{Field: "qpm", Reason: "must be positive"}
	case c.StepsPerQuarter < 0:
		return &ConfigError{Field: "steps per quarter", Reason: "must be positive"}
	case c.StepsPerBar < 0:
		return &ConfigError{Field: "steps per bar", Reason: "must be positive"}
	case c.PhraseBars < 0:
		return &ConfigError{Field: "phrase bars", Reason: "must not be negative"}
	case (c.PhraseBars > 0) == (c.EndCallSignal != nil):
		return &ConfigError{Field: "phrase bars", Reason: "exactly one of phrase bars and an end call signal must be set"}
	case c.MinLookahead < 0:
		return &ConfigError{Field: "min lookahead", Reason: "must be at least 1"}
	case c.InitialLookahead < c.MinLookahead:
		return &ConfigError{Field: "initial lookahead", Reason: fmt.Sprintf("must be at least the min lookahead (%d)", c.MinLookahead)}
	case c.LagWarningCycles < 0:
		return &ConfigError{Field: "lag warning cycles", Reason: "must not be negative"}
	case c.StartDelay < 0:
		return &ConfigError{Field: "start delay", Reason: "must not be negative"}
	}

	if err := c.Temperatures.Validate(); err != nil {
		return &ConfigError{Field: "temperatures", Reason: err.Error()}
	}
	if c.Temperatures.Min < 0 {
		return &ConfigError{Field: "temperatures", Reason: "must not be negative"}
	}
	return nil
}

// CallSteps returns the fixed call length in steps, or 0 in signal-bounded mode.
func (c Config) CallSteps() int64 {
	return int64(c.PhraseBars) * int64(c.StepsPerBar)
}
