// Package generator produces response material from captured call material.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/rhythm"
	"github.com/robmorgan/antiphon/sequence"
)

// Request asks a generator to continue Input over the window [Start, End).
type Request struct {
	// Input is the captured call. It must not be modified.
	Input *sequence.Sequence

	Start time.Time
	End   time.Time

	// Temperature scales how adventurous sampling is. 1.0 samples the learned distribution as is.
	Temperature float64

	QPM             float64
	StepsPerQuarter int
}

// Timebase returns the step grid of the request.
func (r *Request) Timebase() rhythm.Timebase {
	spq := r.StepsPerQuarter
	if spq <= 0 {
		spq = 4
	}
	return rhythm.NewTimebase(r.QPM, spq)
}

// Generator turns a call into a response.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*sequence.Sequence, error)
}

// Options configure generators created through New.
type Options struct {
	// Seed seeds random sampling. Zero seeds from the clock.
	Seed int64

	// Latency delays every response, to rehearse a slow generator.
	Latency time.Duration

	// Clock drives Latency. Defaults to the real clock.
	Clock clock.Clock
}

type factory func(opts Options) Generator

var registry = map[string]factory{
	"echo": func(Options) Generator { return Echo{} },
	"markov": func(opts Options) Generator {
		seed := opts.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return NewMarkov(seed)
	},
}

// Names lists the registered generator names in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New looks up a generator by name, wrapping it in a Latency when opts asks for one.
func New(name string, opts Options) (Generator, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.WithStackTrace(UnknownGeneratorError{Name: name})
	}
	gen := f(opts)
	if opts.Latency > 0 {
		clk := opts.Clock
		if clk == nil {
			clk = clock.RealClock{}
		}
		gen = &Latency{Generator: gen, Delay: opts.Latency, Clock: clk}
	}
	return gen, nil
}

// UnknownGeneratorError is returned by New for an unregistered name.
type UnknownGeneratorError struct {
	Name string
}

func (e UnknownGeneratorError) Error() string {
	return fmt.Sprintf("unknown generator %q (available: %v)", e.Name, Names())
}
