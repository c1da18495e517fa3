package generator

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/sequence"
)

// Latency delays another generator's response by a fixed amount.
type Latency struct {
	Generator Generator
	Delay     time.Duration
	Clock     clock.Clock
}

func (l *Latency) Name() string {
	return l.Generator.Name() + "+latency"
}

func (l *Latency) Generate(ctx context.Context, req *Request) (*sequence.Sequence, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.Clock.After(l.Delay):
	}
	return l.Generator.Generate(ctx, req)
}
