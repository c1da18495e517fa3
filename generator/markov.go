package generator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fogleman/ease"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/robmorgan/antiphon/engine/scale"
	"github.com/robmorgan/antiphon/sequence"
)

const minTemperature = 0.01

// velocityWeight scales the learned velocity from 60% at the quietest point of the contour to 100% at the loudest.
var velocityWeight = scale.FromUnitClamp(0.6, 1)

// Markov answers a call with a first-order chain over the call's pitches. Durations and onset gaps are drawn from
// those observed in the call, quantized to whole steps, and velocity follows Contour across the response.
type Markov struct {
	// Contour maps progress through the response, from 1 at the start to 0 at the end, onto a velocity weight.
	Contour func(float64) float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMarkov creates a Markov generator sampling from seed.
func NewMarkov(seed int64) *Markov {
	return &Markov{
		Contour: ease.OutQuad,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (m *Markov) Name() string { return "markov" }

type chain struct {
	transitions map[uint8]map[uint8]int
	pitches     map[uint8]int
	durations   map[int64]int
	gaps        map[int64]int
	velocity    float64
	last        uint8
}

func learn(notes []sequence.Note, step time.Duration) *chain {
	c := &chain{
		transitions: make(map[uint8]map[uint8]int),
		pitches:     make(map[uint8]int),
		durations:   make(map[int64]int),
		gaps:        make(map[int64]int),
	}

	var velocity float64
	for i, n := range notes {
		c.pitches[n.Pitch]++
		c.durations[toSteps(n.Duration(), step)]++
		velocity += float64(n.Velocity)
		if i > 0 {
			prev := notes[i-1]
			if c.transitions[prev.Pitch] == nil {
				c.transitions[prev.Pitch] = make(map[uint8]int)
			}
			c.transitions[prev.Pitch][n.Pitch]++
			c.gaps[toSteps(n.Start.Sub(prev.Start), step)]++
		}
	}
	if len(c.gaps) == 0 {
		c.gaps = c.durations
	}
	c.velocity = velocity / float64(len(notes))
	c.last = notes[len(notes)-1].Pitch
	return c
}

func toSteps(d, step time.Duration) int64 {
	n := int64(math.Round(float64(d) / float64(step)))
	if n < 1 {
		return 1
	}
	return n
}

func (m *Markov) Generate(ctx context.Context, req *Request) (*sequence.Sequence, error) {
	out := sequence.New(req.QPM, req.Start, req.End)
	if req.Input.IsEmpty() {
		return out, ctx.Err()
	}

	tb := req.Timebase()
	c := learn(req.Input.Sorted().Notes, tb.StepDuration())

	first := int64(math.Round(tb.TimeToSteps(req.Start)))
	last := int64(math.Round(tb.TimeToSteps(req.End)))
	span := float64(last - first)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := c.last
	for cursor := first; cursor < last; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, ok := c.transitions[prev]
		if !ok {
			next = c.pitches
		}
		pitch := sample(m.rng, next, req.Temperature)
		end := cursor + sample(m.rng, c.durations, req.Temperature)
		if end > last {
			end = last
		}

		progress := float64(cursor-first) / span
		velocity := c.velocity * velocityWeight(m.Contour(1-progress))

		out.Notes = append(out.Notes, sequence.Note{
			Pitch:    pitch,
			Velocity: uint8(scale.ClampValue(math.Round(velocity), 1, 127)),
			Start:    tb.StepTime(cursor),
			End:      tb.StepTime(end),
		})

		prev = pitch
		cursor += sample(m.rng, c.gaps, req.Temperature)
	}
	return out, nil
}

// sample draws a key with probability proportional to count^(1/temperature).
func sample[K constraints.Ordered](rng *rand.Rand, counts map[K]int, temperature float64) K {
	keys := maps.Keys(counts)
	slices.Sort(keys)

	if temperature < minTemperature {
		temperature = minTemperature
	}

	most := 0
	for _, n := range counts {
		if n > most {
			most = n
		}
	}

	weights := make([]float64, len(keys))
	var total float64
	for i, k := range keys {
		weights[i] = math.Pow(float64(counts[k])/float64(most), 1/temperature)
		total += weights[i]
	}

	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return keys[i]
		}
		r -= w
	}
	return keys[len(keys)-1]
}
