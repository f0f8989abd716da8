package random

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// minUniform keeps the Box-Muller log away from zero.
const minUniform = 1e-12

// Source yields uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

// Generator produces the random draws used by the price engine.
// It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	src Source
}

// New wraps src. A nil src falls back to a time-seeded source.
func New(src Source) *Generator {
	if src == nil {
		return NewFromTime()
	}
	return &Generator{src: src}
}

// NewSeeded returns a deterministic generator.
func NewSeeded(seed uint64) *Generator {
	return &Generator{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewFromTime returns a generator seeded from the wall clock.
func NewFromTime() *Generator {
	return NewSeeded(uint64(time.Now().UnixNano()))
}

func (g *Generator) next() float64 {
	g.mu.Lock()
	v := g.src.Float64()
	g.mu.Unlock()
	return v
}

// Uniform returns a draw in [0, 1).
func (g *Generator) Uniform() float64 {
	return g.next()
}

// Gaussian returns a standard normal draw using the Box-Muller transform.
func (g *Generator) Gaussian() float64 {
	g.mu.Lock()
	u1 := g.src.Float64()
	u2 := g.src.Float64()
	g.mu.Unlock()

	if u1 < minUniform {
		u1 = minUniform
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// Between returns a uniform draw in [lo, hi).
func (g *Generator) Between(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)*g.next()
}

// IntBetween returns a uniform integer in [lo, hi].
func (g *Generator) IntBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	n := int(g.next() * float64(hi-lo+1))
	if n > hi-lo {
		n = hi - lo
	}
	return lo + n
}

// Chance reports true with probability p.
func (g *Generator) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return g.next() < p
}

// Sign returns +1 or -1 with equal probability.
func (g *Generator) Sign() float64 {
	if g.next() < 0.5 {
		return -1
	}
	return 1
}

// Sequence is a Source that replays fixed values in a loop.
type Sequence struct {
	mu     sync.Mutex
	values []float64
	pos    int
}

// NewSequence returns a Source replaying values. An empty list always yields 0.5.
func NewSequence(values ...float64) *Sequence {
	return &Sequence{values: values}
}

func (s *Sequence) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0.5
	}
	v := s.values[s.pos%len(s.values)]
	s.pos++
	return v
}
