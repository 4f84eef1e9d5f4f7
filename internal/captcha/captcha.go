// Package captcha generates the arithmetic puzzles presented to join
// requesters. Generation is pure apart from consuming randomness.
package captcha

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultOperandMin = 1
	DefaultOperandMax = 10
	DefaultOptions    = 3

	// maxDecoyDelta bounds how far a decoy may sit from the real answer.
	maxDecoyDelta = 5

	// MaxOptions is the largest option count a challenge can carry: the
	// answer plus every distinct decoy within maxDecoyDelta on either side.
	// Asking for more could never terminate, so Options is clamped to it.
	MaxOptions = 2*maxDecoyDelta + 1
)

// Challenge is one puzzle: the question text, its correct answer, and the
// answer options in presentation order. Options always contain the correct
// answer exactly once; all values are pairwise distinct.
type Challenge struct {
	Question string
	Answer   int
	Options  []int
}

type Config struct {
	OperandMin int
	OperandMax int
	Options    int
}

func (c Config) withDefaults() Config {
	if c.OperandMin <= 0 {
		c.OperandMin = DefaultOperandMin
	}
	if c.OperandMax < c.OperandMin {
		c.OperandMax = c.OperandMin + (DefaultOperandMax - DefaultOperandMin)
	}
	if c.Options < 2 {
		c.Options = DefaultOptions
	}
	if c.Options > MaxOptions {
		c.Options = MaxOptions
	}
	return c
}

// Generator produces challenges. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewGeneratorWithSource uses the given rng; tests seed it deterministically.
func NewGeneratorWithSource(cfg Config, rng *rand.Rand) *Generator {
	return &Generator{cfg: cfg.withDefaults(), rng: rng}
}

// Apply swaps the generation parameters (hot reload).
func (g *Generator) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// New generates one challenge: two operands in the configured range, the sum
// as the answer, and decoys offset by small random deltas. Decoys are
// regenerated on collision so the option set never contains duplicates, and
// the presentation order is shuffled so the answer position carries no
// information.
func (g *Generator) New() Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.cfg
	span := cfg.OperandMax - cfg.OperandMin + 1
	a := cfg.OperandMin + g.rng.Intn(span)
	b := cfg.OperandMin + g.rng.Intn(span)
	answer := a + b

	opts := make([]int, 0, cfg.Options)
	opts = append(opts, answer)
	for len(opts) < cfg.Options {
		delta := 1 + g.rng.Intn(maxDecoyDelta)
		if g.rng.Intn(2) == 0 {
			delta = -delta
		}
		candidate := answer + delta
		if containsInt(opts, candidate) {
			continue
		}
		opts = append(opts, candidate)
	}

	g.rng.Shuffle(len(opts), func(i, j int) {
		opts[i], opts[j] = opts[j], opts[i]
	})

	return Challenge{
		Question: fmt.Sprintf("%d + %d = ?", a, b),
		Answer:   answer,
		Options:  opts,
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
