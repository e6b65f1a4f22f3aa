package room

import (
	"math/rand"
	"sync"
)

// Selector picks which eligible agent answers a transcript. The policy is
// replaceable; the default is uniform random.
type Selector interface {
	Select(candidates []string) string
}

// RandomSelector picks uniformly among candidates.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector creates a selector seeded from the runtime.
func NewRandomSelector() *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(rand.Int63()))}
}

// Select implements Selector. Returns "" for an empty candidate set.
func (s *RandomSelector) Select(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidates[s.rng.Intn(len(candidates))]
}

// FirstSelector always picks the first candidate. Deterministic; used in
// tests and available as a policy for single-agent rooms.
type FirstSelector struct{}

// Select implements Selector.
func (FirstSelector) Select(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}
