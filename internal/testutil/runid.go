package testutil

import (
	"fmt"
	"sync"
)

// RunIDs generates "<prefix>-0001", "<prefix>-0002", ... so that golden
// traces stay byte-identical across runs.
//
// Unlike engine.FixedGenerator, which replays a given list, RunIDs never
// runs out and can be reset between scenarios.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewRunIDs creates a generator. An empty prefix becomes "run".
func NewRunIDs(prefix string) *RunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &RunIDs{prefix: prefix}
}

// Generate implements engine.RunIDGenerator.
func (g *RunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts numbering at 1.
func (g *RunIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
