package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/loyalty/internal/engine"
)

var start = time.Date(2024, 6, 30, 15, 0, 0, 0, time.UTC)

func TestClock_FixedUntilMoved(t *testing.T) {
	c := NewClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())
}

func TestClock_AdvanceAndSet(t *testing.T) {
	c := NewClock(start)

	got := c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), got)
	assert.Equal(t, got, c.Now())

	earlier := start.AddDate(-1, 0, 0)
	c.Set(earlier)
	assert.Equal(t, earlier, c.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock(start)
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(goroutines*time.Second), c.Now())
}

func TestRunIDs_Sequence(t *testing.T) {
	var g engine.RunIDGenerator = NewRunIDs("scenario")

	assert.Equal(t, "scenario-0001", g.Generate())
	assert.Equal(t, "scenario-0002", g.Generate())
}

func TestRunIDs_DefaultPrefixAndReset(t *testing.T) {
	g := NewRunIDs("")
	assert.Equal(t, "run-0001", g.Generate())

	g.Reset()
	assert.Equal(t, "run-0001", g.Generate())
}

func TestRunIDs_UniqueUnderConcurrency(t *testing.T) {
	g := NewRunIDs("c")
	const goroutines = 20
	const perGoroutine = 50

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := g.Generate()
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perGoroutine)
}
