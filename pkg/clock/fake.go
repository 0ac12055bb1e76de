package clock

import (
	"fmt"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned to the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// SeqIdGen mints deterministic "<prefix>_000001"-style ids for tests.
type SeqIdGen struct {
	mu sync.Mutex
	n  uint64
}

func (g *SeqIdGen) NewId(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if prefix == "" {
		return fmt.Sprintf("%06d", g.n)
	}
	return fmt.Sprintf("%s_%06d", prefix, g.n)
}
