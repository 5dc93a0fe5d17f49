package testutil

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the instant FixedClock starts at. Backup branches created under it
// are named ..._2024-01-15_10-30-00.
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a pal.Clock that only moves when a test advances it. Scheduler
// tests use it to step across the change detection buffer.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock at Epoch.
func FixedClock() *StubClock {
	return NewStubClock(Epoch)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, e.g. past a quiescence buffer.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out attempt IDs attempt-1, attempt-2, ... so history
// rows can be asserted by ID.
type StubIDGenerator struct {
	mu   sync.Mutex
	next int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return "attempt-" + strconv.Itoa(g.next)
}
