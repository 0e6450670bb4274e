// Package clock provides the time sources used by the tracker.
//
// Cached keeps the current time in a single int64 holding nanoseconds since
// the Unix epoch, refreshed on an interval and read atomically, so that the
// announce path does not call time.Now for every request.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// Cached is a Clock whose value is refreshed by Run.
type Cached struct {
	nanos   int64
	closed  chan struct{}
	running chan struct{}
	m       sync.Mutex
}

// NewCached returns a Cached clock set to the current time. Run must be
// called for it to advance.
func NewCached() *Cached {
	return &Cached{
		nanos:   time.Now().UnixNano(),
		closed:  make(chan struct{}),
		running: make(chan struct{}),
	}
}

// Run refreshes the cached value every interval until Stop is called.
func (c *Cached) Run(interval time.Duration) {
	c.m.Lock()
	select {
	case <-c.running:
		c.m.Unlock()
		panic("clock: Run called multiple times")
	default:
	}
	close(c.running)
	c.m.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-tick.C:
			atomic.StoreInt64(&c.nanos, now.UnixNano())
		}
	}
}

// Stop stops refreshing. Calling Stop more than once is a no-op.
func (c *Cached) Stop() {
	c.m.Lock()
	defer c.m.Unlock()

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Now implements Clock.
func (c *Cached) Now() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.nanos))
}

// Manual is a Clock that only moves when told to. It is safe for concurrent
// use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
