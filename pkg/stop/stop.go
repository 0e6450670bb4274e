// Package stop implements a pattern for shutting down a group of processes.
package stop

import (
	"sync"
)

// Channel carries the errors of a single shutdown. Done must be called on it
// exactly once.
type Channel chan []error

// Result is the receiving side of a Channel.
type Result <-chan []error

// Done sends errs, if any non-nil ones were passed, and closes the Channel.
func (ch Channel) Done(errs ...error) {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) > 0 {
		ch <- nonNil
	}
	close(ch)
}

// Result converts a Channel to a Result.
func (ch Channel) Result() Result {
	return (chan []error)(ch)
}

// Wait blocks until the shutdown finished and returns its errors.
func (r Result) Wait() []error {
	return <-r
}

// AlreadyStopped is a Result for components that have nothing left to stop.
var AlreadyStopped Result

func init() {
	closed := make(Channel)
	close(closed)
	AlreadyStopped = closed.Result()
}

// Stopper is implemented by anything that can be shut down cleanly.
type Stopper interface {
	// Stop must return immediately and shut down in the background. The
	// returned Result yields the shutdown errors, or is closed on a clean
	// shutdown.
	Stop() Result
}

// Func adapts a plain function to a Stopper.
type Func func() Result

// Stop implements Stopper.
func (f Func) Stop() Result { return f() }

// Group stops a collection of Stoppers together.
type Group struct {
	mu      sync.Mutex
	members []Stopper
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{}
}

// Add appends a Stopper to the Group.
func (g *Group) Add(s Stopper) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, s)
}

// AddFunc appends a Func to the Group.
func (g *Group) AddFunc(f Func) {
	g.Add(f)
}

// Stop stops every member concurrently and collects all of their errors.
func (g *Group) Stop() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	waits := make([]Result, 0, len(g.members))
	for _, s := range g.members {
		r := s.Stop()
		if r == nil {
			panic("stop: received a nil Result from Stop")
		}
		waits = append(waits, r)
	}

	done := make(Channel)
	go func() {
		var errs []error
		for _, r := range waits {
			errs = append(errs, r.Wait()...)
		}
		done.Done(errs...)
	}()

	return done.Result()
}
