package zorptls

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Group is the shared proxy-group scheduler (§5): many sessions run their
// semi-non-blocking handshakes on the same group, and the group's iteration
// loop is what lets sibling sessions make progress while one handshake is
// suspended. Modeled on the teacher's single-goroutine channel-select loops
// (peer.go: peerReader/peerWriter) generalized from one peer connection to
// an arbitrary number of pending completions.
type Group struct {
	Clock clock.Clock

	ready   chan func()
	stopped chan struct{}
	once    sync.Once
}

// NewGroup creates a scheduler group. Pass nil for the real wall clock, or a
// *clock.Mock for deterministic timeout tests.
func NewGroup(c clock.Clock) *Group {
	if c == nil {
		c = clock.New()
	}
	return &Group{Clock: c, ready: make(chan func(), 64), stopped: make(chan struct{})}
}

// Context returns the group, to match the collaborator contract's
// scheduler.context() accessor; the group itself carries everything a
// handshake needs to enqueue its continuation.
func (g *Group) Context() *Group { return g }

// enqueue schedules fn to run on the group's loop. Used by the handshake
// driver's goroutines to hand their completion back to a single serialized
// point, which is what makes the group "cooperative": processing of
// completions never happens concurrently with itself, even though the I/O
// wait that produced them happened on background goroutines (§9: "a task
// that awaits a one-shot completion signal on the proxy-group executor").
func (g *Group) enqueue(fn func()) {
	select {
	case g.ready <- fn:
	case <-g.stopped:
	}
}

// Iteration runs one step of the scheduler: it executes the next queued
// continuation, blocking until one arrives, and returns whether the group
// is still running (§6: scheduler.iteration() -> bool).
func (g *Group) Iteration() bool {
	select {
	case fn := <-g.ready:
		fn()
		return true
	case <-g.stopped:
		return false
	}
}

// Stop shuts the group down; Iteration returns false for every caller from
// then on.
func (g *Group) Stop() {
	g.once.Do(func() { close(g.stopped) })
}

// TimeoutHandle is a scheduler-registered timer (§3 TlsHandshake.timeout).
type TimeoutHandle struct {
	timer      *clock.Timer
	cancel     chan struct{}
	cancelOnce sync.Once
}

// TimeoutSource arms a one-shot timer that, on fire, enqueues fn on the
// group's loop (§6: scheduler.timeout_source(duration) -> handle).
func (g *Group) TimeoutSource(d time.Duration, fn func()) *TimeoutHandle {
	t := g.Clock.Timer(d)
	h := &TimeoutHandle{timer: t, cancel: make(chan struct{})}
	go func() {
		select {
		case <-t.C:
			g.enqueue(fn)
		case <-h.cancel:
		}
	}()
	return h
}

// Detach tears down the timeout source; called from restore_stream on every
// exit path (§4.F, §5).
func (h *TimeoutHandle) Detach() {
	if h == nil {
		return
	}
	h.timer.Stop()
	h.cancelOnce.Do(func() { close(h.cancel) })
}
