package zorptls

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestGroupIterationRunsEnqueued(t *testing.T) {
	g := NewGroup(nil)
	defer g.Stop()

	ran := make(chan struct{}, 1)
	g.enqueue(func() { ran <- struct{}{} })

	if !g.Iteration() {
		t.Fatal("Iteration() = false, want true")
	}
	select {
	case <-ran:
	default:
		t.Fatal("enqueued function did not run")
	}
}

func TestGroupIterationFalseAfterStop(t *testing.T) {
	g := NewGroup(nil)
	g.Stop()

	if g.Iteration() {
		t.Fatal("Iteration() after Stop() = true, want false")
	}
}

func TestTimeoutSourceFiresOnMockClock(t *testing.T) {
	mc := clock.NewMock()
	g := NewGroup(mc)
	defer g.Stop()

	fired := make(chan struct{}, 1)
	h := g.TimeoutSource(5*time.Second, func() { fired <- struct{}{} })
	defer h.Detach()

	mc.Add(5 * time.Second)

	if !g.Iteration() {
		t.Fatal("Iteration() = false after timeout fired")
	}
	select {
	case <-fired:
	default:
		t.Fatal("timeout callback did not run")
	}
}

func TestTimeoutHandleDetachPreventsFire(t *testing.T) {
	mc := clock.NewMock()
	g := NewGroup(mc)
	defer g.Stop()

	fired := make(chan struct{}, 1)
	h := g.TimeoutSource(5*time.Second, func() { fired <- struct{}{} })
	h.Detach()

	mc.Add(5 * time.Second)

	select {
	case <-fired:
		t.Fatal("detached timeout should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
