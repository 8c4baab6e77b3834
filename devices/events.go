package devices

import (
	"time"

	"github.com/pkg/errors"
)

// Barrier is a reference to a future event on a device queue: it occurs when
// the work it was enqueued after has completed. It is created by the
// asynchronous Device operations (Copy, Barrier).
//
// Usually users of the registry don't need Barriers directly: the acquisition
// protocol awaits them internally before returning a region.
type Barrier struct {
	done chan struct{}

	// err and at are written by Signal before done is closed, and only read
	// after it is closed.
	err error
	at  time.Time
}

// NewBarrier creates a Barrier that has not yet occurred. Device
// implementations call Signal when the associated work completes.
func NewBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// SignaledBarrier returns a Barrier that has already occurred with the given
// error. Synchronous devices (see devices/host) return these.
func SignaledBarrier(err error) *Barrier {
	b := NewBarrier()
	b.Signal(err)
	return b
}

// Signal marks the barrier as occurred, recording the completion time and the
// error (if any) of the work it guards. It must be called exactly once.
func (b *Barrier) Signal(err error) {
	b.err = err
	b.at = time.Now()
	close(b.done)
}

// Occurred polls whether the barrier has been reached, without blocking.
func (b *Barrier) Occurred() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Await blocks the calling goroutine until the barrier occurs, then returns
// the error of the guarded work, if any.
func (b *Barrier) Await() error {
	<-b.done
	return b.err
}

// AwaitTimeout is like Await but gives up after the given timeout, returning
// an error with ErrTimedOut as its cause. A timeout <= 0 waits indefinitely.
//
// Timing out does not cancel the underlying work: once enqueued it runs to
// completion.
func (b *Barrier) AwaitTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return b.Await()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return b.err
	case <-timer.C:
		return errors.WithMessagef(ErrTimedOut, "after %s", timeout)
	}
}

// ElapsedTime measures the time between the occurrence of `since` and the
// occurrence of this barrier. It returns false if either barrier has not
// occurred yet.
func (b *Barrier) ElapsedTime(since *Barrier) (time.Duration, bool) {
	if b == nil || since == nil || !b.Occurred() || !since.Occurred() {
		return 0, false
	}
	return b.at.Sub(since.at), true
}
