package serving

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrSubmissionRejected is returned by Pool.Submit once the pool has
// begun shutting down. This is modeled explicitly rather than
// silently dropped.
var ErrSubmissionRejected = errors.New("serving: task submission rejected, pool is shutting down")

// Pool is an elastic worker pool: core size 0, unbounded max, a
// 60-second idle reap, and a
// synchronous (unbuffered) hand-off — each Submit either starts a
// task immediately on a spare or freshly spawned goroutine, or is
// rejected outright; it never queues.
type Pool struct {
	idleTimeout time.Duration

	mu       sync.Mutex
	shutdown bool
	idle     []chan func()
	wg       sync.WaitGroup
}

// NewPool returns a Pool with the given idle-worker reap timeout.
// idleTimeout defaults to 60 seconds if zero.
func NewPool(idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Pool{idleTimeout: idleTimeout}
}

// Submit hands task off to an idle worker if one is available,
// otherwise spawns a fresh worker for it. It returns
// ErrSubmissionRejected if the pool is shutting down.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrSubmissionRejected
	}
	p.wg.Add(1) // Counts the task, not the worker; runWorker calls Done after it.

	if n := len(p.idle); n > 0 {
		var ch = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		ch <- task
		return nil
	}
	p.mu.Unlock()

	go p.runWorker(task)
	return nil
}

func (p *Pool) runWorker(first func()) {
	var ch = make(chan func())
	first()
	p.wg.Done()

	var timer = time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		p.idle = append(p.idle, ch)
		p.mu.Unlock()

		drainTimer(timer)
		timer.Reset(p.idleTimeout)

		var task func()
		for task == nil {
			select {
			case task = <-ch:
			case <-timer.C:
				if p.claimIdle(ch) {
					return
				}
				// Lost the race to a Submit that already popped ch
				// under the lock and is mid hand-off; loop back and
				// receive its task instead of reaping out from under it.
			}
		}
		task()
		p.wg.Done()
	}
}

// claimIdle removes ch from the idle list if it is still there,
// reporting whether it did. The idle list and Submit's hand-off both
// go through p.mu, so whichever of a Submit pop or a reap claim wins
// the lock first is authoritative: a worker may only reap itself if
// it wins that race, never if a Submit has already claimed it.
func (p *Pool) claimIdle(ch chan func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.idle {
		if c == ch {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// drainTimer resets t for reuse, discarding a pending fire so Reset
// doesn't race a stale tick into the next select.
func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Shutdown marks the pool closed to new submissions. It does not
// block; callers wanting to wait for in-flight tasks should use Wait.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
}

// Wait blocks until all in-flight tasks complete, up to deadline. It
// returns false if the deadline elapsed with tasks still running.
func (p *Pool) Wait(deadline time.Time) bool {
	var done = make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}
