// Package syncutil holds small synchronisation helpers shared by the executor
// and the metrics batcher.
package syncutil

import (
	"context"
	"sync"
	"time"
)

// CountLatch is a counter that callers can wait on until it drops to zero.
// Unlike sync.WaitGroup it can be reused after reaching zero and waits accept a
// deadline. The zero value is ready to use.
type CountLatch struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// Increment adds one pending unit.
func (l *CountLatch) Increment() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.zero = make(chan struct{})
	}
	l.count++
}

// Decrement releases one pending unit. Extra calls at zero are ignored.
func (l *CountLatch) Decrement() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 && l.zero != nil {
		close(l.zero)
		l.zero = nil
	}
}

// Count returns the number of pending units.
func (l *CountLatch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *CountLatch) done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 || l.zero == nil {
		return closed
	}
	return l.zero
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Wait blocks until the count reaches zero or ctx is done.
func (l *CountLatch) Wait(ctx context.Context) error {
	select {
	case <-l.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the count reaches zero or the timeout elapses. It
// reports whether zero was reached.
func (l *CountLatch) WaitTimeout(timeout time.Duration) bool {
	ch := l.done()
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
