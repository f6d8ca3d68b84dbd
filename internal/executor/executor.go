// Package executor runs delivery tasks on a fixed pool of workers with a hard
// cap on queued plus running tasks. Tasks over the cap are rejected
// synchronously and handed to an OverflowSink.
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/crash-delivery/internal/syncutil"
)

// Errors reported to the OverflowSink.
var (
	ErrRejected = errors.New("executor: queue is full")
	ErrShutdown = errors.New("executor: executor is shut down")
)

// RecentRejectWindow is how long DidRejectRecently stays true after a
// rejection.
const RecentRejectWindow = 2 * time.Second

// Task is one unit of work. ctx is cancelled by ShutdownNow.
type Task interface {
	Run(ctx context.Context)
}

// Retryable is implemented by tasks that expose the collector's retry
// guidance after running.
type Retryable interface {
	SuggestedRetryDelay() time.Duration
	ResponseCode() int
}

// OverflowSink receives every task the executor refuses.
type OverflowSink interface {
	Reject(task Task, reason error)
}

// OverflowSinkFunc adapts a function to OverflowSink.
type OverflowSinkFunc func(task Task, reason error)

// Reject calls f.
func (f OverflowSinkFunc) Reject(task Task, reason error) { f(task, reason) }

// TaskState tracks a task through the executor.
type TaskState int

const (
	StateQueued TaskState = iota
	StateRunning
	StateCompleted
	StateRejected
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// StateObserver is notified of every state change. It must not block.
type StateObserver interface {
	TaskStateChanged(task Task, state TaskState)
}

// Config sizes the pool.
type Config struct {
	Workers      int
	MaxQueueSize int
}

// Dependencies collects the collaborators of an Executor.
type Dependencies struct {
	Sink     OverflowSink
	Observer StateObserver
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Stats is a point in time view of the executor.
type Stats struct {
	Queued  int64
	Running int64
}

// Executor is a bounded worker pool.
type Executor struct {
	cfg      Config
	sink     OverflowSink
	observer StateObserver
	logger   zerolog.Logger
	now      func() time.Time

	admission *semaphore.Weighted
	queue     chan Task

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	pending    syncutil.CountLatch
	queued     atomic.Int64
	running    atomic.Int64
	lastReject atomic.Int64
}

// New starts cfg.Workers workers.
func New(cfg Config, deps Dependencies) (*Executor, error) {
	if cfg.Workers < 1 {
		return nil, errors.New("executor: workers must be >= 1")
	}
	if cfg.MaxQueueSize < 1 {
		return nil, errors.New("executor: max queue size must be >= 1")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:       cfg,
		sink:      deps.Sink,
		observer:  deps.Observer,
		logger:    logger.With().Str("component", "executor").Logger(),
		now:       nowFunc,
		admission: semaphore.NewWeighted(int64(cfg.MaxQueueSize)),
		queue:     make(chan Task, cfg.MaxQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.work()
	}
	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	return e, nil
}

// Submit queues task. When queued plus running tasks already reach the
// configured maximum, or the executor is shut down, the task is handed to the
// OverflowSink before Submit returns and the reason is returned.
func (e *Executor) Submit(task Task) error {
	if task == nil {
		return errors.New("executor: task is required")
	}

	err := e.enqueue(task)
	if err != nil {
		e.reject(task, err)
	}
	return err
}

func (e *Executor) enqueue(task Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrShutdown
	}
	if !e.admission.TryAcquire(1) {
		return ErrRejected
	}
	e.pending.Increment()
	e.queued.Add(1)
	e.notify(task, StateQueued)
	// Capacity equals the admission weight, so this never blocks.
	e.queue <- task
	return nil
}

func (e *Executor) reject(task Task, reason error) {
	e.lastReject.Store(e.now().UnixNano())
	e.notify(task, StateRejected)
	e.logger.Warn().Err(reason).Msg("executor: task rejected")
	if e.sink != nil {
		e.sink.Reject(task, reason)
	}
}

func (e *Executor) work() {
	defer e.wg.Done()
	for task := range e.queue {
		e.queued.Add(-1)
		if e.ctx.Err() != nil {
			e.notify(task, StateCancelled)
			e.finish()
			continue
		}
		e.running.Add(1)
		e.notify(task, StateRunning)
		e.run(task)
		e.running.Add(-1)
		e.notify(task, StateCompleted)
		e.finish()
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("executor: task panicked")
		}
	}()
	task.Run(e.ctx)
}

func (e *Executor) finish() {
	e.admission.Release(1)
	e.pending.Decrement()
}

func (e *Executor) notify(task Task, state TaskState) {
	if e.observer != nil {
		e.observer.TaskStateChanged(task, state)
	}
}

// WaitIdle blocks until no task is queued or running, or the timeout elapses.
func (e *Executor) WaitIdle(timeout time.Duration) bool {
	return e.pending.WaitTimeout(timeout)
}

// WaitIdleContext is WaitIdle bounded by ctx.
func (e *Executor) WaitIdleContext(ctx context.Context) error {
	return e.pending.Wait(ctx)
}

// Shutdown stops accepting tasks. Queued tasks still run.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.queue)
}

// AwaitTermination waits for every worker to exit after Shutdown.
func (e *Executor) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-e.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}

// ShutdownNow stops intake and cancels the context of running tasks. Tasks
// still queued are dropped without running.
func (e *Executor) ShutdownNow() {
	e.Shutdown()
	e.cancel()
}

// IsShutdown reports whether Shutdown was called.
func (e *Executor) IsShutdown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// DidRejectRecently reports whether a task was rejected within
// RecentRejectWindow.
func (e *Executor) DidRejectRecently() bool {
	last := e.lastReject.Load()
	if last == 0 {
		return false
	}
	return e.now().Sub(time.Unix(0, last)) < RecentRejectWindow
}

// Stats returns the current queue and running counts.
func (e *Executor) Stats() Stats {
	return Stats{Queued: e.queued.Load(), Running: e.running.Load()}
}
