package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type blockingTask struct {
	started chan struct{}
	release chan struct{}
	ran     atomic.Bool
	ctxErr  atomic.Value
}

func newBlockingTask() *blockingTask {
	return &blockingTask{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (t *blockingTask) Run(ctx context.Context) {
	t.ran.Store(true)
	t.started <- struct{}{}
	select {
	case <-t.release:
	case <-ctx.Done():
		t.ctxErr.Store(ctx.Err())
	}
}

type funcTask func(ctx context.Context)

func (f funcTask) Run(ctx context.Context) { f(ctx) }

type collectingSink struct {
	mu       sync.Mutex
	rejected []Task
	reasons  []error
}

func (s *collectingSink) Reject(task Task, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, task)
	s.reasons = append(s.reasons, reason)
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rejected)
}

type stateRecorder struct {
	mu     sync.Mutex
	states map[Task][]TaskState
}

func (r *stateRecorder) TaskStateChanged(task Task, state TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[Task][]TaskState)
	}
	r.states[task] = append(r.states[task], state)
}

func (r *stateRecorder) of(task Task) []TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskState(nil), r.states[task]...)
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Workers: 0, MaxQueueSize: 1}, Dependencies{}); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if _, err := New(Config{Workers: 1, MaxQueueSize: 0}, Dependencies{}); err == nil {
		t.Fatalf("expected error for zero queue size")
	}
}

func TestSubmitRejectsOverCapacity(t *testing.T) {
	sink := &collectingSink{}
	exec, err := New(Config{Workers: 1, MaxQueueSize: 5}, Dependencies{Sink: sink})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tasks := make([]*blockingTask, 6)
	for i := range tasks {
		tasks[i] = newBlockingTask()
	}
	for i := 0; i < 5; i++ {
		if err := exec.Submit(tasks[i]); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	<-tasks[0].started

	if err := exec.Submit(tasks[5]); !errors.Is(err, ErrRejected) {
		t.Fatalf("Submit(5) error = %v, want ErrRejected", err)
	}
	if sink.count() != 1 || sink.rejected[0] != Task(tasks[5]) {
		t.Fatalf("sink got %d tasks, want only the sixth", sink.count())
	}
	if !exec.DidRejectRecently() {
		t.Fatalf("DidRejectRecently() = false after a rejection")
	}

	stats := exec.Stats()
	if stats.Queued+stats.Running != 5 {
		t.Fatalf("queued+running = %d, want 5", stats.Queued+stats.Running)
	}

	for i := 0; i < 5; i++ {
		close(tasks[i].release)
	}
	if !exec.WaitIdle(2 * time.Second) {
		t.Fatalf("WaitIdle() timed out")
	}
	if tasks[5].ran.Load() {
		t.Fatalf("rejected task ran")
	}

	// Capacity is released once tasks finish.
	extra := newBlockingTask()
	close(extra.release)
	if err := exec.Submit(extra); err != nil {
		t.Fatalf("Submit after drain error = %v", err)
	}
	if !exec.WaitIdle(2 * time.Second) {
		t.Fatalf("WaitIdle() timed out")
	}
}

func TestDidRejectRecentlyExpires(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	exec, err := New(Config{Workers: 1, MaxQueueSize: 1}, Dependencies{Now: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer exec.ShutdownNow()

	if exec.DidRejectRecently() {
		t.Fatalf("DidRejectRecently() = true before any rejection")
	}

	first := newBlockingTask()
	if err := exec.Submit(first); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-first.started
	_ = exec.Submit(newBlockingTask())

	if !exec.DidRejectRecently() {
		t.Fatalf("DidRejectRecently() = false right after rejection")
	}
	now.Add(int64(RecentRejectWindow))
	if exec.DidRejectRecently() {
		t.Fatalf("DidRejectRecently() = true after the window")
	}
	close(first.release)
}

func TestTaskStatesAreReported(t *testing.T) {
	rec := &stateRecorder{}
	exec, err := New(Config{Workers: 1, MaxQueueSize: 1}, Dependencies{Observer: rec})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	task := newBlockingTask()
	close(task.release)
	if err := exec.Submit(task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !exec.WaitIdle(2 * time.Second) {
		t.Fatalf("WaitIdle() timed out")
	}

	// The latch is released after the final notification.
	got := rec.of(task)
	want := []TaskState{StateQueued, StateRunning, StateCompleted}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestSubmitAfterShutdownGoesToSink(t *testing.T) {
	sink := &collectingSink{}
	exec, err := New(Config{Workers: 1, MaxQueueSize: 2}, Dependencies{Sink: sink})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	exec.Shutdown()
	exec.Shutdown()

	if err := exec.Submit(newBlockingTask()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit() error = %v, want ErrShutdown", err)
	}
	if sink.count() != 1 || !errors.Is(sink.reasons[0], ErrShutdown) {
		t.Fatalf("sink did not receive the task with ErrShutdown")
	}
	if !exec.AwaitTermination(2 * time.Second) {
		t.Fatalf("AwaitTermination() timed out")
	}
	if !exec.IsShutdown() {
		t.Fatalf("IsShutdown() = false")
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	exec, err := New(Config{Workers: 1, MaxQueueSize: 3}, Dependencies{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := exec.Submit(funcTask(func(context.Context) { ran.Add(1) })); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	exec.Shutdown()
	if !exec.AwaitTermination(2 * time.Second) {
		t.Fatalf("AwaitTermination() timed out")
	}
	if ran.Load() != 3 {
		t.Fatalf("ran %d tasks, want 3", ran.Load())
	}
}

func TestShutdownNowCancelsRunningAndDropsQueued(t *testing.T) {
	rec := &stateRecorder{}
	exec, err := New(Config{Workers: 1, MaxQueueSize: 2}, Dependencies{Observer: rec})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	running := newBlockingTask()
	queued := newBlockingTask()
	if err := exec.Submit(running); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-running.started
	if err := exec.Submit(queued); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	exec.Shutdown()
	if exec.AwaitTermination(50 * time.Millisecond) {
		t.Fatalf("AwaitTermination() returned true while a task blocks")
	}
	exec.ShutdownNow()
	if !exec.AwaitTermination(2 * time.Second) {
		t.Fatalf("AwaitTermination() timed out after ShutdownNow")
	}

	if err, _ := running.ctxErr.Load().(error); !errors.Is(err, context.Canceled) {
		t.Fatalf("running task ctx error = %v, want context.Canceled", err)
	}
	if queued.ran.Load() {
		t.Fatalf("queued task ran after ShutdownNow")
	}
	states := rec.of(queued)
	if len(states) == 0 || states[len(states)-1] != StateCancelled {
		t.Fatalf("queued task states = %v, want last cancelled", states)
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	exec, err := New(Config{Workers: 1, MaxQueueSize: 2}, Dependencies{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer exec.ShutdownNow()

	_ = exec.Submit(funcTask(func(context.Context) { panic("boom") }))
	var ran atomic.Bool
	_ = exec.Submit(funcTask(func(context.Context) { ran.Store(true) }))

	if !exec.WaitIdle(2 * time.Second) {
		t.Fatalf("WaitIdle() timed out")
	}
	if !ran.Load() {
		t.Fatalf("task after panic did not run")
	}
}

func TestTaskStateString(t *testing.T) {
	if StateRejected.String() != "rejected" {
		t.Fatalf("String() = %q", StateRejected.String())
	}
	if TaskState(42).String() != "TaskState(42)" {
		t.Fatalf("String() = %q", TaskState(42).String())
	}
}
