package syncutil

import (
	"context"
	"testing"
	"time"
)

func TestCountLatchZeroValue(t *testing.T) {
	var l CountLatch
	if !l.WaitTimeout(0) {
		t.Fatalf("expected zero value latch to be released")
	}
	l.Decrement()
	if l.Count() != 0 {
		t.Fatalf("expected count to stay at zero, got %d", l.Count())
	}
}

func TestCountLatchWaitsForDecrements(t *testing.T) {
	var l CountLatch
	l.Increment()
	l.Increment()

	if l.WaitTimeout(10 * time.Millisecond) {
		t.Fatalf("expected wait to time out while units are pending")
	}

	go func() {
		l.Decrement()
		l.Decrement()
	}()

	if !l.WaitTimeout(time.Second) {
		t.Fatalf("expected latch to reach zero")
	}
}

func TestCountLatchReusable(t *testing.T) {
	var l CountLatch
	l.Increment()
	l.Decrement()
	l.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatalf("expected wait to fail after the latch was re-armed")
	}

	l.Decrement()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
}
