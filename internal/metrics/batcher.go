// Package metrics batches metric samples and hands them to the delivery
// pipeline. Metrics are best effort: samples over capacity are dropped and
// counted, never written to disk.
package metrics

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/syncutil"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultMaxQueueSize = 1000
	DefaultMaxBatchSize = 100
	DefaultFlushAfter   = 5 * time.Second
)

// Client receives drained batches.
type Client interface {
	CaptureMetrics(batch []Metric)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(batch []Metric)

// CaptureMetrics calls f.
func (f ClientFunc) CaptureMetrics(batch []Metric) { f(batch) }

// Config sizes the batcher.
type Config struct {
	MaxQueueSize int
	MaxBatchSize int
	FlushAfter   time.Duration
}

// Dependencies collects the collaborators of a Batcher.
type Dependencies struct {
	Client   Client
	Recorder clientreport.Recorder
	Logger   zerolog.Logger
}

// Batcher queues metrics and flushes them in batches after FlushAfter or on
// demand.
type Batcher struct {
	cfg      Config
	client   Client
	recorder clientreport.Recorder
	logger   zerolog.Logger

	mu     sync.Mutex
	queue  []Metric
	timer  *time.Timer
	closed bool

	draining sync.Mutex
	pending  syncutil.CountLatch
	lost     atomic.Int64
}

// NewBatcher validates cfg and returns an idle batcher.
func NewBatcher(cfg Config, deps Dependencies) (*Batcher, error) {
	if deps.Client == nil {
		return nil, errors.New("metrics: client is required")
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.FlushAfter <= 0 {
		cfg.FlushAfter = DefaultFlushAfter
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = clientreport.Noop{}
	}

	return &Batcher{
		cfg:      cfg,
		client:   deps.Client,
		recorder: recorder,
		logger:   logger.With().Str("component", "metrics_batcher").Logger(),
	}, nil
}

// Add queues m. It reports false when m was dropped because the queue is full
// or the batcher is closed.
func (b *Batcher) Add(m Metric) bool {
	b.mu.Lock()
	if b.closed || len(b.queue) >= b.cfg.MaxQueueSize {
		closed := b.closed
		b.mu.Unlock()
		b.drop(closed)
		return false
	}
	b.queue = append(b.queue, m)
	b.pending.Increment()
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.FlushAfter, b.scheduledFlush)
	}
	b.mu.Unlock()
	return true
}

func (b *Batcher) drop(closed bool) {
	b.lost.Add(1)
	b.recorder.RecordLost(clientreport.ReasonQueueOverflow, envelope.CategoryMetricBucket, 1)
	if closed {
		b.logger.Debug().Msg("metrics: batcher closed, metric dropped")
		return
	}
	b.logger.Debug().Int("max_queue_size", b.cfg.MaxQueueSize).Msg("metrics: queue full, metric dropped")
}

func (b *Batcher) scheduledFlush() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.drain()
}

// drain hands everything queued to the client, MaxBatchSize at a time.
func (b *Batcher) drain() {
	b.draining.Lock()
	defer b.draining.Unlock()

	for {
		batch := b.next()
		if len(batch) == 0 {
			return
		}
		b.capture(batch)
		for range batch {
			b.pending.Decrement()
		}
	}
}

func (b *Batcher) next() []Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	if n == 0 {
		return nil
	}
	batch := make([]Metric, n)
	copy(batch, b.queue[:n])
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	return batch
}

func (b *Batcher) capture(batch []Metric) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Int("size", len(batch)).Msg("metrics: client panicked, batch dropped")
		}
	}()
	b.client.CaptureMetrics(batch)
	b.logger.Debug().Int("size", len(batch)).Msg("metrics: batch flushed")
}

// Flush starts draining immediately and waits up to timeout for every queued
// metric to reach the client. It reports whether the queue was emptied in
// time.
func (b *Batcher) Flush(timeout time.Duration) bool {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	go b.drain()
	return b.pending.WaitTimeout(timeout)
}

// Close stops accepting metrics and flushes what is queued.
func (b *Batcher) Close(timeout time.Duration) bool {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(timeout)
}

// Lost returns the number of metrics dropped so far.
func (b *Batcher) Lost() int64 { return b.lost.Load() }

// Len returns the number of queued metrics.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
