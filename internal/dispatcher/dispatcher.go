// Package dispatcher is the entry point of the delivery pipeline. It hands
// envelopes to the executor, sends them through the configured Sender and
// keeps everything it could not deliver in the durable queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/cache"
	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/executor"
	"github.com/example/crash-delivery/internal/hint"
	"github.com/example/crash-delivery/internal/ratelimit"
	"github.com/example/crash-delivery/internal/transport"
)

// ErrShutdownTimeout is returned by Close when tasks were still running after
// the timeout and had to be cancelled.
var ErrShutdownTimeout = errors.New("dispatcher: shutdown timed out, remaining tasks cancelled")

// Defaults used when Config leaves a field unset.
const (
	DefaultWorkers      = 1
	DefaultMaxQueueSize = 30
)

// Reports accumulates lost payload counts and attaches them to outgoing
// envelopes.
type Reports interface {
	clientreport.Recorder
	AttachTo(env *envelope.Envelope) *envelope.Envelope
}

// Config sizes the executor.
type Config struct {
	Workers      int
	MaxQueueSize int
}

// Dependencies collects the collaborators of a Dispatcher. Sender is required;
// everything else has a working default.
type Dependencies struct {
	Sender   transport.Sender
	Cache    cache.EnvelopeCache
	Limits   *ratelimit.Table
	Reports  Reports
	Observer executor.StateObserver
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Dispatcher accepts envelopes and delivers them asynchronously.
type Dispatcher struct {
	exec    *executor.Executor
	sender  transport.Sender
	cache   cache.EnvelopeCache
	limits  *ratelimit.Table
	reports Reports
	logger  zerolog.Logger

	closed atomic.Bool
}

// New builds a Dispatcher and starts its workers.
func New(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if deps.Sender == nil {
		return nil, errors.New("dispatcher: sender is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &Dispatcher{
		sender:  deps.Sender,
		cache:   deps.Cache,
		limits:  deps.Limits,
		reports: deps.Reports,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
	if d.cache == nil {
		d.cache = cache.NullCache{}
	}
	if d.limits == nil {
		d.limits = ratelimit.NewTable()
	}
	if d.reports == nil {
		d.reports = clientreport.NewManager(logger)
	}

	exec, err := executor.New(
		executor.Config{Workers: cfg.Workers, MaxQueueSize: cfg.MaxQueueSize},
		executor.Dependencies{
			Sink:     d,
			Observer: deps.Observer,
			Logger:   logger,
			Now:      deps.Now,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create executor: %w", err)
	}
	d.exec = exec

	return d, nil
}

// Send schedules env for delivery and returns immediately. Crash envelopes are
// written to the durable queue before Send returns.
func (d *Dispatcher) Send(env *envelope.Envelope, h hint.Hint) {
	_ = d.submit(env, h)
}

func (d *Dispatcher) submit(env *envelope.Envelope, h hint.Hint) error {
	if env == nil {
		return errors.New("dispatcher: envelope is nil")
	}
	if err := env.Validate(); err != nil {
		d.logger.Error().Err(err).Str("event_id", env.ID()).Msg("dispatcher: dropping invalid envelope")
		return err
	}

	task := &sendTask{d: d, env: env, hint: h}
	if h.RequiresSyncFlush && !h.Replay {
		task.stored = d.cache.Store(env, h)
	}
	return d.exec.Submit(task)
}

// Reject receives tasks the executor refused and moves them to the durable
// queue.
func (d *Dispatcher) Reject(task executor.Task, reason error) {
	st, ok := task.(*sendTask)
	if !ok {
		d.logger.Error().Err(reason).Msg("dispatcher: unknown task rejected")
		return
	}
	log := d.logger.Warn().Err(reason).Str("event_id", st.env.ID())

	switch {
	case st.hint.Replay:
		log.Msg("dispatcher: queue full, cached envelope stays on disk")
	case st.stored:
		log.Msg("dispatcher: queue full, envelope already stored")
	case d.cache.Store(st.env, st.hint):
		log.Msg("dispatcher: queue full, envelope stored for later delivery")
	default:
		d.reports.RecordLostEnvelope(clientreport.ReasonQueueOverflow, st.env)
		log.Msg("dispatcher: queue full, envelope dropped")
	}
}

// Flush waits until every scheduled envelope was attempted.
func (d *Dispatcher) Flush(timeout time.Duration) bool {
	return d.exec.WaitIdle(timeout)
}

// ReplayCache re-submits every cached envelope. The cache directory is locked
// against other processes while the envelopes are submitted and sent. It
// returns the number of envelopes submitted.
func (d *Dispatcher) ReplayCache(ctx context.Context) (int, error) {
	submitted := 0
	replay := func() error {
		it := d.cache.Iterator()
		d.logger.Debug().Int("files", it.Len()).Msg("dispatcher: replaying cached envelopes")
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			env, ok := it.Next()
			if !ok {
				break
			}
			if err := d.replayOne(ctx, env); err != nil {
				return err
			}
			submitted++
		}
		return d.exec.WaitIdleContext(ctx)
	}

	var err error
	if locker, ok := d.cache.(cache.Locker); ok {
		err = locker.WithDirLock(replay)
	} else {
		err = replay()
	}
	if err != nil {
		return submitted, fmt.Errorf("dispatcher: replay cache: %w", err)
	}
	d.logger.Info().Int("submitted", submitted).Msg("dispatcher: cache replay finished")
	return submitted, nil
}

// replayOne submits env, waiting for the queue to drain once when it is full.
func (d *Dispatcher) replayOne(ctx context.Context, env *envelope.Envelope) error {
	err := d.submit(env, hint.Cached())
	if !errors.Is(err, executor.ErrRejected) {
		return nil
	}
	if err := d.exec.WaitIdleContext(ctx); err != nil {
		return err
	}
	_ = d.submit(env, hint.Cached())
	return nil
}

// Healthy reports false while a rate limit is active or the queue rejected an
// envelope recently.
func (d *Dispatcher) Healthy() bool {
	return !d.limits.Active() && !d.exec.DidRejectRecently()
}

// Close stops intake, waits up to timeout for pending deliveries, cancels
// whatever is left and closes the sender.
func (d *Dispatcher) Close(timeout time.Duration) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.exec.Shutdown()
	var errs []error
	if !d.exec.AwaitTermination(timeout) {
		d.logger.Warn().Dur("timeout", timeout).Msg("dispatcher: pending deliveries did not finish, cancelling")
		d.exec.ShutdownNow()
		errs = append(errs, ErrShutdownTimeout)
	}
	if err := d.sender.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: close sender: %w", err))
	}
	return errors.Join(errs...)
}

// applyRateLimits removes gated items from env. It returns nil when nothing
// sendable is left.
func (d *Dispatcher) applyRateLimits(env *envelope.Envelope) (*envelope.Envelope, error) {
	var (
		kept     []*envelope.Item
		dropped  []*envelope.Item
		limitErr error
		payload  int
	)
	for _, it := range env.Items() {
		if it.Type() == envelope.ItemTypeClientReport {
			kept = append(kept, it)
			continue
		}
		if err := d.limits.Check(it.Type().Category()); err != nil {
			dropped = append(dropped, it)
			if limitErr == nil {
				limitErr = err
			}
			continue
		}
		kept = append(kept, it)
		payload++
	}
	if len(dropped) == 0 {
		return env, nil
	}
	if payload == 0 {
		return nil, limitErr
	}
	for _, it := range dropped {
		d.reports.RecordLostItem(clientreport.ReasonRateLimitBackoff, it)
	}
	d.logger.Info().
		Str("event_id", env.ID()).
		Int("dropped", len(dropped)).
		Msg("dispatcher: rate limited items removed from envelope")
	return env.WithItems(kept...), nil
}

// restoreReports puts the counts of a client report that failed to go out
// back into the pending counters.
func (d *Dispatcher) restoreReports(sent, original *envelope.Envelope) {
	if sent == original {
		return
	}
	items := sent.Items()
	last := items[len(items)-1]
	if last.Type() != envelope.ItemTypeClientReport {
		return
	}
	report, err := clientreport.ParseReport(last)
	if err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: failed to restore client report")
		return
	}
	for _, e := range report.DiscardedEvents {
		d.reports.RecordLost(e.Reason, e.Category, e.Quantity)
	}
}
