package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/crash-delivery/internal/cache"
	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/config"
	"github.com/example/crash-delivery/internal/dispatcher"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
	"github.com/example/crash-delivery/internal/ingest"
	"github.com/example/crash-delivery/internal/kafka/consumer"
	"github.com/example/crash-delivery/internal/kafka/producer"
	"github.com/example/crash-delivery/internal/metrics"
	"github.com/example/crash-delivery/internal/ratelimit"
	"github.com/example/crash-delivery/internal/transport"
)

// relay owns every long lived component of the process.
type relay struct {
	cfg *config.Config
	log zerolog.Logger

	disk       *cache.DiskCache
	crashed    bool
	dispatcher *dispatcher.Dispatcher
	batcher    *metrics.Batcher
	outbox     *ingest.Outbox
	source     *ingest.KafkaSource
}

func newRelay(cfg *config.Config, log zerolog.Logger) (*relay, error) {
	r := &relay{cfg: cfg, log: log}
	sdk := &envelope.SDKInfo{Name: cfg.Transport.SDKName, Version: cfg.Transport.SDKVersion}
	reports := clientreport.NewManager(log)
	limits := ratelimit.NewTable()

	var envCache cache.EnvelopeCache = cache.NullCache{}
	if cfg.Cache.Dir != "" {
		disk, err := cache.NewDiskCache(
			cache.Config{Dir: cfg.Cache.Dir, MaxSize: cfg.Cache.MaxItems},
			cache.Dependencies{
				Logger:     log,
				Recorder:   reports,
				CrashState: &cache.ProcessCrashState{},
				SDK:        sdk,
			},
		)
		if err != nil {
			return nil, err
		}
		r.disk = disk
		envCache = disk

		r.crashed = disk.ConsumeStartupCrashMarker()
		if err := disk.WriteStartupCrashMarker(); err != nil {
			log.Warn().Err(err).Msg("startup crash marker not written")
		}
	}

	sender, err := newSender(cfg, limits, log)
	if err != nil {
		return nil, err
	}

	r.dispatcher, err = dispatcher.New(
		dispatcher.Config{Workers: cfg.Dispatch.Workers, MaxQueueSize: cfg.Dispatch.MaxQueueSize},
		dispatcher.Dependencies{
			Sender:  sender,
			Cache:   envCache,
			Limits:  limits,
			Reports: reports,
			Logger:  log,
		},
	)
	if err != nil {
		_ = sender.Close()
		return nil, err
	}

	r.batcher, err = metrics.NewBatcher(
		metrics.Config{
			MaxQueueSize: cfg.Metrics.MaxQueueSize,
			MaxBatchSize: cfg.Metrics.MaxBatchSize,
			FlushAfter:   cfg.Metrics.FlushAfter,
		},
		metrics.Dependencies{
			Client:   metrics.NewEnvelopeClient(r.dispatcher, sdk),
			Recorder: reports,
			Logger:   log,
		},
	)
	if err != nil {
		return nil, err
	}

	if cfg.Outbox.Dir != "" {
		r.outbox, err = ingest.NewOutbox(cfg.Outbox.Dir, countingDispatcher{next: r.dispatcher, batcher: r.batcher, source: "outbox"}, log)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Kafka.IngestTopic != "" {
		cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, log, consumer.WithCommitOnAck(cfg.Kafka.CommitOnAck))
		if err != nil {
			return nil, err
		}
		r.source, err = ingest.NewKafkaSource(cons, cfg.Kafka.IngestTopic, countingDispatcher{next: r.dispatcher, batcher: r.batcher, source: "kafka"}, log)
		if err != nil {
			_ = cons.Close()
			return nil, err
		}
	}

	return r, nil
}

func newSender(cfg *config.Config, limits *ratelimit.Table, log zerolog.Logger) (transport.Sender, error) {
	switch cfg.Transport.Kind {
	case config.TransportNull:
		log.Warn().Msg("null transport selected, envelopes are discarded")
		return transport.NullTransport{}, nil
	case config.TransportKafka:
		prod, err := producer.New(cfg.Kafka.Brokers, log)
		if err != nil {
			return nil, err
		}
		sender, err := transport.NewKafkaSender(prod, cfg.Kafka.EnvelopeTopic, log)
		if err != nil {
			_ = prod.Close()
			return nil, err
		}
		return sender, nil
	default:
		dsn, err := transport.ParseDSN(cfg.Transport.DSN)
		if err != nil {
			return nil, err
		}
		opts := []transport.HTTPOption{
			transport.WithHTTPClient(&http.Client{Timeout: cfg.Transport.HTTPTimeout}),
			transport.WithClientName(cfg.Transport.SDKName + "/" + cfg.Transport.SDKVersion),
		}
		if n := cfg.Transport.MaxRequestsPerSecond; n > 0 {
			opts = append(opts, transport.WithRequestLimiter(rate.NewLimiter(rate.Limit(n), n)))
		}
		return transport.NewHTTPSender(dsn, limits, log, opts...)
	}
}

// startup replays the cache once and clears the startup crash marker. After
// a crash during the previous startup it also waits for the replayed
// envelopes to be delivered.
func (r *relay) startup(ctx context.Context) {
	r.replay(ctx)
	if r.disk == nil {
		return
	}
	if r.crashed {
		r.log.Warn().Msg("previous run crashed during startup, flushing cache before serving")
		if !r.dispatcher.Flush(r.cfg.Dispatch.FlushTimeout) {
			r.log.Warn().Msg("startup flush timed out")
		}
	}
	r.disk.ConsumeStartupCrashMarker()
}

// runOnce replays the cache and drains the outbox.
func (r *relay) runOnce(ctx context.Context) error {
	r.startup(ctx)
	if r.outbox != nil {
		if _, err := r.outbox.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// run serves until ctx is cancelled.
func (r *relay) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.startup(gctx)
		ticker := time.NewTicker(r.cfg.Cache.ReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				r.replay(gctx)
			}
		}
	})
	if r.outbox != nil {
		g.Go(func() error {
			return ignoreCanceled(r.outbox.Watch(gctx, r.cfg.Outbox.PollInterval))
		})
	}
	if r.source != nil {
		g.Go(func() error {
			return r.source.Run(gctx)
		})
	}

	r.log.Info().
		Str("transport", r.cfg.Transport.Kind).
		Str("cache_dir", r.cfg.Cache.Dir).
		Str("outbox_dir", r.cfg.Outbox.Dir).
		Str("ingest_topic", r.cfg.Kafka.IngestTopic).
		Msg("crash relay started")

	return g.Wait()
}

// replay re-submits cached envelopes when the cache is on disk and no rate
// limit is active.
func (r *relay) replay(ctx context.Context) {
	if r.disk == nil {
		return
	}
	if !r.dispatcher.Healthy() {
		r.log.Debug().Msg("dispatcher unhealthy, skipping cache replay")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Dispatch.FlushTimeout)
	defer cancel()
	n, err := r.dispatcher.ReplayCache(ctx)
	switch {
	case errors.Is(err, fslock.ErrLockHeld):
		r.log.Info().Msg("cache directory locked by another process, skipping replay")
	case err != nil && !errors.Is(err, context.Canceled):
		r.log.Warn().Err(err).Int("submitted", n).Msg("cache replay incomplete")
	}
}

// shutdown flushes metrics and pending deliveries, then releases everything.
func (r *relay) shutdown() error {
	var errs []error
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka source: %w", err))
		}
	}
	if !r.batcher.Close(r.cfg.Dispatch.FlushTimeout) {
		r.log.Warn().Int64("lost", r.batcher.Lost()).Msg("metrics flush timed out")
	}
	if !r.dispatcher.Flush(r.cfg.Dispatch.FlushTimeout) {
		r.log.Warn().Msg("pending deliveries did not finish within the flush timeout")
	}
	if err := r.dispatcher.Close(r.cfg.Dispatch.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// countingDispatcher counts ingested envelopes per source before passing them
// on.
type countingDispatcher struct {
	next    ingest.Dispatcher
	batcher *metrics.Batcher
	source  string
}

func (c countingDispatcher) Send(env *envelope.Envelope, h hint.Hint) {
	c.batcher.Add(metrics.Metric{
		Name:      "relay.envelopes.ingested",
		Kind:      metrics.Counter,
		Value:     1,
		Tags:      map[string]string{"source": c.source},
		Timestamp: time.Now(),
	})
	c.next.Send(env, h)
}
