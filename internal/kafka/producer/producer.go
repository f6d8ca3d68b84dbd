// Package producer publishes relay envelopes to Kafka through a sarama sync
// producer and tracks broker health from publish outcomes.
package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is how often cluster metadata is refreshed.
const DefaultRefreshInterval = 30 * time.Second

var (
	// ErrNoBrokers is returned by New without a broker list.
	ErrNoBrokers = errors.New("kafka producer: at least one broker is required")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("kafka producer: closed")
)

// Message is one record to publish.
type Message struct {
	Topic   string
	Key     []byte
	Headers map[string][]byte
	Value   []byte
}

// Delivery locates a published record.
type Delivery struct {
	Partition int32
	Offset    int64
}

// Health is a snapshot of the producer's view of the cluster.
type Health struct {
	Ready       bool
	LastError   error
	LastSuccess time.Time
}

// Option customises New.
type Option func(*settings)

type settings struct {
	sarama  *sarama.Config
	refresh time.Duration
	now     func() time.Time
}

// WithSaramaConfig replaces DefaultConfig. The value is copied.
func WithSaramaConfig(cfg *sarama.Config) Option {
	return func(s *settings) {
		if cfg != nil {
			s.sarama = cfg
		}
	}
}

// WithRefreshInterval overrides DefaultRefreshInterval.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithClock injects the time source used for Health.LastSuccess.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Producer is safe for concurrent use.
type Producer struct {
	logger zerolog.Logger
	now    func() time.Time

	client sarama.Client
	sync   sarama.SyncProducer

	mu     sync.Mutex
	health Health
	closed bool

	stop chan struct{}
	done chan struct{}
}

// New connects to brokers and starts the metadata refresh loop.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	s := apply(opts)

	cfg := *s.sarama
	cfg.Metadata.RefreshFrequency = s.refresh

	client, err := sarama.NewClient(brokers, &cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: start sync producer: %w", err)
	}

	p := build(client, sp, logger, s.now)
	p.observe(client.RefreshMetadata())
	go p.refreshLoop(s.refresh)
	return p, nil
}

// NewFromSyncProducer wraps sp without a client; no refresh loop runs.
func NewFromSyncProducer(sp sarama.SyncProducer, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if sp == nil {
		return nil, errors.New("kafka producer: sync producer is required")
	}
	s := apply(opts)
	p := build(nil, sp, logger, s.now)
	p.health.Ready = true
	close(p.done)
	return p, nil
}

func apply(opts []Option) *settings {
	s := &settings{sarama: DefaultConfig(), refresh: DefaultRefreshInterval, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func build(client sarama.Client, sp sarama.SyncProducer, logger zerolog.Logger, now func() time.Time) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Producer{
		logger: logger.With().Str("component", "kafka_producer").Logger(),
		now:    now,
		client: client,
		sync:   sp,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Publish sends msg and waits for the broker acknowledgement. ctx is checked
// before the send; sarama bounds the send itself with its own timeouts.
func (p *Producer) Publish(ctx context.Context, msg Message) (Delivery, error) {
	if msg.Topic == "" {
		return Delivery{}, errors.New("kafka producer: topic is required")
	}
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Delivery{}, ErrClosed
	}

	pm := &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: recordHeaders(msg.Headers),
	}
	if len(msg.Key) > 0 {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}

	partition, offset, err := p.sync.SendMessage(pm)
	p.observe(err)
	if err != nil {
		return Delivery{}, fmt.Errorf("kafka producer: publish to %s: %w", msg.Topic, err)
	}
	return Delivery{Partition: partition, Offset: offset}, nil
}

// Health returns the outcome of the last publish or metadata refresh.
func (p *Producer) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// Close stops the refresh loop and releases the producer and its client.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var errs []error
	if err := p.sync.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka producer: close producer: %w", err))
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka producer: close client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) observe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.health.Ready {
			p.logger.Warn().Err(err).Msg("kafka producer: cluster unhealthy")
		}
		p.health.Ready = false
		p.health.LastError = err
		return
	}
	p.health.Ready = true
	p.health.LastError = nil
	p.health.LastSuccess = p.now()
}

func (p *Producer) refreshLoop(every time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.observe(p.client.RefreshMetadata())
		}
	}
}

func recordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: append([]byte(nil), v...)})
	}
	return out
}

// DefaultConfig returns the sarama settings for envelope publishing. Records
// are acknowledged by all in-sync replicas and deduplicated by the broker, so
// a retried publish does not duplicate an envelope.
func DefaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "crash-relay-producer"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Compression = sarama.CompressionZSTD
	cfg.Producer.MaxMessageBytes = 20 << 20
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.RefreshFrequency = DefaultRefreshInterval
	return cfg
}
