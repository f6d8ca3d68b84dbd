// Package consumer reads serialized envelopes from Kafka through a sarama
// consumer group. A record's offset is marked only when the caller commits it,
// after the envelope has been handed to the dispatcher.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	minRejoinBackoff = time.Second
	maxRejoinBackoff = 30 * time.Second
)

// Handler processes one record. Returned errors are logged; the record stays
// uncommitted unless the handler committed it.
type Handler func(ctx context.Context, record *Record) error

// Record is one consumed message.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	ack  func()
	once sync.Once
}

// Stats counts records since construction.
type Stats struct {
	Delivered     int64
	Committed     int64
	HandlerErrors int64
}

// Option customises New.
type Option func(*settings)

type settings struct {
	sarama      *sarama.Config
	commitOnAck bool
}

// WithSaramaConfig replaces DefaultConfig. The value is copied.
func WithSaramaConfig(cfg *sarama.Config) Option {
	return func(s *settings) {
		if cfg != nil {
			s.sarama = cfg
		}
	}
}

// WithCommitOnAck commits offsets to the broker on every Commit instead of on
// the auto-commit interval.
func WithCommitOnAck(enabled bool) Option {
	return func(s *settings) {
		s.commitOnAck = enabled
	}
}

// Consumer is one member of a consumer group.
type Consumer struct {
	logger      zerolog.Logger
	group       sarama.ConsumerGroup
	commitOnAck bool

	joined    atomic.Bool
	delivered atomic.Int64
	committed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	stopRun context.CancelFunc
	running sync.WaitGroup

	errorsDone chan struct{}
}

// New joins groupID on brokers.
func New(brokers []string, groupID string, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	s := &settings{sarama: DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cfg := *s.sarama
	cfg.Consumer.Offsets.AutoCommit.Enable = !s.commitOnAck

	group, err := sarama.NewConsumerGroup(brokers, groupID, &cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: join group %s: %w", groupID, err)
	}
	return newWithGroup(group, groupID, logger, s.commitOnAck), nil
}

func newWithGroup(group sarama.ConsumerGroup, groupID string, logger zerolog.Logger, commitOnAck bool) *Consumer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	c := &Consumer{
		logger:      logger.With().Str("component", "kafka_consumer").Str("group_id", groupID).Logger(),
		group:       group,
		commitOnAck: commitOnAck,
		errorsDone:  make(chan struct{}),
	}
	go c.logGroupErrors()
	return c
}

// Consume runs group sessions over topics until ctx is cancelled or the group
// is closed, rejoining with exponential backoff after a session error.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.stopRun = cancel
	c.running.Add(1)
	c.mu.Unlock()
	defer c.running.Done()

	session := &sessionHandler{consumer: c, handler: handler}
	backoff := minRejoinBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.group.Consume(ctx, topics, session)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		case err == nil:
			backoff = minRejoinBackoff
			continue
		}

		c.logger.Error().Err(err).Dur("backoff", backoff).Msg("kafka consumer: session failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRejoinBackoff {
			backoff = maxRejoinBackoff
		}
	}
}

// Commit marks record as processed. Only the first commit of a record has an
// effect.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.ack == nil {
		return errors.New("kafka consumer: record was not delivered by this consumer")
	}
	record.once.Do(func() {
		record.ack()
		c.committed.Add(1)
	})
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.joined.Load()
}

// Stats returns the record counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Delivered:     c.delivered.Load(),
		Committed:     c.committed.Load(),
		HandlerErrors: c.failed.Load(),
	}
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	stop := c.stopRun
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	err := c.group.Close()
	c.running.Wait()
	<-c.errorsDone

	stats := c.Stats()
	c.logger.Info().
		Int64("delivered", stats.Delivered).
		Int64("committed", stats.Committed).
		Int64("handler_errors", stats.HandlerErrors).
		Msg("kafka consumer: closed")
	return err
}

func (c *Consumer) logGroupErrors() {
	defer close(c.errorsDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer: group error")
		}
	}
}

type sessionHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *sessionHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.consumer.joined.Store(true)
	h.consumer.logger.Info().Int32("generation", s.GenerationID()).Msg("kafka consumer: session started")
	return nil
}

func (h *sessionHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.joined.Store(false)
	h.consumer.logger.Info().Msg("kafka consumer: session ended")
	return nil
}

func (h *sessionHandler) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	for msg := range claim.Messages() {
		c.delivered.Add(1)
		if err := h.handler(s.Context(), newRecord(s, msg, c.commitOnAck)); err != nil {
			c.failed.Add(1)
			c.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka consumer: handler failed")
		}
	}
	return nil
}

func newRecord(s sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, commitOnAck bool) *Record {
	r := &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       copyBytes(msg.Key),
		Value:     copyBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   make(map[string][]byte, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		if h != nil && len(h.Key) > 0 {
			r.Headers[string(h.Key)] = copyBytes(h.Value)
		}
	}
	r.ack = func() {
		s.MarkMessage(msg, "")
		if commitOnAck {
			s.Commit()
		}
	}
	return r
}

// DefaultConfig reads a new group from the oldest offset so envelopes
// published while no relay was running are still delivered.
func DefaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "crash-relay-consumer"
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Fetch.Max = 20 << 20
	return cfg
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
