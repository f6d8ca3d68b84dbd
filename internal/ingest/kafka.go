package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
	"github.com/example/crash-delivery/internal/kafka/consumer"
)

// RecordConsumer is the consumer group behaviour KafkaSource relies on.
type RecordConsumer interface {
	Consume(ctx context.Context, topics []string, handler consumer.Handler) error
	Commit(ctx context.Context, record *consumer.Record) error
	Close() error
}

// KafkaSource reads serialized envelopes from a topic. Offsets are committed
// once the dispatcher accepted the envelope, which owns durability from then
// on.
type KafkaSource struct {
	consumer   RecordConsumer
	topic      string
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewKafkaSource wires a consumer to the dispatcher.
func NewKafkaSource(c RecordConsumer, topic string, d Dispatcher, logger zerolog.Logger) (*KafkaSource, error) {
	if c == nil {
		return nil, errors.New("ingest: consumer is required")
	}
	if topic == "" {
		return nil, errors.New("ingest: topic is required")
	}
	if d == nil {
		return nil, errors.New("ingest: dispatcher is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaSource{
		consumer:   c,
		topic:      topic,
		dispatcher: d,
		logger:     logger.With().Str("component", "kafka_source").Str("topic", topic).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info().Msg("ingest: kafka source started")
	err := s.consumer.Consume(ctx, []string{s.topic}, s.handleRecord)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingest: consume %s: %w", s.topic, err)
	}
	return nil
}

// Close stops the underlying consumer.
func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}

func (s *KafkaSource) handleRecord(ctx context.Context, record *consumer.Record) error {
	log := s.logger.With().
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Logger()

	env, err := envelope.Unmarshal(record.Value)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		// Poison records are skipped for good.
		log.Error().Err(err).Msg("ingest: dropping undecodable record")
		return s.consumer.Commit(ctx, record)
	}

	s.dispatcher.Send(env, hint.Hint{Retryable: true})
	log.Debug().Str("event_id", env.ID()).Msg("ingest: record dispatched")

	if err := s.consumer.Commit(ctx, record); err != nil {
		return fmt.Errorf("ingest: commit offset: %w", err)
	}
	return nil
}
