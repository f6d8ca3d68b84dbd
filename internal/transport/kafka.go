package transport

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/kafka/producer"
)

// Publisher is the subset of the Kafka producer the sender relies on.
type Publisher interface {
	Publish(ctx context.Context, msg producer.Message) (producer.Delivery, error)
	Close() error
}

// KafkaSender publishes serialized envelopes to a topic keyed by event id.
// Brokers report no rate limits, so the table is never updated on this path.
type KafkaSender struct {
	logger    zerolog.Logger
	publisher Publisher
	topic     string
}

// NewKafkaSender builds a sender publishing to topic.
func NewKafkaSender(publisher Publisher, topic string, logger zerolog.Logger) (*KafkaSender, error) {
	if publisher == nil {
		return nil, errors.New("transport: kafka publisher is required")
	}
	if topic == "" {
		return nil, errors.New("transport: kafka topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaSender{
		logger:    logger.With().Str("component", "kafka_sender").Logger(),
		publisher: publisher,
		topic:     topic,
	}, nil
}

// Send publishes env once. Broker errors are reported with CodeIOFailure.
func (s *KafkaSender) Send(ctx context.Context, env *envelope.Envelope) (Result, error) {
	if err := ctx.Err(); err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(err)
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(fmt.Errorf("encode envelope: %w", err))
	}
	delivery, err := s.publisher.Publish(ctx, producer.Message{
		Topic:   s.topic,
		Key:     []byte(env.ID()),
		Headers: map[string][]byte{"content-type": []byte(envelope.ContentType)},
		Value:   payload,
	})
	if err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(err)
	}
	s.logger.Debug().
		Str("event_id", env.ID()).
		Str("topic", s.topic).
		Int32("partition", delivery.Partition).
		Int64("offset", delivery.Offset).
		Msg("transport: envelope published")
	return Success(0), nil
}

// Close closes the underlying publisher.
func (s *KafkaSender) Close() error {
	return s.publisher.Close()
}
