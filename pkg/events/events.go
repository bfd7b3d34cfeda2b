// Package events publishes execution outcomes for downstream consumers.
// Publishing happens after commit and is best effort: a failed publish never
// undoes an execution. The Kafka publisher writes asynchronously, so broker
// latency stays off the request path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Event types.
const (
	TypeExecuted = "intent.executed"
	TypeRejected = "intent.rejected"
)

// Event is the JSON payload written to the topic.
type Event struct {
	Type          string         `json:"type"`
	IntentID      string         `json:"intent_id,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Action        string         `json:"action,omitempty"`
	EntityVersion int64          `json:"entity_version,omitempty"`
	Code          contracts.Code `json:"code,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	At            time.Time      `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures NewKafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Logger receives delivery failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// KafkaPublisher writes events keyed by entity, so one entity's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

// NewKafkaPublisher validates cfg and creates an async writer. No connection
// is made until the first publish. Publish returns once the message is
// queued; delivery errors are logged from the writer's completion callback.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-publisher", "topic", cfg.Topic)
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             deliveryLogger(logger),
	}
	return &KafkaPublisher{writer: w}, nil
}

func deliveryLogger(logger *slog.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Warn("event delivery failed", "entity_id", string(m.Key), "error", err)
		}
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
