package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{Topic: "cda.executions"})
	require.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "cda.executions"})
	require.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	require.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "cda.executions"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafkaWriterIsAsync(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "cda.executions", Logger: logger})
	require.NoError(t, err)
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	require.NotNil(t, w.Completion)

	w.Completion([]kafka.Message{{Key: []byte("user-456")}}, nil)
	assert.Empty(t, buf.String())

	w.Completion([]kafka.Message{{Key: []byte("user-456")}}, errors.New("broker down"))
	assert.Contains(t, buf.String(), "event delivery failed")
	assert.Contains(t, buf.String(), "user-456")
	assert.Contains(t, buf.String(), "broker down")
}

func TestPublishKeysByEntity(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, p.Publish(context.Background(), Event{
		Type:          TypeExecuted,
		IntentID:      "intent-1",
		EntityID:      "user-456",
		Action:        "execute_trade",
		EntityVersion: 11,
		At:            at,
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "user-456", string(w.msgs[0].Key))
	assert.Equal(t, TypeExecuted, string(w.msgs[0].Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "intent-1", got.IntentID)
	assert.Equal(t, int64(11), got.EntityVersion)
	assert.True(t, got.At.Equal(at))
}

func TestPublishRejectionCarriesCode(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	require.NoError(t, p.Publish(context.Background(), Event{
		Type:     TypeRejected,
		EntityID: "user-456",
		Code:     contracts.CodeReplayDetected,
	}))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, contracts.CodeReplayDetected, got.Code)
	assert.False(t, got.At.IsZero())
}

func TestPublishErrorsSurface(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeKafkaWriter{err: boom}}
	require.ErrorIs(t, p.Publish(context.Background(), Event{Type: TypeExecuted}), boom)

	var nilPublisher *KafkaPublisher
	require.Error(t, nilPublisher.Publish(context.Background(), Event{}))
	require.NoError(t, nilPublisher.Close())
	require.NoError(t, Discard{}.Publish(context.Background(), Event{}))
}
