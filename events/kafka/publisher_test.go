package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/events/kafka"
	"github.com/warp/points-engine/points"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	// GIVEN: A committed reservation event
	// WHEN: Publishing it
	// THEN: One message keyed by account, JSON body with text kind

	w := &fakeWriter{}
	p := kafka.NewPublisherWithWriter(w)
	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), points.Event{
		TransactionID: 7,
		AccountID:     "acc-1",
		Kind:          points.KindCommitted,
		Amount:        12,
		OccurredAt:    at,
		Balance:       points.Balance{Total: 3, PayedTemporary: 5},
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "acc-1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Contains(t, msg.Headers, kafkago.Header{Key: "kind", Value: []byte("committed")})
	assert.Contains(t, msg.Headers, kafkago.Header{Key: "transaction_id", Value: []byte("7")})

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "committed", body["kind"])
	assert.Equal(t, float64(12), body["amount"])
	assert.Equal(t, float64(3), body["balance"].(map[string]any)["total"])
	assert.NotContains(t, body, "cascaded")

	var decoded points.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, points.KindCommitted, decoded.Kind)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := kafka.NewPublisherWithWriter(w)

	err := p.Publish(context.Background(), points.Event{AccountID: "acc-1", Kind: points.KindReserved})
	assert.Error(t, err)
}

func TestPublisher_UnknownKindFailsToEncode(t *testing.T) {
	p := kafka.NewPublisherWithWriter(&fakeWriter{})

	err := p.Publish(context.Background(), points.Event{AccountID: "acc-1"})
	assert.Error(t, err)
}
