// Package kafka publishes ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/points-engine/points"
)

// DefaultTopic receives every ledger event.
const DefaultTopic = "points.ledger"

// MessageWriter is the part of *kafka.Writer the Publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a points.Publisher. Messages are keyed by account ID so that
// one account's events stay ordered within a partition.
type Publisher struct {
	writer MessageWriter
}

var _ points.Publisher = (*Publisher)(nil)

// NewPublisher writes to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{writer: w}
}

func (p *Publisher) Publish(ctx context.Context, event points.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AccountID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind.String())},
			{Key: "transaction_id", Value: []byte(strconv.FormatInt(int64(event.TransactionID), 10))},
		},
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
