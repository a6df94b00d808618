package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/dukerupert/cartengine/internal/domain"
)

// MessageWriter is the part of *kafka.Writer used by KafkaEmitter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaEmitter writes events keyed by cart id, so every event for a cart
// lands on the same partition in version order.
type KafkaEmitter struct {
	writer MessageWriter
}

// NewKafkaWriter creates a writer for topic.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaEmitter creates an emitter over writer.
func NewKafkaEmitter(writer MessageWriter) *KafkaEmitter {
	return &KafkaEmitter{writer: writer}
}

func (e *KafkaEmitter) EmitCartUpdated(ctx context.Context, event domain.CartUpdated) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(event.CartID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(TypeCartUpdated)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to kafka: %w", TypeCartUpdated, err)
	}
	return nil
}
