package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Message is what the external sender receives. It must deduplicate on
// ReplyKey before contacting the provider.
type Message struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	ReplyKey       string `json:"replyKey"`
	Channel        string `json:"channel"`
}

// Deliverer hands a reply to the outbound sender.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// KafkaDeliverer publishes replies to the sender's topic, keyed by
// conversation so one conversation stays ordered within a partition.
type KafkaDeliverer struct {
	writer *kafka.Writer
}

// NewKafkaDeliverer creates a producer for topic.
func NewKafkaDeliverer(brokers []string, topic string) *KafkaDeliverer {
	return &KafkaDeliverer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.ConversationID),
		Value:   data,
		Headers: []kafka.Header{{Key: "reply-key", Value: []byte(msg.ReplyKey)}},
	})
	if err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (d *KafkaDeliverer) Close() error {
	return d.writer.Close()
}
