package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"crm_backend/platform/apperr"
	"crm_backend/platform/config"
	"crm_backend/platform/logger"
	"crm_backend/platform/validator"
)

const (
	consumerMaxAttempts = 5
	consumerBaseDelay   = 500 * time.Millisecond
)

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds inbound events from Kafka into the intake service. Offsets
// are committed only after an event was handled or found undeliverable.
type Consumer struct {
	reader messageReader
	svc    *Service
	val    *validator.Validator
	log    *logger.Logger
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg config.KafkaConfig, svc *Service, val *validator.Validator, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.GetKafkaBrokers(),
		GroupID:  cfg.GetKafkaGroupID(),
		Topic:    cfg.GetKafkaInboundTopic(),
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &Consumer{reader: reader, svc: svc, val: val, log: log}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	defer func() { _ = c.reader.Close() }()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka fetch failed", "error", err)
			if !sleepCtx(ctx, consumerBaseDelay) {
				return
			}
			continue
		}

		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var ev InboundEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("dropping undecodable inbound event", "offset", msg.Offset, "error", err)
		return
	}
	if err := c.val.Struct(ev); err != nil {
		c.log.Error("dropping invalid inbound event", "offset", msg.Offset, "error", err)
		return
	}

	for attempt := 1; attempt <= consumerMaxAttempts; attempt++ {
		_, err := c.svc.HandleInbound(ctx, ev)
		if err == nil {
			return
		}
		if apperr.Is(err, apperr.KindValidation) || apperr.Is(err, apperr.KindNotFound) {
			c.log.Error("dropping inbound event", "conversationId", ev.ConversationID, "messageId", ev.MessageID, "error", err)
			return
		}
		c.log.Warn("inbound event failed", "conversationId", ev.ConversationID, "attempt", attempt, "error", err)
		if !sleepCtx(ctx, time.Duration(attempt*attempt)*consumerBaseDelay) {
			return
		}
	}
	c.log.Error("inbound event abandoned", "conversationId", ev.ConversationID, "messageId", ev.MessageID,
		"error", errors.New("retries exhausted"))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
