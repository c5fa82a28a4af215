// Package intake is the single entry point for inbound customer messages. It
// records the message, runs the reply engine, queues the reply for sending
// and announces the change to the rest of the system.
package intake

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/conversation/engine"
	"crm_backend/internal/conversation/repository"
	"crm_backend/internal/events"
	"crm_backend/internal/outbox"
	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

// ReplyEngine is the part of the reply engine intake drives.
type ReplyEngine interface {
	ProduceReply(ctx context.Context, conversationID uuid.UUID, msg domain.InboundMessage) (*engine.Result, error)
	Redeliver(ctx context.Context, conversationID uuid.UUID, msg domain.InboundMessage) (*engine.Result, error)
	SetOutcome(ctx context.Context, conversationID uuid.UUID, outcome domain.Stage) error
	Stop(ctx context.Context, conversationID uuid.UUID, reason string) error
}

// ReplyQueue accepts replies for the outbound sender.
type ReplyQueue interface {
	Enqueue(ctx context.Context, p outbox.EnqueueParams) (bool, error)
}

// Service handles inbound events.
type Service struct {
	messages repository.MessageLog
	replies  ReplyEngine
	queue    ReplyQueue
	bus      events.Bus
	log      *logger.Logger
}

// New creates the intake service.
func New(messages repository.MessageLog, replies ReplyEngine, queue ReplyQueue, bus events.Bus, log *logger.Logger) *Service {
	return &Service{messages: messages, replies: replies, queue: queue, bus: bus, log: log}
}

// HandleInbound processes one delivery. Redelivery of the same message id is
// safe: the message log deduplicates, and the engine only re-issues the reply
// it already stored for the latest inbound so a failed enqueue can recover.
func (s *Service) HandleInbound(ctx context.Context, ev InboundEvent) (InboundResponse, error) {
	convID, err := uuid.Parse(ev.ConversationID)
	if err != nil {
		return InboundResponse{}, apperr.Validation("invalid conversationId")
	}
	channel := domain.Channel(strings.ToLower(ev.Channel))

	recorded, err := s.messages.RecordMessage(ctx, repository.RecordMessageParams{
		ConversationID:    convID,
		ProviderMessageID: ev.MessageID,
		Direction:         repository.DirectionInbound,
		Body:              ev.Text,
		SentAt:            ev.ReceivedAt,
	})
	if err != nil {
		return InboundResponse{}, err
	}
	resp := InboundResponse{Accepted: true, Duplicate: !recorded}

	msg := domain.InboundMessage{
		ID:          ev.MessageID,
		Channel:     channel,
		Text:        ev.Text,
		ContactName: ev.ContactName,
		ReceivedAt:  ev.ReceivedAt,
	}
	produce := s.replies.ProduceReply
	if !recorded {
		produce = s.replies.Redeliver
	}
	result, err := produce(ctx, convID, msg)
	if err != nil {
		return InboundResponse{}, err
	}

	queued := false
	if result != nil {
		if queued, err = s.enqueue(ctx, result); err != nil {
			return InboundResponse{}, err
		}
	}
	if queued {
		resp.Replied = true
		resp.ReplyKey = result.ReplyKey
		resp.Action = string(result.Action)
		resp.TemplateKey = result.TemplateKey
	}

	if recorded || queued {
		s.publishChanged(ctx, convID, events.ChangeInbound)
	}
	return resp, nil
}

// Enqueue queues a reply produced outside the inbound path, such as a follow-up.
func (s *Service) Enqueue(ctx context.Context, result *engine.Result) error {
	if result == nil {
		return nil
	}
	if _, err := s.enqueue(ctx, result); err != nil {
		return err
	}
	s.publishChanged(ctx, result.ConversationID, events.ChangeFollowUp)
	return nil
}

// enqueue reports whether the reply was newly queued.
func (s *Service) enqueue(ctx context.Context, result *engine.Result) (bool, error) {
	queued, err := s.queue.Enqueue(ctx, outbox.EnqueueParams{
		ConversationID: result.ConversationID,
		ReplyKey:       result.ReplyKey,
		Channel:        string(result.Channel),
		Body:           result.Text,
	})
	if err != nil {
		return false, err
	}
	if !queued {
		s.log.Info("reply already queued", "conversationId", result.ConversationID, "replyKey", result.ReplyKey)
		return false, nil
	}
	if s.bus != nil {
		s.bus.Publish(ctx, events.ReplyQueued{
			BaseEvent:      events.NewBaseEvent(),
			ConversationID: result.ConversationID,
			ReplyKey:       result.ReplyKey,
			Action:         string(result.Action),
			TemplateKey:    result.TemplateKey,
			Enhanced:       result.Enhanced,
		})
	}
	return true, nil
}

// Stop enables the autoreply kill switch for a conversation.
func (s *Service) Stop(ctx context.Context, conversationID uuid.UUID, reason string) error {
	if err := s.replies.Stop(ctx, conversationID, reason); err != nil {
		return err
	}
	s.publishChanged(ctx, conversationID, events.ChangeStopped)
	return nil
}

// SetOutcome records WON or LOST.
func (s *Service) SetOutcome(ctx context.Context, conversationID uuid.UUID, outcome string) error {
	if err := s.replies.SetOutcome(ctx, conversationID, domain.Stage(strings.ToUpper(outcome))); err != nil {
		return err
	}
	s.publishChanged(ctx, conversationID, events.ChangeOutcome)
	return nil
}

func (s *Service) publishChanged(ctx context.Context, conversationID uuid.UUID, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.ConversationChanged{
		BaseEvent:      events.NewBaseEvent(),
		ConversationID: conversationID,
		Reason:         reason,
	})
}
