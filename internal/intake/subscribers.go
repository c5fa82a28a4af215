package intake

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"crm_backend/internal/discipline"
	"crm_backend/internal/events"
	"crm_backend/internal/intelligence"
	"crm_backend/platform/logger"
)

// FlagService computes and caches conversation flags.
type FlagService interface {
	ComputeFlags(ctx context.Context, conversationID uuid.UUID) (intelligence.ConversationFlags, error)
	RefreshFlags(ctx context.Context, conversationID uuid.UUID) (intelligence.ConversationFlags, error)
}

// RuleApplier applies discipline rules to one conversation.
type RuleApplier interface {
	ApplyRules(ctx context.Context, conversationID uuid.UUID) (discipline.Outcome, error)
}

// Subscribers reacts to ConversationChanged. Each reaction is a separate
// handler so one failing does not hold back the others.
type Subscribers struct {
	Flags   FlagService
	Rules   RuleApplier
	Scoring discipline.ScoringTrigger
	Log     *logger.Logger
}

// Register subscribes every configured reaction on bus.
func (s Subscribers) Register(bus events.Bus) {
	name := events.ConversationChanged{}.EventName()
	if s.Flags != nil {
		bus.Subscribe(name, events.HandlerFunc(s.refreshFlags))
	}
	if s.Rules != nil {
		bus.Subscribe(name, events.HandlerFunc(s.applyRules))
	}
	if s.Scoring != nil && s.Flags != nil {
		bus.Subscribe(name, events.HandlerFunc(s.triggerScoring))
	}
}

func changed(event events.Event) (events.ConversationChanged, error) {
	e, ok := event.(events.ConversationChanged)
	if !ok {
		return events.ConversationChanged{}, fmt.Errorf("unexpected event type %T", event)
	}
	return e, nil
}

func (s Subscribers) refreshFlags(ctx context.Context, event events.Event) error {
	e, err := changed(event)
	if err != nil {
		return err
	}
	_, err = s.Flags.RefreshFlags(ctx, e.ConversationID)
	return err
}

func (s Subscribers) applyRules(ctx context.Context, event events.Event) error {
	e, err := changed(event)
	if err != nil {
		return err
	}
	out, err := s.Rules.ApplyRules(ctx, e.ConversationID)
	if err != nil {
		return err
	}
	if out.Created > 0 {
		s.Log.Info("discipline tasks created", "conversationId", e.ConversationID, "created", out.Created)
	}
	return nil
}

func (s Subscribers) triggerScoring(ctx context.Context, event events.Event) error {
	e, err := changed(event)
	if err != nil {
		return err
	}
	leadID := e.LeadID
	if leadID == nil {
		flags, err := s.Flags.ComputeFlags(ctx, e.ConversationID)
		if err != nil {
			return err
		}
		leadID = flags.Conversation.LeadID
	}
	if leadID != nil {
		s.Scoring.Trigger(ctx, *leadID, "conversation_"+e.Reason)
	}
	return nil
}
