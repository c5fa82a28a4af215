// Package engine orchestrates one autoreply decision: extract, plan, render,
// optionally enhance, validate, and persist the FSM state together with a
// deterministic reply key.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/conversation/enhancer"
	"crm_backend/internal/conversation/extractor"
	"crm_backend/internal/conversation/guard"
	"crm_backend/internal/conversation/planner"
	"crm_backend/internal/conversation/repository"
	"crm_backend/internal/conversation/templates"
	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

// Store is the persistence the engine needs.
type Store interface {
	repository.ConversationReader
	repository.StateWriter
}

// Result is a reply ready for the outbound sender. The sender must dispatch
// it at most once per ReplyKey.
type Result struct {
	ConversationID uuid.UUID
	Channel        domain.Channel
	Text           string
	ReplyKey       string
	Action         domain.Action
	TemplateKey    string
	Enhanced       bool
}

// Engine is safe for concurrent use; calls for the same conversation are
// serialized.
type Engine struct {
	store      Store
	templates  *templates.Library
	enhancer   enhancer.Enhancer
	serializer *Serializer
	log        *logger.Logger
	now        func() time.Time
}

// New wires an engine. A nil enhancer means template-only replies.
func New(store Store, lib *templates.Library, enh enhancer.Enhancer, serializer *Serializer, log *logger.Logger) *Engine {
	if enh == nil {
		enh = enhancer.Basic{}
	}
	return &Engine{
		store:      store,
		templates:  lib,
		enhancer:   enh,
		serializer: serializer,
		log:        log,
		now:        time.Now,
	}
}

// decision is what the locked phase hands to the unlocked enhancement phase.
type decision struct {
	channel     domain.Channel
	action      domain.Action
	templateKey string
	raw         string
	replyKey    string
	language    string
	name        string
	reason      string
}

// ProduceReply handles one newly recorded inbound message. It returns nil
// when nothing must be sent: an already processed message, STOP, or a reply
// key that was already issued.
func (e *Engine) ProduceReply(ctx context.Context, conversationID uuid.UUID, msg domain.InboundMessage) (*Result, error) {
	var d *decision
	err := e.serializer.Do(ctx, conversationID.String(), func(ctx context.Context) error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		state := conv.State.Normalize()
		if state.HasProcessed(msg.ID) {
			return nil
		}
		d, err = e.decideReply(ctx, conv, state, msg)
		return err
	})
	if err != nil || d == nil {
		return nil, err
	}
	return e.finish(ctx, conversationID, d), nil
}

// Redeliver handles an inbound message the store had already recorded. A
// redelivery of the latest processed message returns the reply stored for it
// so a lost outbox write can be repaired; any older message is ignored.
func (e *Engine) Redeliver(ctx context.Context, conversationID uuid.UUID, msg domain.InboundMessage) (*Result, error) {
	var (
		d      *decision
		replay *Result
	)
	err := e.serializer.Do(ctx, conversationID.String(), func(ctx context.Context) error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		state := conv.State.Normalize()
		if state.HasProcessed(msg.ID) {
			replay = storedReply(conversationID, state, msg.ID)
			return nil
		}
		if conv.LastInboundAt != nil && (msg.ReceivedAt.IsZero() || msg.ReceivedAt.Before(*conv.LastInboundAt)) {
			e.log.ReplyDecision(conversationID.String(), string(domain.ActionStop), "", "stale_redelivery", false)
			return nil
		}
		d, err = e.decideReply(ctx, conv, state, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		e.log.ReplyDecision(conversationID.String(), string(replay.Action), replay.TemplateKey, "redelivered", false)
		return replay, nil
	}
	if d == nil {
		return nil, nil
	}
	return e.finish(ctx, conversationID, d), nil
}

// storedReply rebuilds the reply issued for messageID when it is still the
// conversation's latest inbound and nobody has stopped the thread since.
func storedReply(conversationID uuid.UUID, state domain.FSMState, messageID string) *Result {
	r := state.LastReply
	if r == nil || messageID == "" || state.Stop.Enabled {
		return nil
	}
	if r.InboundMessageID != messageID || state.LastInboundMessageID != messageID {
		return nil
	}
	return &Result{
		ConversationID: conversationID,
		Channel:        r.Channel,
		Text:           r.Text,
		ReplyKey:       r.ReplyKey,
		Action:         r.Action,
		TemplateKey:    r.TemplateKey,
	}
}

func (e *Engine) decideReply(ctx context.Context, conv repository.Conversation, state domain.FSMState, msg domain.InboundMessage) (*decision, error) {
	channel := msg.Channel
	if channel == "" {
		channel = conv.Channel
	}
	extracted := extractor.Extract(msg.Text, channel, domain.PriorContext{
		ContactName:     msg.ContactName,
		LastQuestionKey: state.NextQuestionKey,
	})
	plan := planner.Plan(state, extracted)
	next := plan.Updates
	next.MarkProcessed(msg.ID)

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}
	language := DetectLanguage(msg.Text)
	return e.commit(ctx, conv, state, next, plan, channel, language, msg.ID, receivedAt)
}

// ProduceFollowUp sends the next cadence step to a silent customer, if due.
func (e *Engine) ProduceFollowUp(ctx context.Context, conversationID uuid.UUID, now time.Time) (*Result, error) {
	var d *decision
	err := e.serializer.Do(ctx, conversationID.String(), func(ctx context.Context) error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.LastInboundAt == nil {
			return nil
		}
		state := conv.State.Normalize()
		silentDays := int(now.Sub(*conv.LastInboundAt) / (24 * time.Hour))
		plan := planner.PlanFollowUp(state, silentDays)
		if plan.Action == domain.ActionStop {
			return nil
		}
		d, err = e.commit(ctx, conv, state, plan.Updates, plan, conv.Channel, templates.DefaultLanguage, "", *conv.LastInboundAt)
		return err
	})
	if err != nil || d == nil {
		return nil, err
	}
	return e.finish(ctx, conversationID, d), nil
}

// commit renders and persists a plan while the conversation is locked.
// inboundID is empty for replies not caused by an inbound message.
func (e *Engine) commit(ctx context.Context, conv repository.Conversation, prev, next domain.FSMState, plan planner.Decision, channel domain.Channel, language, inboundID string, bucketTime time.Time) (*decision, error) {
	if plan.Action == domain.ActionStop {
		e.log.ReplyDecision(conv.ID.String(), string(plan.Action), "", plan.Reason, false)
		return nil, e.save(ctx, conv, next)
	}

	raw := e.templates.Render(plan.TemplateKey, TemplateVariables(next), language)
	if res := guard.Validate(raw); !res.Valid || templates.IsBroken(raw) {
		// A template bug: stay silent and keep the question unasked.
		e.log.Error("template output rejected", "conversationId", conv.ID, "templateKey", plan.TemplateKey, "error", res.Error)
		kept := prev.Clone()
		kept.LastInboundMessageID = next.LastInboundMessageID
		kept.RecentInboundIDs = next.RecentInboundIDs
		return nil, e.save(ctx, conv, kept)
	}

	replyKey := ReplyKey(conv.ID, plan.TemplateKey, plan.QuestionKey, bucketTime)
	if replyKey == prev.LastOutboundReplyKey {
		e.log.ReplyDecision(conv.ID.String(), string(plan.Action), plan.TemplateKey, "duplicate_reply_key", false)
		return nil, e.save(ctx, conv, next)
	}
	next.LastOutboundReplyKey = replyKey
	next.LastReply = &domain.LastReply{
		InboundMessageID: inboundID,
		ReplyKey:         replyKey,
		Action:           plan.Action,
		TemplateKey:      plan.TemplateKey,
		Channel:          channel,
		Text:             raw,
	}

	if err := e.save(ctx, conv, next); err != nil {
		return nil, err
	}
	return &decision{
		channel:     channel,
		action:      plan.Action,
		templateKey: plan.TemplateKey,
		raw:         raw,
		replyKey:    replyKey,
		language:    language,
		name:        next.Collected[domain.FieldFullName],
		reason:      plan.Reason,
	}, nil
}

func (e *Engine) save(ctx context.Context, conv repository.Conversation, next domain.FSMState) error {
	_, err := e.store.SaveState(ctx, conv.ID, next, conv.Version)
	return err
}

// finish runs the optional enhancement outside the conversation lock. Any
// failure or rejection falls back to the raw template text.
func (e *Engine) finish(ctx context.Context, conversationID uuid.UUID, d *decision) *Result {
	result := &Result{
		ConversationID: conversationID,
		Channel:        d.channel,
		Text:           d.raw,
		ReplyKey:       d.replyKey,
		Action:         d.action,
		TemplateKey:    d.templateKey,
	}

	if _, basic := e.enhancer.(enhancer.Basic); !basic && d.action != domain.ActionHandover {
		enhanced, err := e.enhancer.Enhance(ctx, enhancer.Request{
			ConversationID: conversationID.String(),
			TemplateKey:    d.templateKey,
			Text:           d.raw,
			Language:       d.language,
			Channel:        d.channel,
			CustomerName:   d.name,
		})
		check := guard.Validate(enhanced)
		switch {
		case err != nil:
			e.log.Warn("reply enhancement failed, using template", "conversationId", conversationID, "error", err)
		case !check.Valid:
			e.log.Warn("enhanced reply rejected, using template", "conversationId", conversationID, "error", check.Error)
		default:
			result.Text = enhanced
			result.Enhanced = true
		}
	}

	e.log.ReplyDecision(conversationID.String(), string(d.action), d.templateKey, d.reason, result.Enhanced)
	return result
}

// SetOutcome records the deal outcome; WON and LOST are terminal.
func (e *Engine) SetOutcome(ctx context.Context, conversationID uuid.UUID, outcome domain.Stage) error {
	if outcome != domain.StageWon && outcome != domain.StageLost {
		return apperr.Validation("outcome must be WON or LOST")
	}
	return e.mutate(ctx, conversationID, func(s *domain.FSMState) {
		s.Stage = outcome
		s.NextQuestionKey = ""
	})
}

// Stop enables the kill switch; the planner returns STOP from now on.
func (e *Engine) Stop(ctx context.Context, conversationID uuid.UUID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	return e.mutate(ctx, conversationID, func(s *domain.FSMState) {
		s.Stop = domain.StopFlag{Enabled: true, Reason: reason}
	})
}

func (e *Engine) mutate(ctx context.Context, conversationID uuid.UUID, apply func(*domain.FSMState)) error {
	return e.serializer.Do(ctx, conversationID.String(), func(ctx context.Context) error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		next := conv.State.Normalize().Clone()
		apply(&next)
		_, err = e.store.SaveState(ctx, conv.ID, next, conv.Version)
		return err
	})
}

// ReplyKey derives the idempotency token of one logical reply decision. The
// hour bucket lets a legitimately repeated decision go out again later.
func ReplyKey(conversationID uuid.UUID, templateKey, questionKey string, at time.Time) string {
	bucket := at.UTC().Truncate(time.Hour).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(conversationID.String() + "|" + templateKey + "|" + questionKey + "|" + bucket))
	return "rk_" + hex.EncodeToString(sum[:16])
}

// TemplateVariables exposes collected fields to templates. Enum-like values
// are made readable and greeting_name is " First" or empty.
func TemplateVariables(state domain.FSMState) map[string]string {
	vars := make(map[string]string, len(state.Collected)+1)
	for field, value := range state.Collected {
		vars[string(field)] = strings.ReplaceAll(value, "_", " ")
	}
	vars["greeting_name"] = ""
	if name := strings.Fields(state.Collected[domain.FieldFullName]); len(name) > 0 {
		vars["greeting_name"] = " " + name[0]
	}
	return vars
}

// DetectLanguage picks Arabic when the message is mostly Arabic script.
func DetectLanguage(text string) string {
	var arabic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.IsLetter(r):
			latin++
		}
	}
	if arabic > latin {
		return "ar"
	}
	return templates.DefaultLanguage
}
