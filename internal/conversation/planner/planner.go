// Package planner is the deterministic core of the autoresponder: it maps the
// current FSM state plus freshly extracted fields to the next action and the
// resulting state. It performs no I/O and never fails.
package planner

import (
	"fmt"
	"strings"

	"crm_backend/internal/conversation/domain"
)

// Reasons attached to plans; they are logged with every reply decision.
const (
	ReasonStopped            = "stopped"
	ReasonTerminalStage      = "terminal_stage"
	ReasonOptOut             = "opt_out"
	ReasonHumanOwned         = "human_owned"
	ReasonUnknownService     = "unknown_service"
	ReasonCorruptState       = "corrupt_state"
	ReasonSensitive          = "sensitive_topic"
	ReasonQuoteFollowUp      = "quote_followup"
	ReasonNextQuestion       = "next_question"
	ReasonAwaitingService    = "awaiting_service"
	ReasonQuestionsExhausted = "questions_exhausted"
	ReasonHighValue          = "high_value"
	ReasonOfferReady         = "offer_ready"
	ReasonNoFixedOffer       = "no_fixed_offer"
	ReasonFollowUpDue        = "followup_due"
	ReasonFollowUpNotDue     = "followup_not_due"
	ReasonCadenceFinished    = "cadence_finished"
)

// Decision is the planner's output. Updates is the complete next state; it
// equals the input state when nothing changed.
type Decision struct {
	Action      domain.Action
	TemplateKey string
	QuestionKey string
	Updates     domain.FSMState
	Reason      string
}

// Plan decides what to do with one inbound message.
func Plan(state domain.FSMState, extracted domain.ExtractedFields) Decision {
	current := state.Normalize()

	if current.Stop.Enabled {
		if current.Corrupt {
			return stop(current, ReasonCorruptState)
		}
		return stop(current, ReasonStopped)
	}
	if current.Stage == domain.StageWon || current.Stage == domain.StageLost {
		return stop(current, ReasonTerminalStage)
	}

	next := current.Clone()
	next.FollowUpStep = 0
	if current.Corrupt {
		next.Corrupt = false
		return handover(next, ReasonCorruptState)
	}

	if extracted.OptOut {
		next.Stop = domain.StopFlag{Enabled: true, Reason: ReasonOptOut}
		return stop(next, ReasonOptOut)
	}

	merge(&next, extracted)
	next.Required = requiredFor(next)

	if next.Stage == domain.StageHandover {
		return stop(next, ReasonHumanOwned)
	}

	var def domain.ServiceDefinition
	if next.ServiceKey != nil {
		d, ok := domain.LookupService(*next.ServiceKey)
		if !ok {
			return handover(next, ReasonUnknownService)
		}
		def = d
	}
	if extracted.Sensitive {
		return handover(next, ReasonSensitive)
	}
	if next.Stage == domain.StageQuoteReady {
		return handover(next, ReasonQuoteFollowUp)
	}

	if next.ServiceKey == nil {
		q := domain.UnknownServiceQuestion
		if !next.HasAsked(q.QuestionKey) {
			return ask(next, q)
		}
		if !next.InfoSent {
			next.InfoSent = true
			next.Stage = domain.StageQualifying
			return Decision{Action: domain.ActionInfo, TemplateKey: domain.TemplateInfoGeneral, Updates: next, Reason: ReasonAwaitingService}
		}
		return handover(next, ReasonQuestionsExhausted)
	}

	if len(next.Required) > 0 {
		for _, field := range next.Required {
			q, _ := def.QuestionFor(field)
			if !next.HasAsked(q.QuestionKey) {
				return ask(next, q)
			}
		}
		return handover(next, ReasonQuestionsExhausted)
	}

	if def.HighValue || extracted.HighValue {
		return handover(next, ReasonHighValue)
	}
	if def.OfferTemplateKey != "" {
		next.Stage = domain.StageQuoteReady
		next.NextQuestionKey = ""
		return Decision{Action: domain.ActionOffer, TemplateKey: def.OfferTemplateKey, Updates: next, Reason: ReasonOfferReady}
	}
	return handover(next, ReasonNoFixedOffer)
}

// PlanFollowUp decides whether the silent customer is due for the next step of
// the follow-up cadence. silentDays counts whole days since the last inbound.
func PlanFollowUp(state domain.FSMState, silentDays int) Decision {
	current := state.Normalize()

	if current.Stop.Enabled {
		return stop(current, ReasonStopped)
	}
	switch current.Stage {
	case domain.StageQualifying, domain.StageQuoteReady:
	default:
		return stop(current, ReasonTerminalStage)
	}

	step := current.FollowUpStep
	if step >= len(domain.FollowUpCadenceDays) {
		return stop(current, ReasonCadenceFinished)
	}
	if silentDays < domain.FollowUpCadenceDays[step] {
		return stop(current, ReasonFollowUpNotDue)
	}

	next := current.Clone()
	next.FollowUpStep = step + 1
	if next.FollowUpStep == len(domain.FollowUpCadenceDays) {
		next.Stage = domain.StageCold
	}
	return Decision{
		Action:      domain.ActionFollowUp,
		TemplateKey: domain.FollowUpTemplateKey(step),
		QuestionKey: fmt.Sprintf("followup_%d", step+1),
		Updates:     next,
		Reason:      ReasonFollowUpDue,
	}
}

// merge applies the field merge policy: full name is first-write-wins, the
// service key may change only while qualifying, anything else is overwritten
// by a newer non-empty value. Nothing is ever removed.
func merge(next *domain.FSMState, extracted domain.ExtractedFields) {
	for field, value := range extracted.Values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch field {
		case domain.FieldServiceKey:
			if next.ServiceKey != nil && !serviceKeyMutable(next.Stage) {
				continue
			}
			key := domain.ServiceKey(value)
			if _, ok := domain.LookupService(key); !ok {
				continue
			}
			next.ServiceKey = &key
			next.Collected[domain.FieldServiceKey] = value
		case domain.FieldFullName:
			if next.HasValue(domain.FieldFullName) {
				continue
			}
			next.Collected[field] = value
		default:
			next.Collected[field] = value
		}
	}
}

func serviceKeyMutable(stage domain.Stage) bool {
	return stage == domain.StageNew || stage == domain.StageQualifying
}

// requiredFor lists the fields still outstanding for the state's service.
// Unknown or corrupt service keys keep the stored list, minus collected fields.
func requiredFor(state domain.FSMState) []domain.Field {
	candidates := state.Required
	if state.ServiceKey == nil {
		candidates = []domain.Field{domain.FieldServiceKey}
	} else if def, ok := domain.LookupService(*state.ServiceKey); ok {
		candidates = def.RequiredFields()
	}
	out := []domain.Field{}
	for _, field := range candidates {
		if !state.HasValue(field) {
			out = append(out, field)
		}
	}
	return out
}

func ask(next domain.FSMState, q domain.Question) Decision {
	if next.Stage == domain.StageNew || next.Stage == domain.StageCold {
		next.Stage = domain.StageQualifying
	}
	next.NextQuestionKey = q.QuestionKey
	next.AskedQuestionKeys = append(next.AskedQuestionKeys, q.QuestionKey)
	return Decision{
		Action:      domain.ActionAsk,
		TemplateKey: q.TemplateKey,
		QuestionKey: q.QuestionKey,
		Updates:     next,
		Reason:      ReasonNextQuestion,
	}
}

func handover(next domain.FSMState, reason string) Decision {
	next.Stage = domain.StageHandover
	next.NextQuestionKey = ""
	return Decision{Action: domain.ActionHandover, TemplateKey: domain.TemplateHandover, Updates: next, Reason: reason}
}

func stop(next domain.FSMState, reason string) Decision {
	return Decision{Action: domain.ActionStop, Updates: next, Reason: reason}
}
