// Package scoring rates leads from their conversation signals and suggests a
// next-best action for staff.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/discipline"
	"crm_backend/platform/logger"
)

const (
	// scoreVersion tracks the scoring model; bump it when factors change.
	scoreVersion = "2026-conv-v1"

	baseScore = 50.0

	maxEngagementContribution   = 12.0
	maxCompletenessContribution = 12.0

	TaskTypeNextBestAction = "NEXT_BEST_ACTION"
	SuggestedTaskSource    = "ai_suggested"
)

// serviceWeights scale the intent-driven factors per service line.
type serviceWeights struct {
	engagement   float64
	completeness float64
	expiry       float64
}

var defaultServiceWeights = serviceWeights{engagement: 1.0, completeness: 1.0, expiry: 1.0}

var serviceWeightsMap = map[domain.ServiceKey]serviceWeights{
	domain.ServiceBusinessSetup: {engagement: 1.1, completeness: 1.2, expiry: 0.6},
	domain.ServiceGoldenVisa:    {engagement: 1.3, completeness: 1.1, expiry: 0.8},
	domain.ServiceFamilyVisa:    {engagement: 1.0, completeness: 1.0, expiry: 1.1},
	domain.ServiceFreelanceVisa: {engagement: 0.9, completeness: 1.0, expiry: 1.0},
	domain.ServiceVisaRenewal:   {engagement: 0.9, completeness: 0.8, expiry: 1.5},
}

func getServiceWeights(key *domain.ServiceKey) serviceWeights {
	if key == nil {
		return defaultServiceWeights
	}
	if w, ok := serviceWeightsMap[*key]; ok {
		return w
	}
	return defaultServiceWeights
}

// Signals is what scoring reads about a lead and its latest conversation.
type Signals struct {
	LeadID         uuid.UUID
	OrganizationID uuid.UUID
	ConversationID *uuid.UUID
	AssignedUserID *uuid.UUID
	CreatedAt      time.Time
	State          domain.FSMState
	InboundCount   int
	OutboundCount  int
	LastInboundAt  *time.Time
	ExpiryDates    []time.Time
}

// Result holds scoring output and factor details.
type Result struct {
	Score       int
	FactorsJSON []byte
	Version     string
	Suggestion  string
	UpdatedAt   time.Time
}

// Store is the persistence scoring needs.
type Store interface {
	GetSignals(ctx context.Context, leadID uuid.UUID) (Signals, error)
	SaveScore(ctx context.Context, leadID uuid.UUID, result Result) error
}

// TaskCreator creates the suggested task idempotently.
type TaskCreator interface {
	CreateTask(ctx context.Context, task discipline.Task) (bool, error)
}

// Service computes lead scores.
type Service struct {
	store Store
	tasks TaskCreator
	loc   *time.Location
	log   *logger.Logger
	now   func() time.Time
}

// New creates a new scoring service.
func New(store Store, tasks TaskCreator, loc *time.Location, log *logger.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, tasks: tasks, loc: loc, log: log, now: time.Now}
}

// Rescore recomputes and persists the score of one lead and files one
// suggested task per lead per business day.
func (s *Service) Rescore(ctx context.Context, leadID uuid.UUID) (*Result, error) {
	signals, err := s.store.GetSignals(ctx, leadID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	score, factors := Compute(signals, now, s.loc)
	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		s.log.Error("lead score factors marshal failed", "error", err)
		factorsJSON = nil
	}

	result := &Result{
		Score:       score,
		FactorsJSON: factorsJSON,
		Version:     scoreVersion,
		Suggestion:  Suggest(signals, score, now, s.loc),
		UpdatedAt:   now.UTC(),
	}
	if err := s.store.SaveScore(ctx, leadID, *result); err != nil {
		return nil, err
	}

	if s.tasks != nil {
		if _, err := s.tasks.CreateTask(ctx, s.suggestedTask(signals, *result, now)); err != nil {
			return nil, fmt.Errorf("create suggested task: %w", err)
		}
	}
	return result, nil
}

func (s *Service) suggestedTask(sig Signals, r Result, now time.Time) discipline.Task {
	return discipline.Task{
		OrganizationID: sig.OrganizationID,
		ConversationID: sig.ConversationID,
		LeadID:         &sig.LeadID,
		TaskType:       TaskTypeNextBestAction,
		Source:         SuggestedTaskSource,
		Title:          r.Suggestion,
		Description:    fmt.Sprintf("Lead score %d (%s).", r.Score, r.Version),
		AssignedUserID: sig.AssignedUserID,
		IdempotencyKey: fmt.Sprintf("ai_suggested:%s:%s", sig.LeadID, now.In(s.loc).Format(time.DateOnly)),
	}
}

// Compute returns a 0-100 score and the per-factor contributions.
func Compute(sig Signals, now time.Time, loc *time.Location) (int, map[string]float64) {
	weights := getServiceWeights(sig.State.ServiceKey)
	factors := map[string]float64{}
	score := baseScore

	score += addFactor(factors, "engagement", clampFloat(scoreEngagement(sig)*weights.engagement, -maxEngagementContribution, maxEngagementContribution))
	score += addFactor(factors, "stage", scoreStage(sig.State.Stage))
	score += addFactor(factors, "completeness", clampFloat(scoreCompleteness(sig.State)*weights.completeness, 0, maxCompletenessContribution))
	score += addFactor(factors, "recency", scoreRecency(sig.LastInboundAt, now))
	score += addFactor(factors, "expiry", scoreExpiry(sig.ExpiryDates, now, loc)*weights.expiry)
	score += addFactor(factors, "service", scoreService(sig.State.ServiceKey))

	return clampScore(score), factors
}

func addFactor(factors map[string]float64, key string, value float64) float64 {
	if math.Abs(value) < 0.01 {
		return 0
	}
	factors[key] = math.Round(value*10) / 10
	return value
}

// scoreEngagement rewards customers who keep talking.
func scoreEngagement(sig Signals) float64 {
	switch {
	case sig.InboundCount == 0:
		return -5
	case sig.InboundCount == 1:
		return 2
	case sig.InboundCount <= 4:
		return 6
	default:
		return 10
	}
}

func scoreStage(stage domain.Stage) float64 {
	switch stage {
	case domain.StageQualifying:
		return 5
	case domain.StageQuoteReady:
		return 15
	case domain.StageHandover:
		return 10
	case domain.StageWon:
		return 20
	case domain.StageCold:
		return -10
	case domain.StageLost:
		return -30
	default:
		return 0
	}
}

// scoreCompleteness is the share of required fields already collected.
func scoreCompleteness(state domain.FSMState) float64 {
	if state.ServiceKey == nil {
		return 0
	}
	svc, ok := domain.LookupService(*state.ServiceKey)
	if !ok {
		return 0
	}
	required := svc.RequiredFields()
	if len(required) == 0 {
		return maxCompletenessContribution
	}
	have := 0
	for _, f := range required {
		if state.HasValue(f) {
			have++
		}
	}
	return maxCompletenessContribution * float64(have) / float64(len(required))
}

func scoreRecency(lastInbound *time.Time, now time.Time) float64 {
	if lastInbound == nil {
		return -6
	}
	hours := now.Sub(*lastInbound).Hours()
	switch {
	case hours <= 24:
		return 8
	case hours <= 72:
		return 5
	case hours <= 24*7:
		return 2
	case hours <= 24*14:
		return 0
	case hours <= 24*30:
		return -3
	default:
		return -6
	}
}

// scoreExpiry favours leads whose documents expire soon; renewals convert.
func scoreExpiry(dates []time.Time, now time.Time, loc *time.Location) float64 {
	days, ok := daysToNearest(dates, now, loc)
	switch {
	case !ok:
		return 0
	case days <= 30:
		return 8
	case days <= 90:
		return 4
	default:
		return 0
	}
}

func scoreService(key *domain.ServiceKey) float64 {
	if key == nil {
		return 0
	}
	if svc, ok := domain.LookupService(*key); ok && svc.HighValue {
		return 5
	}
	return 0
}

// Suggest picks the next-best action for staff.
func Suggest(sig Signals, score int, now time.Time, loc *time.Location) string {
	if days, ok := daysToNearest(sig.ExpiryDates, now, loc); ok && days <= 30 {
		return "Contact customer about upcoming document expiry"
	}
	switch sig.State.Stage {
	case domain.StageQuoteReady:
		return "Call customer to close the quote"
	case domain.StageHandover:
		return "Take over the conversation"
	case domain.StageCold:
		return "Re-engage cold lead"
	case domain.StageWon:
		return "Start onboarding"
	case domain.StageLost:
		return "Review lost deal"
	}
	if score >= 70 {
		return "Prioritize hot lead"
	}
	return "Complete qualification details"
}

func daysToNearest(dates []time.Time, now time.Time, loc *time.Location) (int, bool) {
	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	best, found := 0, false
	for _, date := range dates {
		dy, dm, dd := date.Date()
		days := int(time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC).Sub(today).Hours() / 24)
		if days < 0 {
			continue
		}
		if !found || days < best {
			best, found = days, true
		}
	}
	return best, found
}

func clampScore(value float64) int {
	rounded := int(math.Round(value))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
