// Package discipline turns conversation flags into staff tasks. Every task
// is keyed by rule, conversation and time bucket so repeated passes are
// no-ops.
package discipline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crm_backend/internal/intelligence"
	"crm_backend/platform/logger"
	"crm_backend/platform/reporting"
)

const (
	taskSource       = "discipline"
	defaultGroupSize = 5
)

// ErrNoAssignee is reported when a role-assigned rule finds nobody to assign.
var ErrNoAssignee = errors.New("no active user with required role")

// FlagSource supplies flags for single and batch passes.
type FlagSource interface {
	ComputeFlags(ctx context.Context, conversationID uuid.UUID) (intelligence.ConversationFlags, error)
	RefreshActive(ctx context.Context) (map[uuid.UUID]intelligence.ConversationFlags, error)
}

// ScoringTrigger requests an asynchronous lead rescore.
type ScoringTrigger interface {
	Trigger(ctx context.Context, leadID uuid.UUID, reason string)
}

// Outcome counts what one pass did.
type Outcome struct {
	Evaluated int `json:"evaluated"`
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (o *Outcome) add(other Outcome) {
	o.Evaluated += other.Evaluated
	o.Created += other.Created
	o.Skipped += other.Skipped
	o.Failed += other.Failed
}

// Service applies a RuleSet.
type Service struct {
	rules     RuleSet
	flags     FlagSource
	tasks     TaskStore
	users     UserDirectory
	scoring   ScoringTrigger
	reporter  reporting.Reporter
	loc       *time.Location
	groupSize int
	log       *logger.Logger
	now       func() time.Time
}

// Deps groups the collaborators of the discipline service.
type Deps struct {
	Rules     RuleSet
	Flags     FlagSource
	Tasks     TaskStore
	Users     UserDirectory
	Scoring   ScoringTrigger
	Reporter  reporting.Reporter
	Location  *time.Location
	GroupSize int
	Log       *logger.Logger
}

// NewService creates the discipline service.
func NewService(d Deps) *Service {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.GroupSize <= 0 {
		d.GroupSize = defaultGroupSize
	}
	return &Service{
		rules:     d.Rules,
		flags:     d.Flags,
		tasks:     d.Tasks,
		users:     d.Users,
		scoring:   d.Scoring,
		reporter:  d.Reporter,
		loc:       d.Location,
		groupSize: d.GroupSize,
		log:       d.Log,
		now:       time.Now,
	}
}

// ApplyRules evaluates every rule against the current flags of one conversation.
func (s *Service) ApplyRules(ctx context.Context, conversationID uuid.UUID) (Outcome, error) {
	flags, err := s.flags.ComputeFlags(ctx, conversationID)
	if err != nil {
		return Outcome{}, err
	}
	return s.apply(ctx, flags, s.now())
}

// ApplyRulesBatch refreshes flags for all active conversations and applies
// the rules to each in bounded groups. A failing conversation is counted and
// skipped; the pass continues.
func (s *Service) ApplyRulesBatch(ctx context.Context) (Outcome, error) {
	all, err := s.flags.RefreshActive(ctx)
	if err != nil {
		return Outcome{}, err
	}

	now := s.now()
	var mu sync.Mutex
	var total Outcome

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.groupSize)
	for _, flags := range all {
		g.Go(func() error {
			out, err := s.apply(gctx, flags, now)
			if err != nil {
				s.log.Error("discipline rules failed", "conversationId", flags.Conversation.ConversationID, "error", err)
				out.Failed++
			}
			mu.Lock()
			total.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}

func (s *Service) apply(ctx context.Context, flags intelligence.ConversationFlags, now time.Time) (Outcome, error) {
	out := Outcome{Evaluated: 1}
	var errs []error
	for _, rule := range s.rules.Rules {
		if !flags.Has(rule.Trigger) || !rule.Conditions.Matches(flags) {
			continue
		}
		for _, action := range rule.Actions {
			switch a := action.(type) {
			case CreateTaskAction:
				created, err := s.createTask(ctx, rule, a, flags, now)
				switch {
				case err != nil:
					errs = append(errs, fmt.Errorf("%s: %w", rule.Name, err))
				case created:
					out.Created++
				default:
					out.Skipped++
				}
			case TriggerScoringAction:
				if s.scoring != nil && flags.Conversation.LeadID != nil {
					s.scoring.Trigger(ctx, *flags.Conversation.LeadID, a.Reason)
				}
			}
		}
	}
	return out, errors.Join(errs...)
}

func (s *Service) createTask(ctx context.Context, rule Rule, a CreateTaskAction, flags intelligence.ConversationFlags, now time.Time) (bool, error) {
	conv := flags.Conversation
	convID := conv.ConversationID

	open, err := s.tasks.HasOpenTask(ctx, convID, a.TaskType, s.windowStart(a, now))
	if err != nil {
		return false, err
	}
	if open {
		return false, nil
	}

	assignee, err := s.resolveAssignee(ctx, a.Assignee, conv)
	if errors.Is(err, ErrNoAssignee) {
		s.log.TaskSkipped(convID.String(), rule.Name, "no "+a.Assignee.Role)
		if s.reporter != nil {
			s.reporter.Report(ctx, err, map[string]string{
				"rule":           rule.Name,
				"role":           a.Assignee.Role,
				"organizationId": conv.OrganizationID.String(),
			})
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	task := Task{
		OrganizationID: conv.OrganizationID,
		ConversationID: &convID,
		LeadID:         conv.LeadID,
		TaskType:       a.TaskType,
		Source:         taskSource,
		Title:          a.Title,
		Description:    describe(rule, flags),
		AssignedUserID: assignee,
		IdempotencyKey: TaskKey(rule.Name, convID, a.Bucket, now, s.loc),
	}
	if a.DueIn > 0 {
		due := now.Add(a.DueIn)
		task.DueAt = &due
	}
	return s.tasks.CreateTask(ctx, task)
}

func (s *Service) resolveAssignee(ctx context.Context, a Assignee, conv intelligence.ConversationRef) (*uuid.UUID, error) {
	if a.Kind != AssignRole {
		return conv.AssignedUserID, nil
	}
	id, err := s.users.FindUserByRole(ctx, conv.OrganizationID, a.Role)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrNoAssignee
	}
	return id, nil
}

// windowStart is the earliest creation time of an open task that still
// suppresses a new one.
func (s *Service) windowStart(a CreateTaskAction, now time.Time) time.Time {
	if a.DedupeWindow > 0 {
		return now.Add(-a.DedupeWindow)
	}
	local := now.In(s.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// TaskKey is the idempotency key of a task: rule, conversation and the
// business-calendar bucket.
func TaskKey(rule string, conversationID uuid.UUID, bucket Bucket, now time.Time, loc *time.Location) string {
	local := now.In(loc)
	key := fmt.Sprintf("%s:%s:%s", rule, conversationID, local.Format(time.DateOnly))
	if bucket == BucketHour {
		key += fmt.Sprintf(":%02d", local.Hour())
	}
	return key
}

func describe(rule Rule, f intelligence.ConversationFlags) string {
	desc := fmt.Sprintf("Rule %s, priority %d.", rule.Name, f.PriorityScore)
	if m := f.Metrics.MinutesSinceLastInbound; m != nil {
		desc += fmt.Sprintf(" Last customer message %d min ago.", *m)
	}
	if d := f.Metrics.DaysToNearestExpiry; d != nil {
		desc += fmt.Sprintf(" Nearest expiry in %d days.", *d)
	}
	return desc
}
