package discipline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_backend/internal/intelligence"
	"crm_backend/platform/logger"
)

type storedTask struct {
	Task
	createdAt time.Time
	status    string
}

type fakeTasks struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks map[string]storedTask
}

func newFakeTasks(now func() time.Time) *fakeTasks {
	return &fakeTasks{now: now, tasks: map[string]storedTask{}}
}

func (f *fakeTasks) HasOpenTask(_ context.Context, conversationID uuid.UUID, taskType string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ConversationID != nil && *t.ConversationID == conversationID && t.TaskType == taskType &&
			t.status == "open" && !t.createdAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTasks) CreateTask(_ context.Context, task Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.IdempotencyKey]; ok {
		return false, nil
	}
	f.tasks[task.IdempotencyKey] = storedTask{Task: task, createdAt: f.now(), status: "open"}
	return true, nil
}

func (f *fakeTasks) ofType(taskType string) []storedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storedTask
	for _, t := range f.tasks {
		if t.TaskType == taskType {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTasks) completeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, t := range f.tasks {
		t.status = "done"
		f.tasks[k] = t
	}
}

type fakeUsers struct {
	byRole map[string]uuid.UUID
}

func (f fakeUsers) FindUserByRole(_ context.Context, _ uuid.UUID, role string) (*uuid.UUID, error) {
	id, ok := f.byRole[role]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

type fakeFlags struct {
	flags map[uuid.UUID]intelligence.ConversationFlags
}

func (f fakeFlags) ComputeFlags(_ context.Context, id uuid.UUID) (intelligence.ConversationFlags, error) {
	return f.flags[id], nil
}

func (f fakeFlags) RefreshActive(context.Context) (map[uuid.UUID]intelligence.ConversationFlags, error) {
	return f.flags, nil
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []map[string]string
}

func (f *fakeReporter) Report(_ context.Context, _ error, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, tags)
}

type fakeScoring struct {
	mu    sync.Mutex
	leads []uuid.UUID
}

func (f *fakeScoring) Trigger(_ context.Context, leadID uuid.UUID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, leadID)
}

type fixture struct {
	svc      *Service
	tasks    *fakeTasks
	reporter *fakeReporter
	scoring  *fakeScoring
	clock    *time.Time
}

func newFixture(flags map[uuid.UUID]intelligence.ConversationFlags, users map[string]uuid.UUID) *fixture {
	clock := time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC)
	f := &fixture{clock: &clock, reporter: &fakeReporter{}, scoring: &fakeScoring{}}
	now := func() time.Time { return *f.clock }
	f.tasks = newFakeTasks(now)
	f.svc = NewService(Deps{
		Rules:     DefaultRules(),
		Flags:     fakeFlags{flags: flags},
		Tasks:     f.tasks,
		Users:     fakeUsers{byRole: users},
		Scoring:   f.scoring,
		Reporter:  f.reporter,
		Location:  time.UTC,
		GroupSize: 2,
		Log:       logger.New("development"),
	})
	f.svc.now = now
	return f
}

func ptr[T any](v T) *T { return &v }

func needsReplyFlags(convID uuid.UUID, lead *uuid.UUID) intelligence.ConversationFlags {
	return intelligence.ConversationFlags{
		Conversation:  intelligence.ConversationRef{ConversationID: convID, OrganizationID: uuid.New(), LeadID: lead},
		NeedsReply:    true,
		PriorityScore: intelligence.WeightNeedsReply,
		Metrics:       intelligence.Metrics{MinutesSinceLastInbound: ptr(20)},
	}
}

func TestApplyRulesBatchTwiceInSameHourCreatesOneReplyTask(t *testing.T) {
	convID := uuid.New()
	lead := uuid.New()
	fx := newFixture(map[uuid.UUID]intelligence.ConversationFlags{convID: needsReplyFlags(convID, &lead)}, nil)

	first, err := fx.svc.ApplyRulesBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	*fx.clock = fx.clock.Add(40 * time.Minute)
	second, err := fx.svc.ApplyRulesBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(fx.tasks.ofType(TaskTypeReply)); got != 1 {
		t.Fatalf("expected exactly one reply task, got %d", got)
	}
	if first.Created != 1 || second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("unexpected outcomes %+v / %+v", first, second)
	}
	if len(fx.scoring.leads) != 2 {
		t.Fatalf("expected scoring triggered on each pass, got %d", len(fx.scoring.leads))
	}
}

func TestReplyTaskKeyRollsOverHourOnceHandled(t *testing.T) {
	convID := uuid.New()
	fx := newFixture(map[uuid.UUID]intelligence.ConversationFlags{convID: needsReplyFlags(convID, nil)}, nil)

	if _, err := fx.svc.ApplyRules(context.Background(), convID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Still open within the window: suppressed even in a new hour.
	*fx.clock = fx.clock.Add(time.Hour)
	if _, err := fx.svc.ApplyRules(context.Background(), convID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(fx.tasks.ofType(TaskTypeReply)); got != 1 {
		t.Fatalf("expected open task to suppress a new one, got %d", got)
	}

	fx.tasks.completeAll()
	if _, err := fx.svc.ApplyRules(context.Background(), convID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(fx.tasks.ofType(TaskTypeReply)); got != 2 {
		t.Fatalf("expected a new task in the next hour after completion, got %d", got)
	}
}

func TestSLABreachCreatesOneManagerEscalation(t *testing.T) {
	convID := uuid.New()
	manager := uuid.New()
	created := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inbound := created.Add(time.Minute)
	flags := intelligence.Compute(intelligence.Snapshot{
		Conversation:   intelligence.ConversationRef{ConversationID: convID, OrganizationID: uuid.New()},
		CreatedAt:      created,
		UnreadCount:    1,
		FirstInboundAt: &inbound,
		LastInboundAt:  &inbound,
	}, created.Add(61*time.Minute+30*time.Second), time.UTC)

	fx := newFixture(map[uuid.UUID]intelligence.ConversationFlags{convID: flags}, map[string]uuid.UUID{"manager": manager})
	for i := 0; i < 2; i++ {
		if _, err := fx.svc.ApplyRules(context.Background(), convID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	escalations := fx.tasks.ofType(TaskTypeEscalation)
	if len(escalations) != 1 {
		t.Fatalf("expected one escalation task, got %d", len(escalations))
	}
	task := escalations[0]
	if task.AssignedUserID == nil || *task.AssignedUserID != manager {
		t.Fatalf("expected escalation assigned to manager, got %v", task.AssignedUserID)
	}
	if !strings.HasPrefix(task.IdempotencyKey, "sla_escalation:"+convID.String()+":2026-03-10") {
		t.Fatalf("unexpected key %q", task.IdempotencyKey)
	}
}

func TestEscalationWithoutManagerIsSkippedAndReported(t *testing.T) {
	convID := uuid.New()
	flags := intelligence.ConversationFlags{
		Conversation:  intelligence.ConversationRef{ConversationID: convID, OrganizationID: uuid.New()},
		SLABreach:     true,
		PriorityScore: intelligence.WeightSLABreach,
	}
	fx := newFixture(map[uuid.UUID]intelligence.ConversationFlags{convID: flags}, nil)

	out, err := fx.svc.ApplyRulesBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fx.tasks.ofType(TaskTypeEscalation)) != 0 {
		t.Fatalf("expected no escalation task")
	}
	if out.Failed != 0 || out.Skipped != 1 {
		t.Fatalf("expected skip without failure, got %+v", out)
	}
	if len(fx.reporter.reports) != 1 || fx.reporter.reports[0]["role"] != "manager" {
		t.Fatalf("expected one manager report, got %v", fx.reporter.reports)
	}
}

func TestExpiryReminderRespectsConditions(t *testing.T) {
	near, far := uuid.New(), uuid.New()
	flagsFor := func(id uuid.UUID, days int) intelligence.ConversationFlags {
		return intelligence.ConversationFlags{
			Conversation: intelligence.ConversationRef{ConversationID: id, OrganizationID: uuid.New()},
			ExpirySoon:   true,
			Metrics:      intelligence.Metrics{DaysToNearestExpiry: ptr(days)},
		}
	}
	fx := newFixture(map[uuid.UUID]intelligence.ConversationFlags{
		near: flagsFor(near, 12),
		far:  flagsFor(far, 75),
	}, nil)

	out, err := fx.svc.ApplyRulesBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reminders := fx.tasks.ofType(TaskTypeExpiryReminder)
	if len(reminders) != 1 || *reminders[0].ConversationID != near {
		t.Fatalf("expected one reminder for the near expiry, got %+v", reminders)
	}
	if out.Evaluated != 2 {
		t.Fatalf("expected 2 evaluated, got %d", out.Evaluated)
	}
}

func TestTaskKeyUsesBusinessCalendar(t *testing.T) {
	id := uuid.MustParse("2f1c1d3e-7d55-4a0e-9a53-1d7a8a3c7f10")
	dubai := time.FixedZone("GST", 4*60*60)
	now := time.Date(2026, 3, 10, 21, 30, 0, 0, time.UTC)

	if got := TaskKey("needs_reply", id, BucketHour, now, dubai); got != "needs_reply:"+id.String()+":2026-03-11:01" {
		t.Fatalf("unexpected hour key %q", got)
	}
	if got := TaskKey("sla_escalation", id, BucketDay, now, time.UTC); got != "sla_escalation:"+id.String()+":2026-03-10" {
		t.Fatalf("unexpected day key %q", got)
	}
}
