package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_backend/platform/logger"
)

type stubScoringConfig struct{}

func (stubScoringConfig) GetScoringDedupeTTL() time.Duration     { return time.Minute }
func (stubScoringConfig) GetScoringDurableWindow() time.Duration { return time.Hour }

type countingRunner struct {
	mu    sync.Mutex
	calls int
	fail  int
	block chan struct{}
}

func (r *countingRunner) Run(context.Context, uuid.UUID, string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubDurable struct {
	recent bool
	since  time.Time
}

func (d *stubDurable) HasRecentSuggestedTask(_ context.Context, _ uuid.UUID, since time.Time) (bool, error) {
	d.since = since
	return d.recent, nil
}

type brokenCache struct{}

func (brokenCache) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}
func (brokenCache) Release(context.Context, string) error { return errors.New("redis down") }

func newTestTrigger(cache DedupeCache, durable DurableCheck, runner Runner) *Trigger {
	return NewTrigger(cache, durable, runner, stubScoringConfig{}, logger.New("development"))
}

func TestTriggerDeduplicatesWithinTTL(t *testing.T) {
	runner := &countingRunner{}
	trig := newTestTrigger(NewMemoryCache(), nil, runner)
	lead := uuid.New()

	for i := 0; i < 3; i++ {
		trig.Trigger(context.Background(), lead, "inbound")
		trig.Wait()
	}
	trig.Trigger(context.Background(), uuid.New(), "inbound")
	trig.Wait()

	if got := runner.count(); got != 2 {
		t.Fatalf("expected one run per lead, got %d", got)
	}
}

func TestTriggerFailureReleasesDedupe(t *testing.T) {
	runner := &countingRunner{fail: 1}
	trig := newTestTrigger(NewMemoryCache(), nil, runner)
	lead := uuid.New()

	trig.Trigger(context.Background(), lead, "inbound")
	trig.Wait()
	trig.Trigger(context.Background(), lead, "retry")
	trig.Wait()

	if got := runner.count(); got != 2 {
		t.Fatalf("expected retry after failure, got %d runs", got)
	}
}

func TestTriggerSkipsWhenRecentlyScored(t *testing.T) {
	runner := &countingRunner{}
	durable := &stubDurable{recent: true}
	trig := newTestTrigger(NewMemoryCache(), durable, runner)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	trig.now = func() time.Time { return fixed }

	trig.Trigger(context.Background(), uuid.New(), "inbound")
	trig.Wait()

	if runner.count() != 0 {
		t.Fatalf("expected durable check to suppress the run")
	}
	if !durable.since.Equal(fixed.Add(-time.Hour)) {
		t.Fatalf("expected window start %v, got %v", fixed.Add(-time.Hour), durable.since)
	}
}

func TestTriggerRunsWhenCacheUnavailable(t *testing.T) {
	runner := &countingRunner{}
	trig := newTestTrigger(brokenCache{}, &stubDurable{}, runner)

	trig.Trigger(context.Background(), uuid.New(), "inbound")
	trig.Wait()

	if runner.count() != 1 {
		t.Fatalf("expected run despite cache outage, got %d", runner.count())
	}
}

func TestTriggerDoesNotBlockCaller(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	trig := newTestTrigger(NewMemoryCache(), nil, runner)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	trig.Trigger(ctx, uuid.New(), "inbound")
	cancel()
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected trigger to return immediately")
	}

	close(runner.block)
	trig.Wait()
	if runner.count() != 1 {
		t.Fatalf("expected run to complete after caller cancelled, got %d", runner.count())
	}
}

func TestTriggerIgnoresNilLead(t *testing.T) {
	runner := &countingRunner{}
	trig := newTestTrigger(NewMemoryCache(), nil, runner)
	trig.Trigger(context.Background(), uuid.Nil, "inbound")
	trig.Wait()
	if runner.count() != 0 {
		t.Fatalf("expected no run for nil lead")
	}
}
