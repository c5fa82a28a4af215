package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_backend/platform/config"
	"crm_backend/platform/logger"
)

const (
	defaultDedupeTTL     = 10 * time.Minute
	defaultDurableWindow = 6 * time.Hour
	runTimeout           = 30 * time.Second
)

// DurableCheck answers whether a lead was scored recently enough that a new
// run is pointless, independent of process lifetime.
type DurableCheck interface {
	HasRecentSuggestedTask(ctx context.Context, leadID uuid.UUID, since time.Time) (bool, error)
}

// Runner performs or schedules one rescore.
type Runner interface {
	Run(ctx context.Context, leadID uuid.UUID, reason string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, leadID uuid.UUID, reason string) error

func (f RunnerFunc) Run(ctx context.Context, leadID uuid.UUID, reason string) error {
	return f(ctx, leadID, reason)
}

// LocalRunner rescores in-process.
func LocalRunner(svc *Service) Runner {
	return RunnerFunc(func(ctx context.Context, leadID uuid.UUID, _ string) error {
		_, err := svc.Rescore(ctx, leadID)
		return err
	})
}

// Trigger deduplicates scoring requests and runs them off the caller's path.
type Trigger struct {
	cache   DedupeCache
	durable DurableCheck
	runner  Runner
	ttl     time.Duration
	window  time.Duration
	log     *logger.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewTrigger wires a trigger. A nil durable check relies on the cache alone.
func NewTrigger(cache DedupeCache, durable DurableCheck, runner Runner, cfg config.ScoringConfig, log *logger.Logger) *Trigger {
	ttl, window := cfg.GetScoringDedupeTTL(), cfg.GetScoringDurableWindow()
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	if window <= 0 {
		window = defaultDurableWindow
	}
	return &Trigger{
		cache:   cache,
		durable: durable,
		runner:  runner,
		ttl:     ttl,
		window:  window,
		log:     log,
		now:     time.Now,
	}
}

// Trigger schedules a rescore of leadID and returns immediately. Failures are
// logged and release the dedupe entry so a later event can retry.
func (t *Trigger) Trigger(ctx context.Context, leadID uuid.UUID, reason string) {
	if leadID == uuid.Nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(detached, leadID, reason)
	}()
}

func (t *Trigger) run(ctx context.Context, leadID uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	key := leadID.String()
	acquired, err := t.cache.Acquire(ctx, key, t.ttl)
	if err != nil {
		// Cache outage falls through to the durable check.
		t.log.Warn("scoring dedupe cache unavailable", "leadId", leadID, "error", err)
		acquired = true
	}
	if !acquired {
		return
	}

	if t.durable != nil {
		recent, err := t.durable.HasRecentSuggestedTask(ctx, leadID, t.now().Add(-t.window))
		if err != nil {
			t.log.Warn("scoring durable check failed", "leadId", leadID, "error", err)
		} else if recent {
			t.log.Debug("scoring skipped, recently scored", "leadId", leadID, "reason", reason)
			return
		}
	}

	if err := t.runner.Run(ctx, leadID, reason); err != nil {
		t.log.Error("lead scoring failed", "leadId", leadID, "reason", reason, "error", err)
		t.Release(ctx, leadID)
		return
	}
	t.log.Info("lead scoring triggered", "leadId", leadID, "reason", reason)
}

// Release forgets the dedupe entry of leadID.
func (t *Trigger) Release(ctx context.Context, leadID uuid.UUID) {
	if err := t.cache.Release(ctx, leadID.String()); err != nil {
		t.log.Warn("scoring dedupe release failed", "leadId", leadID, "error", err)
	}
}

// Wait blocks until in-flight triggers finish.
func (t *Trigger) Wait() {
	t.wg.Wait()
}
