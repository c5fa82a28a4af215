package scheduler

import (
	"context"
	"fmt"

	"crm_backend/internal/scoring"
	"crm_backend/platform/apperr"
	"crm_backend/platform/config"
	"crm_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Rescorer is the scoring work the worker executes.
type Rescorer interface {
	Rescore(ctx context.Context, leadID uuid.UUID) (*scoring.Result, error)
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logger.Logger
}

// rescoreHandler is split out of Worker so it can be tested without Redis.
type rescoreHandler struct {
	scorer Rescorer
	dedupe scoring.DedupeCache
	log    *logger.Logger
}

// NewWorker builds the asynq server. dedupe is the scoring trigger's cache;
// its entry is released when a rescore fails for good so a later event can
// schedule another attempt.
func NewWorker(cfg config.SchedulerConfig, scorer Rescorer, dedupe scoring.DedupeCache, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	h := &rescoreHandler{scorer: scorer, dedupe: dedupe, log: log}
	mux.HandleFunc(TaskScoringRescore, h.handle)

	return &Worker{server: server, mux: mux, log: log}, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (h *rescoreHandler) handle(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRescorePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return fmt.Errorf("%w: invalid lead id %q", asynq.SkipRetry, payload.LeadID)
	}

	result, err := h.scorer.Rescore(ctx, leadID)
	if err == nil {
		h.log.Info("lead rescored", "leadId", leadID, "score", result.Score, "reason", payload.Reason)
		return nil
	}

	if apperr.Is(err, apperr.KindNotFound) {
		h.log.Warn("rescore skipped, lead not found", "leadId", leadID)
		h.release(ctx, leadID)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok || retried >= maxRetry {
		h.release(ctx, leadID)
	}
	return err
}

func (h *rescoreHandler) release(ctx context.Context, leadID uuid.UUID) {
	if h.dedupe == nil {
		return
	}
	if err := h.dedupe.Release(ctx, leadID.String()); err != nil {
		h.log.Warn("scoring dedupe release failed", "leadId", leadID, "error", err)
	}
}
