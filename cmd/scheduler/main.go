package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_backend/internal/bootstrap"
	"crm_backend/internal/scheduler"
	"crm_backend/platform/config"
	"crm_backend/platform/db"
	"crm_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	components, err := bootstrap.New(cfg, pool, log)
	if err != nil {
		log.Error("failed to initialize services", "error", err)
		panic("failed to initialize services: " + err.Error())
	}
	defer components.Close()

	jobs := scheduler.NewJobs(
		components.Discipline,
		components.Conversations,
		components.Engine,
		components.Intake,
		cfg.GetBatchGroupSize(),
		log,
	)

	cron := scheduler.NewCron(cfg.GetBusinessLocation(), log)
	if err := cron.Add(cfg.GetIntelligenceCron(), "intelligence", jobs.IntelligencePass); err != nil {
		panic("failed to schedule intelligence pass: " + err.Error())
	}
	if err := cron.Add(cfg.GetFollowUpCron(), "follow_up", jobs.RunFollowUpPass); err != nil {
		panic("failed to schedule follow-up pass: " + err.Error())
	}
	cronDone := make(chan struct{})
	go func() {
		defer close(cronDone)
		cron.Run(ctx)
	}()
	log.Info("cron passes scheduled", "intelligence", cfg.GetIntelligenceCron(), "followUp", cfg.GetFollowUpCron())

	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; scoring worker disabled, rescoring runs in-process")
		<-ctx.Done()
	} else {
		worker, err := scheduler.NewWorker(cfg, components.Scoring, components.Dedupe, log)
		if err != nil {
			log.Error("failed to initialize scheduler worker", "error", err)
			panic("failed to initialize scheduler worker: " + err.Error())
		}
		worker.Run(ctx)
	}

	<-cronDone
	log.Info("scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
