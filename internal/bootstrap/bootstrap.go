// Package bootstrap wires the domain services shared by the api and
// scheduler binaries. Each binary adds its own transports on top.
package bootstrap

import (
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"crm_backend/internal/conversation/engine"
	"crm_backend/internal/conversation/enhancer"
	"crm_backend/internal/conversation/repository"
	"crm_backend/internal/conversation/templates"
	"crm_backend/internal/discipline"
	"crm_backend/internal/events"
	"crm_backend/internal/intake"
	"crm_backend/internal/intelligence"
	"crm_backend/internal/outbox"
	"crm_backend/internal/scheduler"
	"crm_backend/internal/scoring"
	"crm_backend/platform/config"
	"crm_backend/platform/logger"
	"crm_backend/platform/reporting"
)

// Components are the wired services. Close releases what New opened.
type Components struct {
	Reporter      *reporting.Sentry
	Bus           *events.InMemoryBus
	Conversations *repository.Repository
	Serializer    *engine.Serializer
	Engine        *engine.Engine
	Outbox        *outbox.Repository
	Intake        *intake.Service
	Intelligence  *intelligence.Service
	Discipline    *discipline.Service
	Scoring       *scoring.Service
	Dedupe        scoring.DedupeCache
	Trigger       *scoring.Trigger

	closers []func()
}

// New builds every domain service on top of pool. When Redis is configured
// the scoring dedupe cache lives there and rescoring is handed to the asynq
// worker; otherwise both stay in-process.
func New(cfg *config.Config, pool *pgxpool.Pool, log *logger.Logger) (*Components, error) {
	c := &Components{}
	loc := cfg.GetBusinessLocation()

	c.Reporter = reporting.New(cfg, log)
	c.closers = append(c.closers, c.Reporter.Flush)
	c.Bus = events.NewInMemoryBus(log)

	lib, err := loadTemplates(cfg)
	if err != nil {
		return nil, err
	}
	enh, err := enhancer.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("reply enhancer: %w", err)
	}
	log.Info("reply enhancer ready", "enhancer", enh.Name())

	rules, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}

	c.Conversations = repository.New(pool)
	c.Serializer = engine.NewSerializer(cfg.GetReplySerializerShards())
	c.Engine = engine.New(c.Conversations, lib, enh, c.Serializer, log)
	c.Outbox = outbox.New(pool)
	c.Intake = intake.New(c.Conversations, c.Engine, c.Outbox, c.Bus, log)

	c.Intelligence = intelligence.NewService(intelligence.NewRepository(pool), loc, cfg.GetBatchGroupSize(), log)

	taskRepo := discipline.NewRepository(pool)
	scoringRepo := scoring.NewRepository(pool)
	c.Scoring = scoring.New(scoringRepo, taskRepo, loc, log)

	runner := scoring.LocalRunner(c.Scoring)
	if cfg.GetRedisURL() != "" {
		client, err := redisClient(cfg)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		c.Dedupe = scoring.NewRedisCache(client, "")

		jobs, err := scheduler.NewClient(cfg, cfg.GetScoringDedupeTTL())
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = jobs.Close() })
		runner = jobs
	} else {
		c.Dedupe = scoring.NewMemoryCache()
		log.Warn("redis not configured, scoring runs in-process with a local dedupe cache")
	}
	c.Trigger = scoring.NewTrigger(c.Dedupe, scoringRepo, runner, cfg, log)

	c.Discipline = discipline.NewService(discipline.Deps{
		Rules:     rules,
		Flags:     c.Intelligence,
		Tasks:     taskRepo,
		Users:     taskRepo,
		Scoring:   c.Trigger,
		Reporter:  c.Reporter,
		Location:  loc,
		GroupSize: cfg.GetBatchGroupSize(),
		Log:       log,
	})

	intake.Subscribers{
		Flags:   c.Intelligence,
		Rules:   c.Discipline,
		Scoring: c.Trigger,
		Log:     log,
	}.Register(c.Bus)

	return c, nil
}

// Close stops accepting reply work, drains background handlers and then
// releases clients, in that order.
func (c *Components) Close() {
	c.Serializer.Close()
	c.Bus.Wait()
	c.Trigger.Wait()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func loadTemplates(cfg config.ReplyEngineConfig) (*templates.Library, error) {
	if path := cfg.GetTemplatesFile(); path != "" {
		lib, err := templates.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load templates %s: %w", path, err)
		}
		return lib, nil
	}
	return templates.NewDefault()
}

func loadRules(cfg config.DisciplineConfig) (discipline.RuleSet, error) {
	if path := cfg.GetDisciplineRulesFile(); path != "" {
		rules, err := discipline.LoadRules(path)
		if err != nil {
			return discipline.RuleSet{}, fmt.Errorf("load discipline rules %s: %w", path, err)
		}
		return rules, nil
	}
	return discipline.DefaultRules(), nil
}

func redisClient(cfg config.SchedulerConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.GetRedisTLSInsecure() {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{}
		}
		opt.TLSConfig.InsecureSkipVerify = true
	}
	return redis.NewClient(opt), nil
}
