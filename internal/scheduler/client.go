package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"crm_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const defaultUniqueTTL = 10 * time.Minute

// Client enqueues background jobs. It satisfies scoring.Runner so the
// scoring trigger can hand rescoring to the worker process.
type Client struct {
	client    *asynq.Client
	queue     string
	uniqueTTL time.Duration
}

func NewClient(cfg config.SchedulerConfig, uniqueTTL time.Duration) (*Client, error) {
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
	if uniqueTTL <= 0 {
		uniqueTTL = defaultUniqueTTL
	}

	return &Client{
		client:    asynq.NewClient(opt),
		queue:     queue,
		uniqueTTL: uniqueTTL,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Run enqueues a rescore of leadID. A task already pending for the same lead
// counts as success.
func (c *Client) Run(ctx context.Context, leadID uuid.UUID, reason string) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewRescoreTask(RescorePayload{LeadID: leadID.String(), Reason: reason})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.Unique(c.uniqueTTL),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
