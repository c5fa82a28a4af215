package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/conversation/engine"
	"crm_backend/internal/discipline"
	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

const followUpScanLimit = 500

type RuleBatcher interface {
	ApplyRulesBatch(ctx context.Context) (discipline.Outcome, error)
}

type FollowUpCandidates interface {
	ListFollowUpCandidates(ctx context.Context, silentSince time.Time, limit int) ([]uuid.UUID, error)
}

type FollowUpProducer interface {
	ProduceFollowUp(ctx context.Context, conversationID uuid.UUID, now time.Time) (*engine.Result, error)
}

// ReplyEnqueuer hands a produced follow-up to the outbound queue.
type ReplyEnqueuer interface {
	Enqueue(ctx context.Context, result *engine.Result) error
}

// Jobs holds the periodic passes the scheduler binary runs.
type Jobs struct {
	rules      RuleBatcher
	candidates FollowUpCandidates
	followUps  FollowUpProducer
	replies    ReplyEnqueuer
	groupSize  int
	log        *logger.Logger
	now        func() time.Time
}

func NewJobs(rules RuleBatcher, candidates FollowUpCandidates, followUps FollowUpProducer, replies ReplyEnqueuer, groupSize int, log *logger.Logger) *Jobs {
	if groupSize < 1 {
		groupSize = 8
	}
	return &Jobs{
		rules:      rules,
		candidates: candidates,
		followUps:  followUps,
		replies:    replies,
		groupSize:  groupSize,
		log:        log,
		now:        time.Now,
	}
}

// IntelligencePass refreshes flags of active conversations and applies the
// discipline rules to them.
func (j *Jobs) IntelligencePass(ctx context.Context) {
	out, err := j.rules.ApplyRulesBatch(ctx)
	if err != nil {
		j.log.Error("intelligence pass failed", "error", err)
		return
	}
	j.log.Info("intelligence pass done",
		"evaluated", out.Evaluated, "created", out.Created, "skipped", out.Skipped, "failed", out.Failed)
}

// FollowUpPass sends due follow-ups and returns how many were queued.
func (j *Jobs) FollowUpPass(ctx context.Context) (int, error) {
	now := j.now()
	silentSince := now.Add(-time.Duration(domain.FollowUpCadenceDays[0]) * 24 * time.Hour)

	ids, err := j.candidates.ListFollowUpCandidates(ctx, silentSince, followUpScanLimit)
	if err != nil {
		return 0, err
	}

	results := make(chan struct{}, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.groupSize)
	for _, id := range ids {
		g.Go(func() error {
			if err := j.followUp(gctx, id, now); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Another writer won the FSM version race; the next pass retries.
				if apperr.Is(err, apperr.KindConflict) {
					j.log.Info("follow-up skipped on concurrent update", "conversationId", id)
					return nil
				}
				j.log.Error("follow-up failed", "conversationId", id, "error", err)
				return nil
			}
			results <- struct{}{}
			return nil
		})
	}
	err = g.Wait()
	close(results)

	sent := 0
	for range results {
		sent++
	}
	return sent, err
}

// followUp sends nothing and returns nil when no step is due.
func (j *Jobs) followUp(ctx context.Context, id uuid.UUID, now time.Time) error {
	result, err := j.followUps.ProduceFollowUp(ctx, id, now)
	if err != nil || result == nil {
		return err
	}
	if err := j.replies.Enqueue(ctx, result); err != nil {
		return err
	}
	j.log.Info("follow-up queued", "conversationId", id, "templateKey", result.TemplateKey, "replyKey", result.ReplyKey)
	return nil
}

// RunFollowUpPass is the cron entry point for FollowUpPass.
func (j *Jobs) RunFollowUpPass(ctx context.Context) {
	sent, err := j.FollowUpPass(ctx)
	if err != nil {
		j.log.Error("follow-up pass failed", "sent", sent, "error", err)
		return
	}
	j.log.Info("follow-up pass done", "sent", sent)
}
