package outbox

import (
	"context"
	"time"

	"crm_backend/internal/conversation/repository"
	"crm_backend/platform/logger"
	"crm_backend/platform/reporting"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 50
)

// Dispatcher drains the outbox on a ticker.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	messages  repository.MessageLog
	reporter  reporting.Reporter
	log       *logger.Logger
	interval  time.Duration
	batch     int
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. messages may be nil when the outbound
// message log is written elsewhere.
func NewDispatcher(store Store, deliverer Deliverer, messages repository.MessageLog, reporter reporting.Reporter, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		deliverer: deliverer,
		messages:  messages,
		reporter:  reporter,
		log:       log,
		interval:  defaultInterval,
		batch:     defaultBatch,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := d.DispatchOnce(ctx); err != nil {
			d.log.Warn("outbox claim failed", "error", err)
		}
	}
}

// DispatchOnce claims one batch and delivers it. It returns how many rows
// were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	records, err := d.store.ClaimPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		err := d.deliverer.Deliver(ctx, Message{
			ConversationID: rec.ConversationID.String(),
			Text:           rec.Body,
			ReplyKey:       rec.ReplyKey,
			Channel:        rec.Channel,
		})
		if err != nil {
			d.log.Warn("reply delivery failed", "replyKey", rec.ReplyKey, "attempts", rec.Attempts, "error", err)
			if rec.Attempts >= maxAttempts && d.reporter != nil {
				d.reporter.Report(ctx, err, map[string]string{"replyKey": rec.ReplyKey, "component": "outbox"})
			}
			if markErr := d.store.MarkFailed(ctx, rec.ID, rec.Attempts, err.Error()); markErr != nil {
				d.log.DatabaseError("outbox.MarkFailed", markErr)
			}
			continue
		}

		if err := d.store.MarkSent(ctx, rec.ID); err != nil {
			d.log.DatabaseError("outbox.MarkSent", err)
		}
		sent++

		if d.messages != nil {
			_, err := d.messages.RecordMessage(ctx, repository.RecordMessageParams{
				ConversationID:    rec.ConversationID,
				ProviderMessageID: rec.ReplyKey,
				Direction:         repository.DirectionOutbound,
				Body:              rec.Body,
				SentAt:            d.now().UTC(),
			})
			if err != nil {
				d.log.DatabaseError("RecordMessage", err)
			}
		}
	}
	return sent, nil
}
