// Package outbox is the send-idempotency table between the reply engine and
// the external sender. A reply key is enqueued at most once; the dispatcher
// hands each row to a Deliverer and records the outbound message.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const (
	maxAttempts       = 5
	staleSendingAfter = 5 * time.Minute
)

type Record struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	ReplyKey       string
	Channel        string
	Body           string
	Status         Status
	Attempts       int
	CreatedAt      time.Time
}

type EnqueueParams struct {
	ConversationID uuid.UUID
	ReplyKey       string
	Channel        string
	Body           string
}

// Store is the outbox persistence used by Enqueue callers and the dispatcher.
type Store interface {
	Enqueue(ctx context.Context, p EnqueueParams) (bool, error)
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Enqueue inserts a reply; it returns false when the reply key already exists.
func (r *Repository) Enqueue(ctx context.Context, p EnqueueParams) (bool, error) {
	if p.ReplyKey == "" {
		return false, fmt.Errorf("replyKey is required")
	}
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO crm_reply_outbox (conversation_id, reply_key, channel, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reply_key) DO NOTHING
		RETURNING id
	`, p.ConversationID, p.ReplyKey, p.Channel, p.Body).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("enqueue reply: %w", err)
	}
	return true, nil
}

// ClaimPending moves up to limit pending rows, and rows stuck in sending, to
// sending and returns them.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM crm_reply_outbox
		WHERE status = 'pending'
		   OR (status = 'sending' AND updated_at < now() - make_interval(secs => $2))
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE crm_reply_outbox o
	SET status = 'sending', attempts = o.attempts + 1, updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING o.id, o.conversation_id, o.reply_key, o.channel, o.body, o.status, o.attempts, o.created_at`,
		limit, staleSendingAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.ReplyKey, &rec.Channel, &rec.Body, &status, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE crm_reply_outbox
		SET status = 'sent', last_error = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MarkFailed returns the row to pending, or parks it as failed once attempts
// are exhausted.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE crm_reply_outbox
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), lastError)
	return err
}
