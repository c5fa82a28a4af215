// Package repository is the PostgreSQL store for conversations, their FSM
// state and the message log.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_backend/internal/conversation/domain"
	"crm_backend/platform/apperr"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation is one customer thread with its autoresponder state.
type Conversation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	LeadID         *uuid.UUID
	Channel        domain.Channel
	State          domain.FSMState
	Version        int64
	LastInboundAt  *time.Time
	CreatedAt      time.Time
}

type RecordMessageParams struct {
	ConversationID    uuid.UUID
	ProviderMessageID string
	Direction         string
	Body              string
	SentAt            time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ ConversationRepository = (*Repository)(nil)

func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error) {
	var c Conversation
	var channel string
	var rawState []byte
	err := r.pool.QueryRow(ctx, `
		SELECT c.id, c.organization_id, c.lead_id, c.channel, c.fsm_state, c.fsm_version, c.created_at,
			(SELECT max(m.sent_at) FROM crm_messages m
			 WHERE m.conversation_id = c.id AND m.direction = 'inbound')
		FROM crm_conversations c
		WHERE c.id = $1
	`, id).Scan(&c.ID, &c.OrganizationID, &c.LeadID, &channel, &rawState, &c.Version, &c.CreatedAt, &c.LastInboundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	c.Channel = domain.Channel(channel)
	if len(rawState) > 0 {
		if err := json.Unmarshal(rawState, &c.State); err != nil {
			c.State = domain.CorruptState()
		}
	}
	c.State = c.State.Normalize()
	return c, nil
}

func (r *Repository) SaveState(ctx context.Context, id uuid.UUID, state domain.FSMState, expectedVersion int64) (int64, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode fsm state: %w", err)
	}

	var version int64
	err = r.pool.QueryRow(ctx, `
		UPDATE crm_conversations
		SET fsm_state = $2, fsm_version = fsm_version + 1, updated_at = now()
		WHERE id = $1 AND fsm_version = $3
		RETURNING fsm_version
	`, id, payload, expectedVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM crm_conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check conversation: %w", err)
		}
		if !exists {
			return 0, apperr.NotFound("conversation not found")
		}
		return 0, apperr.Conflict("conversation state changed concurrently").WithOp("SaveState")
	}
	if err != nil {
		return 0, fmt.Errorf("save fsm state: %w", err)
	}
	return version, nil
}

func (r *Repository) RecordMessage(ctx context.Context, params RecordMessageParams) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var messageID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO crm_messages (conversation_id, provider_message_id, direction, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, provider_message_id) DO NOTHING
		RETURNING id
	`, params.ConversationID, params.ProviderMessageID, params.Direction, params.Body, params.SentAt).Scan(&messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, apperr.NotFound("conversation not found")
		}
		return false, fmt.Errorf("insert message: %w", err)
	}

	if params.Direction == DirectionInbound {
		_, err = tx.Exec(ctx, `
			UPDATE crm_conversations
			SET unread_count = unread_count + 1,
				last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
				updated_at = now()
			WHERE id = $1
		`, params.ConversationID, params.SentAt)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE crm_conversations
			SET unread_count = 0,
				last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
				updated_at = now()
			WHERE id = $1
		`, params.ConversationID, params.SentAt)
	}
	if err != nil {
		return false, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *Repository) ListFollowUpCandidates(ctx context.Context, silentSince time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id
		FROM crm_conversations c
		JOIN LATERAL (
			SELECT max(m.sent_at) AS last_inbound
			FROM crm_messages m
			WHERE m.conversation_id = c.id AND m.direction = 'inbound'
		) li ON true
		WHERE c.fsm_state->>'stage' IN ('QUALIFYING', 'QUOTE_READY')
		  AND COALESCE((c.fsm_state->'stop'->>'enabled')::boolean, false) = false
		  AND li.last_inbound IS NOT NULL
		  AND li.last_inbound <= $1
		ORDER BY li.last_inbound ASC
		LIMIT $2
	`, silentSince, limit)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}
