package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_backend/internal/conversation/domain"
	"crm_backend/platform/apperr"
)

// Repository reads lead signals and writes scores on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new scoring repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ Store        = (*Repository)(nil)
	_ DurableCheck = (*Repository)(nil)
)

func (r *Repository) GetSignals(ctx context.Context, leadID uuid.UUID) (Signals, error) {
	var sig Signals
	var rawState []byte
	var visaExpiry, licenseExpiry, passportExpiry *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT l.id, l.organization_id, l.created_at, l.visa_expiry_at, l.license_expiry_at, l.passport_expiry_at,
			c.id, c.assigned_user_id, c.fsm_state,
			COALESCE(agg.inbound_count, 0), COALESCE(agg.outbound_count, 0), agg.last_inbound
		FROM crm_leads l
		LEFT JOIN LATERAL (
			SELECT cc.id, cc.assigned_user_id, cc.fsm_state
			FROM crm_conversations cc
			WHERE cc.lead_id = l.id
			ORDER BY cc.last_message_at DESC NULLS LAST
			LIMIT 1
		) c ON true
		LEFT JOIN LATERAL (
			SELECT count(*) FILTER (WHERE m.direction = 'inbound')  AS inbound_count,
			       count(*) FILTER (WHERE m.direction = 'outbound') AS outbound_count,
			       max(m.sent_at) FILTER (WHERE m.direction = 'inbound') AS last_inbound
			FROM crm_messages m
			WHERE m.conversation_id = c.id
		) agg ON true
		WHERE l.id = $1
	`, leadID).Scan(
		&sig.LeadID, &sig.OrganizationID, &sig.CreatedAt, &visaExpiry, &licenseExpiry, &passportExpiry,
		&sig.ConversationID, &sig.AssignedUserID, &rawState,
		&sig.InboundCount, &sig.OutboundCount, &sig.LastInboundAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Signals{}, apperr.NotFound("lead not found")
	}
	if err != nil {
		return Signals{}, fmt.Errorf("load lead signals: %w", err)
	}

	if len(rawState) > 0 {
		if err := json.Unmarshal(rawState, &sig.State); err != nil {
			sig.State = domain.FSMState{}
		}
	}
	sig.State = sig.State.Normalize()
	for _, d := range []*time.Time{visaExpiry, licenseExpiry, passportExpiry} {
		if d != nil {
			sig.ExpiryDates = append(sig.ExpiryDates, *d)
		}
	}
	return sig, nil
}

func (r *Repository) SaveScore(ctx context.Context, leadID uuid.UUID, result Result) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE crm_leads
		SET score = $2, score_factors = $3, score_version = $4, scored_at = $5, updated_at = now()
		WHERE id = $1
	`, leadID, result.Score, result.FactorsJSON, result.Version, result.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save lead score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("lead not found")
	}
	return nil
}

func (r *Repository) HasRecentSuggestedTask(ctx context.Context, leadID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM crm_staff_tasks
			WHERE lead_id = $1 AND source = $2 AND created_at >= $3
		)
	`, leadID, SuggestedTaskSource, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suggested task: %w", err)
	}
	return exists, nil
}
