package intelligence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_backend/platform/apperr"
)

// Reader loads the data flags are computed from.
type Reader interface {
	GetSnapshot(ctx context.Context, conversationID uuid.UUID) (Snapshot, error)
	ListActiveConversationIDs(ctx context.Context, activeSince time.Time, limit int) ([]uuid.UUID, error)
}

// Writer persists the cached flag projection.
type Writer interface {
	SaveFlags(ctx context.Context, flags ConversationFlags) error
}

// Store is the full persistence contract of the intelligence service.
type Store interface {
	Reader
	Writer
}

// Repository reads conversations, messages and leads from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new intelligence repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) GetSnapshot(ctx context.Context, conversationID uuid.UUID) (Snapshot, error) {
	var s Snapshot
	var visaExpiry, licenseExpiry, passportExpiry *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT c.id, c.organization_id, c.lead_id, c.assigned_user_id, c.created_at, c.unread_count,
			agg.last_inbound, agg.last_outbound, agg.first_inbound,
			(SELECT min(o.sent_at) FROM crm_messages o
			 WHERE o.conversation_id = c.id AND o.direction = 'outbound'
			   AND agg.first_inbound IS NOT NULL AND o.sent_at >= agg.first_inbound),
			l.score, l.visa_expiry_at, l.license_expiry_at, l.passport_expiry_at, l.next_follow_up_at
		FROM crm_conversations c
		LEFT JOIN crm_leads l ON l.id = c.lead_id
		LEFT JOIN LATERAL (
			SELECT max(m.sent_at) FILTER (WHERE m.direction = 'inbound')  AS last_inbound,
			       max(m.sent_at) FILTER (WHERE m.direction = 'outbound') AS last_outbound,
			       min(m.sent_at) FILTER (WHERE m.direction = 'inbound')  AS first_inbound
			FROM crm_messages m
			WHERE m.conversation_id = c.id
		) agg ON true
		WHERE c.id = $1
	`, conversationID).Scan(
		&s.Conversation.ConversationID, &s.Conversation.OrganizationID, &s.Conversation.LeadID, &s.Conversation.AssignedUserID,
		&s.CreatedAt, &s.UnreadCount,
		&s.LastInboundAt, &s.LastOutboundAt, &s.FirstInboundAt, &s.FirstResponseAt,
		&s.LeadScore, &visaExpiry, &licenseExpiry, &passportExpiry, &s.NextFollowUpAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load flag snapshot: %w", err)
	}

	for _, d := range []*time.Time{visaExpiry, licenseExpiry, passportExpiry} {
		if d != nil {
			s.ExpiryDates = append(s.ExpiryDates, *d)
		}
	}
	return s, nil
}

func (r *Repository) ListActiveConversationIDs(ctx context.Context, activeSince time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id
		FROM crm_conversations c
		LEFT JOIN crm_leads l ON l.id = c.lead_id
		WHERE c.last_message_at >= $1
		   OR c.flag_needs_reply OR c.flag_sla_breach
		   OR l.next_follow_up_at IS NOT NULL
		   OR LEAST(l.visa_expiry_at, l.license_expiry_at, l.passport_expiry_at) >= CURRENT_DATE
		ORDER BY c.last_message_at DESC NULLS LAST
		LIMIT $2
	`, activeSince, limit)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
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

func (r *Repository) SaveFlags(ctx context.Context, f ConversationFlags) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE crm_conversations
		SET priority_score = $2,
			flag_unread = $3,
			flag_needs_reply = $4,
			flag_sla_breach = $5,
			flag_expiry_soon = $6,
			flag_overdue_followup = $7,
			flag_hot = $8,
			flags_computed_at = $9
		WHERE id = $1
	`, f.Conversation.ConversationID, f.PriorityScore, f.Unread, f.NeedsReply, f.SLABreach,
		f.ExpirySoon, f.OverdueFollowUp, f.Hot, f.ComputedAt)
	if err != nil {
		return fmt.Errorf("save flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("conversation not found")
	}
	return nil
}
