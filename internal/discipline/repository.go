package discipline

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

const pgUniqueViolation = "23505"

// Task is a staff task to create.
type Task struct {
	OrganizationID uuid.UUID
	ConversationID *uuid.UUID
	LeadID         *uuid.UUID
	TaskType       string
	Source         string
	Title          string
	Description    string
	AssignedUserID *uuid.UUID
	IdempotencyKey string
	DueAt          *time.Time
}

// TaskStore creates tasks at most once per idempotency key.
type TaskStore interface {
	// HasOpenTask is the pre-check: an open task of taskType for the
	// conversation created at or after since.
	HasOpenTask(ctx context.Context, conversationID uuid.UUID, taskType string, since time.Time) (bool, error)
	// CreateTask returns false when the idempotency key already exists.
	CreateTask(ctx context.Context, task Task) (bool, error)
}

// UserDirectory resolves role-based assignees.
type UserDirectory interface {
	// FindUserByRole returns nil when the organization has no active user
	// with that role.
	FindUserByRole(ctx context.Context, organizationID uuid.UUID, role string) (*uuid.UUID, error)
}

// Repository implements TaskStore and UserDirectory on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new discipline repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ TaskStore     = (*Repository)(nil)
	_ UserDirectory = (*Repository)(nil)
)

func (r *Repository) HasOpenTask(ctx context.Context, conversationID uuid.UUID, taskType string, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM crm_staff_tasks
			WHERE conversation_id = $1 AND task_type = $2 AND status = 'open' AND created_at >= $3
		)
	`, conversationID, taskType, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open task: %w", err)
	}
	return exists, nil
}

func (r *Repository) CreateTask(ctx context.Context, t Task) (bool, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO crm_staff_tasks
			(organization_id, conversation_id, lead_id, task_type, source, title, description,
			 assigned_user_id, idempotency_key, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, t.OrganizationID, t.ConversationID, t.LeadID, t.TaskType, t.Source, t.Title, t.Description,
		t.AssignedUserID, t.IdempotencyKey, t.DueAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("create task: %w", err)
	}
	return true, nil
}

func (r *Repository) FindUserByRole(ctx context.Context, organizationID uuid.UUID, role string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM crm_users
		WHERE organization_id = $1 AND role = $2 AND is_active
		ORDER BY created_at ASC
		LIMIT 1
	`, organizationID, role).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by role: %w", err)
	}
	return &id, nil
}
