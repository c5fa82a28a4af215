package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
)

// ConversationReader provides read access to conversations and their FSM state.
type ConversationReader interface {
	GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error)
}

// StateWriter persists FSM state with an optimistic version check.
type StateWriter interface {
	// SaveState stores state if the row is still at expectedVersion and returns
	// the new version. A stale version yields an apperr.KindConflict error.
	SaveState(ctx context.Context, id uuid.UUID, state domain.FSMState, expectedVersion int64) (int64, error)
}

// MessageLog records inbound and outbound messages idempotently.
type MessageLog interface {
	// RecordMessage returns false when the provider message id was already stored.
	RecordMessage(ctx context.Context, params RecordMessageParams) (bool, error)
}

// FollowUpScanner lists conversations that may be due for a follow-up.
type FollowUpScanner interface {
	ListFollowUpCandidates(ctx context.Context, silentSince time.Time, limit int) ([]uuid.UUID, error)
}

// ConversationRepository is the full store used by the reply engine and intake.
type ConversationRepository interface {
	ConversationReader
	StateWriter
	MessageLog
	FollowUpScanner
}
