// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"github.com/google/uuid"

	"crm_backend/platform/events"
	"crm_backend/platform/logger"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus creates the process-local bus used by both binaries.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// Conversation Domain Events
// =============================================================================

// Change reasons carried by ConversationChanged.
const (
	ChangeInbound  = "inbound"
	ChangeReply    = "reply"
	ChangeFollowUp = "follow_up"
	ChangeOutcome  = "outcome"
	ChangeStopped  = "stopped"
)

// ConversationChanged is published whenever messages or FSM state of a
// conversation change. Subscribers refresh flags, apply discipline rules and
// trigger scoring independently of each other.
type ConversationChanged struct {
	BaseEvent
	ConversationID uuid.UUID  `json:"conversationId"`
	LeadID         *uuid.UUID `json:"leadId,omitempty"`
	Reason         string     `json:"reason"`
}

func (e ConversationChanged) EventName() string { return "conversation.changed" }

// ReplyQueued is published when an autoreply was written to the outbox.
type ReplyQueued struct {
	BaseEvent
	ConversationID uuid.UUID `json:"conversationId"`
	ReplyKey       string    `json:"replyKey"`
	Action         string    `json:"action"`
	TemplateKey    string    `json:"templateKey"`
	Enhanced       bool      `json:"enhanced"`
}

func (e ReplyQueued) EventName() string { return "conversation.reply_queued" }
