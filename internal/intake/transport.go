package intake

import "time"

// InboundEvent is one customer message as delivered by a channel adapter,
// over HTTP or Kafka.
type InboundEvent struct {
	ConversationID string    `json:"conversationId" validate:"required,uuid"`
	MessageID      string    `json:"messageId" validate:"required,max=256"`
	Channel        string    `json:"channel" validate:"required,channel"`
	Text           string    `json:"text" validate:"max=4096"`
	ContactName    string    `json:"contactName,omitempty" validate:"max=256"`
	ReceivedAt     time.Time `json:"receivedAt" validate:"required"`
}

type InboundResponse struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate"`
	Replied     bool   `json:"replied"`
	ReplyKey    string `json:"replyKey,omitempty"`
	Action      string `json:"action,omitempty"`
	TemplateKey string `json:"templateKey,omitempty"`
}

type StopRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

type OutcomeRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=WON LOST"`
}
