// Package domain provides the core types and rules of the conversation
// autoresponder: FSM stages, collected fields and the service catalog.
package domain

import (
	"strings"
)

// Stage is the lifecycle position of one conversation's autoresponder.
type Stage string

const (
	StageNew        Stage = "NEW"
	StageQualifying Stage = "QUALIFYING"
	StageQuoteReady Stage = "QUOTE_READY"
	StageHandover   Stage = "HANDOVER"
	StageWon        Stage = "WON"
	StageLost       Stage = "LOST"
	StageCold       Stage = "COLD"
)

var knownStages = map[Stage]struct{}{
	StageNew:        {},
	StageQualifying: {},
	StageQuoteReady: {},
	StageHandover:   {},
	StageWon:        {},
	StageLost:       {},
	StageCold:       {},
}

// IsKnownStage reports whether s is one of the FSM stages.
func IsKnownStage(s Stage) bool {
	_, ok := knownStages[s]
	return ok
}

// Action is what the planner decided to do with an inbound message.
type Action string

const (
	ActionAsk      Action = "ASK"
	ActionInfo     Action = "INFO"
	ActionOffer    Action = "OFFER"
	ActionHandover Action = "HANDOVER"
	ActionFollowUp Action = "FOLLOW_UP"
	ActionStop     Action = "STOP"
)

// StopFlag is the permanent opt-out / kill switch of a conversation.
type StopFlag struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// StopReasonCorruptState marks a conversation whose stored state could not
// be decoded.
const StopReasonCorruptState = "corrupt_state"

// MaxRecentInbound bounds the processed inbound id history.
const MaxRecentInbound = 32

// LastReply is the most recent reply the engine issued, kept so that a
// redelivered inbound can re-queue it verbatim.
type LastReply struct {
	InboundMessageID string  `json:"inboundMessageId"`
	ReplyKey         string  `json:"replyKey"`
	Action           Action  `json:"action"`
	TemplateKey      string  `json:"templateKey"`
	Channel          Channel `json:"channel"`
	Text             string  `json:"text"`
}

// FSMState is the persisted autoresponder state of one conversation.
type FSMState struct {
	ServiceKey           *ServiceKey      `json:"serviceKey"`
	Stage                Stage            `json:"stage"`
	Collected            map[Field]string `json:"collected"`
	Required             []Field          `json:"required"`
	NextQuestionKey      string           `json:"nextQuestionKey,omitempty"`
	AskedQuestionKeys    []string         `json:"askedQuestionKeys"`
	FollowUpStep         int              `json:"followUpStep"`
	InfoSent             bool             `json:"infoSent,omitempty"`
	LastInboundMessageID string           `json:"lastInboundMessageId,omitempty"`
	RecentInboundIDs     []string         `json:"recentInboundIds,omitempty"`
	LastOutboundReplyKey string           `json:"lastOutboundReplyKey,omitempty"`
	LastReply            *LastReply       `json:"lastReply,omitempty"`
	Stop                 StopFlag         `json:"stop"`

	// Corrupt is set when the stored state was unreadable; never persisted.
	Corrupt bool `json:"-"`
}

// NewFSMState returns the state of a conversation nobody has answered yet.
func NewFSMState() FSMState {
	return FSMState{
		Stage:             StageNew,
		Collected:         map[Field]string{},
		Required:          []Field{},
		AskedQuestionKeys: []string{},
	}
}

// CorruptState stands in for a stored state that failed to decode. It is
// owned by a human and stopped, so nothing is sent automatically.
func CorruptState() FSMState {
	s := NewFSMState()
	s.Stage = StageHandover
	s.Stop = StopFlag{Enabled: true, Reason: StopReasonCorruptState}
	s.Corrupt = true
	return s
}

// Normalize repairs a state loaded from storage so that it can be planned
// on: nil maps become empty, an unknown stage degrades to HANDOVER and
// collected fields are dropped from the required list.
func (s FSMState) Normalize() FSMState {
	if s.Collected == nil {
		s.Collected = map[Field]string{}
	}
	if s.Required == nil {
		s.Required = []Field{}
	}
	if s.AskedQuestionKeys == nil {
		s.AskedQuestionKeys = []string{}
	}
	switch {
	case s.Stage == "":
		s.Stage = StageNew
	case !IsKnownStage(s.Stage):
		s.Stage = StageHandover
		s.Corrupt = true
	}
	required := make([]Field, 0, len(s.Required))
	for _, field := range s.Required {
		if !s.HasValue(field) {
			required = append(required, field)
		}
	}
	s.Required = required
	return s
}

// Clone returns a deep copy so planners can compute candidates without
// mutating the caller's state.
func (s FSMState) Clone() FSMState {
	out := s
	out.Collected = make(map[Field]string, len(s.Collected))
	for k, v := range s.Collected {
		out.Collected[k] = v
	}
	out.Required = append([]Field(nil), s.Required...)
	out.AskedQuestionKeys = append([]string(nil), s.AskedQuestionKeys...)
	out.RecentInboundIDs = append([]string(nil), s.RecentInboundIDs...)
	if s.LastReply != nil {
		reply := *s.LastReply
		out.LastReply = &reply
	}
	if s.ServiceKey != nil {
		key := *s.ServiceKey
		out.ServiceKey = &key
	}
	return out
}

// IsTerminal reports whether the planner must stop unconditionally.
func (s FSMState) IsTerminal() bool {
	return s.Stop.Enabled || s.Stage == StageWon || s.Stage == StageLost
}

// HasAsked reports whether questionKey is already in the asked history.
func (s FSMState) HasAsked(questionKey string) bool {
	for _, asked := range s.AskedQuestionKeys {
		if asked == questionKey {
			return true
		}
	}
	return false
}

// HasProcessed reports whether the inbound message id was already planned on.
func (s FSMState) HasProcessed(messageID string) bool {
	if messageID == "" {
		return false
	}
	if s.LastInboundMessageID == messageID {
		return true
	}
	for _, id := range s.RecentInboundIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// MarkProcessed records messageID as the latest inbound, keeping the most
// recent MaxRecentInbound ids.
func (s *FSMState) MarkProcessed(messageID string) {
	if messageID == "" {
		return
	}
	s.LastInboundMessageID = messageID
	for _, id := range s.RecentInboundIDs {
		if id == messageID {
			return
		}
	}
	ids := append(append([]string(nil), s.RecentInboundIDs...), messageID)
	if len(ids) > MaxRecentInbound {
		ids = ids[len(ids)-MaxRecentInbound:]
	}
	s.RecentInboundIDs = ids
}

// HasValue reports whether field is collected with a non-blank value.
func (s FSMState) HasValue(field Field) bool {
	return strings.TrimSpace(s.Collected[field]) != ""
}
