// Package intelligence derives per-conversation priority flags from message
// timestamps and linked lead data. Flags are never stored as a source of
// truth; the cached columns are a projection that can always be recomputed.
package intelligence

import (
	"time"

	"github.com/google/uuid"
)

// Thresholds and weights. They are product constants, not configuration.
const (
	NeedsReplyAfter       = 15 * time.Minute
	FirstResponseSLA      = 60 * time.Minute
	ExpirySoonMaxDays     = 90
	ExpiryUrgentMaxDays   = 30
	HotLeadScoreThreshold = 70

	WeightSLABreach       = 35
	WeightNeedsReply      = 25
	WeightExpiryUrgent    = 20
	WeightExpirySoon      = 10
	WeightOverdueFollowUp = 15
	WeightHot             = 10
	MaxPriorityScore      = 100
)

// Flag names as used by discipline rules and the API.
const (
	FlagUnread          = "UNREAD"
	FlagNeedsReply      = "NEEDS_REPLY"
	FlagSLABreach       = "SLA_BREACH"
	FlagExpirySoon      = "EXPIRY_SOON"
	FlagOverdueFollowUp = "OVERDUE_FOLLOWUP"
	FlagHot             = "HOT"
)

// ConversationRef identifies the conversation and the people attached to it.
type ConversationRef struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	LeadID         *uuid.UUID `json:"leadId,omitempty"`
	AssignedUserID *uuid.UUID `json:"assignedUserId,omitempty"`
}

// Metrics are the raw measurements behind the flags. Nil means "no such event".
type Metrics struct {
	MinutesSinceLastInbound  *int `json:"minutesSinceLastInbound"`
	MinutesSinceLastOutbound *int `json:"minutesSinceLastOutbound"`
	MinutesSinceCreated      int  `json:"minutesSinceCreated"`
	DaysToNearestExpiry      *int `json:"daysToNearestExpiry"`
}

// ConversationFlags is the derived view of one conversation.
type ConversationFlags struct {
	Conversation    ConversationRef `json:"conversation"`
	Unread          bool            `json:"unread"`
	NeedsReply      bool            `json:"needsReply"`
	SLABreach       bool            `json:"slaBreach"`
	ExpirySoon      bool            `json:"expirySoon"`
	OverdueFollowUp bool            `json:"overdueFollowUp"`
	Hot             bool            `json:"hot"`
	PriorityScore   int             `json:"priorityScore"`
	Metrics         Metrics         `json:"metrics"`
	ComputedAt      time.Time       `json:"computedAt"`
}

// Has reports whether the named flag is set.
func (f ConversationFlags) Has(flag string) bool {
	switch flag {
	case FlagUnread:
		return f.Unread
	case FlagNeedsReply:
		return f.NeedsReply
	case FlagSLABreach:
		return f.SLABreach
	case FlagExpirySoon:
		return f.ExpirySoon
	case FlagOverdueFollowUp:
		return f.OverdueFollowUp
	case FlagHot:
		return f.Hot
	default:
		return false
	}
}

// Snapshot is everything Compute needs about one conversation.
type Snapshot struct {
	Conversation   ConversationRef
	CreatedAt      time.Time
	UnreadCount    int
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	FirstInboundAt *time.Time
	// FirstResponseAt is the first outbound at or after FirstInboundAt.
	FirstResponseAt *time.Time
	LeadScore       *int
	ExpiryDates     []time.Time
	NextFollowUpAt  *time.Time
}

// Compute derives flags from a snapshot. It is pure: the same snapshot, now
// and location always produce the same flags.
func Compute(s Snapshot, now time.Time, loc *time.Location) ConversationFlags {
	if loc == nil {
		loc = time.UTC
	}
	f := ConversationFlags{Conversation: s.Conversation, ComputedAt: now}

	f.Metrics.MinutesSinceCreated = minutesBetween(s.CreatedAt, now)
	if s.LastInboundAt != nil {
		m := minutesBetween(*s.LastInboundAt, now)
		f.Metrics.MinutesSinceLastInbound = &m
	}
	if s.LastOutboundAt != nil {
		m := minutesBetween(*s.LastOutboundAt, now)
		f.Metrics.MinutesSinceLastOutbound = &m
	}

	f.Unread = s.UnreadCount > 0
	f.NeedsReply = needsReply(s, now)
	f.SLABreach = slaBreached(s, now)

	if days, ok := nearestExpiryDays(s.ExpiryDates, now, loc); ok {
		f.Metrics.DaysToNearestExpiry = &days
		f.ExpirySoon = days <= ExpirySoonMaxDays
	}
	f.OverdueFollowUp = s.NextFollowUpAt != nil && s.NextFollowUpAt.Before(now)
	f.Hot = s.LeadScore != nil && *s.LeadScore >= HotLeadScoreThreshold

	f.PriorityScore = priority(f)
	return f
}

// needsReply: the latest message is inbound and has waited at least the threshold.
func needsReply(s Snapshot, now time.Time) bool {
	if s.LastInboundAt == nil {
		return false
	}
	if s.LastOutboundAt != nil && !s.LastOutboundAt.Before(*s.LastInboundAt) {
		return false
	}
	return now.Sub(*s.LastInboundAt) >= NeedsReplyAfter
}

// slaBreached: a first response later than the SLA is a breach, and so is no
// response once more than the SLA has elapsed.
func slaBreached(s Snapshot, now time.Time) bool {
	if s.FirstInboundAt == nil {
		return false
	}
	if s.FirstResponseAt != nil {
		return s.FirstResponseAt.Sub(*s.FirstInboundAt) > FirstResponseSLA
	}
	return now.Sub(*s.FirstInboundAt) > FirstResponseSLA
}

// nearestExpiryDays counts calendar days in loc to the nearest expiry that is
// today or later.
func nearestExpiryDays(dates []time.Time, now time.Time, loc *time.Location) (int, bool) {
	today := civilDate(now.In(loc))
	best, found := 0, false
	for _, d := range dates {
		if d.IsZero() {
			continue
		}
		days := int(civilDate(d).Sub(today).Hours() / 24)
		if days < 0 {
			continue
		}
		if !found || days < best {
			best, found = days, true
		}
	}
	return best, found
}

// civilDate maps a wall-clock date onto UTC midnight so day differences are
// unaffected by DST shifts.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func priority(f ConversationFlags) int {
	score := 0
	if f.SLABreach {
		score += WeightSLABreach
	}
	if f.NeedsReply {
		score += WeightNeedsReply
	}
	if f.ExpirySoon {
		if d := f.Metrics.DaysToNearestExpiry; d != nil && *d <= ExpiryUrgentMaxDays {
			score += WeightExpiryUrgent
		} else {
			score += WeightExpirySoon
		}
	}
	if f.OverdueFollowUp {
		score += WeightOverdueFollowUp
	}
	if f.Hot {
		score += WeightHot
	}
	if score > MaxPriorityScore {
		score = MaxPriorityScore
	}
	return score
}

func minutesBetween(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
