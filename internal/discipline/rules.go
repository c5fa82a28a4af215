package discipline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crm_backend/internal/intelligence"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Task types created by the default rules.
const (
	TaskTypeReply          = "REPLY"
	TaskTypeEscalation     = "ESCALATION"
	TaskTypeExpiryReminder = "EXPIRY_REMINDER"
)

// Bucket is the time granularity of a task's idempotency key.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// AssigneeKind says who receives a created task.
type AssigneeKind string

const (
	AssignOwner AssigneeKind = "owner"
	AssignRole  AssigneeKind = "role"
)

// Assignee resolves to a user at apply time.
type Assignee struct {
	Kind AssigneeKind
	Role string
}

// Conditions narrow a triggered rule. Nil fields are not checked.
type Conditions struct {
	MinPriority     *int
	MaxDaysToExpiry *int
}

// Matches reports whether flags satisfy every set condition.
func (c Conditions) Matches(f intelligence.ConversationFlags) bool {
	if c.MinPriority != nil && f.PriorityScore < *c.MinPriority {
		return false
	}
	if c.MaxDaysToExpiry != nil {
		d := f.Metrics.DaysToNearestExpiry
		if d == nil || *d > *c.MaxDaysToExpiry {
			return false
		}
	}
	return true
}

// Action is one effect of a rule. The set of implementations is closed.
type Action interface {
	actionKind() string
}

// CreateTaskAction creates a staff task at most once per bucket.
type CreateTaskAction struct {
	TaskType string
	Title    string
	Bucket   Bucket
	// DedupeWindow is how far back an existing open task of the same type
	// suppresses a new one. Zero means "since the start of the business day".
	DedupeWindow time.Duration
	DueIn        time.Duration
	Assignee     Assignee
}

// TriggerScoringAction asks for the linked lead to be rescored.
type TriggerScoringAction struct {
	Reason string
}

func (CreateTaskAction) actionKind() string     { return "create_task" }
func (TriggerScoringAction) actionKind() string { return "trigger_scoring" }

// Rule fires its actions when Trigger is set on a conversation and
// Conditions match.
type Rule struct {
	Name       string
	Trigger    string
	Conditions Conditions
	Actions    []Action
}

// RuleSet is an ordered, validated list of rules.
type RuleSet struct {
	Rules []Rule
}

type rawRuleSet struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Name       string        `yaml:"name"`
	Trigger    string        `yaml:"trigger"`
	Conditions rawConditions `yaml:"conditions"`
	Actions    []rawAction   `yaml:"actions"`
}

type rawConditions struct {
	MinPriority     *int `yaml:"min_priority"`
	MaxDaysToExpiry *int `yaml:"max_days_to_expiry"`
}

type rawAction struct {
	Type         string      `yaml:"type"`
	TaskType     string      `yaml:"task_type"`
	Title        string      `yaml:"title"`
	Bucket       string      `yaml:"bucket"`
	DedupeWindow string      `yaml:"dedupe_window"`
	DueIn        string      `yaml:"due_in"`
	Assignee     rawAssignee `yaml:"assignee"`
	Reason       string      `yaml:"reason"`
}

type rawAssignee struct {
	Kind string `yaml:"kind"`
	Role string `yaml:"role"`
}

var knownTriggers = map[string]bool{
	intelligence.FlagUnread:          true,
	intelligence.FlagNeedsReply:      true,
	intelligence.FlagSLABreach:       true,
	intelligence.FlagExpirySoon:      true,
	intelligence.FlagOverdueFollowUp: true,
	intelligence.FlagHot:             true,
}

// DefaultRules returns the embedded rule set.
func DefaultRules() RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded discipline rules invalid: %v", err))
	}
	return rs
}

// LoadRules reads a rule file; an empty path yields the defaults.
func LoadRules(path string) (RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read discipline rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (RuleSet, error) {
	var raw rawRuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, fmt.Errorf("parse discipline rules: %w", err)
	}
	if len(raw.Rules) == 0 {
		return RuleSet{}, fmt.Errorf("discipline rules: no rules defined")
	}

	names := make(map[string]bool, len(raw.Rules))
	rs := RuleSet{Rules: make([]Rule, 0, len(raw.Rules))}
	for i, rr := range raw.Rules {
		rule, err := rr.toRule()
		if err != nil {
			return RuleSet{}, fmt.Errorf("discipline rule %d: %w", i, err)
		}
		if names[rule.Name] {
			return RuleSet{}, fmt.Errorf("discipline rule %q defined twice", rule.Name)
		}
		names[rule.Name] = true
		rs.Rules = append(rs.Rules, rule)
	}
	return rs, nil
}

func (rr rawRule) toRule() (Rule, error) {
	name := strings.TrimSpace(rr.Name)
	if name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}
	trigger := strings.ToUpper(strings.TrimSpace(rr.Trigger))
	if !knownTriggers[trigger] {
		return Rule{}, fmt.Errorf("%s: unknown trigger %q", name, rr.Trigger)
	}
	if len(rr.Actions) == 0 {
		return Rule{}, fmt.Errorf("%s: at least one action is required", name)
	}
	if p := rr.Conditions.MinPriority; p != nil && (*p < 0 || *p > intelligence.MaxPriorityScore) {
		return Rule{}, fmt.Errorf("%s: min_priority out of range", name)
	}
	if d := rr.Conditions.MaxDaysToExpiry; d != nil && *d < 0 {
		return Rule{}, fmt.Errorf("%s: max_days_to_expiry must not be negative", name)
	}

	rule := Rule{
		Name:    name,
		Trigger: trigger,
		Conditions: Conditions{
			MinPriority:     rr.Conditions.MinPriority,
			MaxDaysToExpiry: rr.Conditions.MaxDaysToExpiry,
		},
	}
	for j, ra := range rr.Actions {
		action, err := ra.toAction()
		if err != nil {
			return Rule{}, fmt.Errorf("%s: action %d: %w", name, j, err)
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

func (ra rawAction) toAction() (Action, error) {
	switch ra.Type {
	case "create_task":
		return ra.toCreateTask()
	case "trigger_scoring":
		reason := strings.TrimSpace(ra.Reason)
		if reason == "" {
			reason = "discipline"
		}
		return TriggerScoringAction{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", ra.Type)
	}
}

func (ra rawAction) toCreateTask() (Action, error) {
	a := CreateTaskAction{
		TaskType: strings.ToUpper(strings.TrimSpace(ra.TaskType)),
		Title:    strings.TrimSpace(ra.Title),
		Bucket:   Bucket(ra.Bucket),
	}
	if a.TaskType == "" || a.Title == "" {
		return nil, fmt.Errorf("task_type and title are required")
	}
	if a.Bucket != BucketHour && a.Bucket != BucketDay {
		return nil, fmt.Errorf("bucket must be hour or day, got %q", ra.Bucket)
	}

	switch ra.DedupeWindow {
	case "same_day":
	case "":
		if a.Bucket == BucketHour {
			a.DedupeWindow = time.Hour
		}
	default:
		d, err := time.ParseDuration(ra.DedupeWindow)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid dedupe_window %q", ra.DedupeWindow)
		}
		a.DedupeWindow = d
	}
	if ra.DueIn != "" {
		d, err := time.ParseDuration(ra.DueIn)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid due_in %q", ra.DueIn)
		}
		a.DueIn = d
	}

	switch AssigneeKind(ra.Assignee.Kind) {
	case AssignOwner, "":
		a.Assignee = Assignee{Kind: AssignOwner}
	case AssignRole:
		role := strings.TrimSpace(ra.Assignee.Role)
		if role == "" {
			return nil, fmt.Errorf("assignee role is required")
		}
		a.Assignee = Assignee{Kind: AssignRole, Role: role}
	default:
		return nil, fmt.Errorf("unknown assignee kind %q", ra.Assignee.Kind)
	}
	return a, nil
}
