// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
}

// IntakeConfig provides settings for the inbound event intake endpoints.
type IntakeConfig interface {
	GetIntakeRatePerSecond() float64
	GetIntakeBurst() int
}

// SchedulerConfig provides settings for asynq and the periodic passes.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetIntelligenceCron() string
	GetFollowUpCron() string
}

// LLMConfig provides settings for the optional reply enhancer.
type LLMConfig interface {
	GetMoonshotAPIKey() string
	GetLLMEnhanceTimeout() time.Duration
	IsLLMEnhanceEnabled() bool
}

// ReplyEngineConfig provides settings for the conversation reply engine.
type ReplyEngineConfig interface {
	GetReplySerializerShards() int
	GetTemplatesFile() string
	GetBusinessLocation() *time.Location
}

// DisciplineConfig provides settings for the intelligence and discipline passes.
type DisciplineConfig interface {
	GetDisciplineRulesFile() string
	GetBatchGroupSize() int
	GetBusinessLocation() *time.Location
}

// ScoringConfig provides settings for the scoring trigger.
type ScoringConfig interface {
	GetScoringDedupeTTL() time.Duration
	GetScoringDurableWindow() time.Duration
}

// KafkaConfig provides settings for the Kafka event transport.
type KafkaConfig interface {
	GetKafkaBrokers() []string
	GetKafkaInboundTopic() string
	GetKafkaOutboundTopic() string
	GetKafkaGroupID() string
	IsKafkaEnabled() bool
}

// SentryConfig provides settings for error reporting.
type SentryConfig interface {
	GetSentryDSN() string
	GetEnv() string
	IsSentryEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	HTTPAddr              string
	DatabaseURL           string
	RedisURL              string
	RedisTLSInsecure      bool
	AsynqQueueName        string
	AsynqConcurrency      int
	MoonshotAPIKey        string
	LLMEnhanceEnabled     bool
	LLMEnhanceTimeout     time.Duration
	ReplySerializerShards int
	BusinessTimezone      string
	BusinessLocation      *time.Location
	TemplatesFile         string
	DisciplineRulesFile   string
	IntelligenceCron      string
	FollowUpCron          string
	BatchGroupSize        int
	ScoringDedupeTTL      time.Duration
	ScoringDurableWindow  time.Duration
	KafkaBrokers          []string
	KafkaInboundTopic     string
	KafkaOutboundTopic    string
	KafkaGroupID          string
	SentryDSN             string
	IntakeRatePerSecond   float64
	IntakeBurst           int
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string { return c.HTTPAddr }

// IntakeConfig implementation
func (c *Config) GetIntakeRatePerSecond() float64 { return c.IntakeRatePerSecond }
func (c *Config) GetIntakeBurst() int             { return c.IntakeBurst }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string         { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool   { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string   { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int    { return c.AsynqConcurrency }
func (c *Config) GetIntelligenceCron() string { return c.IntelligenceCron }
func (c *Config) GetFollowUpCron() string     { return c.FollowUpCron }

// LLMConfig implementation
func (c *Config) GetMoonshotAPIKey() string            { return c.MoonshotAPIKey }
func (c *Config) GetLLMEnhanceTimeout() time.Duration  { return c.LLMEnhanceTimeout }
func (c *Config) IsLLMEnhanceEnabled() bool            { return c.LLMEnhanceEnabled && c.MoonshotAPIKey != "" }

// ReplyEngineConfig implementation
func (c *Config) GetReplySerializerShards() int { return c.ReplySerializerShards }
func (c *Config) GetTemplatesFile() string      { return c.TemplatesFile }
func (c *Config) GetBusinessLocation() *time.Location {
	if c.BusinessLocation == nil {
		return time.UTC
	}
	return c.BusinessLocation
}

// DisciplineConfig implementation
func (c *Config) GetDisciplineRulesFile() string { return c.DisciplineRulesFile }
func (c *Config) GetBatchGroupSize() int         { return c.BatchGroupSize }

// ScoringConfig implementation
func (c *Config) GetScoringDedupeTTL() time.Duration     { return c.ScoringDedupeTTL }
func (c *Config) GetScoringDurableWindow() time.Duration { return c.ScoringDurableWindow }

// KafkaConfig implementation
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaInboundTopic() string  { return c.KafkaInboundTopic }
func (c *Config) GetKafkaOutboundTopic() string { return c.KafkaOutboundTopic }
func (c *Config) GetKafkaGroupID() string       { return c.KafkaGroupID }
func (c *Config) IsKafkaEnabled() bool          { return len(c.KafkaBrokers) > 0 }

// SentryConfig implementation
func (c *Config) GetSentryDSN() string  { return c.SentryDSN }
func (c *Config) GetEnv() string        { return c.Env }
func (c *Config) IsSentryEnabled() bool { return c.SentryDSN != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	timezone := getEnv("BUSINESS_TIMEZONE", "UTC")
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE %q is invalid: %w", timezone, err)
	}

	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		RedisTLSInsecure:      strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:        getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:      mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		MoonshotAPIKey:        getEnv("MOONSHOT_API_KEY", ""),
		LLMEnhanceEnabled:     strings.EqualFold(getEnv("LLM_ENHANCE_ENABLED", "false"), "true"),
		LLMEnhanceTimeout:     mustDuration(getEnv("LLM_ENHANCE_TIMEOUT", "2s")),
		ReplySerializerShards: mustInt(getEnv("REPLY_SERIALIZER_SHARDS", "32")),
		BusinessTimezone:      timezone,
		BusinessLocation:      location,
		TemplatesFile:         getEnv("TEMPLATES_FILE", ""),
		DisciplineRulesFile:   getEnv("DISCIPLINE_RULES_FILE", ""),
		IntelligenceCron:      getEnv("INTELLIGENCE_CRON", "*/5 * * * *"),
		FollowUpCron:          getEnv("FOLLOWUP_CRON", "0 * * * *"),
		BatchGroupSize:        mustInt(getEnv("BATCH_GROUP_SIZE", "5")),
		ScoringDedupeTTL:      mustDuration(getEnv("SCORING_DEDUPE_TTL", "10m")),
		ScoringDurableWindow:  mustDuration(getEnv("SCORING_DURABLE_WINDOW", "6h")),
		KafkaBrokers:          splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaInboundTopic:     getEnv("KAFKA_INBOUND_TOPIC", "crm.inbound"),
		KafkaOutboundTopic:    getEnv("KAFKA_OUTBOUND_TOPIC", "crm.outbound"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "crm-reply-engine"),
		SentryDSN:             getEnv("SENTRY_DSN", ""),
		IntakeRatePerSecond:   mustFloat(getEnv("INTAKE_RATE_PER_SEC", "50")),
		IntakeBurst:           mustInt(getEnv("INTAKE_BURST", "100")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LLMEnhanceEnabled && cfg.MoonshotAPIKey == "" {
		return nil, fmt.Errorf("MOONSHOT_API_KEY is required when LLM_ENHANCE_ENABLED is true")
	}
	if cfg.LLMEnhanceTimeout <= 0 {
		return nil, fmt.Errorf("LLM_ENHANCE_TIMEOUT must be a positive duration")
	}
	if cfg.BatchGroupSize < 1 {
		cfg.BatchGroupSize = 5
	}
	if cfg.ReplySerializerShards < 1 {
		cfg.ReplySerializerShards = 32
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
