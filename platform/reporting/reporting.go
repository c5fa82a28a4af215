// Package reporting forwards operational faults to Sentry when configured.
// This is part of the platform layer and contains no business logic.
package reporting

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"crm_backend/platform/config"
	"crm_backend/platform/logger"
)

const flushTimeout = 2 * time.Second

// Reporter records faults that must not stop a batch but need attention.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Sentry reports through the global Sentry hub and always logs as well.
type Sentry struct {
	log     *logger.Logger
	enabled bool
}

// New initializes Sentry when a DSN is configured. Without one the reporter
// only logs.
func New(cfg config.SentryConfig, log *logger.Logger) *Sentry {
	r := &Sentry{log: log}
	if !cfg.IsSentryEnabled() {
		return r
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.GetSentryDSN(),
		Environment: cfg.GetEnv(),
	})
	if err != nil {
		log.Warn("sentry init failed", "error", err)
		return r
	}
	r.enabled = true
	return r
}

func (r *Sentry) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	args := []any{"error", err}
	for k, v := range tags {
		args = append(args, k, v)
	}
	r.log.WithContext(ctx).Error("reported fault", args...)

	if !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events; call it before the process exits.
func (r *Sentry) Flush() {
	if r.enabled {
		sentry.Flush(flushTimeout)
	}
}
