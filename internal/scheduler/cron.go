package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"crm_backend/platform/logger"
)

// Cron runs periodic passes on standard five-field schedules. A pass still
// running when its next tick fires is skipped rather than stacked.
type Cron struct {
	cron *cron.Cron
	log  *logger.Logger
	ctx  context.Context
}

func NewCron(loc *time.Location, log *logger.Logger) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Cron{cron: c, log: log, ctx: context.Background()}
}

// Add registers fn on a cron schedule. It must be called before Run.
func (c *Cron) Add(schedule, name string, fn func(ctx context.Context)) error {
	_, err := c.cron.AddFunc(schedule, func() {
		started := time.Now()
		fn(c.ctx)
		c.log.Info("cron pass finished", "job", name, "durationMs", time.Since(started).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	return nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// running passes to return.
func (c *Cron) Run(ctx context.Context) {
	c.ctx = ctx
	c.cron.Start()
	<-ctx.Done()
	<-c.cron.Stop().Done()
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
