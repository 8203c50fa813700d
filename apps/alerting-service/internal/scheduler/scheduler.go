// Package scheduler runs the alerting-service's periodic sweeps on a
// single cron instance: notification retries, escalation steps, snooze
// expiry, and the policy bundle refresh pull.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner wraps robfig/cron with interval registration and per-run
// context deadlines.
type Runner struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunner creates the scheduler. Each job run is capped at one minute
// so a wedged sweep cannot pile up behind itself.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(),
		timeout: time.Minute,
		logger:  logger,
	}
}

// Every registers fn to run at a fixed interval. Must be called before
// Start.
func (r *Runner) Every(interval time.Duration, name string, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	r.logger.Info("sweep scheduled",
		zap.String("job", name),
		zap.Duration("interval", interval))
	return nil
}

// Start begins running registered jobs.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("sweep scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("sweep scheduler stopped")
}
