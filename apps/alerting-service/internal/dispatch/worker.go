package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
)

// RetryWorker re-dispatches pending notifications whose backoff schedule
// has come due. The claim clears next_attempt_at, so a sweep that crashes
// mid-batch leaves the remainder for the next one.
type RetryWorker struct {
	dispatcher *Dispatcher
	alerts     store.AlertStore
	notes      store.NotificationStore
	batch      int
	logger     *zap.Logger
	now        func() time.Time
}

// NewRetryWorker builds the sweep worker over the dispatcher and stores.
func NewRetryWorker(d *Dispatcher, alerts store.AlertStore, notes store.NotificationStore, logger *zap.Logger) *RetryWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryWorker{
		dispatcher: d,
		alerts:     alerts,
		notes:      notes,
		batch:      100,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep claims one batch of due notifications and re-dispatches each.
// Returns the number claimed.
func (w *RetryWorker) Sweep(ctx context.Context) int {
	now := w.now().UTC()
	due, err := w.notes.ClaimDue(ctx, now, false, w.batch)
	if err != nil {
		w.logger.Error("retry sweep claim failed", zap.Error(err))
		return 0
	}
	for i := range due {
		n := &due[i]
		a, err := w.alerts.Get(ctx, n.TenantID, n.AlertID)
		if err != nil {
			// A claimed row without its alert stays owed. Push it back a
			// minute rather than lose it.
			w.logger.Error("retry sweep could not load alert",
				zap.String("notification_id", n.NotificationID),
				zap.String("alert_id", n.AlertID),
				zap.Error(err))
			next := now.Add(time.Minute)
			n.NextAttemptAt = &next
			n.UpdatedAt = now
			if uerr := w.notes.Update(ctx, n); uerr != nil {
				w.logger.Error("retry sweep reschedule failed", zap.Error(uerr))
			}
			continue
		}
		if err := w.dispatcher.Dispatch(ctx, n, a); err != nil {
			w.logger.Error("retry dispatch failed",
				zap.String("notification_id", n.NotificationID),
				zap.Error(err))
		}
	}
	if len(due) > 0 {
		w.logger.Info("retry sweep completed", zap.Int("claimed", len(due)))
	}
	return len(due)
}
