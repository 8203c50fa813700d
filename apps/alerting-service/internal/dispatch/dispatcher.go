package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/engine"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// Deps wires the dispatcher over its stores, the active policy bundle and
// one sender per channel.
type Deps struct {
	Notifications store.NotificationStore
	Preferences   store.PreferenceStore
	Deliveries    store.DeliveryLogStore
	State         *store.StateStore
	Policies      *policy.Store
	Senders       map[model.Channel]Sender
	Logger        *zap.Logger
	Now           func() time.Time
}

// Dispatcher owns the life of a notification from creation to a terminal
// status.
type Dispatcher struct {
	deps Deps
}

// New builds a Dispatcher. Nil Logger and Now fall back to no-op and
// wall-clock.
func New(deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps}
}

// Notify creates a notification for one (target, channel) pair and runs
// its first delivery attempt. A fatigue rate limit rejects creation
// outright: no row is written and (nil, nil) comes back.
func (d *Dispatcher) Notify(ctx context.Context, a *model.Alert, target string, ch model.Channel, policyID string, stepOrder int) (*model.Notification, error) {
	if !d.allow(ctx, a, target) {
		return nil, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate notification id: %w", err)
	}
	now := d.deps.Now().UTC()
	n := &model.Notification{
		NotificationID: id.String(),
		TenantID:       a.TenantID,
		AlertID:        a.AlertID,
		IncidentID:     a.IncidentID,
		TargetID:       target,
		Channel:        ch,
		Status:         model.NotificationPending,
		PolicyID:       policyID,
		StepOrder:      stepOrder,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.deps.Notifications.Insert(ctx, n); err != nil {
		return nil, err
	}
	if err := d.Dispatch(ctx, n, a); err != nil {
		return n, err
	}
	return n, nil
}

// Dispatch runs one delivery attempt and settles the outcome: sent on
// success, a scheduled retry while the channel's attempt budget lasts,
// and the severity fallback chain once it is spent. Returned errors are
// store failures only; a failed send is an outcome, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, n *model.Notification, a *model.Alert) error {
	now := d.deps.Now().UTC()

	pref, err := d.deps.Preferences.Get(ctx, n.TenantID, n.TargetID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// A broken preference store must not hold back a page.
		d.deps.Logger.Warn("preference lookup failed, dispatching anyway",
			zap.String("target", n.TargetID), zap.Error(err))
		pref = nil
	}
	if cause := engine.DispatchBlocked(pref, n.Channel, a.Severity, now); cause != "" {
		n.Status = model.NotificationCancelled
		n.FailureReason = model.ReasonQuietHours
		n.NextAttemptAt = nil
		n.UpdatedAt = now
		if err := d.deps.Notifications.Update(ctx, n); err != nil {
			return err
		}
		d.deps.Logger.Info("notification cancelled",
			zap.String("notification_id", n.NotificationID),
			zap.String("target", n.TargetID),
			zap.String("channel", string(n.Channel)),
			zap.String("cause", cause))
		return nil
	}

	sender, ok := d.deps.Senders[n.Channel]
	var sendErr error
	if !ok {
		sendErr = apperr.Newf(apperr.CodeUpstreamError, "no sender configured for channel %s", n.Channel)
	} else {
		sendErr = sender.Send(ctx, n, a)
	}
	n.Attempts++
	d.recordDelivery(ctx, n, sendErr, now)

	if sendErr == nil {
		n.Status = model.NotificationSent
		n.FailureReason = ""
		n.NextAttemptAt = nil
		n.UpdatedAt = now
		if err := d.deps.Notifications.Update(ctx, n); err != nil {
			return err
		}
		d.deps.Logger.Info("notification sent",
			zap.String("notification_id", n.NotificationID),
			zap.String("channel", string(n.Channel)),
			zap.String("target", n.TargetID),
			zap.Int("attempts", n.Attempts))
		return nil
	}

	rp := d.deps.Policies.Current().RetryFor(n.Channel, a.Severity)
	if n.Attempts < rp.MaxAttempts {
		delay := rp.Backoff(n.Attempts - 1)
		if ra := retryAfterOf(sendErr); ra > 0 {
			delay = ra
		}
		next := now.Add(delay)
		n.Status = model.NotificationPending
		n.NextAttemptAt = &next
		n.UpdatedAt = now
		if err := d.deps.Notifications.Update(ctx, n); err != nil {
			return err
		}
		d.deps.Logger.Warn("notification attempt failed, retry scheduled",
			zap.String("notification_id", n.NotificationID),
			zap.String("channel", string(n.Channel)),
			zap.Int("attempts", n.Attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(sendErr))
		return nil
	}

	return d.exhaust(ctx, n, a, now)
}

// exhaust settles a notification whose channel retry budget is spent. The
// severity fallback chain, minus every channel this alert and target have
// already tried, spawns replacement notifications.
func (d *Dispatcher) exhaust(ctx context.Context, n *model.Notification, a *model.Alert, now time.Time) error {
	tried := d.triedChannels(ctx, n)
	var remaining []model.Channel
	for _, ch := range d.deps.Policies.Current().FallbackFor(a.Severity, n.Channel) {
		if !tried[ch] {
			remaining = append(remaining, ch)
		}
	}

	n.Status = model.NotificationFailed
	n.NextAttemptAt = nil
	n.UpdatedAt = now
	if len(remaining) == 0 {
		n.FailureReason = model.ReasonNoFallback
		if err := d.deps.Notifications.Update(ctx, n); err != nil {
			return err
		}
		d.deps.Logger.Warn("notification exhausted, no fallback channel left",
			zap.String("notification_id", n.NotificationID),
			zap.String("channel", string(n.Channel)),
			zap.String("target", n.TargetID))
		return nil
	}

	n.FailureReason = model.ReasonFallbackCreated
	if err := d.deps.Notifications.Update(ctx, n); err != nil {
		return err
	}
	d.deps.Logger.Warn("notification exhausted, falling back",
		zap.String("notification_id", n.NotificationID),
		zap.String("channel", string(n.Channel)),
		zap.Any("fallback_channels", remaining))

	for _, ch := range remaining {
		if _, err := d.Notify(ctx, a, n.TargetID, ch, n.PolicyID, n.StepOrder); err != nil {
			d.deps.Logger.Error("fallback notification failed",
				zap.String("alert_id", a.AlertID),
				zap.String("channel", string(ch)),
				zap.Error(err))
		}
	}
	return nil
}

// triedChannels collects the channels that already carry a notification
// for this alert and target. Fallback never revisits one, which bounds
// the chain by the channel set.
func (d *Dispatcher) triedChannels(ctx context.Context, n *model.Notification) map[model.Channel]bool {
	tried := map[model.Channel]bool{n.Channel: true}
	rows, err := d.deps.Notifications.ListByAlert(ctx, n.TenantID, n.AlertID)
	if err != nil {
		d.deps.Logger.Warn("fallback history unavailable", zap.Error(err))
		return tried
	}
	for i := range rows {
		if rows[i].TargetID == n.TargetID && rows[i].Channel != "" {
			tried[rows[i].Channel] = true
		}
	}
	return tried
}

// allow applies the per-alert and per-target fatigue limits. Counter
// outages fail open so a broken Redis cannot drop pages.
func (d *Dispatcher) allow(ctx context.Context, a *model.Alert, target string) bool {
	if d.deps.State == nil {
		return true
	}
	limits := d.deps.Policies.Current().Fatigue.RateLimits
	if limits.PerAlert.Enabled() {
		count, err := d.deps.State.CountAlertNotification(ctx, a.TenantID, a.AlertID, limits.PerAlert.Window())
		if err != nil {
			d.deps.Logger.Warn("alert rate counter unavailable", zap.Error(err))
		} else if count > int64(limits.PerAlert.MaxNotifications) {
			d.deps.Logger.Info("notification rejected",
				zap.String("reason", model.ReasonRateLimited),
				zap.String("scope", "per_alert"),
				zap.String("alert_id", a.AlertID),
				zap.String("tenant_id", a.TenantID))
			return false
		}
	}
	if limits.PerUser.Enabled() {
		count, err := d.deps.State.CountTargetNotification(ctx, a.TenantID, target, limits.PerUser.Window())
		if err != nil {
			d.deps.Logger.Warn("target rate counter unavailable", zap.Error(err))
		} else if count > int64(limits.PerUser.MaxNotifications) {
			d.deps.Logger.Info("notification rejected",
				zap.String("reason", model.ReasonRateLimited),
				zap.String("scope", "per_user"),
				zap.String("target", target),
				zap.String("tenant_id", a.TenantID))
			return false
		}
	}
	return true
}

// recordDelivery appends the audit row for one send attempt. Log failures
// never fail the dispatch.
func (d *Dispatcher) recordDelivery(ctx context.Context, n *model.Notification, sendErr error, now time.Time) {
	id, err := uuid.NewV7()
	if err != nil {
		d.deps.Logger.Error("failed to generate delivery log id", zap.Error(err))
		return
	}
	entry := &model.DeliveryLog{
		LogID:          id.String(),
		TenantID:       n.TenantID,
		NotificationID: n.NotificationID,
		Channel:        n.Channel,
		Target:         n.TargetID,
		Status:         model.DeliverySuccess,
		CreatedAt:      now,
	}
	if sendErr != nil {
		entry.Status = model.DeliveryFailed
		entry.Error = sendErr.Error()
	}
	if err := d.deps.Deliveries.Insert(ctx, entry); err != nil {
		d.deps.Logger.Error("failed to record delivery", zap.Error(err))
	}
}

// retryAfterOf surfaces an upstream backoff hint, zero when none.
func retryAfterOf(err error) time.Duration {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
