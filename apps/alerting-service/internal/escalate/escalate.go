// Package escalate advances alerts through their escalation ladder. Step
// one fires at ingest; later steps are parked as stub notification rows
// whose next_attempt_at is the step's due time. A periodic sweep claims
// due stubs, re-checks the abort conditions, and executes survivors.
//
// Claiming doubles as the serialization lock: a stub claimed by one sweep
// is invisible to concurrent sweeps, so steps for the same alert never
// run in parallel.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/dispatch"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/engine"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
)

// Deps wires the escalator over the stores, the router and the
// dispatcher.
type Deps struct {
	Alerts        store.AlertStore
	Incidents     store.IncidentStore
	Notifications store.NotificationStore
	Policies      *policy.Store
	Router        *engine.Router
	Dispatcher    *dispatch.Dispatcher
	Logger        *zap.Logger
	Now           func() time.Time
}

// Escalator owns escalation ladders end to end.
type Escalator struct {
	deps  Deps
	batch int
}

// New builds an Escalator. Nil Logger and Now fall back to no-op and
// wall-clock.
func New(deps Deps) *Escalator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Escalator{deps: deps, batch: 100}
}

// Begin starts the alert's ladder: step one executes immediately, every
// later step is parked on its delay.
func (e *Escalator) Begin(ctx context.Context, a *model.Alert, route engine.Route) error {
	steps := route.Policy.Steps
	if len(steps) == 0 {
		return nil
	}
	now := e.deps.Now().UTC()

	if err := e.execute(ctx, a, route, steps[0]); err != nil {
		return err
	}
	for _, step := range steps[1:] {
		if err := e.park(ctx, a, route.Policy.PolicyID, step, now); err != nil {
			return err
		}
	}
	return nil
}

// park writes the stub row for a future step.
func (e *Escalator) park(ctx context.Context, a *model.Alert, policyID string, step policy.EscalationStep, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate stub id: %w", err)
	}
	due := now.Add(time.Duration(step.DelaySeconds) * time.Second)
	stub := &model.Notification{
		NotificationID: id.String(),
		TenantID:       a.TenantID,
		AlertID:        a.AlertID,
		IncidentID:     a.IncidentID,
		Status:         model.NotificationPending,
		PolicyID:       policyID,
		Stub:           true,
		StepOrder:      step.Order,
		NextAttemptAt:  &due,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.deps.Notifications.Insert(ctx, stub); err != nil {
		return err
	}
	e.deps.Logger.Info("escalation step parked",
		zap.String("alert_id", a.AlertID),
		zap.Int("step_order", step.Order),
		zap.Time("due_at", due))
	return nil
}

// execute creates and dispatches the step's notifications. Human channels
// fan out per routed target; the webhook channel fans out per automation
// hook on the alert.
func (e *Escalator) execute(ctx context.Context, a *model.Alert, route engine.Route, step policy.EscalationStep) error {
	targets := route.Targets
	if step.TargetGroupID != "" {
		targets = e.deps.Router.ExpandTargets(ctx, a.TenantID, []string{step.TargetGroupID})
	}

	var firstErr error
	notify := func(target string, ch model.Channel) {
		if _, err := e.deps.Dispatcher.Notify(ctx, a, target, ch, route.Policy.PolicyID, step.Order); err != nil {
			e.deps.Logger.Error("step notification failed",
				zap.String("alert_id", a.AlertID),
				zap.Int("step_order", step.Order),
				zap.String("target", target),
				zap.String("channel", string(ch)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, ch := range engine.StepChannels(step, route) {
		if ch == model.ChannelWebhook {
			for _, hook := range a.AutomationHooks {
				notify(hook, ch)
			}
			continue
		}
		for _, target := range targets {
			notify(target, ch)
		}
	}
	return firstErr
}

// Sweep claims one batch of due stubs and advances each. Returns the
// number claimed.
func (e *Escalator) Sweep(ctx context.Context) int {
	now := e.deps.Now().UTC()
	due, err := e.deps.Notifications.ClaimDue(ctx, now, true, e.batch)
	if err != nil {
		e.deps.Logger.Error("escalation sweep claim failed", zap.Error(err))
		return 0
	}
	for i := range due {
		if err := e.advance(ctx, &due[i], now); err != nil {
			e.deps.Logger.Error("escalation step failed",
				zap.String("notification_id", due[i].NotificationID),
				zap.Error(err))
		}
	}
	if len(due) > 0 {
		e.deps.Logger.Info("escalation sweep completed", zap.Int("claimed", len(due)))
	}
	return len(due)
}

// advance settles one claimed stub: abort, pause, or execute.
func (e *Escalator) advance(ctx context.Context, stub *model.Notification, now time.Time) error {
	a, err := e.deps.Alerts.Get(ctx, stub.TenantID, stub.AlertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.abortStub(ctx, stub, now, "alert missing")
		}
		return e.reschedule(ctx, stub, now, now.Add(time.Minute))
	}

	switch {
	case a.Status == model.AlertResolved:
		return e.abortStub(ctx, stub, now, "alert resolved")
	case a.Status == model.AlertSnoozed && !a.SnoozeExpired(now):
		return e.abortStub(ctx, stub, now, "alert snoozed")
	case a.Status == model.AlertAcknowledged && !a.ContinueAfterAck:
		return e.abortStub(ctx, stub, now, "alert acknowledged")
	}

	if a.IncidentID != "" {
		inc, err := e.deps.Incidents.Get(ctx, a.TenantID, a.IncidentID)
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return e.reschedule(ctx, stub, now, now.Add(time.Minute))
		case err == nil && (inc.Status == model.IncidentMitigated || inc.Status == model.IncidentResolved):
			return e.abortStub(ctx, stub, now, "incident "+string(inc.Status))
		case err == nil && inc.SnoozedUntil != nil && now.Before(*inc.SnoozedUntil):
			// A snoozed incident pauses the ladder instead of killing it.
			return e.reschedule(ctx, stub, now, *inc.SnoozedUntil)
		}
	}

	b := e.deps.Policies.Current()
	route := e.deps.Router.Resolve(ctx, b, a)
	if stub.PolicyID != "" && route.Policy.PolicyID != stub.PolicyID {
		// The bundle moved under the stub. Honor the ladder it was parked
		// with while that ladder still exists.
		if p, ok := b.EscalationPolicy(stub.PolicyID); ok {
			route.Policy = p
		}
	}

	var step *policy.EscalationStep
	for i := range route.Policy.Steps {
		if route.Policy.Steps[i].Order == stub.StepOrder {
			step = &route.Policy.Steps[i]
			break
		}
	}
	if step == nil {
		return e.abortStub(ctx, stub, now, "step no longer in policy")
	}

	execErr := e.execute(ctx, a, route, *step)

	// The stub is consumed either way: its notifications now carry their
	// own retry state.
	stub.Status = model.NotificationSent
	stub.NextAttemptAt = nil
	stub.UpdatedAt = now
	if err := e.deps.Notifications.Update(ctx, stub); err != nil {
		return err
	}
	e.deps.Logger.Info("escalation step executed",
		zap.String("alert_id", stub.AlertID),
		zap.Int("step_order", stub.StepOrder))
	return execErr
}

// AbortPending cancels every pending stub for the alert. Mitigation and
// resolution call this eagerly; the sweep guard is the backstop for
// anything in flight.
func (e *Escalator) AbortPending(ctx context.Context, tenantID, alertID, cause string) error {
	rows, err := e.deps.Notifications.ListByAlert(ctx, tenantID, alertID)
	if err != nil {
		return err
	}
	now := e.deps.Now().UTC()
	for i := range rows {
		n := &rows[i]
		if !n.Stub || n.Terminal() {
			continue
		}
		if err := e.abortStub(ctx, n, now, cause); err != nil {
			return err
		}
	}
	return nil
}

func (e *Escalator) abortStub(ctx context.Context, stub *model.Notification, now time.Time, cause string) error {
	stub.Status = model.NotificationCancelled
	stub.FailureReason = model.ReasonEscalationAborted
	stub.NextAttemptAt = nil
	stub.UpdatedAt = now
	if err := e.deps.Notifications.Update(ctx, stub); err != nil {
		return err
	}
	e.deps.Logger.Info("escalation step aborted",
		zap.String("alert_id", stub.AlertID),
		zap.Int("step_order", stub.StepOrder),
		zap.String("cause", cause))
	return nil
}

func (e *Escalator) reschedule(ctx context.Context, stub *model.Notification, now, until time.Time) error {
	stub.NextAttemptAt = &until
	stub.UpdatedAt = now
	return e.deps.Notifications.Update(ctx, stub)
}
