// Package service orchestrates the alert lifecycle: ingest with dedup,
// incident correlation, fatigue gates, routing, escalation kickoff, and
// the operator transitions. Decision logic lives in engine; this layer
// sequences it against the stores and emits the lifecycle events.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/engine"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/escalate"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

var (
	// ErrNotFound indicates the resource does not exist in the caller's scope.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput indicates a request that fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("resource already exists")
)

// Outcomes of one alert arrival.
const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeRejected = "rejected"
)

// Quality tags operators may stamp on an alert.
const (
	TagNoisy         = "noisy"
	TagFalsePositive = "false-positive"
)

// maxBulkAlerts caps one bulk submission.
const maxBulkAlerts = 500

// IngestResult reports the outcome of one arrival in a bulk submission.
// Rejections never abort the batch; each arrival carries its own verdict.
type IngestResult struct {
	AlertID      string `json:"alert_id,omitempty"`
	IncidentID   string `json:"incident_id,omitempty"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Events receives every lifecycle transition. Satisfied by
// *events.Publisher.
type Events interface {
	Emit(ctx context.Context, ev model.StreamEvent)
}

// Service is the alerting-service application surface: alert ingest and
// lifecycle, incident actions, preferences, and the maintenance sweeps.
type Service interface {
	IngestAlert(ctx context.Context, arrival *model.Alert) (*model.Alert, string, error)
	IngestBulk(ctx context.Context, tenantID string, arrivals []*model.Alert) ([]IngestResult, error)
	GetAlert(ctx context.Context, tenantID, alertID string) (*model.Alert, error)
	SearchAlerts(ctx context.Context, q store.AlertQuery) ([]model.Alert, int, error)
	ListAlertNotifications(ctx context.Context, tenantID, alertID string) ([]model.Notification, error)

	Acknowledge(ctx context.Context, tenantID, alertID string) (*model.Alert, error)
	Resolve(ctx context.Context, tenantID, alertID string) (*model.Alert, error)
	SnoozeAlert(ctx context.Context, tenantID, alertID string, d time.Duration) (*model.Alert, error)
	TagAlert(ctx context.Context, tenantID, alertID, tag string) (*model.Alert, error)

	GetIncident(ctx context.Context, tenantID, incidentID string) (*model.Incident, error)
	MitigateIncident(ctx context.Context, tenantID, incidentID string) (*model.Incident, error)
	SnoozeIncident(ctx context.Context, tenantID, incidentID string, d time.Duration) (*model.Incident, error)

	UpsertPreference(ctx context.Context, p *model.UserPreference) (*model.UserPreference, error)
	GetPreference(ctx context.Context, tenantID, userID string) (*model.UserPreference, error)

	RefreshPolicies(ctx context.Context) error
	SweepSnoozed(ctx context.Context) int
}

// Deps are the service's collaborators. State and Events may be nil:
// without State the incident suppression marker is off, without Events
// transitions are not streamed.
type Deps struct {
	Alerts        store.AlertStore
	Incidents     store.IncidentStore
	Notifications store.NotificationStore
	Preferences   store.PreferenceStore
	State         *store.StateStore
	Policies      *policy.Store
	Router        *engine.Router
	Escalator     *escalate.Escalator
	Events        Events
	Logger        *zap.Logger
	Now           func() time.Time
}

type service struct {
	deps       Deps
	sweepBatch int
}

// New wires the service over its stores and dispatch plumbing.
func New(deps Deps) Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &service{deps: deps, sweepBatch: 200}
}

// ── ingest ──

func (s *service) IngestAlert(ctx context.Context, arrival *model.Alert) (*model.Alert, string, error) {
	if err := validateArrival(arrival); err != nil {
		return nil, "", err
	}

	b := s.deps.Policies.Current()
	now := s.deps.Now().UTC()
	arrival.DedupKey = engine.DedupKey(arrival)

	existing, err := s.deps.Alerts.GetOpenByDedupKey(ctx, arrival.TenantID, arrival.DedupKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to look up merge candidate: %w", err)
	}
	if existing != nil && now.Sub(existing.LastSeenAt) <= b.DedupWindow(existing.Category, existing.Severity) {
		return s.merge(ctx, existing, arrival, now)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate alert id: %w", err)
	}
	arrival.AlertID = id.String()
	arrival.Status = model.AlertOpen
	arrival.IncidentID = ""
	arrival.EndedAt = nil
	arrival.SnoozedUntil = nil
	arrival.ContinueAfterAck = false
	arrival.Suppressed = false
	if arrival.StartedAt.IsZero() {
		arrival.StartedAt = now
	}
	arrival.LastSeenAt = now
	arrival.CreatedAt = now
	arrival.UpdatedAt = now

	if w := b.MaintenanceFor(arrival.ComponentID, arrival.Severity, now); w != nil {
		// Persisted for the record, never dispatched.
		arrival.Suppressed = true
		s.deps.Logger.Info("alert muted by maintenance window",
			zap.String("tenant_id", arrival.TenantID),
			zap.String("alert_id", arrival.AlertID),
			zap.String("window", w.Name))
	}

	if err := s.deps.Alerts.Insert(ctx, arrival); err != nil {
		return nil, "", fmt.Errorf("failed to persist alert: %w", err)
	}

	inc, attached, err := s.correlate(ctx, b, arrival, now)
	if err != nil {
		return nil, "", err
	}
	arrival.IncidentID = inc.IncidentID

	var route engine.Route
	if !arrival.Suppressed {
		route = s.deps.Router.Resolve(ctx, b, arrival)
		arrival.ContinueAfterAck = route.Policy.ContinueAfterAck
	}
	if err := s.deps.Alerts.Update(ctx, arrival); err != nil {
		return nil, "", fmt.Errorf("failed to bind alert to incident: %w", err)
	}

	s.deps.Logger.Info("alert created",
		zap.String("tenant_id", arrival.TenantID),
		zap.String("alert_id", arrival.AlertID),
		zap.String("incident_id", arrival.IncidentID),
		zap.String("severity", string(arrival.Severity)),
		zap.Bool("suppressed", arrival.Suppressed))
	s.emit(ctx, model.EventAlertCreated, arrival)

	if arrival.Suppressed {
		return arrival, OutcomeCreated, nil
	}
	if attached && s.followupSuppressed(ctx, b, arrival) {
		return arrival, OutcomeCreated, nil
	}

	// The alert row is durable at this point; an escalation hiccup
	// surfaces through logs and the delivery ledger, not as an ingest
	// failure the producer would retry into a silent merge.
	if err := s.deps.Escalator.Begin(ctx, arrival, route); err != nil {
		s.deps.Logger.Error("failed to start escalation",
			zap.String("alert_id", arrival.AlertID),
			zap.Error(err))
	}
	s.markIncidentNotified(ctx, b, arrival)

	return arrival, OutcomeCreated, nil
}

func (s *service) merge(ctx context.Context, existing, arrival *model.Alert, now time.Time) (*model.Alert, string, error) {
	upgraded := engine.Merge(existing, arrival, now)
	existing.UpdatedAt = now
	if err := s.deps.Alerts.Update(ctx, existing); err != nil {
		return nil, "", fmt.Errorf("failed to merge alert: %w", err)
	}

	s.deps.Logger.Info("alert merged",
		zap.String("tenant_id", existing.TenantID),
		zap.String("alert_id", existing.AlertID),
		zap.String("dedup_key", existing.DedupKey),
		zap.Bool("severity_upgraded", upgraded))
	s.emit(ctx, model.EventAlertUpdated, existing)
	return existing, OutcomeMerged, nil
}

func (s *service) IngestBulk(ctx context.Context, tenantID string, arrivals []*model.Alert) ([]IngestResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if len(arrivals) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(arrivals) > maxBulkAlerts {
		return nil, fmt.Errorf("%w: batch exceeds %d alerts", ErrInvalidInput, maxBulkAlerts)
	}

	results := make([]IngestResult, 0, len(arrivals))
	for _, arrival := range arrivals {
		if arrival != nil {
			// The batch tenant wins; a body-level tenant cannot smuggle
			// an alert into another scope.
			arrival.TenantID = tenantID
		}
		a, outcome, err := s.IngestAlert(ctx, arrival)
		if err != nil {
			results = append(results, IngestResult{
				Status:       OutcomeRejected,
				ErrorCode:    rejectionCode(err),
				ErrorMessage: err.Error(),
			})
			continue
		}
		results = append(results, IngestResult{
			AlertID:    a.AlertID,
			IncidentID: a.IncidentID,
			Status:     outcome,
		})
	}
	return results, nil
}

func rejectionCode(err error) string {
	if errors.Is(err, ErrInvalidInput) {
		return string(apperr.CodeMalformedPayload)
	}
	return string(apperr.CodeOf(err))
}

func validateArrival(a *model.Alert) error {
	if a == nil {
		return fmt.Errorf("%w: empty alert payload", ErrInvalidInput)
	}
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if strings.TrimSpace(a.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}
	if !model.ValidSeverity(a.Severity) {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, a.Severity)
	}
	return nil
}

// correlate attaches the alert to an open incident inside the
// correlation window, or opens a new one seeded by it. Every alert ends
// up in exactly one incident.
func (s *service) correlate(ctx context.Context, b *policy.Bundle, a *model.Alert, now time.Time) (*model.Incident, bool, error) {
	candidates, err := s.deps.Incidents.ListOpenSince(ctx, a.TenantID, now.Add(-b.CorrelationWindow()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to list correlation candidates: %w", err)
	}
	if match := engine.MatchIncident(b, a, candidates); match != nil {
		engine.Attach(match, a, now)
		if err := s.deps.Incidents.Update(ctx, match); err != nil {
			return nil, false, fmt.Errorf("failed to attach alert to incident: %w", err)
		}
		s.deps.Logger.Info("alert correlated into incident",
			zap.String("tenant_id", a.TenantID),
			zap.String("alert_id", a.AlertID),
			zap.String("incident_id", match.IncidentID),
			zap.Int("members", len(match.AlertIDs)))
		return match, true, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate incident id: %w", err)
	}
	inc := engine.Seed(a, id.String(), now)
	if err := s.deps.Incidents.Insert(ctx, inc); err != nil {
		return nil, false, fmt.Errorf("failed to open incident: %w", err)
	}
	s.deps.Logger.Info("incident opened",
		zap.String("tenant_id", a.TenantID),
		zap.String("incident_id", inc.IncidentID),
		zap.String("seed_alert_id", a.AlertID))
	return inc, false, nil
}

// followupSuppressed reports whether the alert joins an incident that
// already paged inside the suppression window. The check fails open.
func (s *service) followupSuppressed(ctx context.Context, b *policy.Bundle, a *model.Alert) bool {
	sup := b.Fatigue.Suppression
	if !sup.SuppressFollowupDuringIncident || s.deps.State == nil || a.IncidentID == "" {
		return false
	}
	recent, err := s.deps.State.IncidentRecentlyNotified(ctx, a.TenantID, a.IncidentID)
	if err != nil {
		s.deps.Logger.Warn("incident suppression check failed, dispatching anyway",
			zap.String("incident_id", a.IncidentID), zap.Error(err))
		return false
	}
	if recent {
		s.deps.Logger.Info("notification rejected",
			zap.String("reason", model.ReasonIncidentSuppressed),
			zap.String("tenant_id", a.TenantID),
			zap.String("alert_id", a.AlertID),
			zap.String("incident_id", a.IncidentID))
	}
	return recent
}

func (s *service) markIncidentNotified(ctx context.Context, b *policy.Bundle, a *model.Alert) {
	sup := b.Fatigue.Suppression
	if !sup.SuppressFollowupDuringIncident || sup.Window() <= 0 || s.deps.State == nil || a.IncidentID == "" {
		return
	}
	if _, err := s.deps.State.MarkIncidentNotified(ctx, a.TenantID, a.IncidentID, sup.Window()); err != nil {
		s.deps.Logger.Warn("failed to mark incident as notified",
			zap.String("incident_id", a.IncidentID), zap.Error(err))
	}
}

// ── reads ──

// GetAlert returns the alert, reopening it first when its snooze lapsed.
func (s *service) GetAlert(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
	a, err := s.deps.Alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, translate(err)
	}
	now := s.deps.Now().UTC()
	if a.SnoozeExpired(now) {
		a.Status = model.AlertOpen
		a.SnoozedUntil = nil
		a.UpdatedAt = now
		if err := s.deps.Alerts.Update(ctx, a); err != nil {
			return nil, translate(err)
		}
		s.deps.Logger.Info("alert snooze lapsed",
			zap.String("tenant_id", tenantID),
			zap.String("alert_id", alertID))
		s.emit(ctx, model.EventAlertUnsnoozed, a)
	}
	return a, nil
}

func (s *service) SearchAlerts(ctx context.Context, q store.AlertQuery) ([]model.Alert, int, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, 0, fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	for _, st := range q.Statuses {
		if !model.ValidAlertStatus(st) {
			return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, st)
		}
	}
	for _, sev := range q.Severities {
		if !model.ValidSeverity(sev) {
			return nil, 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, sev)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidInput)
	}
	if q.Limit == 0 || q.Limit > 200 {
		q.Limit = 200
	}
	return s.deps.Alerts.Search(ctx, q)
}

func (s *service) ListAlertNotifications(ctx context.Context, tenantID, alertID string) ([]model.Notification, error) {
	if _, err := s.deps.Alerts.Get(ctx, tenantID, alertID); err != nil {
		return nil, translate(err)
	}
	return s.deps.Notifications.ListByAlert(ctx, tenantID, alertID)
}

// ── operator transitions ──

func (s *service) Acknowledge(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
	a, err := s.deps.Alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, translate(err)
	}
	if a.Status == model.AlertResolved {
		return nil, fmt.Errorf("%w: cannot acknowledge a resolved alert", ErrInvalidInput)
	}
	if a.Status == model.AlertAcknowledged {
		return a, nil
	}

	now := s.deps.Now().UTC()
	a.Status = model.AlertAcknowledged
	a.SnoozedUntil = nil
	a.UpdatedAt = now
	if err := s.deps.Alerts.Update(ctx, a); err != nil {
		return nil, translate(err)
	}
	s.deps.Logger.Info("alert acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Bool("continue_after_ack", a.ContinueAfterAck))
	s.emit(ctx, model.EventAlertAcknowledged, a)
	return a, nil
}

func (s *service) Resolve(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
	a, err := s.deps.Alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, translate(err)
	}
	if a.Status == model.AlertResolved {
		return a, nil
	}

	now := s.deps.Now().UTC()
	a.Status = model.AlertResolved
	a.EndedAt = &now
	a.SnoozedUntil = nil
	a.UpdatedAt = now
	if err := s.deps.Alerts.Update(ctx, a); err != nil {
		return nil, translate(err)
	}
	s.deps.Logger.Info("alert resolved",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID))
	s.emit(ctx, model.EventAlertResolved, a)

	if a.IncidentID != "" {
		s.resolveIncidentIfClear(ctx, tenantID, a.IncidentID, now)
	}
	return a, nil
}

// resolveIncidentIfClear closes the incident once its last open member
// resolves. Best effort: a failed check leaves the incident open for the
// next resolve to retry.
func (s *service) resolveIncidentIfClear(ctx context.Context, tenantID, incidentID string, now time.Time) {
	inc, err := s.deps.Incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		s.deps.Logger.Warn("failed to load incident for auto-resolve",
			zap.String("incident_id", incidentID), zap.Error(err))
		return
	}
	if inc.Status == model.IncidentResolved {
		return
	}
	for _, memberID := range inc.AlertIDs {
		member, err := s.deps.Alerts.Get(ctx, tenantID, memberID)
		if err != nil {
			s.deps.Logger.Warn("failed to load incident member for auto-resolve",
				zap.String("incident_id", incidentID),
				zap.String("alert_id", memberID),
				zap.Error(err))
			return
		}
		if member.Status != model.AlertResolved {
			return
		}
	}

	inc.Status = model.IncidentResolved
	inc.ResolvedAt = &now
	inc.UpdatedAt = now
	if err := s.deps.Incidents.Update(ctx, inc); err != nil {
		s.deps.Logger.Warn("failed to auto-resolve incident",
			zap.String("incident_id", incidentID), zap.Error(err))
		return
	}
	s.deps.Logger.Info("incident resolved, all members resolved",
		zap.String("tenant_id", tenantID),
		zap.String("incident_id", incidentID),
		zap.Int("members", len(inc.AlertIDs)))
}

func (s *service) SnoozeAlert(ctx context.Context, tenantID, alertID string, d time.Duration) (*model.Alert, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: snooze duration must be positive", ErrInvalidInput)
	}
	a, err := s.deps.Alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, translate(err)
	}
	if a.Status == model.AlertResolved {
		return nil, fmt.Errorf("%w: cannot snooze a resolved alert", ErrInvalidInput)
	}

	now := s.deps.Now().UTC()
	until := now.Add(d)
	a.Status = model.AlertSnoozed
	a.SnoozedUntil = &until
	a.UpdatedAt = now
	if err := s.deps.Alerts.Update(ctx, a); err != nil {
		return nil, translate(err)
	}
	s.deps.Logger.Info("alert snoozed",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.Time("snoozed_until", until))
	s.emit(ctx, model.EventAlertSnoozed, a)
	return a, nil
}

func (s *service) TagAlert(ctx context.Context, tenantID, alertID, tag string) (*model.Alert, error) {
	if tag != TagNoisy && tag != TagFalsePositive {
		return nil, fmt.Errorf("%w: unknown tag %q", ErrInvalidInput, tag)
	}
	a, err := s.deps.Alerts.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, translate(err)
	}

	now := s.deps.Now().UTC()
	if a.Labels == nil {
		a.Labels = map[string]string{}
	}
	a.Labels[tag] = "true"
	a.UpdatedAt = now
	if err := s.deps.Alerts.Update(ctx, a); err != nil {
		return nil, translate(err)
	}
	s.deps.Logger.Info("alert tagged",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("tag", tag))
	s.emit(ctx, model.EventAlertUpdated, a)
	return a, nil
}

// ── incidents ──

func (s *service) GetIncident(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
	inc, err := s.deps.Incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		return nil, translate(err)
	}
	return inc, nil
}

// MitigateIncident stands down paging for the incident: pending
// escalation steps of every member abort, the suppression marker clears,
// and member alerts stay open for individual resolution.
func (s *service) MitigateIncident(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
	inc, err := s.deps.Incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		return nil, translate(err)
	}
	if inc.Status == model.IncidentResolved {
		return nil, fmt.Errorf("%w: cannot mitigate a resolved incident", ErrInvalidInput)
	}
	if inc.Status == model.IncidentMitigated {
		return inc, nil
	}

	now := s.deps.Now().UTC()
	inc.Status = model.IncidentMitigated
	inc.MitigatedAt = &now
	inc.UpdatedAt = now
	if err := s.deps.Incidents.Update(ctx, inc); err != nil {
		return nil, translate(err)
	}

	for _, alertID := range inc.AlertIDs {
		if err := s.deps.Escalator.AbortPending(ctx, tenantID, alertID, "incident mitigated"); err != nil {
			s.deps.Logger.Error("failed to abort pending escalation",
				zap.String("incident_id", incidentID),
				zap.String("alert_id", alertID),
				zap.Error(err))
		}
	}
	if s.deps.State != nil {
		if err := s.deps.State.ClearIncidentSuppression(ctx, tenantID, incidentID); err != nil {
			s.deps.Logger.Warn("failed to clear incident suppression marker",
				zap.String("incident_id", incidentID), zap.Error(err))
		}
	}

	s.deps.Logger.Info("incident mitigated",
		zap.String("tenant_id", tenantID),
		zap.String("incident_id", incidentID),
		zap.Int("members", len(inc.AlertIDs)))
	return inc, nil
}

func (s *service) SnoozeIncident(ctx context.Context, tenantID, incidentID string, d time.Duration) (*model.Incident, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: snooze duration must be positive", ErrInvalidInput)
	}
	inc, err := s.deps.Incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		return nil, translate(err)
	}
	if inc.Status == model.IncidentResolved {
		return nil, fmt.Errorf("%w: cannot snooze a resolved incident", ErrInvalidInput)
	}

	now := s.deps.Now().UTC()
	until := now.Add(d)
	inc.SnoozedUntil = &until
	inc.UpdatedAt = now
	if err := s.deps.Incidents.Update(ctx, inc); err != nil {
		return nil, translate(err)
	}
	// Member escalation ladders pause until the snooze lapses; the sweep
	// pushes their stubs out to this instant.
	s.deps.Logger.Info("incident snoozed",
		zap.String("tenant_id", tenantID),
		zap.String("incident_id", incidentID),
		zap.Time("snoozed_until", until))
	return inc, nil
}

// ── preferences ──

func (s *service) UpsertPreference(ctx context.Context, p *model.UserPreference) (*model.UserPreference, error) {
	if p == nil || strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	for _, c := range p.AllowedChannels {
		if !model.ValidChannel(c) {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, c)
		}
	}
	for c, sev := range p.MinSeverity {
		if !model.ValidChannel(c) {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, c)
		}
		if !model.ValidSeverity(sev) {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, sev)
		}
	}
	if !engine.ValidQuietHours(p.QuietHours) {
		return nil, fmt.Errorf("%w: quiet hours bounds must be HH:MM clock times", ErrInvalidInput)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, p.Timezone)
		}
	}

	p.UpdatedAt = s.deps.Now().UTC()
	if err := s.deps.Preferences.Upsert(ctx, p); err != nil {
		return nil, translate(err)
	}
	s.deps.Logger.Info("preference upserted",
		zap.String("tenant_id", p.TenantID),
		zap.String("user_id", p.UserID))
	return p, nil
}

func (s *service) GetPreference(ctx context.Context, tenantID, userID string) (*model.UserPreference, error) {
	p, err := s.deps.Preferences.Get(ctx, tenantID, userID)
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// ── maintenance ──

func (s *service) RefreshPolicies(ctx context.Context) error {
	return s.deps.Policies.Refresh(ctx)
}

// SweepSnoozed reopens alerts whose snooze lapsed without anyone reading
// them. Returns the number reopened.
func (s *service) SweepSnoozed(ctx context.Context) int {
	now := s.deps.Now().UTC()
	expired, err := s.deps.Alerts.ListSnoozedExpired(ctx, now, s.sweepBatch)
	if err != nil {
		s.deps.Logger.Error("unsnooze sweep could not list expired snoozes", zap.Error(err))
		return 0
	}

	reopened := 0
	for i := range expired {
		a := &expired[i]
		a.Status = model.AlertOpen
		a.SnoozedUntil = nil
		a.UpdatedAt = now
		if err := s.deps.Alerts.Update(ctx, a); err != nil {
			s.deps.Logger.Error("unsnooze sweep could not reopen alert",
				zap.String("tenant_id", a.TenantID),
				zap.String("alert_id", a.AlertID),
				zap.Error(err))
			continue
		}
		s.emit(ctx, model.EventAlertUnsnoozed, a)
		reopened++
	}
	if reopened > 0 {
		s.deps.Logger.Info("unsnooze sweep completed", zap.Int("reopened", reopened))
	}
	return reopened
}

// emit snapshots the alert so later mutations cannot race subscribers.
func (s *service) emit(ctx context.Context, eventType string, a *model.Alert) {
	if s.deps.Events == nil {
		return
	}
	snapshot := *a
	s.deps.Events.Emit(ctx, model.StreamEvent{
		EventType: eventType,
		Timestamp: s.deps.Now().UTC(),
		Alert:     &snapshot,
	})
}

// translate maps store sentinels onto the service error vocabulary.
func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	}
	return err
}
