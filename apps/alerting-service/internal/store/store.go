// Package store persists alerting state. Alerts, incidents,
// notifications, user preferences and the delivery log have Postgres and
// in-memory implementations; rate-limit counters and incident
// suppression markers live in Redis because they are pure TTL state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist in
	// the caller's tenant scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique-constraint violations.
	ErrConflict = errors.New("already exists")
)

// AlertQuery filters a tenant's alerts. Empty slices mean "any".
type AlertQuery struct {
	TenantID     string
	Statuses     []model.AlertStatus
	Severities   []model.Severity
	Categories   []string
	ComponentIDs []string
	IncidentID   string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// AlertStore persists alerts.
type AlertStore interface {
	Insert(ctx context.Context, a *model.Alert) error
	Get(ctx context.Context, tenantID, alertID string) (*model.Alert, error)
	// GetOpenByDedupKey returns the most recently seen non-resolved
	// alert carrying the dedup key, which is the merge candidate for a
	// re-arrival.
	GetOpenByDedupKey(ctx context.Context, tenantID, dedupKey string) (*model.Alert, error)
	Update(ctx context.Context, a *model.Alert) error
	Search(ctx context.Context, q AlertQuery) ([]model.Alert, int, error)
	// ListSnoozedExpired returns snoozed alerts, any tenant, whose snooze
	// lapsed at or before the given instant. Feeds the unsnooze sweep.
	ListSnoozedExpired(ctx context.Context, now time.Time, limit int) ([]model.Alert, error)
}

// IncidentStore persists incidents.
type IncidentStore interface {
	Insert(ctx context.Context, inc *model.Incident) error
	Get(ctx context.Context, tenantID, incidentID string) (*model.Incident, error)
	Update(ctx context.Context, inc *model.Incident) error
	// ListOpenSince returns the tenant's open incidents touched at or
	// after the given instant, the candidate set for correlation.
	ListOpenSince(ctx context.Context, tenantID string, since time.Time) ([]model.Incident, error)
}

// NotificationStore persists notifications, including the stub rows that
// park future escalation steps.
type NotificationStore interface {
	Insert(ctx context.Context, n *model.Notification) error
	Get(ctx context.Context, tenantID, notificationID string) (*model.Notification, error)
	Update(ctx context.Context, n *model.Notification) error
	ListByAlert(ctx context.Context, tenantID, alertID string) ([]model.Notification, error)
	// ClaimDue atomically claims up to limit pending notifications whose
	// next_attempt_at has passed, stub rows for the escalation sweeper or
	// real rows for the retry worker. Claimed rows have their schedule
	// cleared so a concurrent sweep cannot pick them up again.
	ClaimDue(ctx context.Context, now time.Time, stub bool, limit int) ([]model.Notification, error)
}

// PreferenceStore persists per-user dispatch preferences.
type PreferenceStore interface {
	Upsert(ctx context.Context, p *model.UserPreference) error
	Get(ctx context.Context, tenantID, userID string) (*model.UserPreference, error)
}

// DeliveryLogStore records every channel send attempt.
type DeliveryLogStore interface {
	Insert(ctx context.Context, e *model.DeliveryLog) error
	ListByNotification(ctx context.Context, tenantID, notificationID string) ([]model.DeliveryLog, error)
}
