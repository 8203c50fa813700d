package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

// Memory is an in-process implementation of every durable store
// interface. It backs unit tests and single-node development; production
// wiring uses the Postgres implementation.
type Memory struct {
	mu            sync.RWMutex
	alerts        map[string]*model.Alert        // alert_id
	incidents     map[string]*model.Incident     // incident_id
	notifications map[string]*model.Notification // notification_id
	preferences   map[string]*model.UserPreference
	deliveries    []model.DeliveryLog
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alerts:        map[string]*model.Alert{},
		incidents:     map[string]*model.Incident{},
		notifications: map[string]*model.Notification{},
		preferences:   map[string]*model.UserPreference{},
	}
}

func preferenceKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// ── AlertStore ──

func (m *Memory) Insert(ctx context.Context, a *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.AlertID]; ok {
		return ErrConflict
	}
	cp := *a
	m.alerts[a.AlertID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetOpenByDedupKey(ctx context.Context, tenantID, dedupKey string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.Alert
	for _, a := range m.alerts {
		if a.TenantID != tenantID || a.DedupKey != dedupKey || a.Status == model.AlertResolved {
			continue
		}
		if best == nil || a.LastSeenAt.After(best.LastSeenAt) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) Update(ctx context.Context, a *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.alerts[a.AlertID]
	if !ok || existing.TenantID != a.TenantID {
		return ErrNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	m.alerts[a.AlertID] = &cp
	return nil
}

func (m *Memory) Search(ctx context.Context, q AlertQuery) ([]model.Alert, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Alert
	for _, a := range m.alerts {
		if !matchesQuery(a, q) {
			continue
		}
		matched = append(matched, *a)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) ListSnoozedExpired(ctx context.Context, now time.Time, limit int) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Alert
	for _, a := range m.alerts {
		if a.Status != model.AlertSnoozed || a.SnoozedUntil == nil || a.SnoozedUntil.After(now) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SnoozedUntil.Before(*out[j].SnoozedUntil)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesQuery(a *model.Alert, q AlertQuery) bool {
	if a.TenantID != q.TenantID {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, a.Status) {
		return false
	}
	if len(q.Severities) > 0 && !containsSeverity(q.Severities, a.Severity) {
		return false
	}
	if len(q.Categories) > 0 && !containsString(q.Categories, a.Category) {
		return false
	}
	if len(q.ComponentIDs) > 0 && !containsString(q.ComponentIDs, a.ComponentID) {
		return false
	}
	if q.IncidentID != "" && a.IncidentID != q.IncidentID {
		return false
	}
	if q.Since != nil && a.StartedAt.Before(*q.Since) {
		return false
	}
	if q.Until != nil && a.StartedAt.After(*q.Until) {
		return false
	}
	return true
}

func containsStatus(xs []model.AlertStatus, x model.AlertStatus) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsSeverity(xs []model.Severity, x model.Severity) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ── IncidentStore ──

func (m *Memory) InsertIncident(ctx context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.incidents[inc.IncidentID]; ok {
		return ErrConflict
	}
	cp := *inc
	m.incidents[inc.IncidentID] = &cp
	return nil
}

func (m *Memory) GetIncident(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.incidents[incidentID]
	if !ok || inc.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (m *Memory) UpdateIncident(ctx context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.incidents[inc.IncidentID]
	if !ok || existing.TenantID != inc.TenantID {
		return ErrNotFound
	}
	cp := *inc
	cp.UpdatedAt = time.Now().UTC()
	m.incidents[inc.IncidentID] = &cp
	return nil
}

func (m *Memory) ListOpenIncidentsSince(ctx context.Context, tenantID string, since time.Time) ([]model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Incident
	for _, inc := range m.incidents {
		if inc.TenantID != tenantID || inc.Status != model.IncidentOpen || inc.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// ── NotificationStore ──

func (m *Memory) InsertNotification(ctx context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.NotificationID]; ok {
		return ErrConflict
	}
	cp := *n
	m.notifications[n.NotificationID] = &cp
	return nil
}

func (m *Memory) GetNotification(ctx context.Context, tenantID, notificationID string) (*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[notificationID]
	if !ok || n.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) UpdateNotification(ctx context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.notifications[n.NotificationID]
	if !ok || existing.TenantID != n.TenantID {
		return ErrNotFound
	}
	cp := *n
	cp.UpdatedAt = time.Now().UTC()
	m.notifications[n.NotificationID] = &cp
	return nil
}

func (m *Memory) ListNotificationsByAlert(ctx context.Context, tenantID, alertID string) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Notification
	for _, n := range m.notifications {
		if n.TenantID != tenantID || n.AlertID != alertID {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].NotificationID < out[j].NotificationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClaimDueNotifications(ctx context.Context, now time.Time, stub bool, limit int) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.Notification
	for _, n := range m.notifications {
		if n.Stub != stub || n.Status != model.NotificationPending {
			continue
		}
		if n.NextAttemptAt == nil || n.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.Notification, 0, len(due))
	for _, n := range due {
		n.NextAttemptAt = nil
		n.UpdatedAt = time.Now().UTC()
		out = append(out, *n)
	}
	return out, nil
}

// ── PreferenceStore ──

func (m *Memory) UpsertPreference(ctx context.Context, p *model.UserPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.preferences[preferenceKey(p.TenantID, p.UserID)] = &cp
	return nil
}

func (m *Memory) GetPreference(ctx context.Context, tenantID, userID string) (*model.UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.preferences[preferenceKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ── DeliveryLogStore ──

func (m *Memory) InsertDelivery(ctx context.Context, e *model.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries = append(m.deliveries, *e)
	return nil
}

func (m *Memory) ListDeliveriesByNotification(ctx context.Context, tenantID, notificationID string) ([]model.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.DeliveryLog
	for _, e := range m.deliveries {
		if e.TenantID != tenantID || e.NotificationID != notificationID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Typed views so one Memory value can satisfy all store interfaces
// without method-name collisions.

type memoryIncidents struct{ *Memory }

func (m memoryIncidents) Insert(ctx context.Context, inc *model.Incident) error {
	return m.InsertIncident(ctx, inc)
}

func (m memoryIncidents) Get(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
	return m.GetIncident(ctx, tenantID, incidentID)
}

func (m memoryIncidents) Update(ctx context.Context, inc *model.Incident) error {
	return m.UpdateIncident(ctx, inc)
}

func (m memoryIncidents) ListOpenSince(ctx context.Context, tenantID string, since time.Time) ([]model.Incident, error) {
	return m.ListOpenIncidentsSince(ctx, tenantID, since)
}

// Incidents returns the IncidentStore view of this memory store.
func (m *Memory) Incidents() IncidentStore { return memoryIncidents{m} }

type memoryNotifications struct{ *Memory }

func (m memoryNotifications) Insert(ctx context.Context, n *model.Notification) error {
	return m.InsertNotification(ctx, n)
}

func (m memoryNotifications) Get(ctx context.Context, tenantID, notificationID string) (*model.Notification, error) {
	return m.GetNotification(ctx, tenantID, notificationID)
}

func (m memoryNotifications) Update(ctx context.Context, n *model.Notification) error {
	return m.UpdateNotification(ctx, n)
}

func (m memoryNotifications) ListByAlert(ctx context.Context, tenantID, alertID string) ([]model.Notification, error) {
	return m.ListNotificationsByAlert(ctx, tenantID, alertID)
}

func (m memoryNotifications) ClaimDue(ctx context.Context, now time.Time, stub bool, limit int) ([]model.Notification, error) {
	return m.ClaimDueNotifications(ctx, now, stub, limit)
}

// Notifications returns the NotificationStore view of this memory store.
func (m *Memory) Notifications() NotificationStore { return memoryNotifications{m} }

type memoryPreferences struct{ *Memory }

func (m memoryPreferences) Upsert(ctx context.Context, p *model.UserPreference) error {
	return m.UpsertPreference(ctx, p)
}

func (m memoryPreferences) Get(ctx context.Context, tenantID, userID string) (*model.UserPreference, error) {
	return m.GetPreference(ctx, tenantID, userID)
}

// Preferences returns the PreferenceStore view of this memory store.
func (m *Memory) Preferences() PreferenceStore { return memoryPreferences{m} }

type memoryDeliveries struct{ *Memory }

func (m memoryDeliveries) Insert(ctx context.Context, e *model.DeliveryLog) error {
	return m.InsertDelivery(ctx, e)
}

func (m memoryDeliveries) ListByNotification(ctx context.Context, tenantID, notificationID string) ([]model.DeliveryLog, error) {
	return m.ListDeliveriesByNotification(ctx, tenantID, notificationID)
}

// Deliveries returns the DeliveryLogStore view of this memory store.
func (m *Memory) Deliveries() DeliveryLogStore { return memoryDeliveries{m} }
