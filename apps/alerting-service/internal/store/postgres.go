package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements the durable store interfaces on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies the idempotent DDL. Called once at boot.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply alerting schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── AlertStore ──

const alertColumns = `alert_id, tenant_id, source_module, component_id, severity, category, summary, labels,
	started_at, ended_at, last_seen_at, dedup_key, incident_id, status, snoozed_until,
	suppressed, continue_after_ack, automation_hooks, created_at, updated_at`

func (s *Postgres) Insert(ctx context.Context, a *model.Alert) error {
	labels, _ := json.Marshal(a.Labels)
	hooks, _ := json.Marshal(a.AutomationHooks)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(alert_id, tenant_id, source_module, component_id, severity, category, summary, labels,
			 started_at, ended_at, last_seen_at, dedup_key, incident_id, status, snoozed_until,
			 suppressed, continue_after_ack, automation_hooks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)`,
		a.AlertID, a.TenantID, a.SourceModule, a.ComponentID, a.Severity, a.Category, a.Summary, labels,
		a.StartedAt, a.EndedAt, a.LastSeenAt, a.DedupKey, a.IncidentID, a.Status, a.SnoozedUntil,
		a.Suppressed, a.ContinueAfterAck, hooks, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND alert_id = $2`,
		tenantID, alertID)
	return scanAlert(row)
}

func (s *Postgres) GetOpenByDedupKey(ctx context.Context, tenantID, dedupKey string) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE tenant_id = $1 AND dedup_key = $2 AND status <> 'resolved'
		ORDER BY last_seen_at DESC
		LIMIT 1`,
		tenantID, dedupKey)
	return scanAlert(row)
}

func (s *Postgres) Update(ctx context.Context, a *model.Alert) error {
	labels, _ := json.Marshal(a.Labels)
	hooks, _ := json.Marshal(a.AutomationHooks)

	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET severity = $3, summary = $4, labels = $5, ended_at = $6, last_seen_at = $7,
		    incident_id = $8, status = $9, snoozed_until = $10, suppressed = $11,
		    continue_after_ack = $12, automation_hooks = $13, updated_at = $14
		WHERE tenant_id = $1 AND alert_id = $2`,
		a.TenantID, a.AlertID, a.Severity, a.Summary, labels, a.EndedAt, a.LastSeenAt,
		a.IncidentID, a.Status, a.SnoozedUntil, a.Suppressed,
		a.ContinueAfterAck, hooks, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Search(ctx context.Context, q AlertQuery) ([]model.Alert, int, error) {
	where := `
		WHERE tenant_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		  AND (cardinality($3::text[]) = 0 OR severity = ANY($3))
		  AND (cardinality($4::text[]) = 0 OR category = ANY($4))
		  AND (cardinality($5::text[]) = 0 OR component_id = ANY($5))
		  AND ($6 = '' OR incident_id = $6)
		  AND ($7::timestamptz IS NULL OR started_at >= $7)
		  AND ($8::timestamptz IS NULL OR started_at <= $8)`
	args := []interface{}{
		q.TenantID,
		statusStrings(q.Statuses),
		severityStrings(q.Severities),
		emptyNotNil(q.Categories),
		emptyNotNil(q.ComponentIDs),
		q.IncidentID,
		q.Since,
		q.Until,
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts`+where+`
		ORDER BY started_at DESC
		LIMIT $9 OFFSET $10`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

func (s *Postgres) ListSnoozedExpired(ctx context.Context, now time.Time, limit int) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = 'snoozed' AND snoozed_until <= $1
		ORDER BY snoozed_until
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired snoozes: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func statusStrings(xs []model.AlertStatus) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		out = append(out, string(x))
	}
	return out
}

func severityStrings(xs []model.Severity) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		out = append(out, string(x))
	}
	return out
}

// emptyNotNil keeps cardinality() well-defined when a filter is absent.
func emptyNotNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func scanAlert(row pgx.Row) (*model.Alert, error) {
	var (
		a      model.Alert
		labels []byte
		hooks  []byte
	)
	err := row.Scan(&a.AlertID, &a.TenantID, &a.SourceModule, &a.ComponentID, &a.Severity, &a.Category,
		&a.Summary, &labels, &a.StartedAt, &a.EndedAt, &a.LastSeenAt, &a.DedupKey, &a.IncidentID,
		&a.Status, &a.SnoozedUntil, &a.Suppressed, &a.ContinueAfterAck, &hooks, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	_ = json.Unmarshal(labels, &a.Labels)
	_ = json.Unmarshal(hooks, &a.AutomationHooks)
	return &a, nil
}

// ── IncidentStore ──

type postgresIncidents struct{ *Postgres }

// Incidents returns the IncidentStore view of this Postgres store.
func (s *Postgres) Incidents() IncidentStore { return postgresIncidents{s} }

const incidentColumns = `incident_id, tenant_id, severity, status, opened_at, mitigated_at, resolved_at,
	alert_ids, correlation_keys, dependency_refs, snoozed_until, updated_at`

func (s postgresIncidents) Insert(ctx context.Context, inc *model.Incident) error {
	alertIDs, _ := json.Marshal(inc.AlertIDs)
	corrKeys, _ := json.Marshal(inc.CorrelationKeys)
	depRefs, _ := json.Marshal(inc.DependencyRefs)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_incidents
			(incident_id, tenant_id, severity, status, opened_at, mitigated_at, resolved_at,
			 alert_ids, correlation_keys, dependency_refs, snoozed_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inc.IncidentID, inc.TenantID, inc.Severity, inc.Status, inc.OpenedAt, inc.MitigatedAt,
		inc.ResolvedAt, alertIDs, corrKeys, depRefs, inc.SnoozedUntil, inc.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s postgresIncidents) Get(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM alert_incidents
		WHERE tenant_id = $1 AND incident_id = $2`,
		tenantID, incidentID)
	return scanIncident(row)
}

func (s postgresIncidents) Update(ctx context.Context, inc *model.Incident) error {
	alertIDs, _ := json.Marshal(inc.AlertIDs)
	corrKeys, _ := json.Marshal(inc.CorrelationKeys)
	depRefs, _ := json.Marshal(inc.DependencyRefs)

	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_incidents
		SET severity = $3, status = $4, mitigated_at = $5, resolved_at = $6,
		    alert_ids = $7, correlation_keys = $8, dependency_refs = $9, snoozed_until = $10, updated_at = $11
		WHERE tenant_id = $1 AND incident_id = $2`,
		inc.TenantID, inc.IncidentID, inc.Severity, inc.Status, inc.MitigatedAt, inc.ResolvedAt,
		alertIDs, corrKeys, depRefs, inc.SnoozedUntil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s postgresIncidents) ListOpenSince(ctx context.Context, tenantID string, since time.Time) ([]model.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM alert_incidents
		WHERE tenant_id = $1 AND status = 'open' AND updated_at >= $2
		ORDER BY updated_at DESC`,
		tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func scanIncident(row pgx.Row) (*model.Incident, error) {
	var (
		inc      model.Incident
		alertIDs []byte
		corrKeys []byte
		depRefs  []byte
	)
	err := row.Scan(&inc.IncidentID, &inc.TenantID, &inc.Severity, &inc.Status, &inc.OpenedAt,
		&inc.MitigatedAt, &inc.ResolvedAt, &alertIDs, &corrKeys, &depRefs, &inc.SnoozedUntil, &inc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	_ = json.Unmarshal(alertIDs, &inc.AlertIDs)
	_ = json.Unmarshal(corrKeys, &inc.CorrelationKeys)
	_ = json.Unmarshal(depRefs, &inc.DependencyRefs)
	return &inc, nil
}

// ── NotificationStore ──

type postgresNotifications struct{ *Postgres }

// Notifications returns the NotificationStore view of this Postgres store.
func (s *Postgres) Notifications() NotificationStore { return postgresNotifications{s} }

const notificationColumns = `notification_id, tenant_id, alert_id, incident_id, target_id, channel, status,
	attempts, next_attempt_at, failure_reason, policy_id, stub, step_order, created_at, updated_at`

func (s postgresNotifications) Insert(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_notifications
			(notification_id, tenant_id, alert_id, incident_id, target_id, channel, status,
			 attempts, next_attempt_at, failure_reason, policy_id, stub, step_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		n.NotificationID, n.TenantID, n.AlertID, n.IncidentID, n.TargetID, n.Channel, n.Status,
		n.Attempts, n.NextAttemptAt, n.FailureReason, n.PolicyID, n.Stub, n.StepOrder, n.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s postgresNotifications) Get(ctx context.Context, tenantID, notificationID string) (*model.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM alert_notifications
		WHERE tenant_id = $1 AND notification_id = $2`,
		tenantID, notificationID)
	return scanNotification(row)
}

func (s postgresNotifications) Update(ctx context.Context, n *model.Notification) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_notifications
		SET status = $3, attempts = $4, next_attempt_at = $5, failure_reason = $6, updated_at = $7
		WHERE tenant_id = $1 AND notification_id = $2`,
		n.TenantID, n.NotificationID, n.Status, n.Attempts, n.NextAttemptAt, n.FailureReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s postgresNotifications) ListByAlert(ctx context.Context, tenantID, alertID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM alert_notifications
		WHERE tenant_id = $1 AND alert_id = $2
		ORDER BY created_at, notification_id`,
		tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// ClaimDue uses SKIP LOCKED so concurrent sweepers never double-claim a
// row. Claiming clears next_attempt_at; the claimer owns the row until it
// writes a terminal status or a new schedule.
func (s postgresNotifications) ClaimDue(ctx context.Context, now time.Time, stub bool, limit int) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE alert_notifications
		SET next_attempt_at = NULL, updated_at = $1
		WHERE notification_id IN (
			SELECT notification_id
			FROM alert_notifications
			WHERE stub = $2 AND status = 'pending' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		now, stub, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.NotificationID, &n.TenantID, &n.AlertID, &n.IncidentID, &n.TargetID, &n.Channel,
		&n.Status, &n.Attempts, &n.NextAttemptAt, &n.FailureReason, &n.PolicyID, &n.Stub, &n.StepOrder,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	return &n, nil
}

// ── PreferenceStore ──

type postgresPreferences struct{ *Postgres }

// Preferences returns the PreferenceStore view of this Postgres store.
func (s *Postgres) Preferences() PreferenceStore { return postgresPreferences{s} }

func (s postgresPreferences) Upsert(ctx context.Context, p *model.UserPreference) error {
	channels, _ := json.Marshal(p.AllowedChannels)
	minSev, _ := json.Marshal(p.MinSeverity)
	var quiet []byte
	if p.QuietHours != nil {
		quiet, _ = json.Marshal(p.QuietHours)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_user_preferences
			(tenant_id, user_id, allowed_channels, min_severity, quiet_hours, timezone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET allowed_channels = EXCLUDED.allowed_channels, min_severity = EXCLUDED.min_severity,
		              quiet_hours = EXCLUDED.quiet_hours, timezone = EXCLUDED.timezone, updated_at = EXCLUDED.updated_at`,
		p.TenantID, p.UserID, channels, minSev, quiet, p.Timezone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}
	return nil
}

func (s postgresPreferences) Get(ctx context.Context, tenantID, userID string) (*model.UserPreference, error) {
	var (
		p        model.UserPreference
		channels []byte
		minSev   []byte
		quiet    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id, allowed_channels, min_severity, quiet_hours, timezone, updated_at
		FROM alert_user_preferences
		WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID).
		Scan(&p.TenantID, &p.UserID, &channels, &minSev, &quiet, &p.Timezone, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan preference: %w", err)
	}
	_ = json.Unmarshal(channels, &p.AllowedChannels)
	_ = json.Unmarshal(minSev, &p.MinSeverity)
	if len(quiet) > 0 {
		p.QuietHours = &model.QuietHours{}
		_ = json.Unmarshal(quiet, p.QuietHours)
	}
	return &p, nil
}

// ── DeliveryLogStore ──

type postgresDeliveries struct{ *Postgres }

// Deliveries returns the DeliveryLogStore view of this Postgres store.
func (s *Postgres) Deliveries() DeliveryLogStore { return postgresDeliveries{s} }

func (s postgresDeliveries) Insert(ctx context.Context, e *model.DeliveryLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_delivery_log
			(log_id, tenant_id, notification_id, channel, target, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.LogID, e.TenantID, e.NotificationID, e.Channel, e.Target, e.Status, e.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log entry: %w", err)
	}
	return nil
}

func (s postgresDeliveries) ListByNotification(ctx context.Context, tenantID, notificationID string) ([]model.DeliveryLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, tenant_id, notification_id, channel, target, status, error, created_at
		FROM alert_delivery_log
		WHERE tenant_id = $1 AND notification_id = $2
		ORDER BY created_at`,
		tenantID, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery log: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryLog
	for rows.Next() {
		var e model.DeliveryLog
		if err := rows.Scan(&e.LogID, &e.TenantID, &e.NotificationID, &e.Channel, &e.Target,
			&e.Status, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
