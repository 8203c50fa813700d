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

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
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
		return fmt.Errorf("failed to apply integration schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── ConnectionStore ──

func (s *Postgres) Create(ctx context.Context, c *model.Connection) error {
	caps, _ := json.Marshal(c.EnabledCapabilities)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_connections
			(connection_id, tenant_id, provider_id, auth_ref, base_url, environment, capabilities, status, poll_interval_sec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		c.ConnectionID, c.TenantID, c.ProviderID, c.AuthRef, c.BaseURL, c.Environment, caps, c.Status, c.PollIntervalSec, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

const connectionColumns = `connection_id, tenant_id, provider_id, auth_ref, base_url, environment, capabilities, status, poll_interval_sec, created_at, updated_at`

func (s *Postgres) Get(ctx context.Context, tenantID, connectionID string) (*model.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE tenant_id = $1 AND connection_id = $2`,
		tenantID, connectionID)
	return scanConnection(row)
}

func (s *Postgres) GetByID(ctx context.Context, connectionID string) (*model.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE connection_id = $1`,
		connectionID)
	return scanConnection(row)
}

func (s *Postgres) List(ctx context.Context, tenantID string, status model.ConnectionStatus, limit, offset int) ([]model.Connection, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM integration_connections
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)`,
		tenantID, string(status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count connections: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		tenantID, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (s *Postgres) Update(ctx context.Context, c *model.Connection) error {
	caps, _ := json.Marshal(c.EnabledCapabilities)

	tag, err := s.pool.Exec(ctx, `
		UPDATE integration_connections
		SET auth_ref = $3, base_url = $4, environment = $5, capabilities = $6, status = $7, poll_interval_sec = $8, updated_at = $9
		WHERE tenant_id = $1 AND connection_id = $2`,
		c.TenantID, c.ConnectionID, c.AuthRef, c.BaseURL, c.Environment, caps, c.Status, c.PollIntervalSec, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListActivePolling(ctx context.Context) ([]model.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM integration_connections
		WHERE status = 'active' AND capabilities @> '["polling"]'
		ORDER BY connection_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list polling connections: %w", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConnection(row pgx.Row) (*model.Connection, error) {
	var (
		c    model.Connection
		caps []byte
	)
	err := row.Scan(&c.ConnectionID, &c.TenantID, &c.ProviderID, &c.AuthRef, &c.BaseURL,
		&c.Environment, &caps, &c.Status, &c.PollIntervalSec, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	_ = json.Unmarshal(caps, &c.EnabledCapabilities)
	return &c, nil
}

// ── WebhookStore ──

type postgresWebhooks struct{ *Postgres }

// Webhooks returns the WebhookStore view of this Postgres store.
func (s *Postgres) Webhooks() WebhookStore { return postgresWebhooks{s} }

func (s postgresWebhooks) Create(ctx context.Context, w *model.WebhookRegistration) error {
	events, _ := json.Marshal(w.EventsSubscribed)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_registrations
			(registration_id, connection_id, tenant_id, secret_ref, events_subscribed, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.RegistrationID, w.ConnectionID, w.TenantID, w.SecretRef, events, w.Status, w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert webhook registration: %w", err)
	}
	return nil
}

func (s postgresWebhooks) Get(ctx context.Context, registrationID string) (*model.WebhookRegistration, error) {
	var (
		w      model.WebhookRegistration
		events []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT registration_id, connection_id, tenant_id, secret_ref, events_subscribed, status, created_at
		FROM webhook_registrations
		WHERE registration_id = $1`,
		registrationID).
		Scan(&w.RegistrationID, &w.ConnectionID, &w.TenantID, &w.SecretRef, &events, &w.Status, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook registration: %w", err)
	}
	_ = json.Unmarshal(events, &w.EventsSubscribed)
	return &w, nil
}

func (s postgresWebhooks) ListByConnection(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT registration_id, connection_id, tenant_id, secret_ref, events_subscribed, status, created_at
		FROM webhook_registrations
		WHERE tenant_id = $1 AND connection_id = $2
		ORDER BY created_at DESC`,
		tenantID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook registrations: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookRegistration
	for rows.Next() {
		var (
			w      model.WebhookRegistration
			events []byte
		)
		if err := rows.Scan(&w.RegistrationID, &w.ConnectionID, &w.TenantID, &w.SecretRef, &events, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook registration: %w", err)
		}
		_ = json.Unmarshal(events, &w.EventsSubscribed)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ── CursorStore ──

type postgresCursors struct{ *Postgres }

// Cursors returns the CursorStore view of this Postgres store.
func (s *Postgres) Cursors() CursorStore { return postgresCursors{s} }

func (s postgresCursors) Get(ctx context.Context, connectionID string) (*model.PollingCursor, error) {
	var cur model.PollingCursor
	err := s.pool.QueryRow(ctx, `
		SELECT connection_id, position, last_polled_at
		FROM polling_cursors
		WHERE connection_id = $1`,
		connectionID).
		Scan(&cur.ConnectionID, &cur.Position, &cur.LastPolledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan polling cursor: %w", err)
	}
	return &cur, nil
}

func (s postgresCursors) Save(ctx context.Context, cur *model.PollingCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO polling_cursors (connection_id, position, last_polled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id)
		DO UPDATE SET position = EXCLUDED.position, last_polled_at = EXCLUDED.last_polled_at`,
		cur.ConnectionID, cur.Position, cur.LastPolledAt)
	if err != nil {
		return fmt.Errorf("failed to save polling cursor: %w", err)
	}
	return nil
}

// ── ActionStore ──

type postgresActions struct{ *Postgres }

// Actions returns the ActionStore view of this Postgres store.
func (s *Postgres) Actions() ActionStore { return postgresActions{s} }

func (s postgresActions) Insert(ctx context.Context, a *model.Action) error {
	target, _ := json.Marshal(a.Target)
	payload, _ := json.Marshal(a.Payload)
	result, _ := json.Marshal(a.Result)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_actions
			(action_id, tenant_id, connection_id, canonical_type, target, payload, idempotency_key, correlation_id, status, result, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		a.ActionID, a.TenantID, a.ConnectionID, a.CanonicalType, target, payload,
		a.IdempotencyKey, a.CorrelationID, a.Status, result, a.FailureReason, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

const actionColumns = `action_id, tenant_id, connection_id, canonical_type, target, payload, idempotency_key, correlation_id, status, result, failure_reason, created_at, updated_at`

func (s postgresActions) Get(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM integration_actions
		WHERE tenant_id = $1 AND action_id = $2`,
		tenantID, actionID)
	return scanAction(row)
}

func (s postgresActions) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM integration_actions
		WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	return scanAction(row)
}

func (s postgresActions) Update(ctx context.Context, a *model.Action) error {
	result, _ := json.Marshal(a.Result)

	tag, err := s.pool.Exec(ctx, `
		UPDATE integration_actions
		SET status = $3, result = $4, failure_reason = $5, updated_at = $6
		WHERE tenant_id = $1 AND action_id = $2`,
		a.TenantID, a.ActionID, a.Status, result, a.FailureReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAction(row pgx.Row) (*model.Action, error) {
	var (
		a       model.Action
		target  []byte
		payload []byte
		result  []byte
	)
	err := row.Scan(&a.ActionID, &a.TenantID, &a.ConnectionID, &a.CanonicalType, &target, &payload,
		&a.IdempotencyKey, &a.CorrelationID, &a.Status, &result, &a.FailureReason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action: %w", err)
	}
	_ = json.Unmarshal(target, &a.Target)
	_ = json.Unmarshal(payload, &a.Payload)
	if len(result) > 0 {
		_ = json.Unmarshal(result, &a.Result)
	}
	return &a, nil
}
