// Package store persists integration state. Connections, webhook
// registrations, polling cursors and actions have Postgres and in-memory
// implementations; the webhook replay guard lives in Redis because its
// entries are pure TTL state.
package store

import (
	"context"
	"errors"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist in
	// the caller's tenant scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique-constraint violations, notably a
	// second action submitted with an already-used idempotency key.
	ErrConflict = errors.New("already exists")
)

// ConnectionStore persists provider connections.
type ConnectionStore interface {
	Create(ctx context.Context, c *model.Connection) error
	Get(ctx context.Context, tenantID, connectionID string) (*model.Connection, error)
	// GetByID resolves a connection without tenant scope. Only the
	// webhook ingress path uses it: that path authenticates with the
	// provider signature instead of a tenant credential, and the tenant
	// scope comes from the row itself.
	GetByID(ctx context.Context, connectionID string) (*model.Connection, error)
	List(ctx context.Context, tenantID string, status model.ConnectionStatus, limit, offset int) ([]model.Connection, int, error)
	Update(ctx context.Context, c *model.Connection) error
	// ListActivePolling returns every active connection that has the
	// polling capability enabled, across tenants. The poll orchestrator
	// is the only caller.
	ListActivePolling(ctx context.Context) ([]model.Connection, error)
}

// WebhookStore persists webhook registrations.
type WebhookStore interface {
	Create(ctx context.Context, w *model.WebhookRegistration) error
	// Get resolves by registration_id alone; ingress requests carry no
	// tenant credential.
	Get(ctx context.Context, registrationID string) (*model.WebhookRegistration, error)
	ListByConnection(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error)
}

// CursorStore persists per-connection polling resume points.
type CursorStore interface {
	Get(ctx context.Context, connectionID string) (*model.PollingCursor, error)
	Save(ctx context.Context, cur *model.PollingCursor) error
}

// ActionStore persists outbound actions. Insert fails with ErrConflict
// when (tenant_id, idempotency_key) is already taken, which is how a
// lost idempotency race is detected.
type ActionStore interface {
	Insert(ctx context.Context, a *model.Action) error
	Get(ctx context.Context, tenantID, actionID string) (*model.Action, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Action, error)
	Update(ctx context.Context, a *model.Action) error
}
