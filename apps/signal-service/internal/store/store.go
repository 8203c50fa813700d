// Package store persists ingestion state. Durable aggregates (producers,
// contracts, DLQ, governance) have Postgres and in-memory implementations;
// TTL-bound state (dedup markers, rejection counters, sequence cursors)
// lives in Redis via StateStore.
package store

import (
	"context"
	"errors"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist in the
	// caller's tenant scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique-constraint violations (duplicate
	// producer_id, re-published contract version).
	ErrConflict = errors.New("already exists")
)

// ProducerStore persists producer registrations.
type ProducerStore interface {
	Create(ctx context.Context, p *model.ProducerRegistration) error
	Get(ctx context.Context, tenantID, producerID string) (*model.ProducerRegistration, error)
	Update(ctx context.Context, p *model.ProducerRegistration) error
}

// ContractStore persists data contracts. Contracts are immutable: Create
// fails with ErrConflict when the (signal_type, contract_version) pair is
// already published.
type ContractStore interface {
	Create(ctx context.Context, c *model.DataContract) error
	Get(ctx context.Context, signalType, version string) (*model.DataContract, error)
}

// DLQFilter narrows DLQ inspection. TenantID is mandatory; the rest are
// optional refinements.
type DLQFilter struct {
	TenantID   string
	ProducerID string
	SignalType string
	Limit      int
	Offset     int
}

// DLQStore persists dead-lettered signals.
type DLQStore interface {
	Insert(ctx context.Context, e *model.DLQEntry) (string, error)
	List(ctx context.Context, f DLQFilter) ([]model.DLQEntry, int, error)
	Delete(ctx context.Context, tenantID, dlqID string) error
}

// GovernanceStore reads per-tenant disallowed-field rules. Absence of a
// row means the tenant has no extra restrictions.
type GovernanceStore interface {
	Get(ctx context.Context, tenantID string) (*model.TenantGovernance, error)
}
