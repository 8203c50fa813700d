package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
)

// Memory is an in-process implementation of every durable store interface.
// It backs unit tests and single-node development; production wiring uses
// the Postgres implementation.
type Memory struct {
	mu         sync.RWMutex
	producers  map[string]*model.ProducerRegistration // tenant/producer
	contracts  map[string]*model.DataContract         // type@version
	dlq        []*model.DLQEntry
	governance map[string]*model.TenantGovernance // tenant
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		producers:  map[string]*model.ProducerRegistration{},
		contracts:  map[string]*model.DataContract{},
		governance: map[string]*model.TenantGovernance{},
	}
}

func producerKey(tenantID, producerID string) string {
	return tenantID + "/" + producerID
}

func contractKey(signalType, version string) string {
	return signalType + "@" + version
}

// ── ProducerStore ──

func (m *Memory) Create(ctx context.Context, p *model.ProducerRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := producerKey(p.TenantID, p.ProducerID)
	if _, ok := m.producers[key]; ok {
		return ErrConflict
	}
	cp := *p
	m.producers[key] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, producerID string) (*model.ProducerRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.producers[producerKey(tenantID, producerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) Update(ctx context.Context, p *model.ProducerRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := producerKey(p.TenantID, p.ProducerID)
	if _, ok := m.producers[key]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.producers[key] = &cp
	return nil
}

// ── ContractStore ──

func (m *Memory) CreateContract(ctx context.Context, c *model.DataContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contractKey(c.SignalType, c.ContractVersion)
	if _, ok := m.contracts[key]; ok {
		return ErrConflict
	}
	cp := *c
	m.contracts[key] = &cp
	return nil
}

func (m *Memory) GetContract(ctx context.Context, signalType, version string) (*model.DataContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[contractKey(signalType, version)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ── DLQStore ──

func (m *Memory) InsertDLQ(ctx context.Context, e *model.DLQEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.DLQID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate dlq id: %w", err)
		}
		cp.DLQID = id.String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.dlq = append(m.dlq, &cp)
	return cp.DLQID, nil
}

func (m *Memory) ListDLQ(ctx context.Context, f DLQFilter) ([]model.DLQEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.DLQEntry
	for _, e := range m.dlq {
		if e.TenantID != f.TenantID {
			continue
		}
		if f.ProducerID != "" && e.ProducerID != f.ProducerID {
			continue
		}
		if f.SignalType != "" && e.SignalType != f.SignalType {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) DeleteDLQ(ctx context.Context, tenantID, dlqID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.dlq {
		if e.DLQID == dlqID && e.TenantID == tenantID {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ── GovernanceStore ──

func (m *Memory) GetGovernance(ctx context.Context, tenantID string) (*model.TenantGovernance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.governance[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// SetGovernance seeds a tenant's guardrails; used by tests and bootstrap.
func (m *Memory) SetGovernance(ctx context.Context, g *model.TenantGovernance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.governance[g.TenantID] = &cp
}

// Typed views so one Memory value can satisfy all store interfaces without
// method-name collisions.

type memoryContracts struct{ *Memory }

func (m memoryContracts) Create(ctx context.Context, c *model.DataContract) error {
	return m.CreateContract(ctx, c)
}

func (m memoryContracts) Get(ctx context.Context, signalType, version string) (*model.DataContract, error) {
	return m.GetContract(ctx, signalType, version)
}

// Contracts returns the ContractStore view of this memory store.
func (m *Memory) Contracts() ContractStore { return memoryContracts{m} }

type memoryDLQ struct{ *Memory }

func (m memoryDLQ) Insert(ctx context.Context, e *model.DLQEntry) (string, error) {
	return m.InsertDLQ(ctx, e)
}

func (m memoryDLQ) List(ctx context.Context, f DLQFilter) ([]model.DLQEntry, int, error) {
	return m.ListDLQ(ctx, f)
}

func (m memoryDLQ) Delete(ctx context.Context, tenantID, dlqID string) error {
	return m.DeleteDLQ(ctx, tenantID, dlqID)
}

// DLQ returns the DLQStore view of this memory store.
func (m *Memory) DLQ() DLQStore { return memoryDLQ{m} }

type memoryGovernance struct{ *Memory }

func (m memoryGovernance) Get(ctx context.Context, tenantID string) (*model.TenantGovernance, error) {
	return m.GetGovernance(ctx, tenantID)
}

// Governance returns the GovernanceStore view of this memory store.
func (m *Memory) Governance() GovernanceStore { return memoryGovernance{m} }
