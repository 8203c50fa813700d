package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
)

// Memory is an in-process implementation of every durable store interface.
// It backs unit tests and single-node development; production wiring uses
// the Postgres implementation.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]*model.Connection          // connection_id
	webhooks    map[string]*model.WebhookRegistration // registration_id
	cursors     map[string]*model.PollingCursor       // connection_id
	actions     map[string]*model.Action              // action_id
	actionKeys  map[string]string                     // tenant/idempotency_key -> action_id
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		connections: map[string]*model.Connection{},
		webhooks:    map[string]*model.WebhookRegistration{},
		cursors:     map[string]*model.PollingCursor{},
		actions:     map[string]*model.Action{},
		actionKeys:  map[string]string{},
	}
}

func idempotencyKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// ── ConnectionStore ──

func (m *Memory) Create(ctx context.Context, c *model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[c.ConnectionID]; ok {
		return ErrConflict
	}
	cp := *c
	m.connections[c.ConnectionID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, connectionID string) (*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[connectionID]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetByID(ctx context.Context, connectionID string) (*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) List(ctx context.Context, tenantID string, status model.ConnectionStatus, limit, offset int) ([]model.Connection, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Connection
	for _, c := range m.connections {
		if c.TenantID != tenantID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) Update(ctx context.Context, c *model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.connections[c.ConnectionID]
	if !ok || existing.TenantID != c.TenantID {
		return ErrNotFound
	}
	cp := *c
	m.connections[c.ConnectionID] = &cp
	return nil
}

func (m *Memory) ListActivePolling(ctx context.Context) ([]model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Connection
	for _, c := range m.connections {
		if c.Status != model.ConnectionActive || !c.HasCapability(model.CapabilityPolling) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

// ── WebhookStore ──

func (m *Memory) CreateWebhook(ctx context.Context, w *model.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[w.RegistrationID]; ok {
		return ErrConflict
	}
	cp := *w
	m.webhooks[w.RegistrationID] = &cp
	return nil
}

func (m *Memory) GetWebhook(ctx context.Context, registrationID string) (*model.WebhookRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.webhooks[registrationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) ListWebhooksByConnection(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.WebhookRegistration
	for _, w := range m.webhooks {
		if w.ConnectionID != connectionID || w.TenantID != tenantID {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ── CursorStore ──

func (m *Memory) GetCursor(ctx context.Context, connectionID string) (*model.PollingCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.cursors[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *Memory) SaveCursor(ctx context.Context, cur *model.PollingCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cur
	m.cursors[cur.ConnectionID] = &cp
	return nil
}

// ── ActionStore ──

func (m *Memory) InsertAction(ctx context.Context, a *model.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := idempotencyKey(a.TenantID, a.IdempotencyKey)
	if _, ok := m.actionKeys[key]; ok {
		return ErrConflict
	}
	if _, ok := m.actions[a.ActionID]; ok {
		return ErrConflict
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.actions[a.ActionID] = &cp
	m.actionKeys[key] = a.ActionID
	return nil
}

func (m *Memory) GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actions[actionID]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetActionByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.actionKeys[idempotencyKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.actions[id]
	return &cp, nil
}

func (m *Memory) UpdateAction(ctx context.Context, a *model.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.actions[a.ActionID]
	if !ok || existing.TenantID != a.TenantID {
		return ErrNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	m.actions[a.ActionID] = &cp
	return nil
}

// Typed views so one Memory value can satisfy all store interfaces without
// method-name collisions.

type memoryWebhooks struct{ *Memory }

func (m memoryWebhooks) Create(ctx context.Context, w *model.WebhookRegistration) error {
	return m.CreateWebhook(ctx, w)
}

func (m memoryWebhooks) Get(ctx context.Context, registrationID string) (*model.WebhookRegistration, error) {
	return m.GetWebhook(ctx, registrationID)
}

func (m memoryWebhooks) ListByConnection(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error) {
	return m.ListWebhooksByConnection(ctx, tenantID, connectionID)
}

// Webhooks returns the WebhookStore view of this memory store.
func (m *Memory) Webhooks() WebhookStore { return memoryWebhooks{m} }

type memoryCursors struct{ *Memory }

func (m memoryCursors) Get(ctx context.Context, connectionID string) (*model.PollingCursor, error) {
	return m.GetCursor(ctx, connectionID)
}

func (m memoryCursors) Save(ctx context.Context, cur *model.PollingCursor) error {
	return m.SaveCursor(ctx, cur)
}

// Cursors returns the CursorStore view of this memory store.
func (m *Memory) Cursors() CursorStore { return memoryCursors{m} }

type memoryActions struct{ *Memory }

func (m memoryActions) Insert(ctx context.Context, a *model.Action) error {
	return m.InsertAction(ctx, a)
}

func (m memoryActions) Get(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	return m.GetAction(ctx, tenantID, actionID)
}

func (m memoryActions) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Action, error) {
	return m.GetActionByIdempotencyKey(ctx, tenantID, key)
}

func (m memoryActions) Update(ctx context.Context, a *model.Action) error {
	return m.UpdateAction(ctx, a)
}

// Actions returns the ActionStore view of this memory store.
func (m *Memory) Actions() ActionStore { return memoryActions{m} }
