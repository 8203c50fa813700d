package poller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/adapter"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/breaker"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/client"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/sink"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

var pollNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	pollFn    func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error)
	pollCalls int
}

func (f *fakeAdapter) PollEvents(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
	f.pollCalls++
	return f.pollFn(ctx, cursor)
}

func (f *fakeAdapter) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, secret string) (*model.ProviderEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) ExecuteAction(ctx context.Context, action *model.Action) (*model.ActionResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) VerifyConnection(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeAdapter) Capabilities() model.CapabilitySet {
	return model.CapabilitySet{Polling: true}
}

type fakeAdapters struct{ a adapter.Adapter }

func (f fakeAdapters) For(conn *model.Connection) (adapter.Adapter, error) { return f.a, nil }

type fakeBudget struct {
	decision client.Decision
	calls    int
}

func (f *fakeBudget) Check(ctx context.Context, tenantID, operation string) client.Decision {
	f.calls++
	return f.decision
}

// recordingSink collects submitted envelopes; failFrom fails the Nth
// submit onward when positive.
type recordingSink struct {
	mu       sync.Mutex
	got      []*envelope.SignalEnvelope
	failFrom int
}

func (s *recordingSink) Submit(ctx context.Context, env *envelope.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom > 0 && len(s.got)+1 >= s.failFrom {
		return errors.New("broker unavailable")
	}
	s.got = append(s.got, env)
	return nil
}

func pollerConn(id string) *model.Connection {
	return &model.Connection{
		ConnectionID:        id,
		TenantID:            "t1",
		ProviderID:          "github",
		AuthRef:             "tenants/t1/github",
		Environment:         envelope.EnvProd,
		EnabledCapabilities: []model.Capability{model.CapabilityPolling},
		Status:              model.ConnectionActive,
		PollIntervalSec:     60,
		CreatedAt:           pollNow.Add(-time.Hour),
	}
}

func newTestPoller(mem *store.Memory, adp adapter.Adapter, snk sink.Sink, budget Budget) *Poller {
	return New(Deps{
		Connections: mem,
		Cursors:     mem.Cursors(),
		Adapters:    fakeAdapters{a: adp},
		Breakers:    breaker.NewRegistry(breaker.Settings{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, zap.NewNop()),
		Budget:      budget,
		Sink:        snk,
		Logger:      zap.NewNop(),
		Now:         func() time.Time { return pollNow },
	}, time.Second, 2)
}

func twoEvents() []model.ProviderEvent {
	return []model.ProviderEvent{
		{ProviderID: "github", EventID: "91", EventType: "push", OccurredAt: pollNow.Add(-time.Minute), Payload: map[string]interface{}{"ref": "refs/heads/main"}},
		{ProviderID: "github", EventID: "92", EventType: "pull_request.opened", OccurredAt: pollNow.Add(-30 * time.Second), Payload: map[string]interface{}{}},
	}
}

func TestPollSubmitsEventsAndAdvancesCursor(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		assert.Equal(t, "", cursor)
		return twoEvents(), "92", nil
	}}
	snk := &recordingSink{}
	p := newTestPoller(mem, adp, snk, nil)

	p.poll(context.Background())

	require.Len(t, snk.got, 2)
	assert.Equal(t, "t1", snk.got[0].TenantID)
	assert.Equal(t, "c1", snk.got[0].ProducerID)
	assert.Equal(t, "commit_pushed", snk.got[0].SignalType)
	assert.Equal(t, "pr_opened", snk.got[1].SignalType)

	cur, err := mem.Cursors().Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "92", cur.Position)
	assert.Equal(t, pollNow, cur.LastPolledAt)
}

func TestPollSkipsConnectionNotDue(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))
	require.NoError(t, mem.SaveCursor(context.Background(), &model.PollingCursor{
		ConnectionID: "c1",
		Position:     "50",
		LastPolledAt: pollNow.Add(-10 * time.Second),
	}))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, cursor, nil
	}}
	p := newTestPoller(mem, adp, &recordingSink{}, nil)

	p.poll(context.Background())
	assert.Equal(t, 0, adp.pollCalls)
}

func TestPollRespectsBudgetDenial(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, cursor, nil
	}}
	budget := &fakeBudget{decision: client.Decision{Allowed: false, Reason: "quota exhausted"}}
	p := newTestPoller(mem, adp, &recordingSink{}, budget)

	p.poll(context.Background())

	assert.Equal(t, 1, budget.calls)
	assert.Equal(t, 0, adp.pollCalls)
	_, err := mem.Cursors().Get(context.Background(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPollProceedsWhenBudgetDegraded(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, cursor, nil
	}}
	budget := &fakeBudget{decision: client.Decision{Allowed: true, Degraded: true, Reason: "budget service unreachable"}}
	p := newTestPoller(mem, adp, &recordingSink{}, budget)

	p.poll(context.Background())
	assert.Equal(t, 1, adp.pollCalls)
}

func TestPollDisablesConnectionOnAuthFailure(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, "", apperr.New(apperr.CodeAuth, "token revoked")
	}}
	p := newTestPoller(mem, adp, &recordingSink{}, nil)

	p.poll(context.Background())

	conn, err := mem.Get(context.Background(), "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, conn.Status)

	// Disabled connections drop out of the next cycle entirely.
	p.poll(context.Background())
	assert.Equal(t, 1, adp.pollCalls)
}

func TestPollKeepsCursorOnPartialSubmit(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))
	require.NoError(t, mem.SaveCursor(context.Background(), &model.PollingCursor{
		ConnectionID: "c1",
		Position:     "50",
		LastPolledAt: pollNow.Add(-5 * time.Minute),
	}))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return twoEvents(), "92", nil
	}}
	snk := &recordingSink{failFrom: 2}
	p := newTestPoller(mem, adp, snk, nil)

	p.poll(context.Background())

	// First event was accepted, second failed: the cursor must not move
	// so the window is re-read next tick.
	require.Len(t, snk.got, 1)
	cur, err := mem.Cursors().Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "50", cur.Position)
	assert.Equal(t, pollNow.Add(-5*time.Minute), cur.LastPolledAt)
}

func TestPollEmptyResultStillStampsLastPolled(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))
	require.NoError(t, mem.SaveCursor(context.Background(), &model.PollingCursor{
		ConnectionID: "c1",
		Position:     "50",
		LastPolledAt: pollNow.Add(-5 * time.Minute),
	}))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, cursor, nil
	}}
	p := newTestPoller(mem, adp, &recordingSink{}, nil)

	p.poll(context.Background())

	cur, err := mem.Cursors().Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "50", cur.Position)
	assert.Equal(t, pollNow, cur.LastPolledAt)
}

func TestPollTripsBreakerAfterRepeatedFailures(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), pollerConn("c1")))

	adp := &fakeAdapter{pollFn: func(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error) {
		return nil, "", apperr.New(apperr.CodeUpstreamError, "provider 502")
	}}
	p := newTestPoller(mem, adp, &recordingSink{}, nil)

	p.poll(context.Background())
	p.poll(context.Background())
	assert.Equal(t, 2, adp.pollCalls)

	// Threshold reached: the breaker now fails fast without touching the
	// provider.
	p.poll(context.Background())
	assert.Equal(t, 2, adp.pollCalls)
}
