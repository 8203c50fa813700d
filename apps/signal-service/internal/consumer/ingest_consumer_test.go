package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/pipeline"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/redisclient"
	"github.com/beaconops/beacon-core/packages/go-core/retry"
)

const (
	testTenant   = "tenant-a"
	testProducer = "ci-runner-1"
)

// recordingSink counts deliveries; the consumer tests only care whether
// fan-out happened, not where.
type recordingSink struct {
	mu    sync.Mutex
	count int
}

func (s *recordingSink) Publish(context.Context, envelope.Class, *envelope.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *recordingSink) deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// failingProducers simulates a registry outage so the pipeline produces a
// retryable rejection.
type failingProducers struct{ err error }

func (f failingProducers) Create(context.Context, *model.ProducerRegistration) error { return f.err }
func (f failingProducers) Get(context.Context, string, string) (*model.ProducerRegistration, error) {
	return nil, f.err
}
func (f failingProducers) Update(context.Context, *model.ProducerRegistration) error { return f.err }

func newConsumer(t *testing.T, producers store.ProducerStore) (*IngestConsumer, *recordingSink) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := &redisclient.Client{
		R:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Log: zaptest.NewLogger(t),
	}
	t.Cleanup(rc.Close)

	mem := store.NewMemory()
	if producers == nil {
		require.NoError(t, mem.Create(context.Background(), &model.ProducerRegistration{
			ProducerID:         testProducer,
			TenantID:           testTenant,
			Plane:              "code",
			AllowedSignalKinds: []envelope.Kind{envelope.KindEvent},
			Status:             model.ProducerActive,
			CreatedAt:          time.Now().UTC(),
		}))
		producers = mem
	}
	require.NoError(t, mem.CreateContract(context.Background(), &model.DataContract{
		SignalType:      "deploy_finished",
		ContractVersion: "1.0.0",
		RequiredFields:  []string{"status"},
		CreatedAt:       time.Now().UTC(),
	}))

	snk := &recordingSink{}
	p := pipeline.New(pipeline.Config{
		Producers:   producers,
		Contracts:   mem.Contracts(),
		DLQ:         mem.DLQ(),
		Governance:  mem.Governance(),
		State:       store.NewStateStore(rc, 24*time.Hour, time.Hour),
		Sink:        snk,
		Log:         zaptest.NewLogger(t),
		FanoutRetry: retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	return NewIngestConsumer(nil, p, zaptest.NewLogger(t)), snk
}

func intakeBytes(t *testing.T, mutate ...func(*envelope.SignalEnvelope)) []byte {
	t.Helper()
	env := &envelope.SignalEnvelope{
		SignalID:      "sig-1",
		TenantID:      testTenant,
		Environment:   envelope.EnvProd,
		ProducerID:    testProducer,
		SignalKind:    envelope.KindEvent,
		SignalType:    "deploy_finished",
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:       map[string]interface{}{"status": "success"},
		SchemaVersion: "1.0.0",
	}
	for _, m := range mutate {
		m(env)
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestProcessEnvelopeAccepted(t *testing.T) {
	c, snk := newConsumer(t, nil)

	d := c.processEnvelope(context.Background(), "signals.ingest."+testTenant, intakeBytes(t))

	assert.Equal(t, dispositionAck, d)
	assert.Greater(t, snk.deliveries(), 0, "accepted envelope must fan out")
}

func TestProcessEnvelopeMalformedJSON(t *testing.T) {
	c, snk := newConsumer(t, nil)

	d := c.processEnvelope(context.Background(), "signals.ingest."+testTenant, []byte(`{invalid`))

	assert.Equal(t, dispositionTerm, d)
	assert.Zero(t, snk.deliveries())
}

func TestProcessEnvelopeBadSubject(t *testing.T) {
	c, _ := newConsumer(t, nil)

	for _, subject := range []string{
		"signals.ingest",
		"signals.routed.realtime_detection.tenant-a",
		"signals.ingest.tenant-a.extra",
	} {
		d := c.processEnvelope(context.Background(), subject, intakeBytes(t))
		assert.Equal(t, dispositionTerm, d, "subject %q must be terminated", subject)
	}
}

func TestProcessEnvelopeTenantMismatchAcks(t *testing.T) {
	// Isolation violations are terminal: redelivery cannot fix a spoofed
	// tenant, so the message must not loop.
	c, snk := newConsumer(t, nil)

	d := c.processEnvelope(context.Background(), "signals.ingest.tenant-b", intakeBytes(t))

	assert.Equal(t, dispositionAck, d)
	assert.Zero(t, snk.deliveries())
}

func TestProcessEnvelopeTransientFailureNaks(t *testing.T) {
	c, _ := newConsumer(t, failingProducers{err: errors.New("connection refused")})

	d := c.processEnvelope(context.Background(), "signals.ingest."+testTenant, intakeBytes(t))

	assert.Equal(t, dispositionNak, d)
}

func TestProcessEnvelopeDuplicateAcks(t *testing.T) {
	c, snk := newConsumer(t, nil)

	first := c.processEnvelope(context.Background(), "signals.ingest."+testTenant, intakeBytes(t))
	require.Equal(t, dispositionAck, first)
	delivered := snk.deliveries()

	second := c.processEnvelope(context.Background(), "signals.ingest."+testTenant, intakeBytes(t))
	assert.Equal(t, dispositionAck, second, "duplicate is an idempotent no-op, not a redelivery loop")
	assert.Equal(t, delivered, snk.deliveries(), "duplicate must not fan out again")
}

func TestTenantFromSubject(t *testing.T) {
	got, err := tenantFromSubject("signals.ingest.tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got)

	for _, bad := range []string{"", "signals", "signals.ingest.", "alerts.lifecycle.created.tenant-a"} {
		_, err := tenantFromSubject(bad)
		assert.Error(t, err, "subject %q", bad)
	}
}
