package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

func normContract() *model.DataContract {
	return &model.DataContract{
		SignalType:      "deploy_finished",
		ContractVersion: "1.0.0",
		RequiredFields:  []string{"status"},
		OptionalFields:  []string{"duration_ms"},
		FieldMappings:   map[string]string{"deployStatus": "status"},
		UnitConversions: map[string]model.UnitConversion{
			"duration_s": {FromUnit: "s", ToUnit: "ms", Factor: 1000, TargetField: "duration_ms"},
		},
	}
}

func normEnvelope(payload map[string]interface{}) *envelope.SignalEnvelope {
	return &envelope.SignalEnvelope{
		SignalID:      "sig-norm",
		TenantID:      "t1",
		Environment:   envelope.EnvProd,
		ProducerID:    "p1",
		SignalKind:    envelope.KindEvent,
		SignalType:    "Deploy Finished",
		OccurredAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:       payload,
		SchemaVersion: "1.0.0",
	}
}

func TestNormalizeRenamesAndConverts(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)
	env := normEnvelope(map[string]interface{}{
		"deployStatus": "Success",
		"duration_s":   1.5,
	})

	Normalize(env, normContract(), now)

	assert.Equal(t, "success", env.Payload["status"])
	assert.NotContains(t, env.Payload, "deployStatus")
	assert.Equal(t, 1500.0, env.Payload["duration_ms"])
	assert.NotContains(t, env.Payload, "duration_s")
	assert.Equal(t, "deploy_finished", env.SignalType)
	assert.Equal(t, now, env.IngestedAt)
}

func TestNormalizeKeepsExistingIngestedAt(t *testing.T) {
	stamped := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	env := normEnvelope(map[string]interface{}{"status": "ok"})
	env.IngestedAt = stamped

	Normalize(env, normContract(), time.Now())
	assert.Equal(t, stamped, env.IngestedAt)
}

func TestNormalizeIdempotent(t *testing.T) {
	env := normEnvelope(map[string]interface{}{
		"deployStatus": "Rolled-Back",
		"duration_s":   3,
		"severity":     "HIGH",
	})
	now := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)

	Normalize(env, normContract(), now)
	once := env.Clone()

	Normalize(env, normContract(), now.Add(time.Hour))
	assert.Equal(t, once.Payload, env.Payload)
	assert.Equal(t, once.SignalType, env.SignalType)
	assert.Equal(t, once.IngestedAt, env.IngestedAt)
}

func TestNormalizeCanonicalCasingTargetsEnumKeys(t *testing.T) {
	env := normEnvelope(map[string]interface{}{
		"status":  "In Progress",
		"level":   "WARN",
		"message": "Keep My Casing",
	})

	Normalize(env, normContract(), time.Now())

	assert.Equal(t, "in_progress", env.Payload["status"])
	assert.Equal(t, "warn", env.Payload["level"])
	assert.Equal(t, "Keep My Casing", env.Payload["message"])
}

func TestNormalizeNilPayload(t *testing.T) {
	env := normEnvelope(nil)
	Normalize(env, normContract(), time.Now())
	require.NotNil(t, env.Payload)
}

func TestCanonicalToken(t *testing.T) {
	cases := map[string]string{
		"PR Opened":          "pr_opened",
		"pr-opened":          "pr_opened",
		"  Deploy  Finished": "deploy_finished",
		"already_canonical":  "already_canonical",
		"alert.quota_breach": "alert.quota_breach",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalToken(in), in)
	}
}

func TestRouterDefaults(t *testing.T) {
	r := NewRouter()

	event := normEnvelope(nil)
	event.SignalType = "deploy_finished"
	assert.Equal(t,
		[]envelope.Class{envelope.ClassRealtimeDetection, envelope.ClassAnalyticsStore},
		r.Classes(event))

	metric := normEnvelope(nil)
	metric.SignalKind = envelope.KindMetric
	assert.Equal(t, []envelope.Class{envelope.ClassAnalyticsStore}, r.Classes(metric))

	audit := normEnvelope(nil)
	audit.SignalType = "audit_login"
	classes := r.Classes(audit)
	assert.Contains(t, classes, envelope.ClassEvidenceStore)
	assert.Contains(t, classes, envelope.ClassRealtimeDetection)
}

func TestRouterTenantRule(t *testing.T) {
	r := NewRouter()
	r.Add(Rule{TenantID: "t1", Kinds: []envelope.Kind{envelope.KindMetric}, Classes: []envelope.Class{"tenant_lake"}})

	metric := normEnvelope(nil)
	metric.SignalKind = envelope.KindMetric

	assert.Contains(t, r.Classes(metric), envelope.Class("tenant_lake"))

	other := normEnvelope(nil)
	other.SignalKind = envelope.KindMetric
	other.TenantID = "t2"
	assert.NotContains(t, r.Classes(other), envelope.Class("tenant_lake"))
}
