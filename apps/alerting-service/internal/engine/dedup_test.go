package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

var engineNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func TestFingerprintNormalizes(t *testing.T) {
	assert.Equal(t,
		Fingerprint("Connection POOL exhausted on node 17"),
		Fingerprint("connection pool exhausted on node 42"),
		"digit runs are identity-free")

	assert.Equal(t,
		Fingerprint("request 7f3a1b2c-0000-4d5e-8f9a-1234567890ab timed out"),
		Fingerprint("request 00000000-1111-4222-8333-444455556666 timed out"),
		"uuids are identity-free")

	assert.Equal(t,
		Fingerprint("disk   full\n on /var"),
		Fingerprint("DISK FULL on /var"),
		"whitespace collapses")

	assert.NotEqual(t, Fingerprint("disk full"), Fingerprint("disk fine"))
}

func TestDedupKeyPrefersCallerKey(t *testing.T) {
	a := &model.Alert{TenantID: "t1", ComponentID: "svc-db", Category: "infra",
		Summary: "pool exhausted", DedupKey: "  custom-key  "}
	assert.Equal(t, "custom-key", DedupKey(a))

	a.DedupKey = ""
	key := DedupKey(a)
	assert.Len(t, key, 64, "fallback is a hex sha256")
	assert.Equal(t, key, DedupKey(a), "fallback is deterministic")

	b := *a
	b.Summary = "pool exhausted 999 times"
	assert.NotEqual(t, key, DedupKey(&b), "extra words change the fingerprint")

	c := *a
	c.Summary = "pool exhausted"
	c.TenantID = "t2"
	assert.NotEqual(t, key, DedupKey(&c), "tenant is part of the key")
}

func TestFallbackDedupKeyFieldBoundaries(t *testing.T) {
	assert.NotEqual(t,
		FallbackDedupKey("t1", "ab", "c", "x"),
		FallbackDedupKey("t1", "a", "bc", "x"),
		"field boundaries must not collide")
}

func TestMergeUpgradesSeverityOnly(t *testing.T) {
	existing := &model.Alert{
		Severity:   model.SeverityP2,
		Summary:    "old summary",
		LastSeenAt: engineNow.Add(-10 * time.Minute),
		Labels:     map[string]string{"region": "eu", "node": "n1"},
	}
	arrival := &model.Alert{
		Severity: model.SeverityP1,
		Summary:  "fresh summary",
		Labels:   map[string]string{"node": "n2", "extra": "yes"},
	}

	upgraded := Merge(existing, arrival, engineNow)
	assert.True(t, upgraded)
	assert.Equal(t, model.SeverityP1, existing.Severity)
	assert.Equal(t, "fresh summary", existing.Summary)
	assert.Equal(t, engineNow, existing.LastSeenAt)
	assert.Equal(t, map[string]string{"region": "eu", "node": "n2", "extra": "yes"}, existing.Labels)

	downgrade := &model.Alert{Severity: model.SeverityP4, Summary: "weaker"}
	upgraded = Merge(existing, downgrade, engineNow.Add(time.Minute))
	assert.False(t, upgraded)
	assert.Equal(t, model.SeverityP1, existing.Severity, "severity never downgrades on merge")
	assert.Equal(t, "weaker", existing.Summary)
}

func TestMergeLastSeenNeverRegresses(t *testing.T) {
	existing := &model.Alert{Severity: model.SeverityP2, LastSeenAt: engineNow}
	Merge(existing, &model.Alert{Severity: model.SeverityP2}, engineNow.Add(-time.Hour))
	assert.Equal(t, engineNow, existing.LastSeenAt)
}
