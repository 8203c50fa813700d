// Package engine holds the alerting decision logic: dedup keys and
// merges, incident correlation, route resolution and the fatigue gates.
// Everything here is deterministic; persistence and transport stay in
// the service layer.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

var (
	uuidRun  = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	digitRun = regexp.MustCompile(`[0-9]+`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// Fingerprint canonicalizes an alert summary for dedup hashing:
// lowercased, uuid and digit runs stripped, whitespace collapsed. Two
// summaries differing only in ids or counts fingerprint identically.
func Fingerprint(summary string) string {
	s := strings.ToLower(summary)
	s = uuidRun.ReplaceAllString(s, "")
	s = digitRun.ReplaceAllString(s, "")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// DedupKey returns the caller-supplied key when present, else the
// fallback hash over (tenant, component, category, summary fingerprint).
func DedupKey(a *model.Alert) string {
	if k := strings.TrimSpace(a.DedupKey); k != "" {
		return k
	}
	return FallbackDedupKey(a.TenantID, a.ComponentID, a.Category, a.Summary)
}

// FallbackDedupKey hashes the identifying fields with a separator so
// field boundaries cannot collide.
func FallbackDedupKey(tenantID, componentID, category, summary string) string {
	h := sha256.New()
	for _, part := range []string{tenantID, componentID, category, Fingerprint(summary)} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Merge folds a re-arrival into the existing open alert: last_seen_at
// advances (never regresses), the summary refreshes, severity upgrades
// only, and labels re-merge with arrival values winning. Returns true
// when the merge upgraded severity.
func Merge(existing, arrival *model.Alert, now time.Time) bool {
	if now.After(existing.LastSeenAt) {
		existing.LastSeenAt = now
	}
	if s := strings.TrimSpace(arrival.Summary); s != "" {
		existing.Summary = s
	}

	upgraded := false
	if model.MoreSevere(arrival.Severity, existing.Severity) {
		existing.Severity = arrival.Severity
		upgraded = true
	}

	if len(arrival.Labels) > 0 {
		if existing.Labels == nil {
			existing.Labels = map[string]string{}
		}
		for k, v := range arrival.Labels {
			existing.Labels[k] = v
		}
	}
	return upgraded
}
