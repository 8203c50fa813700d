package pipeline

import (
	"strings"
	"sync"

	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

// Rule matches envelopes onto routing classes. Empty matcher fields mean
// "any". TenantID scopes a rule to one tenant's traffic; rules without it
// apply globally.
type Rule struct {
	TenantID   string
	Kinds      []envelope.Kind
	TypeExact  string
	TypePrefix string
	Classes    []envelope.Class
}

func (r Rule) matches(env *envelope.SignalEnvelope) bool {
	if r.TenantID != "" && r.TenantID != env.TenantID {
		return false
	}
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == env.SignalKind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.TypeExact != "" && r.TypeExact != env.SignalType {
		return false
	}
	if r.TypePrefix != "" && !strings.HasPrefix(env.SignalType, r.TypePrefix) {
		return false
	}
	return true
}

// Router evaluates routing rules and produces the set of classes an
// envelope fans out to. Matching is additive across rules; a signal may
// belong to several classes.
type Router struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRouter seeds the global defaults: events feed detection and
// analytics, the rest of the telemetry kinds feed analytics, and
// audit-prefixed types additionally land in the evidence store.
func NewRouter() *Router {
	return &Router{rules: []Rule{
		{Kinds: []envelope.Kind{envelope.KindEvent}, Classes: []envelope.Class{envelope.ClassRealtimeDetection, envelope.ClassAnalyticsStore}},
		{Kinds: []envelope.Kind{envelope.KindMetric, envelope.KindLog, envelope.KindTrace}, Classes: []envelope.Class{envelope.ClassAnalyticsStore}},
		{TypePrefix: "audit_", Classes: []envelope.Class{envelope.ClassEvidenceStore}},
	}}
}

// Add appends a rule; used for tenant-specific classes.
func (r *Router) Add(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Classes returns the distinct classes for an envelope, in first-match
// order. A signal nothing matched still lands in the analytics store so
// no accepted envelope is silently dropped.
func (r *Router) Classes(env *envelope.SignalEnvelope) []envelope.Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[envelope.Class]bool{}
	var out []envelope.Class
	for _, rule := range r.rules {
		if !rule.matches(env) {
			continue
		}
		for _, c := range rule.Classes {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, envelope.ClassAnalyticsStore)
	}
	return out
}
