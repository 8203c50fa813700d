package engine

import (
	"strings"
	"time"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
)

// Condition fields a correlation rule may name. tenant_id always agrees
// inside a tenant-scoped walk but stays supported so bundles read
// naturally.
const (
	condTenant    = "tenant_id"
	condSeverity  = "severity"
	condCategory  = "category"
	condComponent = "component_id"
	condSource    = "source_module"
)

// CorrelationKeys renders the alert's condition values in field:value
// form. Incidents accumulate these from every member, which lets a rule
// check agreement against the whole membership without loading rows.
func CorrelationKeys(a *model.Alert) []string {
	return []string{
		condSeverity + ":" + string(a.Severity),
		condCategory + ":" + a.Category,
		condComponent + ":" + a.ComponentID,
		condSource + ":" + a.SourceModule,
	}
}

// DependencyRefs derives the alert's dependency references: its own
// component plus any comma-separated depends_on label entries.
func DependencyRefs(a *model.Alert) []string {
	refs := []string{a.ComponentID}
	if deps, ok := a.Labels["depends_on"]; ok {
		for _, d := range strings.Split(deps, ",") {
			if d = strings.TrimSpace(d); d != "" {
				refs = append(refs, d)
			}
		}
	}
	return refs
}

// MatchIncident applies the bundle's correlation rules in order against
// the candidate incidents and returns the first incident the alert
// attaches to, or nil. Candidates are the tenant's open incidents inside
// the correlation window.
func MatchIncident(b *policy.Bundle, a *model.Alert, candidates []model.Incident) *model.Incident {
	refs := DependencyRefs(a)
	for _, rule := range b.Correlation.Rules {
		for i := range candidates {
			if ruleMatches(rule, a, &candidates[i], refs) {
				return &candidates[i]
			}
		}
	}
	return nil
}

func ruleMatches(rule policy.CorrelationRule, a *model.Alert, inc *model.Incident, refs []string) bool {
	for _, cond := range rule.Conditions {
		if !conditionAgrees(cond, a, inc) {
			return false
		}
	}
	if rule.DependencyMatch == "shared" && !sharesDependency(refs, inc.DependencyRefs) {
		return false
	}
	return true
}

func conditionAgrees(cond string, a *model.Alert, inc *model.Incident) bool {
	switch cond {
	case condTenant:
		return a.TenantID == inc.TenantID
	case condSeverity:
		return hasKey(inc.CorrelationKeys, condSeverity+":"+string(a.Severity))
	case condCategory:
		return hasKey(inc.CorrelationKeys, condCategory+":"+a.Category)
	case condComponent:
		return hasKey(inc.CorrelationKeys, condComponent+":"+a.ComponentID)
	case condSource:
		return hasKey(inc.CorrelationKeys, condSource+":"+a.SourceModule)
	}
	// Unknown condition fields never agree; a typo in a bundle must not
	// silently correlate everything.
	return false
}

func sharesDependency(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func hasKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Seed opens a new incident around the alert.
func Seed(a *model.Alert, incidentID string, now time.Time) *model.Incident {
	return &model.Incident{
		IncidentID:      incidentID,
		TenantID:        a.TenantID,
		Severity:        a.Severity,
		Status:          model.IncidentOpen,
		OpenedAt:        now,
		AlertIDs:        []string{a.AlertID},
		CorrelationKeys: CorrelationKeys(a),
		DependencyRefs:  DependencyRefs(a),
		UpdatedAt:       now,
	}
}

// Attach folds the alert into an existing incident: membership, keys and
// dependency refs extend, severity takes the worst of both.
func Attach(inc *model.Incident, a *model.Alert, now time.Time) {
	if !inc.HasAlert(a.AlertID) {
		inc.AlertIDs = append(inc.AlertIDs, a.AlertID)
	}
	inc.CorrelationKeys = union(inc.CorrelationKeys, CorrelationKeys(a))
	inc.DependencyRefs = union(inc.DependencyRefs, DependencyRefs(a))
	if model.MoreSevere(a.Severity, inc.Severity) {
		inc.Severity = a.Severity
	}
	inc.UpdatedAt = now
}

func union(base, extra []string) []string {
	for _, x := range extra {
		if !hasKey(base, x) {
			base = append(base, x)
		}
	}
	return base
}
