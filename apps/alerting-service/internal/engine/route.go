package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/client"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
)

// Route is the resolved dispatch plan for one alert: who to notify, on
// which channels, driven by which escalation ladder.
type Route struct {
	Channels []model.Channel
	Targets  []string
	Policy   policy.EscalationPolicy
}

// Router resolves routing specs into concrete plans, expanding logical
// targets through the identity service.
type Router struct {
	identity *client.IdentityClient
	logger   *zap.Logger
}

// NewRouter wires the identity collaborator; identity may be nil, in
// which case logical targets pass through unexpanded.
func NewRouter(identity *client.IdentityClient, logger *zap.Logger) *Router {
	return &Router{identity: identity, logger: logger}
}

// Resolve merges the bundle's routing layers for the alert and expands
// its targets. A missing escalation ladder degrades to a synthetic
// single-step ladder over the routed channels, so an alert never routes
// into a void.
func (r *Router) Resolve(ctx context.Context, b *policy.Bundle, a *model.Alert) Route {
	spec := b.RouteFor(a.TenantID, a.Severity)

	pol, ok := b.EscalationPolicy(spec.PolicyID)
	if !ok {
		if spec.PolicyID != "" {
			r.logger.Warn("escalation policy missing, using single-step ladder",
				zap.String("policy_id", spec.PolicyID),
				zap.String("tenant_id", a.TenantID))
		}
		pol = syntheticPolicy(spec)
	}

	return Route{
		Channels: spec.Channels,
		Targets:  r.ExpandTargets(ctx, a.TenantID, spec.Targets),
		Policy:   pol,
	}
}

// ExpandTargets resolves logical targets to user ids, deduplicated in
// first-seen order. Degraded expansions pass through unexpanded and are
// logged so on-call gaps stay visible.
func (r *Router) ExpandTargets(ctx context.Context, tenantID string, targets []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, target := range targets {
		exp := r.identity.Expand(ctx, tenantID, target)
		if exp.Degraded {
			r.logger.Warn("identity expansion degraded, passing target through",
				zap.String("tenant_id", tenantID),
				zap.String("target", target),
				zap.String("reason", exp.Reason))
		}
		for _, u := range exp.Users {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// StepChannels picks the channels for one escalation step: the step's
// own list, else the route's.
func StepChannels(step policy.EscalationStep, route Route) []model.Channel {
	if len(step.Channels) > 0 {
		return step.Channels
	}
	return route.Channels
}

func syntheticPolicy(spec policy.RouteSpec) policy.EscalationPolicy {
	return policy.EscalationPolicy{
		PolicyID: spec.PolicyID,
		Steps: []policy.EscalationStep{
			{Order: 1, DelaySeconds: 0, Channels: spec.Channels},
		},
	}
}
