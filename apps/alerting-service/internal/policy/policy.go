// Package policy holds the read-only behavior bundle that tunes the
// alerting core: dedup windows, correlation rules, routing tables,
// escalation ladders, fatigue controls, retry schedules and fallback
// chains. The core never mutates a bundle; operators replace it whole
// through the refresh endpoint.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

// Bundle is one complete policy set. Values loaded from a file or the
// config service win over the compiled-in defaults; a key absent from
// every layer falls back to the zero-value behavior documented on its
// accessor.
type Bundle struct {
	Dedup       DedupConfig       `json:"dedup" yaml:"dedup"`
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	Routing     RoutingConfig     `json:"routing" yaml:"routing"`
	Escalation  EscalationConfig  `json:"escalation" yaml:"escalation"`
	Fatigue     FatigueConfig     `json:"fatigue" yaml:"fatigue"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Fallback    FallbackConfig    `json:"fallback" yaml:"fallback"`
}

// DedupConfig bounds how long a dedup key keeps matching re-arrivals.
// Category overrides win over severity overrides win over the default.
type DedupConfig struct {
	DefaultWindowMinutes int                    `json:"default_window_minutes" yaml:"default_window_minutes" validate:"omitempty,gte=1"`
	ByCategory           map[string]int         `json:"by_category,omitempty" yaml:"by_category,omitempty" validate:"omitempty,dive,gte=1"`
	BySeverity           map[model.Severity]int `json:"by_severity,omitempty" yaml:"by_severity,omitempty" validate:"omitempty,dive,gte=1"`
}

// CorrelationRule declares when an alert belongs to an incident.
// Conditions name the alert fields that must agree with the incident's
// members; DependencyMatch "shared" additionally requires one shared
// dependency ref.
type CorrelationRule struct {
	Name            string   `json:"name" yaml:"name" validate:"required"`
	Conditions      []string `json:"conditions" yaml:"conditions" validate:"min=1"`
	DependencyMatch string   `json:"dependency_match,omitempty" yaml:"dependency_match,omitempty" validate:"omitempty,oneof=shared"`
}

// CorrelationConfig bounds the incident-attachment walk.
type CorrelationConfig struct {
	WindowMinutes int               `json:"window_minutes" yaml:"window_minutes" validate:"omitempty,gte=1"`
	Rules         []CorrelationRule `json:"rules" yaml:"rules" validate:"omitempty,dive"`
}

// RouteSpec is one routing outcome: where an alert's notifications go and
// which escalation ladder drives them.
type RouteSpec struct {
	Channels []model.Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
	Targets  []string        `json:"targets,omitempty" yaml:"targets,omitempty"`
	PolicyID string          `json:"policy_id,omitempty" yaml:"policy_id,omitempty"`
}

// RoutingConfig resolves (channels, targets, policy) per alert: defaults,
// overridden per tenant, with per-severity channel overrides on top.
type RoutingConfig struct {
	Defaults         RouteSpec                          `json:"defaults" yaml:"defaults"`
	TenantOverrides  map[string]RouteSpec               `json:"tenant_overrides,omitempty" yaml:"tenant_overrides,omitempty"`
	SeverityChannels map[model.Severity][]model.Channel `json:"severity_channels,omitempty" yaml:"severity_channels,omitempty"`
}

// EscalationStep is one rung of an escalation ladder.
type EscalationStep struct {
	Order         int             `json:"order" yaml:"order" validate:"gte=1"`
	DelaySeconds  int             `json:"delay_seconds" yaml:"delay_seconds" validate:"gte=0"`
	Channels      []model.Channel `json:"channels" yaml:"channels" validate:"min=1"`
	TargetGroupID string          `json:"target_group_id,omitempty" yaml:"target_group_id,omitempty"`
}

// EscalationPolicy is an ordered ladder. Step 1 fires at ingest; later
// steps are parked on stub notifications until their delay elapses.
type EscalationPolicy struct {
	PolicyID         string           `json:"policy_id" yaml:"policy_id" validate:"required"`
	ContinueAfterAck bool             `json:"continue_after_ack,omitempty" yaml:"continue_after_ack,omitempty"`
	Steps            []EscalationStep `json:"steps" yaml:"steps" validate:"min=1,dive"`
}

// EscalationConfig is the ladder catalog.
type EscalationConfig struct {
	Policies []EscalationPolicy `json:"policies" yaml:"policies" validate:"omitempty,dive"`
}

// RateLimit caps notifications within a sliding window. A zero limit
// disables the cap.
type RateLimit struct {
	MaxNotifications int `json:"max_notifications" yaml:"max_notifications" validate:"omitempty,gte=1"`
	WindowMinutes    int `json:"window_minutes" yaml:"window_minutes" validate:"omitempty,gte=1"`
}

// Enabled reports whether the limit is actually configured.
func (r RateLimit) Enabled() bool {
	return r.MaxNotifications > 0 && r.WindowMinutes > 0
}

// Window is the sliding window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// MaintenanceWindow mutes dispatch for matching alerts. Empty component
// or severity lists match everything.
type MaintenanceWindow struct {
	Name         string           `json:"name,omitempty" yaml:"name,omitempty"`
	ComponentIDs []string         `json:"component_ids,omitempty" yaml:"component_ids,omitempty"`
	Severities   []model.Severity `json:"severities,omitempty" yaml:"severities,omitempty"`
	StartsAt     time.Time        `json:"starts_at" yaml:"starts_at"`
	EndsAt       time.Time        `json:"ends_at" yaml:"ends_at"`
}

// Matches reports whether the window mutes an alert with the given
// component and severity at instant now.
func (w *MaintenanceWindow) Matches(componentID string, severity model.Severity, now time.Time) bool {
	if now.Before(w.StartsAt) || !now.Before(w.EndsAt) {
		return false
	}
	if len(w.ComponentIDs) > 0 && !contains(w.ComponentIDs, componentID) {
		return false
	}
	if len(w.Severities) > 0 {
		found := false
		for _, s := range w.Severities {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SuppressionConfig mutes incident follow-ups for a window after the
// incident's first notification.
type SuppressionConfig struct {
	SuppressFollowupDuringIncident bool `json:"suppress_followup_during_incident" yaml:"suppress_followup_during_incident"`
	SuppressWindowMinutes          int  `json:"suppress_window_minutes" yaml:"suppress_window_minutes" validate:"gte=0"`
}

// Window is the suppression window as a duration.
func (s SuppressionConfig) Window() time.Duration {
	return time.Duration(s.SuppressWindowMinutes) * time.Minute
}

// FatigueConfig gathers every control that keeps alerting bearable.
type FatigueConfig struct {
	RateLimits struct {
		PerAlert RateLimit `json:"per_alert" yaml:"per_alert"`
		PerUser  RateLimit `json:"per_user" yaml:"per_user"`
	} `json:"rate_limits" yaml:"rate_limits"`
	Maintenance []MaintenanceWindow `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	Suppression SuppressionConfig   `json:"suppression" yaml:"suppression"`
}

// RetryPolicy schedules re-dispatch of a failed notification.
// BackoffIntervals are seconds; attempts beyond the last interval reuse
// it. Zero fields inherit from the layer below during resolution.
type RetryPolicy struct {
	MaxAttempts      int    `json:"max_attempts" yaml:"max_attempts" validate:"omitempty,gte=1"`
	BackoffStrategy  string `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	BackoffIntervals []int  `json:"backoff_intervals" yaml:"backoff_intervals" validate:"omitempty,dive,gte=1"`
}

// Backoff returns the delay before the given retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if len(p.BackoffIntervals) == 0 {
		return time.Minute
	}
	if attempt >= len(p.BackoffIntervals) {
		attempt = len(p.BackoffIntervals) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(p.BackoffIntervals[attempt]) * time.Second
}

// RetryConfig resolves the retry policy per dispatch. Severity overrides
// layer on the defaults and channel overrides layer on both, field by
// field.
type RetryConfig struct {
	Defaults   RetryPolicy                    `json:"defaults" yaml:"defaults"`
	ByChannel  map[model.Channel]RetryPolicy  `json:"by_channel,omitempty" yaml:"by_channel,omitempty" validate:"omitempty,dive"`
	BySeverity map[model.Severity]RetryPolicy `json:"by_severity,omitempty" yaml:"by_severity,omitempty" validate:"omitempty,dive"`
}

// FallbackConfig lists the channels to try when one exhausts its
// retries.
type FallbackConfig struct {
	Defaults   []model.Channel                    `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	BySeverity map[model.Severity][]model.Channel `json:"by_severity,omitempty" yaml:"by_severity,omitempty"`
}

// ── Bundle accessors ─────────────────────────────────────────────────────────

// DedupWindow resolves the merge window for a (category, severity) pair.
func (b *Bundle) DedupWindow(category string, severity model.Severity) time.Duration {
	if m, ok := b.Dedup.ByCategory[category]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	if m, ok := b.Dedup.BySeverity[severity]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	if b.Dedup.DefaultWindowMinutes > 0 {
		return time.Duration(b.Dedup.DefaultWindowMinutes) * time.Minute
	}
	return time.Hour
}

// CorrelationWindow bounds how far back the incident walk looks.
func (b *Bundle) CorrelationWindow() time.Duration {
	if b.Correlation.WindowMinutes > 0 {
		return time.Duration(b.Correlation.WindowMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// RouteFor merges the routing layers for one alert: defaults, then the
// tenant's override of any non-empty field, then the severity channel
// override.
func (b *Bundle) RouteFor(tenantID string, severity model.Severity) RouteSpec {
	out := b.Routing.Defaults

	if o, ok := b.Routing.TenantOverrides[tenantID]; ok {
		if len(o.Channels) > 0 {
			out.Channels = o.Channels
		}
		if len(o.Targets) > 0 {
			out.Targets = o.Targets
		}
		if o.PolicyID != "" {
			out.PolicyID = o.PolicyID
		}
	}
	if ch, ok := b.Routing.SeverityChannels[severity]; ok && len(ch) > 0 {
		out.Channels = ch
	}
	return out
}

// EscalationPolicy resolves a ladder by id, with steps in order.
func (b *Bundle) EscalationPolicy(policyID string) (EscalationPolicy, bool) {
	for _, p := range b.Escalation.Policies {
		if p.PolicyID == policyID {
			steps := make([]EscalationStep, len(p.Steps))
			copy(steps, p.Steps)
			sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
			p.Steps = steps
			return p, true
		}
	}
	return EscalationPolicy{}, false
}

// RetryFor resolves the retry policy for a dispatch: defaults, overlaid
// by the severity entry, overlaid by the channel entry, non-zero fields
// only. MaxAttempts never resolves below 1.
func (b *Bundle) RetryFor(channel model.Channel, severity model.Severity) RetryPolicy {
	out := b.Retry.Defaults
	if p, ok := b.Retry.BySeverity[severity]; ok {
		out = overlayRetry(out, p)
	}
	if p, ok := b.Retry.ByChannel[channel]; ok {
		out = overlayRetry(out, p)
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	return out
}

func overlayRetry(base, over RetryPolicy) RetryPolicy {
	if over.MaxAttempts > 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.BackoffStrategy != "" {
		base.BackoffStrategy = over.BackoffStrategy
	}
	if len(over.BackoffIntervals) > 0 {
		base.BackoffIntervals = over.BackoffIntervals
	}
	return base
}

// FallbackFor lists the fallback channels for a severity, minus the
// channel that just exhausted its retries.
func (b *Bundle) FallbackFor(severity model.Severity, failed model.Channel) []model.Channel {
	chain := b.Fallback.Defaults
	if bySev, ok := b.Fallback.BySeverity[severity]; ok && len(bySev) > 0 {
		chain = bySev
	}
	out := make([]model.Channel, 0, len(chain))
	for _, c := range chain {
		if c != failed {
			out = append(out, c)
		}
	}
	return out
}

// MaintenanceFor returns the first maintenance window muting the alert,
// or nil.
func (b *Bundle) MaintenanceFor(componentID string, severity model.Severity, now time.Time) *MaintenanceWindow {
	for i := range b.Fatigue.Maintenance {
		if b.Fatigue.Maintenance[i].Matches(componentID, severity, now) {
			return &b.Fatigue.Maintenance[i]
		}
	}
	return nil
}

// ── Validation ───────────────────────────────────────────────────────────────

var validate = validator.New()

// Validate checks structural constraints plus the enum values the struct
// tags cannot express. A bundle that fails validation is never swapped
// in.
func (b *Bundle) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("policy bundle rejected: %w", err)
	}

	for _, p := range b.Escalation.Policies {
		seen := map[int]bool{}
		for _, s := range p.Steps {
			if seen[s.Order] {
				return fmt.Errorf("policy bundle rejected: escalation policy %s repeats step order %d", p.PolicyID, s.Order)
			}
			seen[s.Order] = true
			if err := validChannels(s.Channels); err != nil {
				return fmt.Errorf("policy bundle rejected: escalation policy %s: %w", p.PolicyID, err)
			}
		}
	}

	if err := validChannels(b.Routing.Defaults.Channels); err != nil {
		return fmt.Errorf("policy bundle rejected: routing defaults: %w", err)
	}
	for tenant, o := range b.Routing.TenantOverrides {
		if err := validChannels(o.Channels); err != nil {
			return fmt.Errorf("policy bundle rejected: tenant %s override: %w", tenant, err)
		}
	}
	for sev, ch := range b.Routing.SeverityChannels {
		if !model.ValidSeverity(sev) {
			return fmt.Errorf("policy bundle rejected: unknown severity %q in routing", sev)
		}
		if err := validChannels(ch); err != nil {
			return fmt.Errorf("policy bundle rejected: severity %s channels: %w", sev, err)
		}
	}
	if err := validChannels(b.Fallback.Defaults); err != nil {
		return fmt.Errorf("policy bundle rejected: fallback defaults: %w", err)
	}
	for sev, ch := range b.Fallback.BySeverity {
		if !model.ValidSeverity(sev) {
			return fmt.Errorf("policy bundle rejected: unknown severity %q in fallback", sev)
		}
		if err := validChannels(ch); err != nil {
			return fmt.Errorf("policy bundle rejected: severity %s fallback: %w", sev, err)
		}
	}

	for _, w := range b.Fatigue.Maintenance {
		if !w.EndsAt.After(w.StartsAt) {
			return fmt.Errorf("policy bundle rejected: maintenance window %q ends before it starts", w.Name)
		}
		for _, s := range w.Severities {
			if !model.ValidSeverity(s) {
				return fmt.Errorf("policy bundle rejected: maintenance window %q: unknown severity %q", w.Name, s)
			}
		}
	}
	return nil
}

func validChannels(chs []model.Channel) error {
	for _, c := range chs {
		if !model.ValidChannel(c) {
			return fmt.Errorf("unknown channel %q", c)
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Defaults is the compiled-in bundle used until the first refresh. The
// values here only seed behavior; anything loaded from a file or the
// config service replaces them wholesale.
func Defaults() *Bundle {
	b := &Bundle{
		Dedup: DedupConfig{
			DefaultWindowMinutes: 60,
			BySeverity: map[model.Severity]int{
				model.SeverityP0: 240,
				model.SeverityP1: 120,
			},
		},
		Correlation: CorrelationConfig{
			WindowMinutes: 10,
			Rules: []CorrelationRule{
				{Name: "same-component", Conditions: []string{"component_id"}},
				{Name: "shared-dependency", Conditions: []string{"category"}, DependencyMatch: "shared"},
			},
		},
		Routing: RoutingConfig{
			Defaults: RouteSpec{
				Channels: []model.Channel{model.ChannelEmail},
				Targets:  []string{"group:oncall-primary"},
				PolicyID: "standard",
			},
			SeverityChannels: map[model.Severity][]model.Channel{
				model.SeverityP0: {model.ChannelSMS, model.ChannelVoice},
				model.SeverityP1: {model.ChannelSMS, model.ChannelEmail},
			},
		},
		Escalation: EscalationConfig{
			Policies: []EscalationPolicy{
				{
					PolicyID: "standard",
					Steps: []EscalationStep{
						{Order: 1, DelaySeconds: 0, Channels: []model.Channel{model.ChannelEmail}},
						{Order: 2, DelaySeconds: 300, Channels: []model.Channel{model.ChannelSMS}},
						{Order: 3, DelaySeconds: 900, Channels: []model.Channel{model.ChannelVoice}, TargetGroupID: "group:oncall-secondary"},
					},
				},
				{
					PolicyID:         "critical",
					ContinueAfterAck: true,
					Steps: []EscalationStep{
						{Order: 1, DelaySeconds: 0, Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail}},
						{Order: 2, DelaySeconds: 120, Channels: []model.Channel{model.ChannelVoice}},
						{Order: 3, DelaySeconds: 600, Channels: []model.Channel{model.ChannelVoice}, TargetGroupID: "group:incident-commanders"},
					},
				},
			},
		},
		Retry: RetryConfig{
			Defaults: RetryPolicy{
				MaxAttempts:      3,
				BackoffStrategy:  "exponential",
				BackoffIntervals: []int{60, 300, 900},
			},
			ByChannel: map[model.Channel]RetryPolicy{
				model.ChannelWebhook: {
					MaxAttempts:      5,
					BackoffStrategy:  "exponential",
					BackoffIntervals: []int{30, 60, 120, 300, 600},
				},
			},
		},
		Fallback: FallbackConfig{
			Defaults: []model.Channel{model.ChannelEmail},
			BySeverity: map[model.Severity][]model.Channel{
				model.SeverityP0: {model.ChannelVoice, model.ChannelSMS, model.ChannelEmail},
				model.SeverityP1: {model.ChannelSMS, model.ChannelEmail},
			},
		},
	}
	b.Fatigue.RateLimits.PerAlert = RateLimit{MaxNotifications: 10, WindowMinutes: 60}
	b.Fatigue.RateLimits.PerUser = RateLimit{MaxNotifications: 20, WindowMinutes: 60}
	b.Fatigue.Suppression = SuppressionConfig{
		SuppressFollowupDuringIncident: true,
		SuppressWindowMinutes:          30,
	}
	return b
}
