// Package model defines the alerting plane's aggregates: alerts, the
// incidents that group them, the notifications that carry them to humans
// and machines, and per-user delivery preferences.
package model

import (
	"time"
)

// Severity ranks an alert's urgency. P0 pages everyone; P4 is a whisper.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3, SeverityP4:
		return true
	}
	return false
}

// SeverityRank orders severities for comparisons: lower is more urgent.
// Unknown severities rank below P4 so they never win an upgrade.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	case SeverityP4:
		return 4
	}
	return 5
}

// MoreSevere reports whether a outranks b.
func MoreSevere(a, b Severity) bool {
	return SeverityRank(a) < SeverityRank(b)
}

// AlertStatus tracks an alert through its lifecycle.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertSnoozed      AlertStatus = "snoozed"
	AlertResolved     AlertStatus = "resolved"
)

// ValidAlertStatus reports whether s is a known lifecycle status.
func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertOpen, AlertAcknowledged, AlertSnoozed, AlertResolved:
		return true
	}
	return false
}

// Alert is one deduplicated condition demanding attention. DedupKey
// collapses re-arrivals of the same condition onto one row: matches
// within the dedup window extend LastSeenAt instead of creating noise.
type Alert struct {
	AlertID      string            `json:"alert_id"`
	TenantID     string            `json:"tenant_id"`
	SourceModule string            `json:"source_module,omitempty"`
	ComponentID  string            `json:"component_id"`
	Severity     Severity          `json:"severity"`
	Category     string            `json:"category"`
	Summary      string            `json:"summary"`
	Labels       map[string]string `json:"labels,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	LastSeenAt time.Time  `json:"last_seen_at"`

	DedupKey   string      `json:"dedup_key"`
	IncidentID string      `json:"incident_id,omitempty"`
	Status     AlertStatus `json:"status"`

	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	// Suppressed marks alerts that arrived inside a maintenance window:
	// persisted for the record, never dispatched.
	Suppressed bool `json:"suppressed,omitempty"`
	// ContinueAfterAck carries the bound escalation policy's setting so
	// the sweeper can honor it without re-resolving the policy.
	ContinueAfterAck bool `json:"continue_after_ack,omitempty"`

	AutomationHooks []string  `json:"automation_hooks,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SnoozeExpired reports whether a snoozed alert's window has lapsed.
func (a *Alert) SnoozeExpired(now time.Time) bool {
	return a.Status == AlertSnoozed && a.SnoozedUntil != nil && !now.Before(*a.SnoozedUntil)
}

// IncidentStatus tracks an incident through its lifecycle.
type IncidentStatus string

const (
	IncidentOpen      IncidentStatus = "open"
	IncidentMitigated IncidentStatus = "mitigated"
	IncidentResolved  IncidentStatus = "resolved"
)

// Incident groups correlated alerts. Severity is the worst of its
// members. Mitigation aborts pending escalation but leaves member alerts
// open; resolution happens when every member resolves.
type Incident struct {
	IncidentID string         `json:"incident_id"`
	TenantID   string         `json:"tenant_id"`
	Severity   Severity       `json:"severity"`
	Status     IncidentStatus `json:"status"`

	OpenedAt    time.Time  `json:"opened_at"`
	MitigatedAt *time.Time `json:"mitigated_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	AlertIDs        []string `json:"alert_ids"`
	CorrelationKeys []string `json:"correlation_keys,omitempty"`
	DependencyRefs  []string `json:"dependency_refs,omitempty"`

	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasAlert reports whether the incident already contains the alert.
func (i *Incident) HasAlert(alertID string) bool {
	for _, id := range i.AlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}

// Channel is a notification delivery medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelVoice   Channel = "voice"
	ChannelWebhook Channel = "webhook"
)

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelVoice, ChannelWebhook:
		return true
	}
	return false
}

// NotificationStatus tracks one delivery attempt chain. sent, failed and
// cancelled are terminal.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

// Failure and cancellation reasons recorded on terminal notifications.
const (
	ReasonQuietHours         = "quiet_hours_or_preference"
	ReasonFallbackCreated    = "exhausted_retries_fallback_created"
	ReasonNoFallback         = "exhausted_retries_no_fallback"
	ReasonRateLimited        = "rate_limited"
	ReasonEscalationAborted  = "escalation_aborted"
	ReasonIncidentSuppressed = "incident_followup_suppressed"
)

// Notification is one (target, channel) delivery of an alert. Stub rows
// are future escalation steps parked on NextAttemptAt; the sweeper claims
// them when due and expands them into real per-target notifications.
type Notification struct {
	NotificationID string             `json:"notification_id"`
	TenantID       string             `json:"tenant_id"`
	AlertID        string             `json:"alert_id"`
	IncidentID     string             `json:"incident_id,omitempty"`
	TargetID       string             `json:"target_id,omitempty"`
	Channel        Channel            `json:"channel,omitempty"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	NextAttemptAt  *time.Time         `json:"next_attempt_at,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	PolicyID       string             `json:"policy_id,omitempty"`

	Stub      bool `json:"stub,omitempty"`
	StepOrder int  `json:"step_order,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the notification needs no further work.
func (n *Notification) Terminal() bool {
	switch n.Status {
	case NotificationSent, NotificationFailed, NotificationCancelled:
		return true
	}
	return false
}

// QuietHours is a daily do-not-disturb interval in the user's timezone.
// Start and End are "HH:MM"; an interval may wrap midnight (22:00-07:00).
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// UserPreference gates dispatch per user: which channels they accept, how
// severe an alert must be per channel, and when not to disturb them.
type UserPreference struct {
	UserID          string               `json:"user_id"`
	TenantID        string               `json:"tenant_id"`
	AllowedChannels []Channel            `json:"allowed_channels,omitempty"`
	MinSeverity     map[Channel]Severity `json:"min_severity,omitempty"`
	QuietHours      *QuietHours          `json:"quiet_hours,omitempty"`
	Timezone        string               `json:"timezone,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// ChannelAllowed reports whether the user accepts the channel at all. An
// empty allow-list allows everything.
func (p *UserPreference) ChannelAllowed(c Channel) bool {
	if p == nil || len(p.AllowedChannels) == 0 {
		return true
	}
	for _, allowed := range p.AllowedChannels {
		if allowed == c {
			return true
		}
	}
	return false
}

// SevereEnough reports whether the alert severity clears the user's
// per-channel threshold. No threshold means everything clears.
func (p *UserPreference) SevereEnough(c Channel, s Severity) bool {
	if p == nil || p.MinSeverity == nil {
		return true
	}
	min, ok := p.MinSeverity[c]
	if !ok {
		return true
	}
	return SeverityRank(s) <= SeverityRank(min)
}

// DeliveryLog is the audit record of one channel send attempt.
type DeliveryLog struct {
	LogID          string    `json:"log_id"`
	TenantID       string    `json:"tenant_id"`
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Target         string    `json:"target"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delivery log statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// Stream event types. alert.* events carry the alert snapshot; heartbeat
// keeps idle subscribers alive.
const (
	EventAlertCreated      = "alert.created"
	EventAlertUpdated      = "alert.updated"
	EventAlertAcknowledged = "alert.acknowledged"
	EventAlertResolved     = "alert.resolved"
	EventAlertSnoozed      = "alert.snoozed"
	EventAlertUnsnoozed    = "alert.unsnoozed"
	EventHeartbeat         = "heartbeat"
)

// StreamEvent is the wire shape fanned out to stream subscribers and
// published on the alert lifecycle subjects.
type StreamEvent struct {
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Alert     *Alert            `json:"alert,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
