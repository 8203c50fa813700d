// Package model defines the integration plane's aggregates: provider
// connections, their webhook registrations and polling cursors, provider
// events on the way in, and outbound actions on the way out.
package model

import (
	"time"

	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

// Capability names one thing a connection may do. A connection's enabled
// set is configured by the tenant; the adapter's supported set is fixed
// per provider. A capability is effective only when it is in both.
type Capability string

const (
	CapabilityWebhook         Capability = "webhook"
	CapabilityPolling         Capability = "polling"
	CapabilityOutboundActions Capability = "outbound_actions"
)

// ValidCapability reports whether c is a known capability name.
func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityWebhook, CapabilityPolling, CapabilityOutboundActions:
		return true
	}
	return false
}

// CapabilitySet is what an adapter implementation supports for its
// provider, independent of any connection's configuration.
type CapabilitySet struct {
	Webhook         bool `json:"webhook"`
	Polling         bool `json:"polling"`
	OutboundActions bool `json:"outbound_actions"`
}

// Supports reports whether the set includes the named capability.
func (s CapabilitySet) Supports(c Capability) bool {
	switch c {
	case CapabilityWebhook:
		return s.Webhook
	case CapabilityPolling:
		return s.Polling
	case CapabilityOutboundActions:
		return s.OutboundActions
	}
	return false
}

// ConnectionStatus tracks a connection through its lifecycle. Connections
// are never hard-deleted; "deleted" is a terminal status.
type ConnectionStatus string

const (
	ConnectionPendingVerification ConnectionStatus = "pending_verification"
	ConnectionActive              ConnectionStatus = "active"
	ConnectionSuspended           ConnectionStatus = "suspended"
	ConnectionError               ConnectionStatus = "error"
	ConnectionDeleted             ConnectionStatus = "deleted"
)

// ValidConnectionStatus reports whether s is a known lifecycle status.
func ValidConnectionStatus(s ConnectionStatus) bool {
	switch s {
	case ConnectionPendingVerification, ConnectionActive, ConnectionSuspended,
		ConnectionError, ConnectionDeleted:
		return true
	}
	return false
}

// Connection binds a tenant to one external provider account. AuthRef is
// an opaque handle into the secret store — credentials never live in
// Postgres. BaseURL overrides the provider's default API endpoint for
// self-hosted or enterprise installs.
type Connection struct {
	ConnectionID        string               `json:"connection_id"`
	TenantID            string               `json:"tenant_id"`
	ProviderID          string               `json:"provider_id"`
	AuthRef             string               `json:"auth_ref"`
	BaseURL             string               `json:"base_url,omitempty"`
	Environment         envelope.Environment `json:"environment"`
	EnabledCapabilities []Capability         `json:"enabled_capabilities"`
	Status              ConnectionStatus     `json:"status"`
	PollIntervalSec     int                  `json:"poll_interval_sec"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// HasCapability reports whether the tenant enabled the capability on
// this connection.
func (c *Connection) HasCapability(cap Capability) bool {
	for _, enabled := range c.EnabledCapabilities {
		if enabled == cap {
			return true
		}
	}
	return false
}

// RegistrationStatus tracks a webhook registration.
type RegistrationStatus string

const (
	RegistrationActive  RegistrationStatus = "active"
	RegistrationRevoked RegistrationStatus = "revoked"
)

// WebhookRegistration is the public-facing token for one inbound webhook
// route. The registration_id appears in provider-side webhook URLs, so
// lookups key on it rather than on the connection_id to keep connection
// ids unguessable from outside.
type WebhookRegistration struct {
	RegistrationID   string             `json:"registration_id"`
	ConnectionID     string             `json:"connection_id"`
	TenantID         string             `json:"tenant_id"`
	SecretRef        string             `json:"secret_ref"`
	EventsSubscribed []string           `json:"events_subscribed"`
	Status           RegistrationStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
}

// PollingCursor is the per-connection resume point for the polling loop.
// Position is opaque to everything except the provider's adapter.
// LastPolledAt advances on every completed poll, including empty ones.
type PollingCursor struct {
	ConnectionID string    `json:"connection_id"`
	Position     string    `json:"position"`
	LastPolledAt time.Time `json:"last_polled_at"`
}

// ProviderEvent is one provider occurrence in provider-native terms,
// produced by an adapter from a verified webhook or a poll page. The
// mapper turns it into a canonical signal envelope.
type ProviderEvent struct {
	ProviderID string                 `json:"provider_id"`
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	OccurredAt time.Time              `json:"occurred_at"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`

	// Signature is the verified credential the provider presented with
	// a webhook delivery. The replay guard keys on it; poll-sourced
	// events leave it empty.
	Signature string `json:"-"`
}

// ActionStatus tracks an outbound action. completed and failed are
// terminal: re-submission with the same idempotency key returns the
// stored row instead of reaching the provider again.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// Terminal reports whether the status is a final outcome.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// Action is one provider-agnostic outbound effect: a canonical type plus
// addressing fields that the provider's adapter translates into an API
// call. (tenant_id, idempotency_key) uniquely identifies the intended
// effect; only the first submission with a given key reaches the provider.
type Action struct {
	ActionID       string                 `json:"action_id"`
	TenantID       string                 `json:"tenant_id"`
	ConnectionID   string                 `json:"connection_id"`
	CanonicalType  string                 `json:"canonical_type"`
	Target         map[string]string      `json:"target"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Status         ActionStatus           `json:"status"`
	Result         map[string]interface{} `json:"result,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ActionResponse is what one provider call returned for an action.
type ActionResponse struct {
	StatusCode int                    `json:"status_code"`
	Body       map[string]interface{} `json:"body,omitempty"`
}
