package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamSignals is the durable stream that carries raw and routed signals.
	StreamSignals = "SIGNALS"
	// SubjectSignals is the wildcard subject hierarchy for signal traffic.
	// Producers publish to signals.ingest.<tenant_id>; the ingestion
	// pipeline fans out to signals.routed.<class>.<tenant_id>.
	SubjectSignals = "signals.>"

	// StreamAlerts is the durable stream that carries alert lifecycle events.
	StreamAlerts = "ALERTS"
	// SubjectAlerts is the wildcard subject hierarchy for alert lifecycle
	// traffic, published as alerts.lifecycle.<event_type>.<tenant_id>.
	SubjectAlerts = "alerts.>"
)

// IngestSubject returns the intake subject for a tenant.
func IngestSubject(tenantID string) string {
	return fmt.Sprintf("signals.ingest.%s", tenantID)
}

// RoutedSubject returns the fan-out subject for a routing class and tenant.
func RoutedSubject(class, tenantID string) string {
	return fmt.Sprintf("signals.routed.%s.%s", class, tenantID)
}

// AlertSubject returns the lifecycle subject for an alert event type and tenant.
func AlertSubject(eventType, tenantID string) string {
	return fmt.Sprintf("alerts.lifecycle.%s.%s", eventType, tenantID)
}

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      StreamSignals,
			Subjects:  []string{SubjectSignals},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamAlerts,
			Subjects:  []string{SubjectAlerts},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
	}

	for i := range streams {
		cfg := &streams[i]

		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to check stream info: %w", err)
		}

		if _, err := c.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	}

	return nil
}
