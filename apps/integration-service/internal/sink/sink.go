// Package sink hands synthesized envelopes to signal ingestion over
// JetStream. Integration-originated signals enter the same pipeline as
// direct producer submissions and get the same validation and routing.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

// Sink accepts an envelope for downstream processing.
type Sink interface {
	Submit(ctx context.Context, env *envelope.SignalEnvelope) error
}

// JetStream publishes onto the signals ingest stream with publish acks,
// so a failed broker write surfaces to the caller instead of vanishing.
type JetStream struct {
	nc *natsclient.Client
}

// NewJetStream wraps an established NATS client.
func NewJetStream(nc *natsclient.Client) *JetStream {
	return &JetStream{nc: nc}
}

// Submit sends the envelope to signals.ingest.<tenant>.
func (s *JetStream) Submit(ctx context.Context, env *envelope.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", env.SignalID, err)
	}

	subject := natsclient.IngestSubject(env.TenantID)
	if _, err := s.nc.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
