// Package sink delivers routed envelopes to downstream consumers over
// JetStream, one subject per (routing class, tenant).
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

// JetStream publishes onto the signals stream with publish acks, so a
// failed broker write surfaces to the pipeline's retry loop.
type JetStream struct {
	nc *natsclient.Client
}

// NewJetStream wraps an established NATS client.
func NewJetStream(nc *natsclient.Client) *JetStream {
	return &JetStream{nc: nc}
}

// Publish sends the envelope to signals.routed.<class>.<tenant>.
func (s *JetStream) Publish(ctx context.Context, class envelope.Class, env *envelope.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", env.SignalID, err)
	}

	subject := natsclient.RoutedSubject(string(class), env.TenantID)
	if _, err := s.nc.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
