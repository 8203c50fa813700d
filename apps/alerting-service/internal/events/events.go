// Package events fans alert lifecycle transitions out to the live
// stream hub and onto the ALERTS JetStream stream. The broker copy is
// best effort: a publish failure is logged and dropped, it never fails
// the state transition that produced the event.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/stream"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

// Publisher delivers lifecycle events to in-process subscribers and to
// JetStream. Heartbeats never pass through here; the hub generates
// those itself.
type Publisher struct {
	hub *stream.Hub
	nc  *natsclient.Client
	log *zap.Logger
}

// New wires a publisher. nc may be nil, in which case events stay
// in-process only.
func New(hub *stream.Hub, nc *natsclient.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{hub: hub, nc: nc, log: logger}
}

// Emit publishes one lifecycle event. Hub delivery is synchronous and
// lossless up to each subscriber's queue; the JetStream copy is
// fire-and-forget.
func (p *Publisher) Emit(ctx context.Context, ev model.StreamEvent) {
	if p.hub != nil {
		p.hub.Publish(ev)
	}
	if p.nc == nil || ev.Alert == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode lifecycle event",
			zap.String("event_type", ev.EventType), zap.Error(err))
		return
	}

	// The subject token drops the "alert." prefix so the hierarchy stays
	// alerts.lifecycle.<event_type>.<tenant_id>.
	token := strings.TrimPrefix(ev.EventType, "alert.")
	subject := natsclient.AlertSubject(token, ev.Alert.TenantID)
	if _, err := p.nc.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.log.Error("failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.String("alert_id", ev.Alert.AlertID),
			zap.Error(err))
	}
}
