package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/mapper"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// HandleWebhook processes one inbound provider delivery. The route is
// unauthenticated at the edge; trust comes from the registration-scoped
// secret the adapter verifies. Every lookup miss collapses to ErrNotFound
// so the public endpoint leaks nothing about which registration ids,
// providers or connection states exist.
func (s *service) HandleWebhook(ctx context.Context, providerID, registrationID string, payload []byte, headers http.Header) (*WebhookResult, error) {
	// ── 1. Resolve the registration and its connection ────────────────────
	reg, err := s.deps.Webhooks.Get(ctx, registrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reg.Status != model.RegistrationActive {
		return nil, ErrNotFound
	}

	conn, err := s.deps.Connections.GetByID(ctx, reg.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conn.ProviderID != providerID {
		return nil, ErrNotFound
	}
	// Deliveries authenticate with the registration secret, not the
	// connection's outbound credentials, so an unverified connection may
	// already receive. Operator-disabled states may not.
	switch conn.Status {
	case model.ConnectionActive, model.ConnectionPendingVerification:
	default:
		return nil, ErrNotFound
	}

	// ── 2. Verify the delivery with the registration secret ───────────────
	secret, err := s.deps.Secrets.Resolve(ctx, reg.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve webhook secret: %w", err)
	}
	adp, err := s.deps.Adapters.For(conn)
	if err != nil {
		return nil, err
	}
	ev, err := adp.ProcessWebhook(ctx, payload, headers, secret)
	if err != nil {
		return nil, err
	}

	// ── 3. Replay guard, keyed on the verified signature ──────────────────
	// The marker is set before submission; if submission fails we drop it
	// again so the provider's redelivery is not mistaken for a replay. A
	// guard outage fails open: dropping real events is worse than letting
	// a replayed delivery through to the idempotent pipeline.
	marked := false
	if s.deps.Replay != nil {
		first, err := s.deps.Replay.FirstSeen(ctx, conn.ConnectionID, ev.Signature, payload)
		switch {
		case err != nil:
			s.deps.Logger.Warn("replay guard unavailable, accepting delivery",
				zap.String("connection_id", conn.ConnectionID),
				zap.Error(err))
		case !first:
			return nil, apperr.New(apperr.CodeReplayDetected, "delivery already processed")
		default:
			marked = true
		}
	}

	// ── 4. Map and hand to signal ingestion ───────────────────────────────
	env, err := mapper.Map(conn, ev, s.deps.Now())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedPayload, "event cannot be mapped", err)
	}
	if err := s.deps.Sink.Submit(ctx, env); err != nil {
		if marked {
			if ferr := s.deps.Replay.Forget(ctx, conn.ConnectionID, ev.Signature, payload); ferr != nil {
				s.deps.Logger.Warn("failed to release replay marker",
					zap.String("connection_id", conn.ConnectionID),
					zap.Error(ferr))
			}
		}
		return nil, apperr.Wrap(apperr.CodeDownstreamFailure, "failed to hand signal to ingestion", err)
	}

	s.deps.Logger.Info("webhook accepted",
		zap.String("signal_id", env.SignalID),
		zap.String("signal_type", env.SignalType),
		zap.String("connection_id", conn.ConnectionID),
		zap.String("provider_id", providerID),
		zap.String("event_id", ev.EventID))
	return &WebhookResult{SignalID: env.SignalID, SignalType: env.SignalType}, nil
}
