package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconops/beacon-core/packages/go-core/redisclient"
)

// ReplayGuard rejects webhook deliveries already seen within the signature
// TTL. The marker key digests connection id, the verified signature and
// the raw payload, so a replayed request is caught even when the provider
// re-signs it identically.
type ReplayGuard struct {
	r   *redis.Client
	ttl time.Duration
}

// NewReplayGuard wraps a Redis client with the configured signature TTL.
func NewReplayGuard(rc *redisclient.Client, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{r: rc.R, ttl: ttl}
}

func replayKey(connectionID, signature string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(connectionID))
	h.Write([]byte{0})
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write(payload)
	return "hook:replay:" + hex.EncodeToString(h.Sum(nil))
}

// FirstSeen atomically records the delivery and reports whether it was
// new. SETNX makes the check race-free across instances: exactly one
// caller observes true for a given (connection, signature, payload).
func (g *ReplayGuard) FirstSeen(ctx context.Context, connectionID, signature string, payload []byte) (bool, error) {
	ok, err := g.r.SetNX(ctx, replayKey(connectionID, signature, payload), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record replay marker: %w", err)
	}
	return ok, nil
}

// Forget drops the delivery marker. Callers compensate with it when
// processing fails after FirstSeen, so the provider's redelivery of the
// same payload is not mistaken for a replay.
func (g *ReplayGuard) Forget(ctx context.Context, connectionID, signature string, payload []byte) error {
	if err := g.r.Del(ctx, replayKey(connectionID, signature, payload)).Err(); err != nil {
		return fmt.Errorf("failed to drop replay marker: %w", err)
	}
	return nil
}
