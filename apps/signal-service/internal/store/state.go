package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconops/beacon-core/packages/go-core/redisclient"
)

// StateStore keeps the pipeline's TTL-bound bookkeeping in Redis so it
// survives restarts and is shared across instances: dedup markers,
// per-signal rejection counters and per-(producer, signal_type) sequence
// cursors.
type StateStore struct {
	r           *redis.Client
	dedupWindow time.Duration
	retryWindow time.Duration
}

// NewStateStore wraps a Redis client with the configured windows.
func NewStateStore(rc *redisclient.Client, dedupWindow, retryWindow time.Duration) *StateStore {
	return &StateStore{r: rc.R, dedupWindow: dedupWindow, retryWindow: retryWindow}
}

func seenKey(tenantID, signalID string) string {
	return fmt.Sprintf("sig:seen:%s:%s", tenantID, signalID)
}

func rejectionKey(tenantID, signalID, code string) string {
	return fmt.Sprintf("sig:rej:%s:%s:%s", tenantID, signalID, code)
}

func sequenceKey(tenantID, producerID, signalType string) string {
	return fmt.Sprintf("sig:seq:%s:%s:%s", tenantID, producerID, signalType)
}

// SeenSignal reports whether the signal_id was already processed within
// the dedup window.
func (s *StateStore) SeenSignal(ctx context.Context, tenantID, signalID string) (bool, error) {
	n, err := s.r.Exists(ctx, seenKey(tenantID, signalID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup marker: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the signal_id for the dedup window. Called only
// after the first successful fan-out.
func (s *StateStore) MarkProcessed(ctx context.Context, tenantID, signalID string) error {
	if err := s.r.Set(ctx, seenKey(tenantID, signalID), 1, s.dedupWindow).Err(); err != nil {
		return fmt.Errorf("failed to set dedup marker: %w", err)
	}
	return nil
}

// BumpRejection increments the rejection counter for (signal_id, code) and
// returns the new count. The counter expires with the retry window, so
// a signal resubmitted long after its failures starts clean.
func (s *StateStore) BumpRejection(ctx context.Context, tenantID, signalID, code string) (int64, error) {
	key := rejectionKey(tenantID, signalID, code)
	count, err := s.r.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump rejection counter: %w", err)
	}
	if count == 1 {
		if err := s.r.Expire(ctx, key, s.retryWindow).Err(); err != nil {
			return count, fmt.Errorf("failed to set rejection counter ttl: %w", err)
		}
	}
	return count, nil
}

// LastSequence returns the highest sequence_no observed for the
// (producer_id, signal_type) pair, if any.
func (s *StateStore) LastSequence(ctx context.Context, tenantID, producerID, signalType string) (int64, bool, error) {
	raw, err := s.r.Get(ctx, sequenceKey(tenantID, producerID, signalType)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read sequence cursor: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt sequence cursor %q: %w", raw, err)
	}
	return n, true, nil
}

// StoreSequence advances the sequence cursor when seq is ahead of the
// stored value. The check is advisory; a lost race between two instances
// costs at most a spurious out_of_order warning.
func (s *StateStore) StoreSequence(ctx context.Context, tenantID, producerID, signalType string, seq int64) error {
	last, ok, err := s.LastSequence(ctx, tenantID, producerID, signalType)
	if err != nil {
		return err
	}
	if ok && last >= seq {
		return nil
	}
	if err := s.r.Set(ctx, sequenceKey(tenantID, producerID, signalType), seq, s.dedupWindow).Err(); err != nil {
		return fmt.Errorf("failed to store sequence cursor: %w", err)
	}
	return nil
}
