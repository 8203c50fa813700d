package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconops/beacon-core/packages/go-core/redisclient"
)

// StateStore keeps the fatigue bookkeeping in Redis so it survives
// restarts and is shared across instances: per-alert and per-target
// notification counters plus incident follow-up suppression markers. All
// entries are pure TTL state.
type StateStore struct {
	r *redis.Client
}

// NewStateStore wraps a Redis client.
func NewStateStore(rc *redisclient.Client) *StateStore {
	return &StateStore{r: rc.R}
}

func alertCountKey(tenantID, alertID string) string {
	return fmt.Sprintf("alrt:rate:alert:%s:%s", tenantID, alertID)
}

func targetCountKey(tenantID, targetID string) string {
	return fmt.Sprintf("alrt:rate:target:%s:%s", tenantID, targetID)
}

func suppressionKey(tenantID, incidentID string) string {
	return fmt.Sprintf("alrt:sup:%s:%s", tenantID, incidentID)
}

// CountAlertNotification increments the per-alert counter and returns the
// new count. The window TTL starts on the first increment, so the counter
// is a fixed window anchored at first use.
func (s *StateStore) CountAlertNotification(ctx context.Context, tenantID, alertID string, window time.Duration) (int64, error) {
	return s.bump(ctx, alertCountKey(tenantID, alertID), window)
}

// CountTargetNotification increments the per-(tenant, target) counter and
// returns the new count.
func (s *StateStore) CountTargetNotification(ctx context.Context, tenantID, targetID string, window time.Duration) (int64, error) {
	return s.bump(ctx, targetCountKey(tenantID, targetID), window)
}

func (s *StateStore) bump(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.r.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump rate counter: %w", err)
	}
	if count == 1 {
		if err := s.r.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set rate counter ttl: %w", err)
		}
	}
	return count, nil
}

// MarkIncidentNotified places the suppression marker for an incident's
// first notification. Returns true when this call created the marker,
// false when one already exists, which means follow-ups within the window
// should stay quiet.
func (s *StateStore) MarkIncidentNotified(ctx context.Context, tenantID, incidentID string, window time.Duration) (bool, error) {
	created, err := s.r.SetNX(ctx, suppressionKey(tenantID, incidentID), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set suppression marker: %w", err)
	}
	return created, nil
}

// IncidentRecentlyNotified reports whether the incident's suppression
// marker is still live.
func (s *StateStore) IncidentRecentlyNotified(ctx context.Context, tenantID, incidentID string) (bool, error) {
	n, err := s.r.Exists(ctx, suppressionKey(tenantID, incidentID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check suppression marker: %w", err)
	}
	return n > 0, nil
}

// ClearIncidentSuppression drops the marker, used when an incident is
// mitigated so post-mitigation activity notifies again.
func (s *StateStore) ClearIncidentSuppression(ctx context.Context, tenantID, incidentID string) error {
	if err := s.r.Del(ctx, suppressionKey(tenantID, incidentID)).Err(); err != nil {
		return fmt.Errorf("failed to clear suppression marker: %w", err)
	}
	return nil
}
