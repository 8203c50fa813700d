package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

var streamNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func alertEvent(eventType, tenant, component, category string, sev model.Severity) model.StreamEvent {
	return model.StreamEvent{
		EventType: eventType,
		Timestamp: streamNow,
		Alert: &model.Alert{
			AlertID:     "a-1",
			TenantID:    tenant,
			ComponentID: component,
			Category:    category,
			Severity:    sev,
			Summary:     "api p99 above threshold",
		},
	}
}

// drain pulls everything currently buffered without blocking.
func drain(s *Subscriber) []model.StreamEvent {
	var out []model.StreamEvent
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishMatchesFilters(t *testing.T) {
	h := NewHub(16, zaptest.NewLogger(t))

	all := h.Subscribe(Filter{})
	tenantOnly := h.Subscribe(Filter{TenantIDs: []string{"t1"}})
	p0Acks := h.Subscribe(Filter{
		Severities: []model.Severity{model.SeverityP0},
		EventTypes: []string{model.EventAlertAcknowledged},
	})
	defer all.Close()
	defer tenantOnly.Close()
	defer p0Acks.Close()

	h.Publish(alertEvent(model.EventAlertCreated, "t1", "api-gateway", "availability", model.SeverityP0))
	h.Publish(alertEvent(model.EventAlertCreated, "t2", "api-gateway", "availability", model.SeverityP0))
	h.Publish(alertEvent(model.EventAlertAcknowledged, "t2", "api-gateway", "availability", model.SeverityP0))
	h.Publish(alertEvent(model.EventAlertAcknowledged, "t1", "api-gateway", "availability", model.SeverityP2))

	assert.Len(t, drain(all), 4)

	forT1 := drain(tenantOnly)
	require.Len(t, forT1, 2)
	for _, ev := range forT1 {
		assert.Equal(t, "t1", ev.Alert.TenantID)
	}

	acks := drain(p0Acks)
	require.Len(t, acks, 1)
	assert.Equal(t, model.EventAlertAcknowledged, acks[0].EventType)
	assert.Equal(t, "t2", acks[0].Alert.TenantID)
}

func TestDropOldestKeepsOrder(t *testing.T) {
	h := NewHub(2, zaptest.NewLogger(t))
	sub := h.Subscribe(Filter{})
	defer sub.Close()

	for i, component := range []string{"first", "second", "third"} {
		ev := alertEvent(model.EventAlertCreated, "t1", component, "availability", model.SeverityP2)
		ev.Timestamp = streamNow.Add(time.Duration(i) * time.Second)
		h.Publish(ev)
	}

	got := drain(sub)
	require.Len(t, got, 2, "queue bounded at two")
	assert.Equal(t, "second", got[0].Alert.ComponentID, "oldest event shed first")
	assert.Equal(t, "third", got[1].Alert.ComponentID)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp), "survivors stay in order")
}

func TestHeartbeatReachesIdleSubscribersOnly(t *testing.T) {
	clock := streamNow
	h := NewHub(16, zaptest.NewLogger(t))
	h.now = func() time.Time { return clock }

	idle := h.Subscribe(Filter{TenantIDs: []string{"t9"}})
	busy := h.Subscribe(Filter{})
	defer idle.Close()
	defer busy.Close()

	clock = streamNow.Add(31 * time.Second)
	h.Publish(alertEvent(model.EventAlertCreated, "t1", "api-gateway", "availability", model.SeverityP2))

	h.heartbeat(30 * time.Second)

	idleGot := drain(idle)
	require.Len(t, idleGot, 1)
	assert.Equal(t, model.EventHeartbeat, idleGot[0].EventType)

	busyGot := drain(busy)
	require.Len(t, busyGot, 1, "recent traffic suppresses the keepalive")
	assert.Equal(t, model.EventAlertCreated, busyGot[0].EventType)
}

func TestHeartbeatBypassesAlertFilters(t *testing.T) {
	f := Filter{
		TenantIDs:  []string{"t1"},
		EventTypes: []string{model.EventAlertCreated},
	}
	assert.True(t, f.Match(model.StreamEvent{EventType: model.EventHeartbeat, Timestamp: streamNow}))
}

func TestCloseDetaches(t *testing.T) {
	h := NewHub(4, zaptest.NewLogger(t))
	sub := h.Subscribe(Filter{})
	assert.Equal(t, 1, h.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers())

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes with the subscription")

	// Publishing into an empty hub is a no-op, not a panic.
	h.Publish(alertEvent(model.EventAlertCreated, "t1", "api-gateway", "availability", model.SeverityP2))
}

func TestFilterMatch(t *testing.T) {
	ev := alertEvent(model.EventAlertResolved, "t1", "api-gateway", "availability", model.SeverityP1)

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"tenant match", Filter{TenantIDs: []string{"t0", "t1"}}, true},
		{"tenant miss", Filter{TenantIDs: []string{"t2"}}, false},
		{"component match", Filter{ComponentIDs: []string{"api-gateway"}}, true},
		{"component miss", Filter{ComponentIDs: []string{"billing"}}, false},
		{"category match", Filter{Categories: []string{"availability"}}, true},
		{"severity miss", Filter{Severities: []model.Severity{model.SeverityP0}}, false},
		{"event type miss", Filter{EventTypes: []string{model.EventAlertCreated}}, false},
		{"all fields agree", Filter{
			TenantIDs:    []string{"t1"},
			ComponentIDs: []string{"api-gateway"},
			Categories:   []string{"availability"},
			Severities:   []model.Severity{model.SeverityP1},
			EventTypes:   []string{model.EventAlertResolved},
		}, true},
		{"one field disagrees", Filter{
			TenantIDs:  []string{"t1"},
			Severities: []model.Severity{model.SeverityP4},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(ev))
		})
	}
}
