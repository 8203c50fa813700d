package escalate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/client"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/dispatch"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/engine"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
)

var escNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type staticSource struct{ b *policy.Bundle }

func (s staticSource) Fetch(context.Context) (*policy.Bundle, error) { return s.b, nil }
func (s staticSource) Describe() string                              { return "static" }

// fakeSender records the targets it was asked to reach.
type fakeSender struct {
	mu      sync.Mutex
	fail    error
	reached []string
}

func (s *fakeSender) Send(_ context.Context, n *model.Notification, _ *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reached = append(s.reached, n.TargetID)
	return s.fail
}

func (s *fakeSender) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reached...)
}

// ladderBundle routes everything to u1 over sms, escalating to voice
// after five minutes.
func ladderBundle() *policy.Bundle {
	b := policy.Defaults()
	b.Routing.Defaults = policy.RouteSpec{
		Channels: []model.Channel{model.ChannelSMS},
		Targets:  []string{"u1"},
		PolicyID: "two-step",
	}
	b.Routing.TenantOverrides = nil
	b.Routing.SeverityChannels = nil
	b.Escalation.Policies = []policy.EscalationPolicy{{
		PolicyID: "two-step",
		Steps: []policy.EscalationStep{
			{Order: 1, DelaySeconds: 0, Channels: []model.Channel{model.ChannelSMS}},
			{Order: 2, DelaySeconds: 300, Channels: []model.Channel{model.ChannelVoice}},
		},
	}}
	b.Fatigue.RateLimits.PerAlert = policy.RateLimit{}
	b.Fatigue.RateLimits.PerUser = policy.RateLimit{}
	return b
}

type escHarness struct {
	mem    *store.Memory
	esc    *Escalator
	router *engine.Router
	bundle *policy.Bundle
	sms    *fakeSender
	voice  *fakeSender
	hook   *fakeSender
	clock  *time.Time
}

func newEscalator(t *testing.T, b *policy.Bundle, identityURL string) *escHarness {
	t.Helper()
	mem := store.NewMemory()
	now := escNow
	h := &escHarness{
		mem:    mem,
		bundle: b,
		sms:    &fakeSender{},
		voice:  &fakeSender{},
		hook:   &fakeSender{},
		clock:  &now,
	}

	ps := policy.NewStore(staticSource{b: b}, zaptest.NewLogger(t))
	require.NoError(t, ps.Refresh(context.Background()))

	d := dispatch.New(dispatch.Deps{
		Notifications: mem.Notifications(),
		Preferences:   mem.Preferences(),
		Deliveries:    mem.Deliveries(),
		Policies:      ps,
		Senders: map[model.Channel]dispatch.Sender{
			model.ChannelSMS:     h.sms,
			model.ChannelVoice:   h.voice,
			model.ChannelWebhook: h.hook,
		},
		Logger: zaptest.NewLogger(t),
		Now:    func() time.Time { return *h.clock },
	})

	h.router = engine.NewRouter(client.NewIdentity(identityURL), zaptest.NewLogger(t))
	h.esc = New(Deps{
		Alerts:        mem,
		Incidents:     mem.Incidents(),
		Notifications: mem.Notifications(),
		Policies:      ps,
		Router:        h.router,
		Dispatcher:    d,
		Logger:        zaptest.NewLogger(t),
		Now:           func() time.Time { return *h.clock },
	})
	return h
}

func (h *escHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func (h *escHarness) insertAlert(t *testing.T, mutate func(*model.Alert)) *model.Alert {
	t.Helper()
	a := &model.Alert{
		AlertID:     "a-1",
		TenantID:    "t1",
		ComponentID: "api-gateway",
		Severity:    model.SeverityP1,
		Category:    "availability",
		Summary:     "db connections saturated",
		Status:      model.AlertOpen,
		StartedAt:   escNow,
		LastSeenAt:  escNow,
		CreatedAt:   escNow,
		UpdatedAt:   escNow,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, h.mem.Insert(context.Background(), a))
	return a
}

func (h *escHarness) begin(t *testing.T, a *model.Alert) {
	t.Helper()
	ctx := context.Background()
	route := h.router.Resolve(ctx, h.bundle, a)
	require.NoError(t, h.esc.Begin(ctx, a, route))
}

func (h *escHarness) stub(t *testing.T, alertID string) *model.Notification {
	t.Helper()
	rows, err := h.mem.ListNotificationsByAlert(context.Background(), "t1", alertID)
	require.NoError(t, err)
	for i := range rows {
		if rows[i].Stub {
			return &rows[i]
		}
	}
	t.Fatalf("no stub notification for alert %s", alertID)
	return nil
}

func TestBeginFiresStepOneAndParksRest(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	a := h.insertAlert(t, nil)

	h.begin(t, a)

	assert.Equal(t, []string{"u1"}, h.sms.targets(), "step one pages immediately")
	assert.Empty(t, h.voice.targets())

	stub := h.stub(t, a.AlertID)
	assert.Equal(t, model.NotificationPending, stub.Status)
	assert.Equal(t, 2, stub.StepOrder)
	assert.Equal(t, "two-step", stub.PolicyID)
	require.NotNil(t, stub.NextAttemptAt)
	assert.Equal(t, escNow.Add(300*time.Second), *stub.NextAttemptAt)
}

func TestSweepExecutesDueStep(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	a := h.insertAlert(t, nil)
	h.begin(t, a)
	ctx := context.Background()

	assert.Equal(t, 0, h.esc.Sweep(ctx), "nothing due before the delay")

	h.advance(300 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(ctx))

	assert.Equal(t, []string{"u1"}, h.voice.targets())
	stub := h.stub(t, a.AlertID)
	assert.Equal(t, model.NotificationSent, stub.Status, "consumed stub is terminal")

	rows, err := h.mem.ListNotificationsByAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	var voice *model.Notification
	for i := range rows {
		if !rows[i].Stub && rows[i].Channel == model.ChannelVoice {
			voice = &rows[i]
		}
	}
	require.NotNil(t, voice)
	assert.Equal(t, model.NotificationSent, voice.Status)
	assert.Equal(t, 2, voice.StepOrder)
	assert.Equal(t, "two-step", voice.PolicyID)
}

func TestSweepAbortsOnLifecycleGuards(t *testing.T) {
	snoozedUntil := escNow.Add(time.Hour)
	cases := []struct {
		name   string
		mutate func(*model.Alert)
	}{
		{"resolved", func(a *model.Alert) {
			a.Status = model.AlertResolved
		}},
		{"snoozed", func(a *model.Alert) {
			a.Status = model.AlertSnoozed
			a.SnoozedUntil = &snoozedUntil
		}},
		{"acknowledged without continue_after_ack", func(a *model.Alert) {
			a.Status = model.AlertAcknowledged
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newEscalator(t, ladderBundle(), "")
			a := h.insertAlert(t, nil)
			h.begin(t, a)
			ctx := context.Background()

			tc.mutate(a)
			require.NoError(t, h.mem.Update(ctx, a))

			h.advance(300 * time.Second)
			assert.Equal(t, 1, h.esc.Sweep(ctx))

			assert.Empty(t, h.voice.targets(), "no step fires after the guard trips")
			stub := h.stub(t, a.AlertID)
			assert.Equal(t, model.NotificationCancelled, stub.Status)
			assert.Equal(t, model.ReasonEscalationAborted, stub.FailureReason)
		})
	}
}

func TestContinueAfterAckKeepsEscalating(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	a := h.insertAlert(t, func(a *model.Alert) {
		a.ContinueAfterAck = true
	})
	h.begin(t, a)
	ctx := context.Background()

	a.Status = model.AlertAcknowledged
	require.NoError(t, h.mem.Update(ctx, a))

	h.advance(300 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Equal(t, []string{"u1"}, h.voice.targets())
}

func TestSweepAbortsWhenIncidentMitigated(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	ctx := context.Background()
	require.NoError(t, h.mem.InsertIncident(ctx, &model.Incident{
		IncidentID: "i-1",
		TenantID:   "t1",
		Severity:   model.SeverityP1,
		Status:     model.IncidentMitigated,
		OpenedAt:   escNow,
		UpdatedAt:  escNow,
	}))
	a := h.insertAlert(t, func(a *model.Alert) {
		a.IncidentID = "i-1"
	})
	h.begin(t, a)

	h.advance(300 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(ctx))

	assert.Empty(t, h.voice.targets())
	stub := h.stub(t, a.AlertID)
	assert.Equal(t, model.NotificationCancelled, stub.Status)
}

func TestSnoozedIncidentPausesLadder(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	ctx := context.Background()
	snoozedUntil := escNow.Add(900 * time.Second)
	require.NoError(t, h.mem.InsertIncident(ctx, &model.Incident{
		IncidentID:   "i-1",
		TenantID:     "t1",
		Severity:     model.SeverityP1,
		Status:       model.IncidentOpen,
		OpenedAt:     escNow,
		SnoozedUntil: &snoozedUntil,
		UpdatedAt:    escNow,
	}))
	a := h.insertAlert(t, func(a *model.Alert) {
		a.IncidentID = "i-1"
	})
	h.begin(t, a)

	h.advance(300 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Empty(t, h.voice.targets(), "paused, not executed")

	stub := h.stub(t, a.AlertID)
	assert.Equal(t, model.NotificationPending, stub.Status)
	require.NotNil(t, stub.NextAttemptAt)
	assert.Equal(t, snoozedUntil, *stub.NextAttemptAt, "stub waits out the incident snooze")

	h.advance(600 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Equal(t, []string{"u1"}, h.voice.targets(), "ladder resumes once the snooze lapses")
}

func TestAbortPendingCancelsStubsOnly(t *testing.T) {
	h := newEscalator(t, ladderBundle(), "")
	a := h.insertAlert(t, nil)
	h.begin(t, a)
	ctx := context.Background()

	require.NoError(t, h.esc.AbortPending(ctx, "t1", a.AlertID, "incident mitigated"))

	rows, err := h.mem.ListNotificationsByAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i := range rows {
		if rows[i].Stub {
			assert.Equal(t, model.NotificationCancelled, rows[i].Status)
			assert.Equal(t, model.ReasonEscalationAborted, rows[i].FailureReason)
		} else {
			assert.Equal(t, model.NotificationSent, rows[i].Status, "delivered step one row is untouched")
		}
	}

	h.advance(300 * time.Second)
	assert.Equal(t, 0, h.esc.Sweep(ctx), "aborted stubs are no longer claimable")
}

func TestStepTargetGroupOverridesTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "group:security-oncall", in["target"])
		_ = json.NewEncoder(w).Encode(map[string][]string{"user_ids": {"u7"}})
	}))
	defer srv.Close()

	b := ladderBundle()
	b.Escalation.Policies[0].Steps[1].TargetGroupID = "group:security-oncall"
	h := newEscalator(t, b, srv.URL)
	a := h.insertAlert(t, nil)
	h.begin(t, a)

	h.advance(300 * time.Second)
	assert.Equal(t, 1, h.esc.Sweep(context.Background()))
	assert.Equal(t, []string{"u7"}, h.voice.targets(), "step group overrides the routed targets")
}

func TestWebhookChannelUsesAutomationHooks(t *testing.T) {
	b := ladderBundle()
	b.Routing.Defaults.Channels = []model.Channel{model.ChannelWebhook}
	b.Escalation.Policies[0].Steps = []policy.EscalationStep{
		{Order: 1, DelaySeconds: 0, Channels: []model.Channel{model.ChannelWebhook}},
	}
	h := newEscalator(t, b, "")
	a := h.insertAlert(t, func(a *model.Alert) {
		a.AutomationHooks = []string{"https://hooks.internal/deploy-freeze"}
	})
	h.begin(t, a)

	assert.Equal(t, []string{"https://hooks.internal/deploy-freeze"}, h.hook.targets())
	assert.Empty(t, h.sms.targets())
}
