package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/dispatch"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/engine"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/escalate"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/policy"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/redisclient"
)

var svcNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type staticSource struct{ b *policy.Bundle }

func (s staticSource) Fetch(context.Context) (*policy.Bundle, error) { return s.b, nil }
func (s staticSource) Describe() string                              { return "static" }

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

type eventRecorder struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (r *eventRecorder) Emit(_ context.Context, ev model.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

// svcBundle routes everything to u1 over sms with a voice step five
// minutes later. Rate limits and incident suppression are off so tests
// opt into them explicitly.
func svcBundle() *policy.Bundle {
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
	b.Fatigue.Suppression = policy.SuppressionConfig{}
	return b
}

type svcHarness struct {
	mem    *store.Memory
	svc    Service
	esc    *escalate.Escalator
	events *eventRecorder
	sms    *fakeSender
	voice  *fakeSender
	clock  *time.Time
}

func newService(t *testing.T, b *policy.Bundle, state *store.StateStore) *svcHarness {
	t.Helper()
	now := svcNow
	h := &svcHarness{
		mem:    store.NewMemory(),
		events: &eventRecorder{},
		sms:    &fakeSender{},
		voice:  &fakeSender{},
		clock:  &now,
	}
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return *h.clock }

	ps := policy.NewStore(staticSource{b: b}, logger)
	require.NoError(t, ps.Refresh(context.Background()))

	d := dispatch.New(dispatch.Deps{
		Notifications: h.mem.Notifications(),
		Preferences:   h.mem.Preferences(),
		Deliveries:    h.mem.Deliveries(),
		State:         state,
		Policies:      ps,
		Senders: map[model.Channel]dispatch.Sender{
			model.ChannelSMS:   h.sms,
			model.ChannelVoice: h.voice,
		},
		Logger: logger,
		Now:    clock,
	})
	router := engine.NewRouter(nil, logger)
	h.esc = escalate.New(escalate.Deps{
		Alerts:        h.mem,
		Incidents:     h.mem.Incidents(),
		Notifications: h.mem.Notifications(),
		Policies:      ps,
		Router:        router,
		Dispatcher:    d,
		Logger:        logger,
		Now:           clock,
	})
	h.svc = New(Deps{
		Alerts:        h.mem,
		Incidents:     h.mem.Incidents(),
		Notifications: h.mem.Notifications(),
		Preferences:   h.mem.Preferences(),
		State:         state,
		Policies:      ps,
		Router:        router,
		Escalator:     h.esc,
		Events:        h.events,
		Logger:        logger,
		Now:           clock,
	})
	return h
}

func (h *svcHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func arrival(mutate func(*model.Alert)) *model.Alert {
	a := &model.Alert{
		TenantID:     "t1",
		SourceModule: "signal-service",
		ComponentID:  "api-gateway",
		Severity:     model.SeverityP1,
		Category:     "availability",
		Summary:      "db connections saturated",
	}
	if mutate != nil {
		mutate(a)
	}
	return a
}

func TestIngestCreatesAlertAndPages(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, outcome, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NotEmpty(t, a.AlertID)
	assert.NotEmpty(t, a.DedupKey)
	assert.NotEmpty(t, a.IncidentID, "every alert lives in an incident")
	assert.Equal(t, model.AlertOpen, a.Status)

	assert.Equal(t, []string{"u1"}, h.sms.targets(), "step one pages immediately")

	inc, err := h.svc.GetIncident(ctx, "t1", a.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.AlertID}, inc.AlertIDs)
	assert.Equal(t, model.IncidentOpen, inc.Status)

	rows, err := h.svc.ListAlertNotifications(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	require.Len(t, rows, 2, "one real notification plus the parked voice step")

	assert.Equal(t, []string{model.EventAlertCreated}, h.events.types())
}

func TestIngestDedupAndEscalation(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	first, outcome, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	h.advance(time.Minute)
	second, outcome, err := h.svc.IngestAlert(ctx, arrival(func(a *model.Alert) {
		a.Severity = model.SeverityP0
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, first.AlertID, second.AlertID, "re-arrival merges onto the open row")
	assert.Equal(t, svcNow.Add(time.Minute), second.LastSeenAt)
	assert.Equal(t, model.SeverityP0, second.Severity, "severity upgrades on merge")

	_, total, err := h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "exactly one alert row")
	assert.Len(t, h.sms.targets(), 1, "the merge creates no new notifications")
	assert.Equal(t, []string{model.EventAlertCreated, model.EventAlertUpdated}, h.events.types())

	// The voice step still fires on the original ladder schedule.
	h.advance(4 * time.Minute)
	require.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Equal(t, []string{"u1"}, h.voice.targets())
}

func TestIngestAfterDedupWindowCreatesNewAlert(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	first, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	// P1 dedup window is 120 minutes in the default bundle.
	h.advance(121 * time.Minute)
	second, outcome, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NotEqual(t, first.AlertID, second.AlertID)

	_, total, err := h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAcknowledgeStopsEscalation(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	acked, err := h.svc.Acknowledge(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, acked.Status)

	h.advance(301 * time.Second)
	require.Equal(t, 1, h.esc.Sweep(ctx), "the stub is claimed and aborted")
	assert.Empty(t, h.voice.targets(), "no voice page after acknowledgment")
	assert.Equal(t, []string{model.EventAlertCreated, model.EventAlertAcknowledged}, h.events.types())

	// Repeat acknowledgment is a no-op.
	_, err = h.svc.Acknowledge(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Len(t, h.events.types(), 2)
}

func TestResolveAutoResolvesIncident(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	first, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	h.advance(time.Minute)
	// Different summary dodges dedup; the same component correlates.
	second, outcome, err := h.svc.IngestAlert(ctx, arrival(func(a *model.Alert) {
		a.Summary = "replica lag beyond threshold"
	}))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, first.IncidentID, second.IncidentID, "same component correlates")

	resolved, err := h.svc.Resolve(ctx, "t1", first.AlertID)
	require.NoError(t, err)
	require.NotNil(t, resolved.EndedAt)

	inc, err := h.svc.GetIncident(ctx, "t1", first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentOpen, inc.Status, "one member still open")

	_, err = h.svc.Resolve(ctx, "t1", second.AlertID)
	require.NoError(t, err)

	inc, err = h.svc.GetIncident(ctx, "t1", first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, inc.Status, "last member resolves the incident")
	require.NotNil(t, inc.ResolvedAt)
}

func TestSnoozeAndLazyUnsnooze(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	snoozed, err := h.svc.SnoozeAlert(ctx, "t1", a.AlertID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.AlertSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)
	assert.Equal(t, svcNow.Add(10*time.Minute), *snoozed.SnoozedUntil)

	h.advance(5 * time.Minute)
	got, err := h.svc.GetAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertSnoozed, got.Status, "snooze still live")

	h.advance(6 * time.Minute)
	got, err = h.svc.GetAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertOpen, got.Status, "first read after expiry reopens")
	assert.Nil(t, got.SnoozedUntil)
	assert.Equal(t,
		[]string{model.EventAlertCreated, model.EventAlertSnoozed, model.EventAlertUnsnoozed},
		h.events.types())
}

func TestSweepSnoozedReopens(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	_, err = h.svc.SnoozeAlert(ctx, "t1", a.AlertID, 10*time.Minute)
	require.NoError(t, err)

	h.advance(9 * time.Minute)
	assert.Equal(t, 0, h.svc.SweepSnoozed(ctx))

	h.advance(2 * time.Minute)
	assert.Equal(t, 1, h.svc.SweepSnoozed(ctx))
	got, err := h.svc.GetAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertOpen, got.Status)

	assert.Equal(t, 0, h.svc.SweepSnoozed(ctx), "a reopened alert is not swept twice")
}

func TestMaintenanceWindowSuppressesDispatch(t *testing.T) {
	b := svcBundle()
	b.Fatigue.Maintenance = []policy.MaintenanceWindow{{
		Name:         "db-upgrade",
		ComponentIDs: []string{"api-gateway"},
		StartsAt:     svcNow.Add(-time.Hour),
		EndsAt:       svcNow.Add(time.Hour),
	}}
	h := newService(t, b, nil)
	ctx := context.Background()

	a, outcome, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.True(t, a.Suppressed, "persisted for the record")
	assert.NotEmpty(t, a.IncidentID, "suppressed alerts still correlate")

	assert.Empty(t, h.sms.targets(), "no dispatch inside the window")
	rows, err := h.svc.ListAlertNotifications(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Empty(t, rows, "no notification rows, not even parked steps")
	assert.Equal(t, []string{model.EventAlertCreated}, h.events.types())
}

func TestIncidentFollowupSuppression(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := &redisclient.Client{
		R:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Log: zaptest.NewLogger(t),
	}
	state := store.NewStateStore(rc)

	b := svcBundle()
	b.Fatigue.Suppression = policy.SuppressionConfig{
		SuppressFollowupDuringIncident: true,
		SuppressWindowMinutes:          5,
	}
	h := newService(t, b, state)
	ctx := context.Background()

	first, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	require.Len(t, h.sms.targets(), 1)

	h.advance(time.Minute)
	second, _, err := h.svc.IngestAlert(ctx, arrival(func(a *model.Alert) {
		a.Summary = "replica lag beyond threshold"
	}))
	require.NoError(t, err)
	require.Equal(t, first.IncidentID, second.IncidentID)

	assert.Len(t, h.sms.targets(), 1, "follow-up inside the window stays quiet")
	rows, err := h.svc.ListAlertNotifications(ctx, "t1", second.AlertID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Once the marker lapses the incident may page again.
	h.advance(5 * time.Minute)
	mr.FastForward(6 * time.Minute)
	third, _, err := h.svc.IngestAlert(ctx, arrival(func(a *model.Alert) {
		a.Summary = "connection pool exhausted on writer"
	}))
	require.NoError(t, err)
	require.Equal(t, first.IncidentID, third.IncidentID)
	assert.Len(t, h.sms.targets(), 2)
}

func TestMitigateIncidentAbortsPendingSteps(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := &redisclient.Client{
		R:   redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Log: zaptest.NewLogger(t),
	}
	state := store.NewStateStore(rc)

	b := svcBundle()
	b.Fatigue.Suppression = policy.SuppressionConfig{
		SuppressFollowupDuringIncident: true,
		SuppressWindowMinutes:          30,
	}
	h := newService(t, b, state)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	inc, err := h.svc.MitigateIncident(ctx, "t1", a.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentMitigated, inc.Status)
	require.NotNil(t, inc.MitigatedAt)

	rows, err := h.svc.ListAlertNotifications(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	var stub *model.Notification
	for i := range rows {
		if rows[i].Stub {
			stub = &rows[i]
		}
	}
	require.NotNil(t, stub)
	assert.Equal(t, model.NotificationCancelled, stub.Status)
	assert.Equal(t, model.ReasonEscalationAborted, stub.FailureReason)

	got, err := h.svc.GetAlert(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertOpen, got.Status, "mitigation leaves member alerts open")

	quiet, err := state.IncidentRecentlyNotified(ctx, "t1", a.IncidentID)
	require.NoError(t, err)
	assert.False(t, quiet, "mitigation clears the suppression marker")

	// Repeat mitigation is a no-op; resolved incidents refuse it.
	_, err = h.svc.MitigateIncident(ctx, "t1", a.IncidentID)
	require.NoError(t, err)
	_, err = h.svc.Resolve(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	_, err = h.svc.MitigateIncident(ctx, "t1", a.IncidentID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSnoozeIncidentPausesLadder(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	inc, err := h.svc.SnoozeIncident(ctx, "t1", a.IncidentID, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, inc.SnoozedUntil)
	assert.Equal(t, svcNow.Add(15*time.Minute), *inc.SnoozedUntil)

	// The voice step comes due at +5m but waits out the incident snooze.
	h.advance(5 * time.Minute)
	require.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Empty(t, h.voice.targets())

	h.advance(10 * time.Minute)
	require.Equal(t, 1, h.esc.Sweep(ctx))
	assert.Equal(t, []string{"u1"}, h.voice.targets(), "ladder resumes after the snooze")

	_, err = h.svc.SnoozeIncident(ctx, "t1", a.IncidentID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTagAlertStampsLabel(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	tagged, err := h.svc.TagAlert(ctx, "t1", a.AlertID, TagNoisy)
	require.NoError(t, err)
	assert.Equal(t, "true", tagged.Labels[TagNoisy])

	tagged, err = h.svc.TagAlert(ctx, "t1", a.AlertID, TagFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, "true", tagged.Labels[TagFalsePositive])
	assert.Equal(t, "true", tagged.Labels[TagNoisy], "earlier tags survive")

	_, err = h.svc.TagAlert(ctx, "t1", a.AlertID, "flaky")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t,
		[]string{model.EventAlertCreated, model.EventAlertUpdated, model.EventAlertUpdated},
		h.events.types())
}

func TestTenantIsolation(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)

	_, err = h.svc.GetAlert(ctx, "t2", a.AlertID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Acknowledge(ctx, "t2", a.AlertID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.GetIncident(ctx, "t2", a.IncidentID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ListAlertNotifications(ctx, "t2", a.AlertID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, total, err := h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t2"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIngestValidation(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*model.Alert)
	}{
		{"missing tenant", func(a *model.Alert) { a.TenantID = " " }},
		{"missing summary", func(a *model.Alert) { a.Summary = "" }},
		{"unknown severity", func(a *model.Alert) { a.Severity = "SEV1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.svc.IngestAlert(ctx, arrival(tc.mutate))
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, _, err := h.svc.IngestAlert(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIngestBulkIsolatesFailures(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	results, err := h.svc.IngestBulk(ctx, "t1", []*model.Alert{
		arrival(func(a *model.Alert) { a.TenantID = "t9" }),
		arrival(func(a *model.Alert) { a.Summary = "" }),
		arrival(nil),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, OutcomeCreated, results[0].Status)
	assert.NotEmpty(t, results[0].AlertID)

	assert.Equal(t, OutcomeRejected, results[1].Status)
	assert.Equal(t, "MALFORMED_PAYLOAD", results[1].ErrorCode)
	assert.NotEmpty(t, results[1].ErrorMessage)

	assert.Equal(t, OutcomeMerged, results[2].Status)
	assert.Equal(t, results[0].AlertID, results[2].AlertID)

	// The batch tenant always wins over a body-level tenant.
	got, err := h.svc.GetAlert(ctx, "t1", results[0].AlertID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)

	_, err = h.svc.IngestBulk(ctx, "", []*model.Alert{arrival(nil)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.IngestBulk(ctx, "t1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchValidation(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	_, _, err := h.svc.SearchAlerts(ctx, store.AlertQuery{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t1", Statuses: []model.AlertStatus{"paged"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t1", Severities: []model.Severity{"SEV1"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = h.svc.SearchAlerts(ctx, store.AlertQuery{TenantID: "t1", Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPreferenceValidationAndRoundTrip(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	bad := []*model.UserPreference{
		nil,
		{TenantID: "t1"},
		{TenantID: "t1", UserID: "u1", AllowedChannels: []model.Channel{"pager"}},
		{TenantID: "t1", UserID: "u1", MinSeverity: map[model.Channel]model.Severity{model.ChannelSMS: "SEV1"}},
		{TenantID: "t1", UserID: "u1", QuietHours: &model.QuietHours{Start: "25:00", End: "07:00"}},
		{TenantID: "t1", UserID: "u1", Timezone: "Mars/Olympus"},
	}
	for _, p := range bad {
		_, err := h.svc.UpsertPreference(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	p := &model.UserPreference{
		TenantID:        "t1",
		UserID:          "u1",
		AllowedChannels: []model.Channel{model.ChannelSMS, model.ChannelEmail},
		MinSeverity:     map[model.Channel]model.Severity{model.ChannelSMS: model.SeverityP2},
		QuietHours:      &model.QuietHours{Start: "22:00", End: "07:00"},
		Timezone:        "Europe/Berlin",
	}
	saved, err := h.svc.UpsertPreference(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, svcNow, saved.UpdatedAt)

	got, err := h.svc.GetPreference(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, p.AllowedChannels, got.AllowedChannels)

	_, err = h.svc.GetPreference(ctx, "t1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleGuards(t *testing.T) {
	h := newService(t, svcBundle(), nil)
	ctx := context.Background()

	a, _, err := h.svc.IngestAlert(ctx, arrival(nil))
	require.NoError(t, err)
	_, err = h.svc.Resolve(ctx, "t1", a.AlertID)
	require.NoError(t, err)

	_, err = h.svc.Acknowledge(ctx, "t1", a.AlertID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.SnoozeAlert(ctx, "t1", a.AlertID, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.SnoozeAlert(ctx, "t1", a.AlertID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Repeat resolve is idempotent and emits nothing new.
	before := len(h.events.types())
	_, err = h.svc.Resolve(ctx, "t1", a.AlertID)
	require.NoError(t, err)
	assert.Len(t, h.events.types(), before)
}
