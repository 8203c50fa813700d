package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/adapter"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// webhookFixture registers a webhook and scripts the adapter to accept
// deliveries signed with its secret.
func webhookFixture(t *testing.T, h *harness) (*model.Connection, *model.WebhookRegistration) {
	t.Helper()
	c := h.createActive(t, newConnection("t1"))
	reg, secret, err := h.svc.CreateWebhook(context.Background(), "t1", c.ConnectionID, []string{"push"})
	require.NoError(t, err)

	h.adp.processFn = func(ctx context.Context, payload []byte, headers http.Header, got string) (*model.ProviderEvent, error) {
		if got != secret {
			return nil, apperr.New(apperr.CodeInvalidSignature, "signature mismatch")
		}
		sig := headers.Get("X-Hub-Signature-256")
		if sig == "" {
			return nil, apperr.New(apperr.CodeInvalidSignature, "missing signature header")
		}
		return &model.ProviderEvent{
			ProviderID: adapter.ProviderGitHub,
			EventID:    headers.Get("X-GitHub-Delivery"),
			EventType:  "push",
			OccurredAt: svcNow.Add(-time.Minute),
			Payload:    map[string]interface{}{"ref": "refs/heads/main"},
			Signature:  sig,
		}, nil
	}
	return c, reg
}

func deliveryHeaders(id string) http.Header {
	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256=deadbeef-"+id)
	h.Set("X-GitHub-Delivery", id)
	return h
}

func TestHandleWebhookSynthesizesSignal(t *testing.T) {
	h := newHarness(t)
	c, reg := webhookFixture(t, h)

	res, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID,
		[]byte(`{"ref":"refs/heads/main"}`), deliveryHeaders("d1"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.SignalID)
	assert.Equal(t, "commit_pushed", res.SignalType)

	require.Len(t, h.sink.got, 1)
	env := h.sink.got[0]
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, c.ConnectionID, env.ProducerID)
	assert.Equal(t, "d1", env.CorrelationID)
}

func TestHandleWebhookRejectsReplay(t *testing.T) {
	h := newHarness(t)
	_, reg := webhookFixture(t, h)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID, payload, deliveryHeaders("d1"))
	require.NoError(t, err)

	// Same signature and payload again.
	_, err = h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID, payload, deliveryHeaders("d1"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeReplayDetected, apperr.CodeOf(err))
	assert.Len(t, h.sink.got, 1)
}

func TestHandleWebhookInvalidSignature(t *testing.T) {
	h := newHarness(t)
	_, reg := webhookFixture(t, h)

	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID,
		[]byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))
	assert.Empty(t, h.sink.got)
}

func TestHandleWebhookUnknownRegistration(t *testing.T) {
	h := newHarness(t)
	webhookFixture(t, h)

	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, "missing",
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhookProviderMismatch(t *testing.T) {
	h := newHarness(t)
	_, reg := webhookFixture(t, h)

	// A github registration addressed through the jira path must not
	// reveal that the registration exists.
	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderJira, reg.RegistrationID,
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhookRevokedRegistration(t *testing.T) {
	h := newHarness(t)
	c := h.createActive(t, newConnection("t1"))

	revoked := &model.WebhookRegistration{
		RegistrationID: "reg-revoked",
		ConnectionID:   c.ConnectionID,
		TenantID:       "t1",
		SecretRef:      "integrations/t1/webhooks/reg-revoked",
		Status:         model.RegistrationRevoked,
		CreatedAt:      svcNow,
	}
	require.NoError(t, h.mem.CreateWebhook(context.Background(), revoked))

	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, "reg-revoked",
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhookSuspendedConnection(t *testing.T) {
	h := newHarness(t)
	c, reg := webhookFixture(t, h)

	c.Status = model.ConnectionSuspended
	require.NoError(t, h.mem.Update(context.Background(), c))

	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID,
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhookPendingConnectionAccepts(t *testing.T) {
	h := newHarness(t)
	c, reg := webhookFixture(t, h)

	// Registrations may receive before the first verify succeeds.
	c.Status = model.ConnectionPendingVerification
	require.NoError(t, h.mem.Update(context.Background(), c))

	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID,
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.NoError(t, err)
}

func TestHandleWebhookReleasesMarkerOnSinkFailure(t *testing.T) {
	h := newHarness(t)
	_, reg := webhookFixture(t, h)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	h.sink.fail = true
	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID, payload, deliveryHeaders("d1"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDownstreamFailure, apperr.CodeOf(err))

	// The provider redelivers after our 5xx; the marker must be gone so
	// the retry is not mistaken for a replay.
	h.sink.fail = false
	_, err = h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID, payload, deliveryHeaders("d1"))
	assert.NoError(t, err)
}

func TestHandleWebhookGuardOutageFailsOpen(t *testing.T) {
	h := newHarness(t)
	_, reg := webhookFixture(t, h)

	h.replay.failing = true
	_, err := h.svc.HandleWebhook(context.Background(), adapter.ProviderGitHub, reg.RegistrationID,
		[]byte(`{}`), deliveryHeaders("d1"))
	assert.NoError(t, err)
	assert.Len(t, h.sink.got, 1)
}
