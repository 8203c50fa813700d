package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/httpclient"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

func githubConn(baseURL string) *model.Connection {
	return &model.Connection{
		ConnectionID: "c-gh",
		TenantID:     "t1",
		ProviderID:   ProviderGitHub,
		AuthRef:      "tenants/t1/github",
		BaseURL:      baseURL,
	}
}

func githubWebhookHeaders(secret string, body []byte) http.Header {
	h := http.Header{}
	h.Set(headerGitHubEvent, "pull_request")
	h.Set(headerGitHubDelivery, "d-123")
	h.Set(headerGitHubSignature, "sha256="+signHex(secret, body))
	return h
}

func TestGitHubWebhookExtractsEvent(t *testing.T) {
	a := newGitHub(testDeps(nil), githubConn(""))
	body := []byte(`{"action":"opened","sender":{"login":"octocat"},"pull_request":{"number":7}}`)

	ev, err := a.ProcessWebhook(context.Background(), body, githubWebhookHeaders("whsec", body), "whsec")
	require.NoError(t, err)

	assert.Equal(t, ProviderGitHub, ev.ProviderID)
	assert.Equal(t, "d-123", ev.EventID)
	assert.Equal(t, "pull_request.opened", ev.EventType)
	assert.Equal(t, "octocat", ev.ActorID)
	assert.Equal(t, testNow.UTC(), ev.OccurredAt)
	assert.NotEmpty(t, ev.Signature)
}

func TestGitHubWebhookRejectsBadSignature(t *testing.T) {
	a := newGitHub(testDeps(nil), githubConn(""))
	body := []byte(`{"action":"opened"}`)

	h := githubWebhookHeaders("wrong-secret", body)
	_, err := a.ProcessWebhook(context.Background(), body, h, "whsec")
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))

	h.Del(headerGitHubSignature)
	_, err = a.ProcessWebhook(context.Background(), body, h, "whsec")
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))
}

func TestGitHubWebhookRejectsMalformedPayload(t *testing.T) {
	a := newGitHub(testDeps(nil), githubConn(""))

	body := []byte(`{not json`)
	_, err := a.ProcessWebhook(context.Background(), body, githubWebhookHeaders("whsec", body), "whsec")
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))

	body = []byte(`{"action":"opened"}`)
	h := githubWebhookHeaders("whsec", body)
	h.Del(headerGitHubEvent)
	_, err = a.ProcessWebhook(context.Background(), body, h, "whsec")
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))
}

func TestGitHubWebhookRejectsStaleTimestamp(t *testing.T) {
	a := newGitHub(testDeps(nil), githubConn(""))
	payload := map[string]interface{}{
		"action":    "opened",
		"timestamp": testNow.Add(-10 * time.Minute).Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = a.ProcessWebhook(context.Background(), body, githubWebhookHeaders("whsec", body), "whsec")
	assert.Equal(t, apperr.CodeTimestampOutOfRange, apperr.CodeOf(err))
}

func TestGitHubPollEventsAdvancesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "90", r.URL.Query().Get("since"))
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `[
			{"id":"91","type":"PullRequestEvent","actor":{"login":"octocat"},"payload":{"action":"opened"},"created_at":"2026-04-02T09:59:00Z"},
			{"id":"92","type":"PushEvent","actor":{"login":"hubot"},"payload":{},"created_at":"2026-04-02T09:59:30Z"}
		]`)
	}))
	defer srv.Close()

	a := newGitHub(testDeps(map[string]string{"tenants/t1/github": "gh-token"}), githubConn(srv.URL))

	events, cursor, err := a.PollEvents(context.Background(), "90")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "pull_request.opened", events[0].EventType)
	assert.Equal(t, "octocat", events[0].ActorID)
	assert.Equal(t, "push", events[1].EventType)
	assert.Equal(t, "92", cursor)
}

func TestGitHubPollEventsEmptyKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	a := newGitHub(testDeps(map[string]string{"tenants/t1/github": "gh-token"}), githubConn(srv.URL))

	events, cursor, err := a.PollEvents(context.Background(), "90")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "90", cursor)
}

func TestGitHubExecuteActionCarriesIdempotencyKey(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42}`)
	}))
	defer srv.Close()

	a := newGitHub(testDeps(map[string]string{"tenants/t1/github": "gh-token"}), githubConn(srv.URL))
	ctx := httpclient.WithIdempotencyKey(context.Background(), "idem-1")

	resp, err := a.ExecuteAction(ctx, &model.Action{
		CanonicalType: "comment_on_pr",
		Target:        map[string]string{"repository": "o/r", "pr_id": "7"},
		Payload:       map[string]interface{}{"body": "looks good"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/repos/o/r/issues/7/comments", gotPath)
	assert.Equal(t, "idem-1", gotKey)
	assert.Equal(t, "looks good", gotBody["body"])
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(42), resp.Body["id"])
}

func TestGitHubExecuteActionRejectsUnknownType(t *testing.T) {
	a := newGitHub(testDeps(nil), githubConn(""))

	_, err := a.ExecuteAction(context.Background(), &model.Action{CanonicalType: "launch_rocket"})
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))

	_, err = a.ExecuteAction(context.Background(), &model.Action{CanonicalType: "comment_on_pr"})
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))
}

func TestGitHubVerifyConnection(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		w.WriteHeader(status)
		fmt.Fprint(w, `{"login":"octocat"}`)
	}))
	defer srv.Close()

	a := newGitHub(testDeps(map[string]string{"tenants/t1/github": "gh-token"}), githubConn(srv.URL))

	ok, err := a.VerifyConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	status = http.StatusUnauthorized
	ok, err = a.VerifyConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGitHubEventTypeTranslation(t *testing.T) {
	assert.Equal(t, "pull_request.opened", githubEventType("PullRequestEvent", map[string]interface{}{"action": "opened"}))
	assert.Equal(t, "push", githubEventType("PushEvent", map[string]interface{}{}))
	assert.Equal(t, "pull_request_review_comment.created", githubEventType("PullRequestReviewCommentEvent", map[string]interface{}{"action": "created"}))
}
