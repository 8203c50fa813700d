package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

func slackConn(baseURL string) *model.Connection {
	return &model.Connection{
		ConnectionID: "c-slack",
		TenantID:     "t1",
		ProviderID:   ProviderSlack,
		AuthRef:      "tenants/t1/slack",
		BaseURL:      baseURL,
	}
}

func slackEventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"type":       "event_callback",
		"event_id":   "Ev01ABC",
		"event_time": testNow.Add(-30 * time.Second).Unix(),
		"event": map[string]interface{}{
			"type":    "message",
			"user":    "U123",
			"channel": "C456",
			"text":    "deploy finished",
		},
	})
	require.NoError(t, err)
	return body
}

func slackHeaders(secret string, sentAt time.Time, body []byte) http.Header {
	ts := strconv.FormatInt(sentAt.Unix(), 10)
	h := http.Header{}
	h.Set(headerSlackTimestamp, ts)
	h.Set(headerSlackSignature, "v0="+signHex(secret, []byte("v0:"+ts+":"+string(body))))
	return h
}

func TestSlackWebhookSignatureRoundTrip(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	body := slackEventBody(t)

	ev, err := a.ProcessWebhook(context.Background(), body, slackHeaders("signing-secret", testNow.Add(-30*time.Second), body), "signing-secret")
	require.NoError(t, err)

	assert.Equal(t, ProviderSlack, ev.ProviderID)
	assert.Equal(t, "Ev01ABC", ev.EventID)
	assert.Equal(t, "message", ev.EventType)
	assert.Equal(t, "U123", ev.ActorID)
	assert.Equal(t, testNow.Add(-30*time.Second), ev.OccurredAt)
}

func TestSlackWebhookRejectsBadSignature(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	body := slackEventBody(t)

	h := slackHeaders("wrong-secret", testNow, body)
	_, err := a.ProcessWebhook(context.Background(), body, h, "signing-secret")
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))
}

func TestSlackWebhookRequiresTimestampHeader(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	body := slackEventBody(t)

	h := slackHeaders("signing-secret", testNow, body)
	h.Del(headerSlackTimestamp)
	_, err := a.ProcessWebhook(context.Background(), body, h, "signing-secret")
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))

	h.Set(headerSlackTimestamp, "yesterday")
	_, err = a.ProcessWebhook(context.Background(), body, h, "signing-secret")
	assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))
}

func TestSlackWebhookTimestampBoundaries(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	body := slackEventBody(t)

	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"within tolerance", -5 * time.Minute, true},
		{"stale", -5*time.Minute - time.Second, false},
		{"slightly ahead", 59 * time.Second, true},
		{"too far ahead", 61 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := slackHeaders("signing-secret", testNow.Add(tc.offset), body)
			_, err := a.ProcessWebhook(context.Background(), body, h, "signing-secret")
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, apperr.CodeTimestampOutOfRange, apperr.CodeOf(err))
		})
	}
}

func TestSlackWebhookRequiresEventType(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	body := []byte(`{"type":"event_callback","event_id":"Ev02"}`)

	h := slackHeaders("signing-secret", testNow, body)
	_, err := a.ProcessWebhook(context.Background(), body, h, "signing-secret")
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))
}

func TestSlackPollingUnsupported(t *testing.T) {
	a := newSlack(testDeps(nil), slackConn(""))
	assert.False(t, a.Capabilities().Polling)

	_, _, err := a.PollEvents(context.Background(), "")
	assert.Error(t, err)
}

func TestSlackExecuteActionPostMessage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"ok":true,"channel":"C456","ts":"1712051100.000200"}`)
	}))
	defer srv.Close()

	a := newSlack(testDeps(map[string]string{"tenants/t1/slack": "xoxb-token"}), slackConn(srv.URL+"/api"))

	resp, err := a.ExecuteAction(context.Background(), &model.Action{
		CanonicalType: "post_message",
		Target:        map[string]string{"channel_id": "C456"},
		Payload:       map[string]interface{}{"text": "incident resolved"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/chat.postMessage", gotPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "C456", resp.Body["channel"])
	assert.Equal(t, "1712051100.000200", resp.Body["ts"])
}

func TestSlackExecuteActionMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newSlack(testDeps(map[string]string{"tenants/t1/slack": "xoxb-token"}), slackConn(srv.URL+"/api"))

	_, err := a.ExecuteAction(context.Background(), &model.Action{
		CanonicalType: "post_message",
		Target:        map[string]string{"channel_id": "C456"},
		Payload:       map[string]interface{}{"text": "hello"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRateLimit, apperr.CodeOf(err))
	assert.Equal(t, 7*time.Second, apperr.AsError(err).RetryAfter)
}

func TestSlackExecuteActionMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
	}))
	defer srv.Close()

	a := newSlack(testDeps(map[string]string{"tenants/t1/slack": "xoxb-token"}), slackConn(srv.URL+"/api"))

	_, err := a.ExecuteAction(context.Background(), &model.Action{
		CanonicalType: "post_message",
		Target:        map[string]string{"channel_id": "C456"},
		Payload:       map[string]interface{}{"text": "hello"},
	})
	assert.Equal(t, apperr.CodeMalformedPayload, apperr.CodeOf(err))
}

func TestSlackVerifyConnection(t *testing.T) {
	authOK := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth.test", r.URL.Path)
		if authOK {
			fmt.Fprint(w, `{"ok":true,"team":"beacon","user_id":"U999"}`)
			return
		}
		fmt.Fprint(w, `{"ok":false,"error":"invalid_auth"}`)
	}))
	defer srv.Close()

	a := newSlack(testDeps(map[string]string{"tenants/t1/slack": "xoxb-token"}), slackConn(srv.URL+"/api"))

	ok, err := a.VerifyConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	authOK = false
	ok, err = a.VerifyConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
