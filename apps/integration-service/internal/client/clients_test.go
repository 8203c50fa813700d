package client

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
)

func TestBudgetCheckDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/budget/check", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "t1", body["tenant_id"])
		assert.Equal(t, "poll", body["operation"])
		fmt.Fprint(w, `{"allowed":false,"reason":"api quota exhausted"}`)
	}))
	defer srv.Close()

	d := NewBudget(srv.URL).Check(context.Background(), "t1", "poll")
	assert.False(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Equal(t, "api quota exhausted", d.Reason)
}

func TestBudgetCheckFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	srv.Close() // unreachable

	d := NewBudget(srv.URL).Check(context.Background(), "t1", "poll")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestBudgetCheckFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewBudget(srv.URL).Check(context.Background(), "t1", "poll")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestBudgetNilClientAllows(t *testing.T) {
	var c *BudgetClient
	d := c.Check(context.Background(), "t1", "poll")
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Nil(t, NewBudget(""))
}

func TestEvidenceRecord(t *testing.T) {
	var got ActionReceipt
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/evidence/receipts", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewEvidence(srv.URL).Record(context.Background(), &ActionReceipt{
		TenantID:   "t1",
		ActionID:   "a1",
		ActionType: "post_message",
		Status:     "completed",
		RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ActionID)
}

func TestEvidenceRecordSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewEvidence(srv.URL).Record(context.Background(), &ActionReceipt{ActionID: "a1"})
	assert.Error(t, err)

	var nilClient *EvidenceClient
	assert.NoError(t, nilClient.Record(context.Background(), &ActionReceipt{}))
}
