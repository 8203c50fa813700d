// Package client holds thin HTTP clients for sibling control-plane
// services. These are advisory collaborators: both clients are nil-safe
// so a deployment without the sibling simply skips the call.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Decision is the outcome of a budget probe. Degraded marks answers that
// were synthesized because the budget service could not be consulted; the
// caller logs those so quota gaps are visible after an outage.
type Decision struct {
	Allowed  bool
	Degraded bool
	Reason   string
}

// BudgetClient asks the budget service whether a tenant may spend provider
// quota on an operation. The probe fails open: collection must not stop
// because the budget service is down.
type BudgetClient struct {
	base string
	http *http.Client
}

// NewBudget returns nil when no base URL is configured; a nil client
// allows everything.
func NewBudget(baseURL string) *BudgetClient {
	if baseURL == "" {
		return nil
	}
	return &BudgetClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *BudgetClient) Check(ctx context.Context, tenantID, operation string) Decision {
	if c == nil {
		return Decision{Allowed: true}
	}

	body, err := json.Marshal(map[string]string{"tenant_id": tenantID, "operation": operation})
	if err != nil {
		return Decision{Allowed: true, Degraded: true, Reason: "budget request build failed"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/budget/check", bytes.NewReader(body))
	if err != nil {
		return Decision{Allowed: true, Degraded: true, Reason: "budget request build failed"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Decision{Allowed: true, Degraded: true, Reason: "budget service unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Decision{Allowed: true, Degraded: true, Reason: fmt.Sprintf("budget service returned %d", resp.StatusCode)}
	}

	var out struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{Allowed: true, Degraded: true, Reason: "budget response malformed"}
	}
	return Decision{Allowed: out.Allowed, Reason: out.Reason}
}

// ActionReceipt is the audit record of one outbound action execution.
type ActionReceipt struct {
	TenantID      string    `json:"tenant_id"`
	ActionID      string    `json:"action_id"`
	ConnectionID  string    `json:"connection_id"`
	ActionType    string    `json:"action_type"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// EvidenceClient files action receipts with the evidence service. Callers
// record receipts best-effort; a lost receipt never fails the action.
type EvidenceClient struct {
	base string
	http *http.Client
}

// NewEvidence returns nil when no base URL is configured; a nil client
// drops receipts silently.
func NewEvidence(baseURL string) *EvidenceClient {
	if baseURL == "" {
		return nil
	}
	return &EvidenceClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *EvidenceClient) Record(ctx context.Context, receipt *ActionReceipt) error {
	if c == nil {
		return nil
	}

	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/evidence/receipts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach evidence service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("evidence service returned %d", resp.StatusCode)
	}
	return nil
}
