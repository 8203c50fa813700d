// Package client holds thin HTTP clients for sibling control-plane
// services. These are advisory collaborators: nil-safe, so a deployment
// without the sibling degrades instead of failing.
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

// Logical target prefixes that need identity expansion. Anything else is
// already a concrete user id.
var logicalPrefixes = []string{"group:", "role:", "schedule:", "oncall:"}

// IsLogicalTarget reports whether the target references a group-like
// construct rather than a single user.
func IsLogicalTarget(target string) bool {
	for _, p := range logicalPrefixes {
		if strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

// Expansion is the outcome of resolving one logical target. Degraded
// marks answers synthesized because the identity service could not be
// consulted; the target passes through unexpanded so a notification
// still exists to retry or audit.
type Expansion struct {
	Users    []string
	Degraded bool
	Reason   string
}

// IdentityClient expands group, role, schedule and on-call references
// into concrete user ids via the IAM service.
type IdentityClient struct {
	base string
	http *http.Client
}

// NewIdentity returns nil when no base URL is configured; a nil client
// passes every logical target through unexpanded.
func NewIdentity(baseURL string) *IdentityClient {
	if baseURL == "" {
		return nil
	}
	return &IdentityClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Expand resolves one routing target to user ids. Concrete user ids
// return immediately without a network call.
func (c *IdentityClient) Expand(ctx context.Context, tenantID, target string) Expansion {
	if !IsLogicalTarget(target) {
		return Expansion{Users: []string{target}}
	}
	if c == nil {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity service not configured"}
	}

	body, err := json.Marshal(map[string]string{"tenant_id": tenantID, "target": target})
	if err != nil {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity request build failed"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/identity/expand", bytes.NewReader(body))
	if err != nil {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity request build failed"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity service unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Expansion{Users: []string{target}, Degraded: true, Reason: fmt.Sprintf("identity service returned %d", resp.StatusCode)}
	}

	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity response malformed"}
	}
	if len(out.UserIDs) == 0 {
		return Expansion{Users: []string{target}, Degraded: true, Reason: "identity expansion empty"}
	}
	return Expansion{Users: out.UserIDs}
}
