// Package mapper converts verified provider events into canonical signal
// envelopes. The adapters keep provider-native event names; this package
// owns the translation onto the shared signal_type vocabulary so the same
// provider change maps identically whether it arrived by webhook or poll.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

// schemaVersion stamps every envelope this service synthesizes. Producers
// submitting directly through signal ingestion carry their own version.
const schemaVersion = "1.0.0"

// canonicalTypes maps provider-native event names onto the shared signal
// vocabulary, keyed "provider/event". Events without an entry fall back to
// a normalized "<provider>_<event>" form so nothing is dropped.
var canonicalTypes = map[string]string{
	"github/pull_request.opened":   "pr_opened",
	"github/pull_request.closed":   "pr_closed",
	"github/pull_request.reopened": "pr_reopened",
	"github/push":                  "commit_pushed",
	"github/issues.opened":         "issue_opened",
	"github/issues.closed":         "issue_closed",
	"jira/issue_created":           "issue_created",
	"jira/issue_updated":           "issue_updated",
	"jira/issue_deleted":           "issue_deleted",
	"jira/comment_created":         "comment_added",
	"slack/message":                "message_posted",
	"slack/reaction_added":         "reaction_added",
}

// Map builds a signal envelope from a provider event. The envelope carries
// the connection as producer, the raw provider payload, and the provider's
// event id as correlation id so downstream consumers can trace a signal
// back to the delivery that caused it.
func Map(conn *model.Connection, ev *model.ProviderEvent, now time.Time) (*envelope.SignalEnvelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signal id: %w", err)
	}

	env := conn.Environment
	if env == "" {
		env = envelope.EnvProd
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now.UTC()
	}

	out := &envelope.SignalEnvelope{
		SignalID:      id.String(),
		TenantID:      conn.TenantID,
		Environment:   env,
		ProducerID:    conn.ConnectionID,
		SignalKind:    envelope.KindEvent,
		SignalType:    SignalType(ev.ProviderID, ev.EventType, ev.Payload),
		OccurredAt:    occurred,
		Payload:       ev.Payload,
		SchemaVersion: schemaVersion,
		ActorID:       ev.ActorID,
		CorrelationID: ev.EventID,
		Resource:      resourceFor(ev.ProviderID, ev.Payload),
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("mapped envelope is invalid: %w", err)
	}
	return out, nil
}

// SignalType resolves the canonical signal type for a provider event.
// GitHub reports a merged pull request as closed with a merged flag, so
// that pair gets its own type before the table lookup.
func SignalType(providerID, eventType string, payload map[string]interface{}) string {
	if providerID == "github" && eventType == "pull_request.closed" {
		if merged, ok := dig(payload, "pull_request", "merged").(bool); ok && merged {
			return "pr_merged"
		}
	}
	if canonical, ok := canonicalTypes[providerID+"/"+eventType]; ok {
		return canonical
	}
	return normalizeType(providerID + "_" + eventType)
}

// normalizeType lowercases and squeezes anything outside [a-z0-9] into
// single underscores.
func normalizeType(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}

func resourceFor(providerID string, payload map[string]interface{}) *envelope.Resource {
	var r envelope.Resource
	switch providerID {
	case "github":
		r.Repository = digString(payload, "repository", "full_name")
		if r.Repository == "" {
			r.Repository = digString(payload, "repository", "name")
		}
		if ref := digString(payload, "ref"); ref != "" {
			r.Branch = strings.TrimPrefix(ref, "refs/heads/")
		} else if head := digString(payload, "pull_request", "head", "ref"); head != "" {
			r.Branch = head
		}
		r.PRID = digNumber(payload, "pull_request", "number")
		if r.PRID == "" {
			r.PRID = digNumber(payload, "number")
		}
	case "jira":
		r.IssueKey = digString(payload, "issue", "key")
	case "slack":
		r.ChannelID = digString(payload, "event", "channel")
		if r.ChannelID == "" {
			r.ChannelID = digString(payload, "channel_id")
		}
	}
	if r == (envelope.Resource{}) {
		return nil
	}
	return &r
}

func dig(payload map[string]interface{}, path ...string) interface{} {
	var cur interface{} = payload
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func digString(payload map[string]interface{}, path ...string) string {
	s, _ := dig(payload, path...).(string)
	return s
}

// digNumber stringifies a numeric payload field. JSON numbers decode as
// float64, so whole values are printed without a fraction.
func digNumber(payload map[string]interface{}, path ...string) string {
	switch v := dig(payload, path...).(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return ""
	}
}
