// Package envelope defines the canonical signal envelope exchanged between
// producers, the ingestion pipeline and downstream consumers. Every signal
// crossing a service boundary is one of these, regardless of which provider
// or producer it came from.
package envelope

import (
	"fmt"
	"time"
)

// Environment is the deployment environment a signal originates from.
type Environment string

const (
	EnvDev   Environment = "dev"
	EnvStage Environment = "stage"
	EnvProd  Environment = "prod"
)

// Kind is the broad telemetry category of a signal.
type Kind string

const (
	KindEvent  Kind = "event"
	KindMetric Kind = "metric"
	KindLog    Kind = "log"
	KindTrace  Kind = "trace"
)

// Class is a routing destination assigned during ingestion.
type Class string

const (
	ClassRealtimeDetection Class = "realtime_detection"
	ClassAnalyticsStore    Class = "analytics_store"
	ClassEvidenceStore     Class = "evidence_store"
)

// Resource locates the entity a signal is about. All fields optional.
type Resource struct {
	Repository  string `json:"repository,omitempty"`
	Branch      string `json:"branch,omitempty"`
	PRID        string `json:"pr_id,omitempty"`
	IssueKey    string `json:"issue_key,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// SignalEnvelope is the canonical signal model. Producers submit these
// (or adapters synthesize them from provider webhooks); the pipeline
// validates, normalizes and routes them without ever mutating the
// caller's copy.
type SignalEnvelope struct {
	SignalID      string                 `json:"signal_id"`
	TenantID      string                 `json:"tenant_id"`
	Environment   Environment            `json:"environment"`
	ProducerID    string                 `json:"producer_id"`
	SignalKind    Kind                   `json:"signal_kind"`
	SignalType    string                 `json:"signal_type"`
	OccurredAt    time.Time              `json:"occurred_at"`
	IngestedAt    time.Time              `json:"ingested_at,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	SchemaVersion string                 `json:"schema_version"`

	ActorID       string    `json:"actor_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Resource      *Resource `json:"resource,omitempty"`
	SequenceNo    *int64    `json:"sequence_no,omitempty"`
}

// Validate checks structural requirements: required identity fields present
// and enums within range. Contract-level payload validation happens later in
// the pipeline; this gate only rejects envelopes that cannot be attributed.
func (e *SignalEnvelope) Validate() error {
	switch {
	case e.SignalID == "":
		return fmt.Errorf("signal_id is required")
	case e.TenantID == "":
		return fmt.Errorf("tenant_id is required")
	case e.ProducerID == "":
		return fmt.Errorf("producer_id is required")
	case e.SignalType == "":
		return fmt.Errorf("signal_type is required")
	case e.SchemaVersion == "":
		return fmt.Errorf("schema_version is required")
	case e.OccurredAt.IsZero():
		return fmt.Errorf("occurred_at is required")
	}

	switch e.Environment {
	case EnvDev, EnvStage, EnvProd:
	default:
		return fmt.Errorf("environment %q is not one of dev, stage, prod", e.Environment)
	}

	switch e.SignalKind {
	case KindEvent, KindMetric, KindLog, KindTrace:
	default:
		return fmt.Errorf("signal_kind %q is not one of event, metric, log, trace", e.SignalKind)
	}

	return nil
}

// Clone returns a deep copy. Pipeline stages operate on clones so a
// rejected envelope is reported exactly as the producer sent it.
func (e *SignalEnvelope) Clone() *SignalEnvelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = clonePayload(e.Payload)
	if e.Resource != nil {
		r := *e.Resource
		out.Resource = &r
	}
	if e.SequenceNo != nil {
		n := *e.SequenceNo
		out.SequenceNo = &n
	}
	return &out
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return clonePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
