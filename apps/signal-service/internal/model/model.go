package model

import (
	"encoding/json"
	"time"

	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

// ProducerStatus tracks a registration through its lifecycle. Registrations
// are never deleted, only transitioned.
type ProducerStatus string

const (
	ProducerActive    ProducerStatus = "active"
	ProducerSuspended ProducerStatus = "suspended"
	ProducerRetired   ProducerStatus = "retired"
)

// ProducerRegistration declares what a producer is allowed to send.
// An empty AllowedSignalTypes list means the producer may emit any type;
// kinds must always be explicit.
type ProducerRegistration struct {
	ProducerID         string            `json:"producer_id"`
	TenantID           string            `json:"tenant_id"`
	Plane              string            `json:"plane"`
	AllowedSignalKinds []envelope.Kind   `json:"allowed_signal_kinds"`
	AllowedSignalTypes []string          `json:"allowed_signal_types"`
	ContractVersions   map[string]string `json:"contract_versions"`
	Status             ProducerStatus    `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// AllowsKind reports whether the registration permits the given kind.
func (p *ProducerRegistration) AllowsKind(k envelope.Kind) bool {
	for _, allowed := range p.AllowedSignalKinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// AllowsType reports whether the registration permits the given signal type.
func (p *ProducerRegistration) AllowsType(t string) bool {
	if len(p.AllowedSignalTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedSignalTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// UnitConversion rewrites one payload field into its canonical unit. The
// source field is renamed to TargetField so that re-normalizing an already
// normalized payload is a no-op.
type UnitConversion struct {
	FromUnit    string  `json:"from_unit"`
	ToUnit      string  `json:"to_unit"`
	Factor      float64 `json:"factor"`
	TargetField string  `json:"target_field"`
}

// DataContract describes the agreed payload shape for one
// (signal_type, contract_version) pair. Contracts are immutable once
// published; shape changes require a new version.
type DataContract struct {
	SignalType      string                    `json:"signal_type"`
	ContractVersion string                    `json:"contract_version"`
	RequiredFields  []string                  `json:"required_fields"`
	OptionalFields  []string                  `json:"optional_fields"`
	FieldMappings   map[string]string         `json:"field_mappings"`
	UnitConversions map[string]UnitConversion `json:"unit_conversions"`
	PIIFlags        []string                  `json:"pii_flags"`
	SecretsFlags    []string                  `json:"secrets_flags"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// DLQEntry is a signal parked after retry exhaustion. The original payload
// is stored verbatim so operators can inspect and re-drive it.
type DLQEntry struct {
	DLQID           string          `json:"dlq_id"`
	SignalID        string          `json:"signal_id"`
	TenantID        string          `json:"tenant_id"`
	ProducerID      string          `json:"producer_id"`
	SignalType      string          `json:"signal_type"`
	ErrorCode       string          `json:"error_code"`
	ErrorMessage    string          `json:"error_message"`
	RetryCount      int             `json:"retry_count"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TenantGovernance carries per-tenant ingestion guardrails: fields that may
// never appear in a payload regardless of what the contract allows.
type TenantGovernance struct {
	TenantID         string    `json:"tenant_id"`
	DisallowedFields []string  `json:"disallowed_fields"`
	UpdatedAt        time.Time `json:"updated_at"`
}
