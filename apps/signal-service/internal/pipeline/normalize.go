package pipeline

import (
	"strings"
	"time"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

// Payload keys whose string values are enum-like and get canonical casing.
var enumKeys = []string{"status", "severity", "level", "outcome"}

// Normalize rewrites the envelope into canonical form in place: contract
// field renames, unit conversions, enum casing and the ingested_at stamp.
// Normalizing an already-normalized envelope is a no-op — renames and
// conversions key off source fields that the first pass consumed.
func Normalize(env *envelope.SignalEnvelope, c *model.DataContract, now time.Time) {
	if env.Payload == nil {
		env.Payload = map[string]interface{}{}
	}

	applyFieldMappings(env, c)

	for field, conv := range c.UnitConversions {
		v, ok := env.Payload[field]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		target := conv.TargetField
		if target == "" {
			target = field + "_" + conv.ToUnit
		}
		delete(env.Payload, field)
		env.Payload[target] = f * conv.Factor
	}

	for _, key := range enumKeys {
		if s, ok := env.Payload[key].(string); ok {
			env.Payload[key] = canonicalToken(s)
		}
	}
	env.SignalType = canonicalToken(env.SignalType)

	if env.IngestedAt.IsZero() {
		env.IngestedAt = now.UTC()
	}
}

// applyFieldMappings renames provider-form payload keys to their canonical
// names. Runs ahead of required-field validation so producers may submit
// either form; a canonical key already present wins over a mapped source.
func applyFieldMappings(env *envelope.SignalEnvelope, c *model.DataContract) {
	if env.Payload == nil {
		return
	}
	for from, to := range c.FieldMappings {
		if from == to {
			continue
		}
		v, ok := env.Payload[from]
		if !ok {
			continue
		}
		if _, taken := env.Payload[to]; !taken {
			env.Payload[to] = v
		}
		delete(env.Payload, from)
	}
}

// canonicalToken lowers case and collapses separators into underscores:
// "PR Opened" and "pr-opened" both become "pr_opened".
func canonicalToken(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.Join(strings.Fields(s), "_")
	return s
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
