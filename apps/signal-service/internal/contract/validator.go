// Package contract validates signal payloads against published data
// contracts. Contracts compile to JSON Schemas once and stay cached;
// immutability of published contracts means entries never go stale.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// Validator caches compiled schemas keyed by (signal_type, contract_version).
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: map[string]*jsonschema.Schema{}}
}

// Validate checks payload against the contract's schema. Violations come
// back as SCHEMA_VIOLATION with the schema failure in the details.
func (v *Validator) Validate(c *model.DataContract, payload map[string]interface{}) error {
	schema, err := v.compiled(c)
	if err != nil {
		return err
	}

	// jsonschema validates plain interface{} trees; payload already is one.
	if err := schema.Validate(mapAsInterface(payload)); err != nil {
		ve := &jsonschema.ValidationError{}
		msg := "payload does not satisfy contract"
		aerr := apperr.Wrap(apperr.CodeSchemaViolation, msg, err).
			WithDetail("signal_type", c.SignalType).
			WithDetail("contract_version", c.ContractVersion)
		if ok := asValidationError(err, &ve); ok {
			aerr = aerr.WithDetail("violation", ve.Message)
		}
		return aerr
	}
	return nil
}

// Warm compiles the contract's schema without touching the cache, so a
// publish can reject contracts that will never compile. Not caching here
// matters: a rejected publish must not shadow the stored contract.
func (v *Validator) Warm(c *model.DataContract) error {
	_, err := compile(c)
	return err
}

// CacheSize reports the number of compiled schemas held.
func (v *Validator) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

// Purge drops all compiled schemas and returns how many were evicted.
// Recompilation is cheap; the hourly maintenance tick calls this to bound
// memory on long-lived processes.
func (v *Validator) Purge() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.cache)
	v.cache = map[string]*jsonschema.Schema{}
	return n
}

func (v *Validator) compiled(c *model.DataContract) (*jsonschema.Schema, error) {
	key := c.SignalType + "@" + c.ContractVersion

	v.mu.RLock()
	schema, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := compile(c)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = schema
	v.mu.Unlock()
	return schema, nil
}

func compile(c *model.DataContract) (*jsonschema.Schema, error) {
	key := c.SignalType + "@" + c.ContractVersion

	doc, err := schemaDoc(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build schema for %s: %w", key, err)
	}

	compiler := jsonschema.NewCompiler()
	url := "contract://" + key
	if err := compiler.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource for %s: %w", key, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", key, err)
	}
	return schema, nil
}

// schemaDoc renders the contract as a JSON Schema document: an object with
// the contract's required fields. Unknown fields are permitted; governance
// handles disallowed ones separately.
func schemaDoc(c *model.DataContract) (string, error) {
	properties := map[string]interface{}{}
	for _, f := range c.RequiredFields {
		properties[f] = map[string]interface{}{}
	}
	for _, f := range c.OptionalFields {
		properties[f] = map[string]interface{}{}
	}

	required := c.RequiredFields
	if required == nil {
		required = []string{}
	}

	doc := map[string]interface{}{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func mapAsInterface(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}
