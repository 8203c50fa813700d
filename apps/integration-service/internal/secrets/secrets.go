// Package secrets resolves provider credentials and webhook signing
// secrets by opaque reference. Connections and registrations store only
// the reference; the value lives in Vault.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
)

// Resolver fetches and stores secret values by reference. Implementations
// must be safe for concurrent use: adapters resolve per call.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
	Store(ctx context.Context, ref, value string) error
}

// Vault is the production resolver backed by a KV v2 mount. Resolved
// values are cached for a short TTL so a burst of webhook deliveries does
// not turn into a burst of Vault reads.
type Vault struct {
	client *api.Client
	mount  string
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value     string
	fetchedAt time.Time
}

// NewVault builds a resolver against the given Vault address and token.
// mount is the KV v2 mount name, typically "secret". ttl bounds how stale
// a cached value may be; zero disables caching.
func NewVault(address, token, mount string, ttl time.Duration) (*Vault, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &Vault{
		client: client,
		mount:  mount,
		ttl:    ttl,
		cache:  map[string]cached{},
	}, nil
}

func (v *Vault) path(ref string) string {
	return v.mount + "/data/" + ref
}

// Resolve returns the secret value at ref, serving from cache within the
// TTL.
func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	v.mu.Lock()
	if c, ok := v.cache[ref]; ok && v.ttl > 0 && time.Since(c.fetchedAt) < v.ttl {
		v.mu.Unlock()
		return c.value, nil
	}
	v.mu.Unlock()

	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(ref))
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", ref, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret at %s", ref)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected secret format at %s", ref)
	}
	value, ok := data["value"].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("secret %s has no value key", ref)
	}

	v.mu.Lock()
	v.cache[ref] = cached{value: value, fetchedAt: time.Now()}
	v.mu.Unlock()
	return value, nil
}

// Store writes the secret value at ref and invalidates any cached copy.
func (v *Vault) Store(ctx context.Context, ref, value string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.path(ref), map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", ref, err)
	}

	v.mu.Lock()
	delete(v.cache, ref)
	v.mu.Unlock()
	return nil
}

// Static is a map-backed resolver for tests and local development.
type Static struct {
	mu sync.Mutex
	m  map[string]string
}

// NewStatic seeds a resolver with the given references.
func NewStatic(m map[string]string) *Static {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return &Static{m: cp}
}

func (s *Static) Resolve(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[ref]
	if !ok {
		return "", fmt.Errorf("no secret at %s", ref)
	}
	return v, nil
}

func (s *Static) Store(ctx context.Context, ref, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[ref] = value
	return nil
}
