// Package adapter bridges external providers onto the canonical event
// plane. Each provider implements the same capability surface: verify and
// parse inbound webhooks, page through events by cursor, execute outbound
// actions, and probe connection health. The registry owns the compile-time
// provider set and caches one adapter instance per connection.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/httpclient"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/secrets"
)

// Provider ids understood by the registry.
const (
	ProviderGitHub = "github"
	ProviderJira   = "jira"
	ProviderSlack  = "slack"
)

// Adapter is the per-provider SPI. Implementations are bound to one
// connection and must be safe for concurrent calls; credentials are
// resolved per call through the secrets resolver, never held on the
// instance.
type Adapter interface {
	// ProcessWebhook verifies a delivery against the registration's
	// signing secret and extracts the provider event. Fails with
	// INVALID_SIGNATURE, TIMESTAMP_OUT_OF_RANGE or MALFORMED_PAYLOAD.
	ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, secret string) (*model.ProviderEvent, error)

	// PollEvents returns provider events after cursor plus the cursor to
	// resume from. An empty page returns the input cursor unchanged.
	// Fails with UPSTREAM_ERROR (retryable) or AUTH (not).
	PollEvents(ctx context.Context, cursor string) ([]model.ProviderEvent, string, error)

	// ExecuteAction performs one outbound effect. The idempotency key on
	// the surrounding context is forwarded to providers that honor it.
	ExecuteAction(ctx context.Context, action *model.Action) (*model.ActionResponse, error)

	// VerifyConnection is a cheap liveness and authorization probe.
	VerifyConnection(ctx context.Context) (bool, error)

	// Capabilities reports what this provider's adapter supports,
	// independent of what the connection has enabled.
	Capabilities() model.CapabilitySet
}

// Deps carries the collaborators shared by every adapter instance.
type Deps struct {
	HTTP    *httpclient.Client
	Secrets secrets.Resolver
	Logger  *zap.Logger

	// Tolerance bounds how old a webhook event timestamp may be.
	Tolerance time.Duration
	// Now is the clock; tests override it to pin the timestamp gate.
	Now func() time.Time
}

// Factory builds an adapter bound to one connection.
type Factory func(deps Deps, conn *model.Connection) Adapter

// Registry maps provider ids to factories and caches instances per
// connection. The factory set is fixed at construction; only the
// instance cache mutates afterwards.
type Registry struct {
	deps      Deps
	factories map[string]Factory

	mu        sync.Mutex
	instances map[string]Adapter
}

// NewRegistry builds the registry with the compile-time provider set.
func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tolerance <= 0 {
		deps.Tolerance = 300 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		deps: deps,
		factories: map[string]Factory{
			ProviderGitHub: newGitHub,
			ProviderJira:   newJira,
			ProviderSlack:  newSlack,
		},
		instances: map[string]Adapter{},
	}
}

// Providers lists the registered provider ids.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether a provider id has a registered factory.
func (r *Registry) Supported(providerID string) bool {
	_, ok := r.factories[providerID]
	return ok
}

// ProviderCapabilities reports which operations a provider supports.
// Capability sets are fixed per provider, so a throwaway instance answers
// without touching the connection cache.
func (r *Registry) ProviderCapabilities(providerID string) (model.CapabilitySet, error) {
	factory, ok := r.factories[providerID]
	if !ok {
		return model.CapabilitySet{}, fmt.Errorf("no adapter registered for provider %q", providerID)
	}
	return factory(r.deps, &model.Connection{ProviderID: providerID}).Capabilities(), nil
}

// For returns the adapter bound to the connection, building and caching
// it on first use.
func (r *Registry) For(conn *model.Connection) (Adapter, error) {
	factory, ok := r.factories[conn.ProviderID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", conn.ProviderID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.instances[conn.ConnectionID]; ok {
		return a, nil
	}
	a := factory(r.deps, conn)
	r.instances[conn.ConnectionID] = a
	return a, nil
}

// Evict drops the cached instance for a connection. Called after a
// connection's configuration changes so the next call rebuilds against
// the fresh settings.
func (r *Registry) Evict(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, connectionID)
}
