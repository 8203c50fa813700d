package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/adapter"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/breaker"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/client"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/secrets"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/sink"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
)

var (
	// ErrNotFound indicates the resource does not exist in the caller's scope.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput indicates a request that fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("resource already exists")
)

// defaultPollIntervalSec applies when a polling connection does not set
// its own interval.
const defaultPollIntervalSec = 60

// Adapters is the service-side view of the adapter registry.
type Adapters interface {
	For(conn *model.Connection) (adapter.Adapter, error)
	Supported(providerID string) bool
	Providers() []string
	ProviderCapabilities(providerID string) (model.CapabilitySet, error)
	Evict(connectionID string)
}

// ReplayGuard remembers verified webhook deliveries so a replayed one is
// rejected. Satisfied by *store.ReplayGuard.
type ReplayGuard interface {
	FirstSeen(ctx context.Context, connectionID, signature string, payload []byte) (bool, error)
	Forget(ctx context.Context, connectionID, signature string, payload []byte) error
}

// Budget answers quota probes. Satisfied by *client.BudgetClient, whose
// nil value allows everything.
type Budget interface {
	Check(ctx context.Context, tenantID, operation string) client.Decision
}

// Evidence files action receipts. Satisfied by *client.EvidenceClient,
// whose nil value drops them.
type Evidence interface {
	Record(ctx context.Context, receipt *client.ActionReceipt) error
}

// ConnectionPatch carries the mutable connection fields; nil pointers and
// a nil capability slice leave the stored value unchanged.
type ConnectionPatch struct {
	Status              *model.ConnectionStatus
	AuthRef             *string
	BaseURL             *string
	PollIntervalSec     *int
	EnabledCapabilities []model.Capability
}

// ProviderInfo describes one supported provider for the catalog endpoint.
type ProviderInfo struct {
	ProviderID   string              `json:"provider_id"`
	Capabilities model.CapabilitySet `json:"capabilities"`
}

// WebhookResult reports the signal synthesized from one webhook delivery.
type WebhookResult struct {
	SignalID   string `json:"signal_id"`
	SignalType string `json:"signal_type"`
}

// ActionRequest is one outbound action submission.
type ActionRequest struct {
	ConnectionID   string
	CanonicalType  string
	Target         map[string]string
	Payload        map[string]interface{}
	IdempotencyKey string
	CorrelationID  string
}

// Service is the integration-service application surface: connection and
// webhook registration management, the webhook ingress, and outbound
// actions.
type Service interface {
	CreateConnection(ctx context.Context, c *model.Connection) error
	GetConnection(ctx context.Context, tenantID, connectionID string) (*model.Connection, error)
	ListConnections(ctx context.Context, tenantID string, status model.ConnectionStatus, limit, offset int) ([]model.Connection, int, error)
	UpdateConnection(ctx context.Context, tenantID, connectionID string, patch *ConnectionPatch) (*model.Connection, error)
	VerifyConnection(ctx context.Context, tenantID, connectionID string) (*model.Connection, error)

	CreateWebhook(ctx context.Context, tenantID, connectionID string, events []string) (*model.WebhookRegistration, string, error)
	ListWebhooks(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error)

	HandleWebhook(ctx context.Context, providerID, registrationID string, payload []byte, headers http.Header) (*WebhookResult, error)

	ExecuteAction(ctx context.Context, tenantID string, req *ActionRequest) (*model.Action, bool, error)
	GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error)

	Providers() []ProviderInfo
}

// Deps are the service's collaborators.
type Deps struct {
	Connections store.ConnectionStore
	Webhooks    store.WebhookStore
	Actions     store.ActionStore
	Adapters    Adapters
	Breakers    *breaker.Registry
	Secrets     secrets.Resolver
	Replay      ReplayGuard
	Sink        sink.Sink
	Budget      Budget
	Evidence    Evidence
	Logger      *zap.Logger
	Now         func() time.Time
}

type service struct {
	deps Deps
}

// New wires the service over its stores and provider plumbing.
func New(deps Deps) Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Budget == nil {
		deps.Budget = (*client.BudgetClient)(nil)
	}
	if deps.Evidence == nil {
		deps.Evidence = (*client.EvidenceClient)(nil)
	}
	return &service{deps: deps}
}

func (s *service) CreateConnection(ctx context.Context, c *model.Connection) error {
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if c.ProviderID == "" || c.AuthRef == "" {
		return fmt.Errorf("%w: provider_id and auth_ref are required", ErrInvalidInput)
	}
	if !s.deps.Adapters.Supported(c.ProviderID) {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, c.ProviderID)
	}
	if c.ProviderID == adapter.ProviderJira && c.BaseURL == "" {
		return fmt.Errorf("%w: jira connections require base_url", ErrInvalidInput)
	}
	if err := s.checkCapabilities(c.ProviderID, c.EnabledCapabilities); err != nil {
		return err
	}

	switch c.Environment {
	case "":
		c.Environment = envelope.EnvProd
	case envelope.EnvDev, envelope.EnvStage, envelope.EnvProd:
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidInput, c.Environment)
	}
	if c.PollIntervalSec < 0 {
		return fmt.Errorf("%w: poll_interval_sec must not be negative", ErrInvalidInput)
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = defaultPollIntervalSec
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate connection id: %w", err)
	}
	c.ConnectionID = id.String()
	// Connections always start unverified; verify promotes them.
	c.Status = model.ConnectionPendingVerification
	now := s.deps.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.deps.Connections.Create(ctx, c); err != nil {
		return err
	}
	s.deps.Logger.Info("connection created",
		zap.String("connection_id", c.ConnectionID),
		zap.String("tenant_id", c.TenantID),
		zap.String("provider_id", c.ProviderID))
	return nil
}

func (s *service) checkCapabilities(providerID string, caps []model.Capability) error {
	if len(caps) == 0 {
		return fmt.Errorf("%w: at least one capability is required", ErrInvalidInput)
	}
	supported, err := s.deps.Adapters.ProviderCapabilities(providerID)
	if err != nil {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, providerID)
	}
	for _, c := range caps {
		if !model.ValidCapability(c) {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, c)
		}
		if !supported.Supports(c) {
			return fmt.Errorf("%w: provider %s does not support %s", ErrInvalidInput, providerID, c)
		}
	}
	return nil
}

func (s *service) GetConnection(ctx context.Context, tenantID, connectionID string) (*model.Connection, error) {
	c, err := s.deps.Connections.Get(ctx, tenantID, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *service) ListConnections(ctx context.Context, tenantID string, status model.ConnectionStatus, limit, offset int) ([]model.Connection, int, error) {
	if tenantID == "" {
		return nil, 0, fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if status != "" && !model.ValidConnectionStatus(status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.deps.Connections.List(ctx, tenantID, status, limit, offset)
}

func (s *service) UpdateConnection(ctx context.Context, tenantID, connectionID string, patch *ConnectionPatch) (*model.Connection, error) {
	c, err := s.deps.Connections.Get(ctx, tenantID, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		if !model.ValidConnectionStatus(*patch.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
		}
		c.Status = *patch.Status
	}
	if patch.AuthRef != nil {
		if *patch.AuthRef == "" {
			return nil, fmt.Errorf("%w: auth_ref must not be empty", ErrInvalidInput)
		}
		c.AuthRef = *patch.AuthRef
	}
	if patch.BaseURL != nil {
		c.BaseURL = *patch.BaseURL
	}
	if patch.PollIntervalSec != nil {
		if *patch.PollIntervalSec <= 0 {
			return nil, fmt.Errorf("%w: poll_interval_sec must be positive", ErrInvalidInput)
		}
		c.PollIntervalSec = *patch.PollIntervalSec
	}
	if patch.EnabledCapabilities != nil {
		if err := s.checkCapabilities(c.ProviderID, patch.EnabledCapabilities); err != nil {
			return nil, err
		}
		c.EnabledCapabilities = patch.EnabledCapabilities
	}
	c.UpdatedAt = s.deps.Now().UTC()

	if err := s.deps.Connections.Update(ctx, c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// The cached adapter instance holds the old configuration.
	s.deps.Adapters.Evict(connectionID)

	s.deps.Logger.Info("connection updated",
		zap.String("connection_id", connectionID),
		zap.String("tenant_id", tenantID))
	return c, nil
}

// VerifyConnection probes the provider with the stored credentials and
// records the outcome on the connection. The probe bypasses the circuit
// breaker: it is an operator-initiated diagnostic, and blocking it while
// the breaker is open would make recovery from a credential fix invisible.
func (s *service) VerifyConnection(ctx context.Context, tenantID, connectionID string) (*model.Connection, error) {
	c, err := s.deps.Connections.Get(ctx, tenantID, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	adp, err := s.deps.Adapters.For(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ok, err := adp.VerifyConnection(ctx)
	if err != nil {
		// Transport trouble says nothing about the credentials; keep the
		// stored status.
		return nil, err
	}

	if ok {
		c.Status = model.ConnectionActive
	} else {
		c.Status = model.ConnectionError
	}
	c.UpdatedAt = s.deps.Now().UTC()
	if err := s.deps.Connections.Update(ctx, c); err != nil {
		return nil, err
	}

	s.deps.Logger.Info("connection verified",
		zap.String("connection_id", connectionID),
		zap.String("tenant_id", tenantID),
		zap.Bool("verified", ok))
	return c, nil
}

// CreateWebhook registers an inbound webhook route for a connection and
// mints its signing secret. The plaintext secret is returned exactly once;
// afterwards only the secret store holds it.
func (s *service) CreateWebhook(ctx context.Context, tenantID, connectionID string, events []string) (*model.WebhookRegistration, string, error) {
	c, err := s.deps.Connections.Get(ctx, tenantID, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	if !c.HasCapability(model.CapabilityWebhook) {
		return nil, "", fmt.Errorf("%w: connection does not enable the webhook capability", ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate registration id: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	ref := fmt.Sprintf("integrations/%s/webhooks/%s", tenantID, id)
	if err := s.deps.Secrets.Store(ctx, ref, secret); err != nil {
		return nil, "", fmt.Errorf("failed to store webhook secret: %w", err)
	}

	reg := &model.WebhookRegistration{
		RegistrationID:   id.String(),
		ConnectionID:     connectionID,
		TenantID:         tenantID,
		SecretRef:        ref,
		EventsSubscribed: events,
		Status:           model.RegistrationActive,
		CreatedAt:        s.deps.Now().UTC(),
	}
	if err := s.deps.Webhooks.Create(ctx, reg); err != nil {
		return nil, "", err
	}

	s.deps.Logger.Info("webhook registration created",
		zap.String("registration_id", reg.RegistrationID),
		zap.String("connection_id", connectionID),
		zap.String("tenant_id", tenantID))
	return reg, secret, nil
}

func (s *service) ListWebhooks(ctx context.Context, tenantID, connectionID string) ([]model.WebhookRegistration, error) {
	if _, err := s.GetConnection(ctx, tenantID, connectionID); err != nil {
		return nil, err
	}
	return s.deps.Webhooks.ListByConnection(ctx, tenantID, connectionID)
}

func (s *service) Providers() []ProviderInfo {
	ids := s.deps.Adapters.Providers()
	out := make([]ProviderInfo, 0, len(ids))
	for _, id := range ids {
		caps, err := s.deps.Adapters.ProviderCapabilities(id)
		if err != nil {
			continue
		}
		out = append(out, ProviderInfo{ProviderID: id, Capabilities: caps})
	}
	return out
}
