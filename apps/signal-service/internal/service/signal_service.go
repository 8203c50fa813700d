package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/contract"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/pipeline"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/store"
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

// MaxBatchSize caps one ingest call. Batches above the cap are rejected
// whole at the transport layer, before any envelope is processed.
const MaxBatchSize = 1000

// Service is the signal-service application surface: batch ingestion, DLQ
// inspection and the producer/contract registries.
type Service interface {
	Ingest(ctx context.Context, tenantID string, envs []*envelope.SignalEnvelope) ([]pipeline.IngestResult, error)

	ListDLQ(ctx context.Context, f store.DLQFilter) ([]model.DLQEntry, int, error)
	DeleteDLQ(ctx context.Context, tenantID, dlqID string) error

	RegisterProducer(ctx context.Context, p *model.ProducerRegistration) error
	GetProducer(ctx context.Context, tenantID, producerID string) (*model.ProducerRegistration, error)
	UpdateProducer(ctx context.Context, p *model.ProducerRegistration) error

	PublishContract(ctx context.Context, c *model.DataContract) error
	GetContract(ctx context.Context, signalType, version string) (*model.DataContract, error)
}

type service struct {
	pipe      *pipeline.Pipeline
	producers store.ProducerStore
	contracts store.ContractStore
	dlq       store.DLQStore
	validator *contract.Validator
	log       *zap.Logger
}

// New wires the service over its stores and the ingestion pipeline.
func New(pipe *pipeline.Pipeline, producers store.ProducerStore, contracts store.ContractStore, dlq store.DLQStore, log *zap.Logger) Service {
	return &service{
		pipe:      pipe,
		producers: producers,
		contracts: contracts,
		dlq:       dlq,
		validator: pipe.Validator(),
		log:       log,
	}
}

func (s *service) Ingest(ctx context.Context, tenantID string, envs []*envelope.SignalEnvelope) ([]pipeline.IngestResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one signal", ErrInvalidInput)
	}
	if len(envs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d exceeds limit %d", ErrInvalidInput, len(envs), MaxBatchSize)
	}
	return s.pipe.ProcessBatch(ctx, tenantID, envs), nil
}

func (s *service) ListDLQ(ctx context.Context, f store.DLQFilter) ([]model.DLQEntry, int, error) {
	if f.TenantID == "" {
		return nil, 0, fmt.Errorf("%w: tenant scope required", ErrInvalidInput)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.dlq.List(ctx, f)
}

func (s *service) DeleteDLQ(ctx context.Context, tenantID, dlqID string) error {
	err := s.dlq.Delete(ctx, tenantID, dlqID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	s.log.Info("dlq entry deleted", zap.String("dlq_id", dlqID), zap.String("tenant_id", tenantID))
	return nil
}

func (s *service) RegisterProducer(ctx context.Context, p *model.ProducerRegistration) error {
	if p.ProducerID == "" || p.TenantID == "" {
		return fmt.Errorf("%w: producer_id and tenant_id are required", ErrInvalidInput)
	}
	if len(p.AllowedSignalKinds) == 0 {
		return fmt.Errorf("%w: at least one allowed signal kind is required", ErrInvalidInput)
	}
	for _, k := range p.AllowedSignalKinds {
		switch k {
		case envelope.KindEvent, envelope.KindMetric, envelope.KindLog, envelope.KindTrace:
		default:
			return fmt.Errorf("%w: unknown signal kind %q", ErrInvalidInput, k)
		}
	}

	if p.Status == "" {
		p.Status = model.ProducerActive
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.producers.Create(ctx, p)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: producer %s", ErrConflict, p.ProducerID)
	}
	if err != nil {
		return err
	}
	s.log.Info("producer registered",
		zap.String("producer_id", p.ProducerID),
		zap.String("tenant_id", p.TenantID))
	return nil
}

func (s *service) GetProducer(ctx context.Context, tenantID, producerID string) (*model.ProducerRegistration, error) {
	p, err := s.producers.Get(ctx, tenantID, producerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *service) UpdateProducer(ctx context.Context, p *model.ProducerRegistration) error {
	if p.ProducerID == "" || p.TenantID == "" {
		return fmt.Errorf("%w: producer_id and tenant_id are required", ErrInvalidInput)
	}
	switch p.Status {
	case model.ProducerActive, model.ProducerSuspended, model.ProducerRetired:
	case "":
		p.Status = model.ProducerActive
	default:
		return fmt.Errorf("%w: unknown producer status %q", ErrInvalidInput, p.Status)
	}

	err := s.producers.Update(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *service) PublishContract(ctx context.Context, c *model.DataContract) error {
	if c.SignalType == "" || c.ContractVersion == "" {
		return fmt.Errorf("%w: signal_type and contract_version are required", ErrInvalidInput)
	}
	if err := s.validator.Warm(c); err != nil {
		return fmt.Errorf("%w: contract does not compile: %v", ErrInvalidInput, err)
	}
	c.CreatedAt = time.Now().UTC()

	err := s.contracts.Create(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: contract %s@%s is already published", ErrConflict, c.SignalType, c.ContractVersion)
	}
	if err != nil {
		return err
	}
	s.log.Info("contract published",
		zap.String("signal_type", c.SignalType),
		zap.String("contract_version", c.ContractVersion))
	return nil
}

func (s *service) GetContract(ctx context.Context, signalType, version string) (*model.DataContract, error) {
	c, err := s.contracts.Get(ctx, signalType, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}
