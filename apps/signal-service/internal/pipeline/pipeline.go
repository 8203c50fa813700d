// Package pipeline implements signal ingestion: a fixed sequence of
// stages that takes a candidate envelope from an authenticated tenant to
// fan-out, recording a per-envelope result instead of failing the batch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/contract"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/retry"
)

// Sink delivers a routed envelope to one routing class. Production wiring
// publishes to JetStream; tests substitute a recording fake.
type Sink interface {
	Publish(ctx context.Context, class envelope.Class, env *envelope.SignalEnvelope) error
}

// State is the TTL-bound bookkeeping the pipeline consults: dedup markers,
// rejection counters and sequence cursors. Satisfied by store.StateStore.
type State interface {
	SeenSignal(ctx context.Context, tenantID, signalID string) (bool, error)
	MarkProcessed(ctx context.Context, tenantID, signalID string) error
	BumpRejection(ctx context.Context, tenantID, signalID, code string) (int64, error)
	LastSequence(ctx context.Context, tenantID, producerID, signalType string) (int64, bool, error)
	StoreSequence(ctx context.Context, tenantID, producerID, signalType string, seq int64) error
}

// Config wires a Pipeline. Zero-value tunables get production defaults.
type Config struct {
	Producers  store.ProducerStore
	Contracts  store.ContractStore
	DLQ        store.DLQStore
	Governance store.GovernanceStore
	State      State
	Validator  *contract.Validator
	Router     *Router
	Sink       Sink
	Log        *zap.Logger

	// RetryThreshold is how many retryable rejections of one signal_id
	// park it in the DLQ. Schema and governance violations use the fixed
	// persistence threshold of 2 regardless.
	RetryThreshold int
	// FanoutRetry is the per-class delivery retry schedule.
	FanoutRetry retry.Policy
	// BatchWorkers bounds concurrent envelope processing within a batch.
	BatchWorkers int
	// Clock is overridable for tests.
	Clock func() time.Time
}

// Pipeline executes the ingestion stages. One instance serves both the
// HTTP batch path and the async intake consumer.
type Pipeline struct {
	producers  store.ProducerStore
	contracts  store.ContractStore
	dlq        store.DLQStore
	governance store.GovernanceStore
	state      State
	validator  *contract.Validator
	router     *Router
	sink       Sink
	log        *zap.Logger

	retryThreshold int
	fanoutRetry    retry.Policy
	batchWorkers   int
	clock          func() time.Time

	stats Stats
}

// New builds a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		producers:      cfg.Producers,
		contracts:      cfg.Contracts,
		dlq:            cfg.DLQ,
		governance:     cfg.Governance,
		state:          cfg.State,
		validator:      cfg.Validator,
		router:         cfg.Router,
		sink:           cfg.Sink,
		log:            cfg.Log,
		retryThreshold: cfg.RetryThreshold,
		fanoutRetry:    cfg.FanoutRetry,
		batchWorkers:   cfg.BatchWorkers,
		clock:          cfg.Clock,
	}
	if p.validator == nil {
		p.validator = contract.NewValidator()
	}
	if p.router == nil {
		p.router = NewRouter()
	}
	if p.retryThreshold <= 0 {
		p.retryThreshold = 3
	}
	if p.batchWorkers <= 0 {
		p.batchWorkers = 16
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Stats exposes the throughput counters.
func (p *Pipeline) Stats() *Stats { return &p.stats }

// Validator exposes the contract cache for maintenance pruning.
func (p *Pipeline) Validator() *contract.Validator { return p.validator }

// ProcessBatch runs every envelope through the pipeline concurrently,
// bounded by BatchWorkers. Results preserve input order; one envelope's
// failure never blocks its peers. Repeated signal_ids inside one batch are
// settled up front — first occurrence wins — so the dedup outcome does not
// depend on worker scheduling.
func (p *Pipeline) ProcessBatch(ctx context.Context, tenantID string, envs []*envelope.SignalEnvelope) []IngestResult {
	results := make([]IngestResult, len(envs))

	inBatchDup := make([]bool, len(envs))
	firstSeen := make(map[string]struct{}, len(envs))
	for i, env := range envs {
		if env == nil || env.SignalID == "" {
			continue
		}
		if _, ok := firstSeen[env.SignalID]; ok {
			inBatchDup[i] = true
		} else {
			firstSeen[env.SignalID] = struct{}{}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(p.batchWorkers)
	for i := range envs {
		i := i
		if inBatchDup[i] {
			results[i] = IngestResult{
				SignalID:     envs[i].SignalID,
				Status:       StatusRejected,
				ErrorCode:    string(apperr.CodeDuplicate),
				ErrorMessage: "signal_id repeated within the batch",
			}
			p.stats.observe(StatusRejected)
			continue
		}
		g.Go(func() error {
			results[i] = p.Process(ctx, tenantID, envs[i])
			return nil
		})
	}
	_ = g.Wait() // workers only record results, never return errors

	return results
}

// Process runs one envelope through all stages and reports its outcome.
func (p *Pipeline) Process(ctx context.Context, tenantID string, in *envelope.SignalEnvelope) IngestResult {
	res := p.process(ctx, tenantID, in)
	p.stats.observe(res.Status)
	return res
}

func (p *Pipeline) process(ctx context.Context, tenantID string, in *envelope.SignalEnvelope) IngestResult {
	if in == nil {
		return IngestResult{
			Status:       StatusRejected,
			ErrorCode:    string(apperr.CodeMalformedPayload),
			ErrorMessage: "empty envelope",
		}
	}
	env := in.Clone()

	// structural gate: an envelope that cannot be attributed is rejected
	// outright; there is no identity to count retries against
	if err := env.Validate(); err != nil {
		return IngestResult{
			SignalID:     env.SignalID,
			Status:       StatusRejected,
			ErrorCode:    string(apperr.CodeMalformedPayload),
			ErrorMessage: err.Error(),
		}
	}

	var warnings []string

	// stage 1: tenant isolation
	if env.TenantID != tenantID {
		return p.rejected(env, apperr.Newf(apperr.CodeTenantIsolation,
			"envelope tenant %s does not match authenticated tenant", env.TenantID))
	}

	// stage 2: producer capability check
	reg, aerr := p.checkProducer(ctx, env)
	if aerr != nil {
		return p.withCounters(ctx, in, env, aerr, warnings)
	}

	// stage 3: contract validation
	cnt, aerr := p.checkContract(ctx, env, reg)
	if aerr != nil {
		return p.withCounters(ctx, in, env, aerr, warnings)
	}

	// stage 4: governance filter
	redactions, aerr := p.applyGovernance(ctx, env, cnt)
	if aerr != nil {
		return p.withCounters(ctx, in, env, aerr, warnings)
	}
	warnings = append(warnings, redactions...)

	// stage 5: dedup — a repeat within the window is an idempotent no-op
	seen, err := p.state.SeenSignal(ctx, env.TenantID, env.SignalID)
	if err != nil {
		return p.withCounters(ctx, in, env,
			apperr.Wrap(apperr.CodeDownstreamFailure, "dedup store unavailable", err), warnings)
	}
	if seen {
		return IngestResult{
			SignalID:     env.SignalID,
			Status:       StatusRejected,
			ErrorCode:    string(apperr.CodeDuplicate),
			ErrorMessage: "signal_id already processed within the dedup window",
			Warnings:     warnings,
		}
	}

	// stage 6: advisory ordering check
	if w := p.checkOrdering(ctx, env); w != "" {
		warnings = append(warnings, w)
	}

	// stage 7: normalization
	Normalize(env, cnt, p.clock())

	// stage 8: routing classification
	classes := p.router.Classes(env)

	// stages 9 and 10: at-least-once fan-out, then mark processed
	return p.fanOut(ctx, in, env, classes, warnings)
}

func (p *Pipeline) checkProducer(ctx context.Context, env *envelope.SignalEnvelope) (*model.ProducerRegistration, *apperr.Error) {
	reg, err := p.producers.Get(ctx, env.TenantID, env.ProducerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeProducerNotRegistered, "producer %s is not registered", env.ProducerID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDownstreamFailure, "producer lookup failed", err)
	}
	if reg.Status != model.ProducerActive {
		return nil, apperr.Newf(apperr.CodeProducerNotRegistered, "producer %s is %s", env.ProducerID, reg.Status)
	}
	if !reg.AllowsKind(env.SignalKind) {
		return nil, apperr.Newf(apperr.CodeSignalKindNotAllowed, "producer %s may not emit kind %s", env.ProducerID, env.SignalKind)
	}
	if !reg.AllowsType(env.SignalType) {
		return nil, apperr.Newf(apperr.CodeSignalTypeNotAllowed, "producer %s may not emit type %s", env.ProducerID, env.SignalType)
	}
	return reg, nil
}

func (p *Pipeline) checkContract(ctx context.Context, env *envelope.SignalEnvelope, _ *model.ProducerRegistration) (*model.DataContract, *apperr.Error) {
	cnt, err := p.contracts.Get(ctx, env.SignalType, env.SchemaVersion)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeSchemaViolation,
			"no data contract published for %s@%s", env.SignalType, env.SchemaVersion)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDownstreamFailure, "contract lookup failed", err)
	}
	// renames run ahead of the required-field check so producers may send
	// provider-form keys; the rest of normalization waits until stage 7
	applyFieldMappings(env, cnt)
	if err := p.validator.Validate(cnt, env.Payload); err != nil {
		return nil, apperr.AsError(err)
	}
	return cnt, nil
}

// applyGovernance rejects payloads containing tenant-disallowed fields and
// redacts contract-flagged PII/secret fields in place, emitting a warning
// per redaction.
func (p *Pipeline) applyGovernance(ctx context.Context, env *envelope.SignalEnvelope, cnt *model.DataContract) ([]string, *apperr.Error) {
	gov, err := p.governance.Get(ctx, env.TenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.CodeDownstreamFailure, "governance lookup failed", err)
	}
	if gov != nil {
		for _, field := range gov.DisallowedFields {
			if _, present := env.Payload[field]; present {
				return nil, apperr.Newf(apperr.CodeGovernanceViolation,
					"field %s is disallowed for this tenant", field)
			}
		}
	}

	var warnings []string
	for _, field := range append(append([]string{}, cnt.PIIFlags...), cnt.SecretsFlags...) {
		if _, present := env.Payload[field]; present {
			env.Payload[field] = "[REDACTED]"
			warnings = append(warnings, fmt.Sprintf("field %s redacted", field))
		}
	}
	return warnings, nil
}

func (p *Pipeline) checkOrdering(ctx context.Context, env *envelope.SignalEnvelope) string {
	if env.SequenceNo == nil {
		return ""
	}
	last, ok, err := p.state.LastSequence(ctx, env.TenantID, env.ProducerID, env.SignalType)
	if err != nil {
		p.log.Warn("sequence cursor read failed", zap.Error(err), zap.String("signal_id", env.SignalID))
		return ""
	}
	if err := p.state.StoreSequence(ctx, env.TenantID, env.ProducerID, env.SignalType, *env.SequenceNo); err != nil {
		p.log.Warn("sequence cursor store failed", zap.Error(err), zap.String("signal_id", env.SignalID))
	}
	if ok && *env.SequenceNo < last {
		return "out_of_order"
	}
	return ""
}

func (p *Pipeline) fanOut(ctx context.Context, in, env *envelope.SignalEnvelope, classes []envelope.Class, warnings []string) IngestResult {
	var failed []string
	for _, class := range classes {
		class := class
		err := p.fanoutRetry.Do(ctx, nil, func(ctx context.Context) error {
			return p.sink.Publish(ctx, class, env)
		})
		if err != nil {
			failed = append(failed, string(class))
			p.log.Error("fan-out exhausted retries",
				zap.String("signal_id", env.SignalID),
				zap.String("class", string(class)),
				zap.Error(err))
		}
	}

	// first successful delivery marks the signal processed, even when a
	// sibling class failed: replays of a DLQ'd signal are at-least-once
	if len(failed) < len(classes) {
		if err := p.state.MarkProcessed(ctx, env.TenantID, env.SignalID); err != nil {
			p.log.Error("failed to mark signal processed", zap.Error(err), zap.String("signal_id", env.SignalID))
		}
	}

	if len(failed) > 0 {
		aerr := apperr.Newf(apperr.CodeDownstreamFailure,
			"fan-out failed for classes: %s", strings.Join(failed, ", "))
		dlqID := p.parkInDLQ(ctx, in, aerr, p.fanoutRetry.MaxRetries+1)
		return IngestResult{
			SignalID:     env.SignalID,
			Status:       StatusDLQ,
			ErrorCode:    string(aerr.Code),
			ErrorMessage: aerr.Message,
			DLQID:        dlqID,
			Warnings:     warnings,
		}
	}

	return IngestResult{SignalID: env.SignalID, Status: StatusAccepted, Warnings: warnings}
}

// withCounters records a rejection, bumping the per-(signal_id, code)
// counter and parking the envelope in the DLQ once its threshold is hit.
// Schema and governance violations become persistent on the second
// identical failure; other counted codes use the retry threshold.
func (p *Pipeline) withCounters(ctx context.Context, in, env *envelope.SignalEnvelope, aerr *apperr.Error, warnings []string) IngestResult {
	if !countsTowardDLQ(aerr.Code) {
		return p.rejectedWith(env, aerr, warnings)
	}

	count, err := p.state.BumpRejection(ctx, env.TenantID, env.SignalID, string(aerr.Code))
	if err != nil {
		p.log.Error("rejection counter bump failed", zap.Error(err), zap.String("signal_id", env.SignalID))
		return p.rejectedWith(env, aerr, warnings)
	}

	threshold := int64(p.retryThreshold)
	if aerr.Code == apperr.CodeSchemaViolation || aerr.Code == apperr.CodeGovernanceViolation {
		threshold = 2
	}
	if count < threshold {
		return p.rejectedWith(env, aerr, warnings)
	}

	dlqID := p.parkInDLQ(ctx, in, aerr, int(count))
	return IngestResult{
		SignalID:     env.SignalID,
		Status:       StatusDLQ,
		ErrorCode:    string(aerr.Code),
		ErrorMessage: aerr.Message,
		DLQID:        dlqID,
		Warnings:     warnings,
	}
}

// countsTowardDLQ: configuration mistakes (unknown producer, capability
// misses) and duplicates never reach the DLQ; resubmitting them is the
// caller's bug to fix, not a delivery problem to replay.
func countsTowardDLQ(code apperr.Code) bool {
	if code == apperr.CodeSchemaViolation || code == apperr.CodeGovernanceViolation {
		return true
	}
	return apperr.Retryable(&apperr.Error{Code: code})
}

func (p *Pipeline) parkInDLQ(ctx context.Context, in *envelope.SignalEnvelope, aerr *apperr.Error, retryCount int) string {
	raw, err := json.Marshal(in)
	if err != nil {
		p.log.Error("failed to serialize envelope for dlq", zap.Error(err), zap.String("signal_id", in.SignalID))
	}
	dlqID, err := p.dlq.Insert(ctx, &model.DLQEntry{
		SignalID:        in.SignalID,
		TenantID:        in.TenantID,
		ProducerID:      in.ProducerID,
		SignalType:      in.SignalType,
		ErrorCode:       string(aerr.Code),
		ErrorMessage:    aerr.Message,
		RetryCount:      retryCount,
		OriginalPayload: raw,
		CreatedAt:       p.clock().UTC(),
	})
	if err != nil {
		p.log.Error("failed to insert dlq entry", zap.Error(err), zap.String("signal_id", in.SignalID))
		return ""
	}
	return dlqID
}

func (p *Pipeline) rejected(env *envelope.SignalEnvelope, aerr *apperr.Error) IngestResult {
	return p.rejectedWith(env, aerr, nil)
}

func (p *Pipeline) rejectedWith(env *envelope.SignalEnvelope, aerr *apperr.Error, warnings []string) IngestResult {
	return IngestResult{
		SignalID:     env.SignalID,
		Status:       StatusRejected,
		ErrorCode:    string(aerr.Code),
		ErrorMessage: aerr.Message,
		Warnings:     warnings,
	}
}
