// Package consumer contains the NATS JetStream pull consumer that drains
// asynchronously published signal envelopes (signals.ingest.<tenant_id>)
// into the same ingestion pipeline that serves the HTTP batch intake.
//
// Design principles:
//   - Pull-based subscription (not push) for backpressure control.
//   - msg.Ack() is called only once the pipeline reaches a terminal
//     decision: accepted, rejected for a caller mistake, or parked in
//     the DLQ.
//   - msg.Nak() requeues rejections whose cause is transient (downstream
//     outage, rate limiting) so JetStream redelivers them; the rejection
//     counter parks repeat offenders in the DLQ once the threshold hits.
//   - msg.Term() discards poison pills (bytes that do not decode, or
//     subjects that carry no tenant token to attribute them to).
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/pipeline"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

// subjectFilter matches the intake half of the SIGNALS stream only; the
// routed half (signals.routed.>) is consumed downstream, never here.
const subjectFilter = "signals.ingest.>"

// durableName identifies this consumer group in JetStream. All
// signal-service replicas share the same durable name so that only one
// instance processes each envelope (competing consumers).
const durableName = "signal-service-intake"

// disposition is the consumer's verdict on one message. processEnvelope
// stays free of NATS types so tests can drive it with raw bytes.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionNak
	dispositionTerm
)

// IngestConsumer feeds envelopes from the intake subjects through the
// ingestion pipeline, translating pipeline outcomes into JetStream acks.
type IngestConsumer struct {
	nats   *natsclient.Client
	pipe   *pipeline.Pipeline
	logger *zap.Logger
	tracer trace.Tracer
}

// NewIngestConsumer constructs an IngestConsumer.
func NewIngestConsumer(n *natsclient.Client, p *pipeline.Pipeline, l *zap.Logger) *IngestConsumer {
	return &IngestConsumer{
		nats:   n,
		pipe:   p,
		logger: l,
		tracer: otel.Tracer("signal-intake-consumer"),
	}
}

// Start creates a durable pull subscription and launches the processing
// loop in a background goroutine. It returns immediately.
//
// The subscription binds to the SIGNALS stream provisioned by the go-core
// natsclient package, so ProvisionStreams must have run before Start.
func (c *IngestConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		subjectFilter,
		durableName,
		nats.BindStream(natsclient.StreamSignals),
	)
	if err != nil {
		return fmt.Errorf("intake consumer: PullSubscribe: %w", err)
	}

	c.logger.Info("intake consumer initialised",
		zap.String("stream", natsclient.StreamSignals),
		zap.String("durable", durableName),
		zap.String("subject", subjectFilter),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("intake consumer stopping")
				return
			default:
				msgs, err := sub.Fetch(10, nats.Context(ctx))
				if err != nil {
					// Fetch returns nats.ErrTimeout on empty queue — not an error.
					continue
				}
				for _, msg := range msgs {
					c.processMessage(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// processMessage maps processEnvelope's verdict onto the JetStream ack
// protocol, keeping the decision logic NATS-free for unit tests.
func (c *IngestConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	switch c.processEnvelope(ctx, msg.Subject, msg.Data) {
	case dispositionNak:
		msg.Nak()
	case dispositionTerm:
		msg.Term()
	default:
		msg.Ack()
	}
}

// processEnvelope decodes one intake message and runs it through the
// pipeline. The subject's tenant token is the authenticated identity for
// this path: publish permission on signals.ingest.<tenant_id> is granted
// per tenant at the NATS account level.
func (c *IngestConsumer) processEnvelope(ctx context.Context, subject string, data []byte) disposition {
	tenantID, err := tenantFromSubject(subject)
	if err != nil {
		c.logger.Warn("terminating envelope on unattributable subject",
			zap.String("subject", subject), zap.Error(err))
		return dispositionTerm
	}

	var env envelope.SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("terminating poison-pill envelope",
			zap.String("subject", subject), zap.Error(err))
		return dispositionTerm
	}

	ctx, span := c.tracer.Start(ctx, "signal.intake.process")
	defer span.End()

	res := c.pipe.Process(ctx, tenantID, &env)

	if res.Status == pipeline.StatusRejected &&
		apperr.Retryable(&apperr.Error{Code: apperr.Code(res.ErrorCode)}) {
		// Transient rejection — redeliver. The per-signal rejection counter
		// converts persistent redelivery failures into a DLQ park, which
		// acks on the next pass.
		c.logger.Warn("NAK transient rejection",
			zap.String("signal_id", res.SignalID),
			zap.String("error_code", res.ErrorCode),
			zap.String("error", res.ErrorMessage),
		)
		return dispositionNak
	}

	switch res.Status {
	case pipeline.StatusDLQ:
		c.logger.Warn("envelope parked in DLQ",
			zap.String("signal_id", res.SignalID),
			zap.String("dlq_id", res.DLQID),
			zap.String("error_code", res.ErrorCode),
		)
	case pipeline.StatusRejected:
		c.logger.Info("envelope rejected",
			zap.String("signal_id", res.SignalID),
			zap.String("error_code", res.ErrorCode),
			zap.String("error", res.ErrorMessage),
		)
	}
	return dispositionAck
}

// tenantFromSubject extracts the tenant token from
// signals.ingest.<tenant_id>. Anything else is unattributable.
func tenantFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "signals" || parts[1] != "ingest" || parts[2] == "" {
		return "", fmt.Errorf("subject %q does not match signals.ingest.<tenant_id>", subject)
	}
	return parts[2], nil
}
