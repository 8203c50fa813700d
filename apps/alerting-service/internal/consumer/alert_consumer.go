// Package consumer contains the NATS JetStream pull consumer that lifts
// routed detection signals (signals.routed.realtime_detection.<tenant>)
// into the alert ingest path. Internal producers that already speak the
// alert model post to the HTTP surface instead; this path exists so
// detection pipelines emit plain signal envelopes and still page people.
//
// Ack protocol:
//   - msg.Ack() once ingest reaches a verdict, including rejection of a
//     malformed arrival (redelivery cannot fix a caller mistake).
//   - msg.Nak() on transient ingest failure (datastore outage) so
//     JetStream redelivers.
//   - msg.Term() for poison pills: undecodable bytes or subjects that
//     carry no tenant token.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/service"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

// subjectFilter matches the realtime-detection half of the routed
// hierarchy. Analytics and evidence classes are other consumers' traffic.
const subjectFilter = "signals.routed.realtime_detection.>"

// durableName identifies this consumer group in JetStream; all
// alerting-service replicas compete on it so each envelope is ingested
// once.
const durableName = "alerting-service-intake"

// alertTypePrefix marks the signal types this consumer lifts into
// alerts. Everything else on the subject is acked and skipped.
const alertTypePrefix = "alert."

// disposition is the consumer's verdict on one message. processEnvelope
// stays free of NATS types so tests can drive it with raw bytes.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionNak
	dispositionTerm
)

// Ingestor is the slice of the alerting service this consumer needs.
type Ingestor interface {
	IngestAlert(ctx context.Context, arrival *model.Alert) (*model.Alert, string, error)
}

// AlertConsumer feeds alert-typed envelopes from the routed subjects
// through alert ingest, translating outcomes into JetStream acks.
type AlertConsumer struct {
	nats   *natsclient.Client
	svc    Ingestor
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAlertConsumer constructs an AlertConsumer.
func NewAlertConsumer(n *natsclient.Client, svc Ingestor, l *zap.Logger) *AlertConsumer {
	return &AlertConsumer{
		nats:   n,
		svc:    svc,
		logger: l,
		tracer: otel.Tracer("alert-intake-consumer"),
	}
}

// Start creates a durable pull subscription and launches the processing
// loop in a background goroutine. It returns immediately.
//
// The subscription binds to the SIGNALS stream provisioned by the
// go-core natsclient package, so ProvisionStreams must have run first.
func (c *AlertConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		subjectFilter,
		durableName,
		nats.BindStream(natsclient.StreamSignals),
	)
	if err != nil {
		return fmt.Errorf("alert consumer: PullSubscribe: %w", err)
	}

	c.logger.Info("alert intake consumer initialised",
		zap.String("stream", natsclient.StreamSignals),
		zap.String("durable", durableName),
		zap.String("subject", subjectFilter),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("alert intake consumer stopping")
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
func (c *AlertConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	switch c.processEnvelope(ctx, msg.Subject, msg.Data) {
	case dispositionNak:
		msg.Nak()
	case dispositionTerm:
		msg.Term()
	default:
		msg.Ack()
	}
}

// processEnvelope decodes one routed message and, when it carries an
// alert-typed signal, runs it through ingest. The subject's tenant token
// is the authenticated identity on this path; a tenant in the envelope
// body never overrides it.
func (c *AlertConsumer) processEnvelope(ctx context.Context, subject string, data []byte) disposition {
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

	if !strings.HasPrefix(env.SignalType, alertTypePrefix) {
		return dispositionAck
	}

	ctx, span := c.tracer.Start(ctx, "alert.intake.process")
	defer span.End()

	arrival := liftEnvelope(tenantID, &env)
	a, outcome, err := c.svc.IngestAlert(ctx, arrival)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.logger.Info("alert envelope rejected",
				zap.String("signal_id", env.SignalID),
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			return dispositionAck
		}
		c.logger.Warn("NAK transient ingest failure",
			zap.String("signal_id", env.SignalID),
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return dispositionNak
	}

	c.logger.Info("signal lifted into alert",
		zap.String("signal_id", env.SignalID),
		zap.String("alert_id", a.AlertID),
		zap.String("outcome", outcome))
	return dispositionAck
}

// liftEnvelope maps a detection envelope onto an alert arrival. The
// signal type's suffix is the category fallback when the payload does
// not name one.
func liftEnvelope(tenantID string, env *envelope.SignalEnvelope) *model.Alert {
	category := payloadString(env.Payload, "category")
	if category == "" {
		category = strings.TrimPrefix(env.SignalType, alertTypePrefix)
	}

	a := &model.Alert{
		TenantID:        tenantID,
		SourceModule:    env.ProducerID,
		ComponentID:     payloadString(env.Payload, "component_id"),
		Severity:        model.Severity(payloadString(env.Payload, "severity")),
		Category:        category,
		Summary:         payloadString(env.Payload, "summary"),
		DedupKey:        payloadString(env.Payload, "dedup_key"),
		Labels:          payloadLabels(env.Payload),
		AutomationHooks: payloadStrings(env.Payload, "automation_hooks"),
		StartedAt:       env.OccurredAt,
	}
	if env.CorrelationID != "" {
		if a.Labels == nil {
			a.Labels = map[string]string{}
		}
		a.Labels["correlation_id"] = env.CorrelationID
	}
	return a
}

func payloadString(p map[string]interface{}, key string) string {
	v, _ := p[key].(string)
	return v
}

func payloadStrings(p map[string]interface{}, key string) []string {
	raw, _ := p[key].([]interface{})
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func payloadLabels(p map[string]interface{}) map[string]string {
	raw, _ := p["labels"].(map[string]interface{})
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// tenantFromSubject extracts the tenant token from
// signals.routed.realtime_detection.<tenant_id>.
func tenantFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "signals" || parts[1] != "routed" ||
		parts[2] != string(envelope.ClassRealtimeDetection) || parts[3] == "" {
		return "", fmt.Errorf("subject %q does not match signals.routed.realtime_detection.<tenant_id>", subject)
	}
	return parts[3], nil
}
