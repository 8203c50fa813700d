package consumer

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/pipeline"
	"github.com/beaconops/beacon-core/packages/go-core/natsclient"
)

const (
	cronSubject   = "SYSTEM_EVENTS.cron.hourly"
	cronQueueName = "signal-service-maintenance"
)

// CronConsumer listens for hourly cron ticks and runs maintenance tasks:
// logging throughput counters and bounding the compiled-schema cache.
// Dedup markers, rejection counters and sequence cursors expire via Redis
// TTLs, so no sweep is needed for them.
type CronConsumer struct {
	nc     *natsclient.Client
	pipe   *pipeline.Pipeline
	logger *zap.Logger
}

// NewCronConsumer creates a CronConsumer.
func NewCronConsumer(nc *natsclient.Client, p *pipeline.Pipeline, logger *zap.Logger) *CronConsumer {
	return &CronConsumer{
		nc:     nc,
		pipe:   p,
		logger: logger,
	}
}

// Start subscribes to the hourly cron subject and processes ticks until
// ctx is cancelled.
func (c *CronConsumer) Start(ctx context.Context) error {
	// SYSTEM_EVENTS is a plain NATS subject (not JetStream) published by
	// the scheduler package. A queue subscription ensures only one
	// signal-service instance processes each tick.
	_, err := c.nc.Conn.QueueSubscribe(cronSubject, cronQueueName, func(msg *nats.Msg) {
		c.processTick()
	})
	if err != nil {
		return err
	}

	c.logger.Info("maintenance cron consumer started",
		zap.String("subject", cronSubject),
		zap.String("queue", cronQueueName),
	)

	go func() {
		<-ctx.Done()
		c.logger.Info("maintenance cron consumer stopping")
	}()

	return nil
}

// processTick runs all hourly maintenance tasks.
func (c *CronConsumer) processTick() {
	accepted, rejected, dlq := c.pipe.Stats().Snapshot()
	c.logger.Info("hourly ingestion throughput",
		zap.Int64("accepted", accepted),
		zap.Int64("rejected", rejected),
		zap.Int64("dlq", dlq),
	)

	if evicted := c.pipe.Validator().Purge(); evicted > 0 {
		c.logger.Info("compiled schema cache purged", zap.Int("evicted", evicted))
	}
}
