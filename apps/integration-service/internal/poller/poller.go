// Package poller provides the background goroutine that pulls events from
// providers without webhook support. It runs alongside the HTTP server,
// walking every active polling connection on a fixed tick and carrying
// each provider's cursor so no window is read twice after a restart.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/adapter"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/breaker"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/client"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/mapper"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/sink"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

const (
	defaultTick         = 30 * time.Second
	defaultWorkers      = 16
	defaultPollInterval = 60 // seconds, when a connection does not set one
	budgetOperation     = "integration_poll"
)

// Adapters resolves the adapter instance for a connection. Satisfied by
// *adapter.Registry; declared here so tests can substitute a fake.
type Adapters interface {
	For(conn *model.Connection) (adapter.Adapter, error)
}

// Budget answers quota probes. Satisfied by *client.BudgetClient, whose
// nil value allows everything.
type Budget interface {
	Check(ctx context.Context, tenantID, operation string) client.Decision
}

// Deps are the poller's collaborators.
type Deps struct {
	Connections store.ConnectionStore
	Cursors     store.CursorStore
	Adapters    Adapters
	Breakers    *breaker.Registry
	Budget      Budget
	Sink        sink.Sink
	Logger      *zap.Logger
	Now         func() time.Time
}

// Poller walks active polling connections on a fixed tick.
type Poller struct {
	deps    Deps
	tick    time.Duration
	workers int
}

// New constructs a Poller. tick defaults to 30s and workers to 16 when
// non-positive.
func New(deps Deps, tick time.Duration, workers int) *Poller {
	if tick <= 0 {
		tick = defaultTick
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Budget == nil {
		// A nil budget client allows everything.
		deps.Budget = (*client.BudgetClient)(nil)
	}
	return &Poller{deps: deps, tick: tick, workers: workers}
}

// Run starts the polling loop. It blocks until ctx is cancelled, making it
// suitable for running inside a goroutine alongside the HTTP server.
//
//	go poller.Run(ctx)
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.deps.Logger.Info("integration poller started",
		zap.Duration("tick", p.tick),
		zap.Int("workers", p.workers),
	)

	for {
		select {
		case <-ctx.Done():
			p.deps.Logger.Info("integration poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll is the core tick handler. Each connection is processed
// independently so one provider outage cannot block the others; the
// errgroup only bounds concurrency, it never propagates failures.
func (p *Poller) poll(ctx context.Context) {
	conns, err := p.deps.Connections.ListActivePolling(ctx)
	if err != nil {
		p.deps.Logger.Error("error listing polling connections", zap.Error(err))
		return
	}

	p.deps.Logger.Debug("polling connections", zap.Int("count", len(conns)))

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if err := p.pollConnection(ctx, conn); err != nil {
				p.deps.Logger.Error("error polling connection",
					zap.String("connection_id", conn.ConnectionID),
					zap.String("provider_id", conn.ProviderID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

type pollResult struct {
	events []model.ProviderEvent
	next   string
}

// pollConnection runs one poll cycle for a single connection: gate on the
// due interval and budget, pull events through the connection's breaker,
// hand them to ingestion, then advance the cursor. The cursor is written
// only after every event was accepted, so a partial submit re-polls the
// same window on the next tick rather than dropping events.
func (p *Poller) pollConnection(ctx context.Context, conn model.Connection) error {
	now := p.deps.Now().UTC()

	// ── 1. Skip connections that are not due yet ──────────────────────────
	cursor, err := p.deps.Cursors.Get(ctx, conn.ConnectionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		cursor = &model.PollingCursor{ConnectionID: conn.ConnectionID}
	}

	interval := conn.PollIntervalSec
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if !cursor.LastPolledAt.IsZero() && now.Sub(cursor.LastPolledAt) < time.Duration(interval)*time.Second {
		return nil
	}

	// ── 2. Budget gate ────────────────────────────────────────────────────
	decision := p.deps.Budget.Check(ctx, conn.TenantID, budgetOperation)
	if decision.Degraded {
		p.deps.Logger.Warn("budget probe degraded, proceeding",
			zap.String("connection_id", conn.ConnectionID),
			zap.String("reason", decision.Reason),
		)
	}
	if !decision.Allowed {
		p.deps.Logger.Info("poll skipped by budget",
			zap.String("connection_id", conn.ConnectionID),
			zap.String("tenant_id", conn.TenantID),
			zap.String("reason", decision.Reason),
		)
		return nil
	}

	// ── 3. Poll the provider through its breaker ──────────────────────────
	adp, err := p.deps.Adapters.For(&conn)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}

	res, err := p.deps.Breakers.Execute(conn.ConnectionID, func() (interface{}, error) {
		events, next, err := adp.PollEvents(ctx, cursor.Position)
		if err != nil {
			return nil, err
		}
		return pollResult{events: events, next: next}, nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeAuth {
			p.markCredentialFailure(ctx, conn)
		}
		return fmt.Errorf("poll events: %w", err)
	}
	result := res.(pollResult)

	// ── 4. Hand events to signal ingestion ────────────────────────────────
	submitted := 0
	for i := range result.events {
		env, err := mapper.Map(&conn, &result.events[i], now)
		if err != nil {
			// Deterministically unmappable; re-polling cannot fix it.
			p.deps.Logger.Warn("dropping unmappable event",
				zap.String("connection_id", conn.ConnectionID),
				zap.String("event_id", result.events[i].EventID),
				zap.Error(err),
			)
			continue
		}
		if err := p.deps.Sink.Submit(ctx, env); err != nil {
			return fmt.Errorf("submit event %s: %w", result.events[i].EventID, err)
		}
		submitted++
	}

	// ── 5. Advance the cursor ─────────────────────────────────────────────
	cursor.Position = result.next
	cursor.LastPolledAt = now
	if err := p.deps.Cursors.Save(ctx, cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	if submitted > 0 {
		p.deps.Logger.Info("poll cycle submitted events",
			zap.String("connection_id", conn.ConnectionID),
			zap.String("provider_id", conn.ProviderID),
			zap.Int("events", submitted),
			zap.String("cursor", cursor.Position),
		)
	}
	return nil
}

// markCredentialFailure parks the connection in the error state so
// operators see it and the poller stops burning quota on dead credentials.
// The connection drops out of ListActivePolling until it is re-verified.
func (p *Poller) markCredentialFailure(ctx context.Context, conn model.Connection) {
	conn.Status = model.ConnectionError
	conn.UpdatedAt = p.deps.Now().UTC()
	if err := p.deps.Connections.Update(ctx, &conn); err != nil {
		p.deps.Logger.Error("error marking connection credential failure",
			zap.String("connection_id", conn.ConnectionID),
			zap.Error(err),
		)
		return
	}
	p.deps.Logger.Warn("connection disabled after credential failure",
		zap.String("connection_id", conn.ConnectionID),
		zap.String("provider_id", conn.ProviderID),
	)
}
