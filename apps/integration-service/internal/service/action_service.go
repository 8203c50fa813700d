package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/client"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/httpclient"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

const budgetOperationAction = "integration_action"

// ExecuteAction performs an outbound provider action exactly once per
// (tenant_id, idempotency_key). A repeated key returns the stored row with
// replayed=true, including rows still in flight; callers poll GetAction for
// the outcome in that case. A failed action is terminal: retrying it
// requires a new idempotency key.
func (s *service) ExecuteAction(ctx context.Context, tenantID string, req *ActionRequest) (*model.Action, bool, error) {
	// ── 1. Validate the request ──
	if tenantID == "" {
		return nil, false, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if req == nil || req.ConnectionID == "" || req.CanonicalType == "" || req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: connection_id, canonical_type and idempotency_key are required", ErrInvalidInput)
	}

	// ── 2. Idempotency replay check ──
	if existing, err := s.deps.Actions.GetByIdempotencyKey(ctx, tenantID, req.IdempotencyKey); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	// ── 3. Resolve the connection and gate the call ──
	conn, err := s.deps.Connections.Get(ctx, tenantID, req.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	if conn.Status != model.ConnectionActive {
		return nil, false, fmt.Errorf("%w: connection %s is %s, not active", ErrInvalidInput, conn.ConnectionID, conn.Status)
	}
	if !conn.HasCapability(model.CapabilityOutboundActions) {
		return nil, false, fmt.Errorf("%w: connection %s does not have the outbound_actions capability", ErrInvalidInput, conn.ConnectionID)
	}

	decision := s.deps.Budget.Check(ctx, tenantID, budgetOperationAction)
	if decision.Degraded {
		s.deps.Logger.Warn("budget probe degraded, proceeding",
			zap.String("tenant_id", tenantID),
			zap.String("reason", decision.Reason))
	}
	if !decision.Allowed {
		return nil, false, apperr.Newf(apperr.CodeRateLimit, "action budget exhausted: %s", decision.Reason)
	}

	// An open breaker is checked before the insert so the rejection does
	// not burn the caller's idempotency key.
	if err := s.deps.Breakers.OpenError(conn.ConnectionID); err != nil {
		return nil, false, err
	}

	adp, err := s.deps.Adapters.For(conn)
	if err != nil {
		return nil, false, err
	}

	// ── 4. Claim the idempotency key ──
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate action id: %w", err)
	}
	now := s.deps.Now().UTC()
	action := &model.Action{
		ActionID:       id.String(),
		TenantID:       tenantID,
		ConnectionID:   req.ConnectionID,
		CanonicalType:  req.CanonicalType,
		Target:         req.Target,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Status:         model.ActionProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Actions.Insert(ctx, action); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to a concurrent request with the same key.
			dup, derr := s.deps.Actions.GetByIdempotencyKey(ctx, tenantID, req.IdempotencyKey)
			if derr != nil {
				return nil, false, fmt.Errorf("failed to load concurrent duplicate: %w", derr)
			}
			return dup, true, nil
		}
		return nil, false, fmt.Errorf("failed to record action: %w", err)
	}

	// ── 5. Execute under the circuit breaker ──
	callCtx := httpclient.WithIdempotencyKey(ctx, req.IdempotencyKey)
	res, execErr := s.deps.Breakers.Execute(conn.ConnectionID, func() (interface{}, error) {
		return adp.ExecuteAction(callCtx, action)
	})

	// ── 6. Record the outcome ──
	action.UpdatedAt = s.deps.Now().UTC()
	if execErr != nil {
		action.Status = model.ActionFailed
		action.FailureReason = execErr.Error()
	} else {
		resp := res.(*model.ActionResponse)
		action.Status = model.ActionCompleted
		action.Result = map[string]interface{}{"status_code": resp.StatusCode}
		if resp.Body != nil {
			action.Result["response"] = resp.Body
		}
	}
	if uerr := s.deps.Actions.Update(ctx, action); uerr != nil {
		// The provider call already happened; the row is stale but the
		// effect is real, so the outcome error wins over the write error.
		s.deps.Logger.Error("failed to record action outcome",
			zap.String("action_id", action.ActionID),
			zap.String("status", string(action.Status)),
			zap.Error(uerr))
	}

	s.recordReceipt(action)

	if execErr != nil {
		s.deps.Logger.Warn("action failed",
			zap.String("action_id", action.ActionID),
			zap.String("tenant_id", tenantID),
			zap.String("connection_id", conn.ConnectionID),
			zap.String("canonical_type", action.CanonicalType),
			zap.Error(execErr))
		if ae := apperr.AsError(execErr); ae != nil {
			return nil, false, ae.WithDetail("action_id", action.ActionID)
		}
		return nil, false, fmt.Errorf("action %s failed: %w", action.ActionID, execErr)
	}

	s.deps.Logger.Info("action completed",
		zap.String("action_id", action.ActionID),
		zap.String("tenant_id", tenantID),
		zap.String("connection_id", conn.ConnectionID),
		zap.String("canonical_type", action.CanonicalType))
	return action, false, nil
}

// GetAction returns one action in the caller's tenant scope.
func (s *service) GetAction(ctx context.Context, tenantID, actionID string) (*model.Action, error) {
	if tenantID == "" || actionID == "" {
		return nil, fmt.Errorf("%w: tenant id and action id are required", ErrInvalidInput)
	}
	a, err := s.deps.Actions.Get(ctx, tenantID, actionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// recordReceipt files the audit receipt without blocking the response.
// Receipts are best effort; a miss is logged, never surfaced.
func (s *service) recordReceipt(a *model.Action) {
	receipt := &client.ActionReceipt{
		TenantID:      a.TenantID,
		ActionID:      a.ActionID,
		ConnectionID:  a.ConnectionID,
		ActionType:    a.CanonicalType,
		Status:        string(a.Status),
		CorrelationID: a.CorrelationID,
		RecordedAt:    s.deps.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Evidence.Record(ctx, receipt); err != nil {
			s.deps.Logger.Warn("failed to record action receipt",
				zap.String("action_id", receipt.ActionID),
				zap.Error(err))
		}
	}()
}
