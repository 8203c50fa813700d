package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/integration-service/internal/model"
	"github.com/beaconops/beacon-core/apps/integration-service/internal/service"
	"github.com/beaconops/beacon-core/packages/go-core/apperr"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	coreMw "github.com/beaconops/beacon-core/packages/go-core/middleware"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// maxWebhookBody caps inbound delivery payloads; provider events are
	// far smaller in practice.
	maxWebhookBody = 1 << 20
)

// RegisterRoutes mounts all integration-service HTTP endpoints. The
// webhook ingress route is mounted with everything else: the auth
// middleware passes requests without credentials through, and ingress
// trust comes from the adapter's signature verification instead.
func RegisterRoutes(
	e *echo.Echo,
	svc service.Service,
	jwtSecret []byte,
	ready func(context.Context) error,
	logger *zap.Logger,
) {
	e.Use(coreMw.NullToEmptyArray())
	e.Use(coreMw.Auth(jwtSecret))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", readyzHandler(ready))

	v1 := e.Group("/v1/integrations")

	// ── Connections ────────────────────────────────────────────────────────
	v1.POST("/connections", createConnectionHandler(svc, logger))
	v1.GET("/connections", listConnectionsHandler(svc, logger))
	v1.GET("/connections/:connection_id", getConnectionHandler(svc))
	v1.PATCH("/connections/:connection_id", updateConnectionHandler(svc, logger))
	v1.POST("/connections/:connection_id/verify", verifyConnectionHandler(svc, logger))

	// ── Webhook registrations & ingress ────────────────────────────────────
	v1.POST("/connections/:connection_id/webhooks", createWebhookHandler(svc, logger))
	v1.GET("/connections/:connection_id/webhooks", listWebhooksHandler(svc, logger))
	v1.POST("/webhooks/:provider_id/:registration_id", ingressHandler(svc, logger))

	// ── Outbound actions ───────────────────────────────────────────────────
	v1.POST("/actions/execute", executeActionHandler(svc, logger))
	v1.GET("/actions/:action_id", getActionHandler(svc))

	// ── Provider catalog ───────────────────────────────────────────────────
	v1.GET("/providers", providersHandler(svc))
}

// ── connection handlers ─────────────────────────────────────────────────────

type connectionRequest struct {
	ProviderID          string             `json:"provider_id"`
	AuthRef             string             `json:"auth_ref"`
	BaseURL             string             `json:"base_url"`
	Environment         string             `json:"environment"`
	EnabledCapabilities []model.Capability `json:"enabled_capabilities"`
	PollIntervalSec     int                `json:"poll_interval_sec"`
}

func createConnectionHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req connectionRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		conn := &model.Connection{
			TenantID:            tenantID,
			ProviderID:          req.ProviderID,
			AuthRef:             req.AuthRef,
			BaseURL:             req.BaseURL,
			Environment:         envelope.Environment(req.Environment),
			EnabledCapabilities: req.EnabledCapabilities,
			PollIntervalSec:     req.PollIntervalSec,
		}
		if err := svc.CreateConnection(c.Request().Context(), conn); err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("CreateConnection failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to create connection"))
		}
		return c.JSON(http.StatusCreated, conn)
	}
}

func listConnectionsHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		limit, offset := parsePagination(c)
		conns, total, err := svc.ListConnections(c.Request().Context(), tenantID,
			model.ConnectionStatus(c.QueryParam("status")), limit, offset)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("ListConnections failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to list connections"))
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"connections": conns,
			"total":       total,
			"limit":       limit,
			"offset":      offset,
		})
	}
}

func getConnectionHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		conn, err := svc.GetConnection(c.Request().Context(), tenantID, c.Param("connection_id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp("connection not found"))
		}
		return c.JSON(http.StatusOK, conn)
	}
}

type connectionPatchRequest struct {
	Status              *string            `json:"status"`
	AuthRef             *string            `json:"auth_ref"`
	BaseURL             *string            `json:"base_url"`
	PollIntervalSec     *int               `json:"poll_interval_sec"`
	EnabledCapabilities []model.Capability `json:"enabled_capabilities"`
}

func updateConnectionHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req connectionPatchRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		patch := &service.ConnectionPatch{
			AuthRef:             req.AuthRef,
			BaseURL:             req.BaseURL,
			PollIntervalSec:     req.PollIntervalSec,
			EnabledCapabilities: req.EnabledCapabilities,
		}
		if req.Status != nil {
			st := model.ConnectionStatus(*req.Status)
			patch.Status = &st
		}

		conn, err := svc.UpdateConnection(c.Request().Context(), tenantID, c.Param("connection_id"), patch)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("connection not found"))
			}
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("UpdateConnection failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to update connection"))
		}
		return c.JSON(http.StatusOK, conn)
	}
}

func verifyConnectionHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		conn, err := svc.VerifyConnection(c.Request().Context(), tenantID, c.Param("connection_id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("connection not found"))
			}
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("VerifyConnection failed", zap.Error(err))
			// The probe itself failed; the connection's stored status is
			// unchanged and the caller should retry.
			return c.JSON(http.StatusBadGateway, errResp("verification probe failed"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"connection": conn,
			"verified":   conn.Status == model.ConnectionActive,
		})
	}
}

// ── webhook registration handlers ───────────────────────────────────────────

type createWebhookRequest struct {
	EventsSubscribed []string `json:"events_subscribed"`
}

func createWebhookHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req createWebhookRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		reg, secret, err := svc.CreateWebhook(c.Request().Context(), tenantID, c.Param("connection_id"), req.EventsSubscribed)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("connection not found"))
			}
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("CreateWebhook failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to create webhook registration"))
		}

		// The plaintext secret appears in this response and nowhere else;
		// the tenant configures it on the provider side.
		return c.JSON(http.StatusCreated, map[string]interface{}{
			"registration": reg,
			"secret":       secret,
		})
	}
}

func listWebhooksHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		regs, err := svc.ListWebhooks(c.Request().Context(), tenantID, c.Param("connection_id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("connection not found"))
			}
			logger.Error("ListWebhooks failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to list webhook registrations"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"registrations": regs})
	}
}

// ingressHandler receives provider webhook deliveries. No tenant auth:
// the service authenticates the delivery against the registration's
// signing secret. Rejections are rendered from the error taxonomy so a
// replay returns 409 and a bad signature 401, with no hint which
// registration ids exist.
func ingressHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp("failed to read request body"))
		}
		if len(payload) > maxWebhookBody {
			return c.JSON(http.StatusRequestEntityTooLarge, errResp("payload exceeds size limit"))
		}

		res, err := svc.HandleWebhook(c.Request().Context(),
			c.Param("provider_id"), c.Param("registration_id"), payload, c.Request().Header)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("unknown registration"))
			}
			ae := apperr.AsError(err)
			if ae.Code == apperr.CodeInternal {
				logger.Error("HandleWebhook failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, errResp("webhook processing failed"))
			}
			return c.JSON(apperr.HTTPStatus(ae), ae)
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "accepted",
			"signal_id":   res.SignalID,
			"signal_type": res.SignalType,
		})
	}
}

// ── action handlers ─────────────────────────────────────────────────────────

type executeActionRequest struct {
	ConnectionID   string                 `json:"connection_id"`
	CanonicalType  string                 `json:"canonical_type"`
	Target         map[string]string      `json:"target"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CorrelationID  string                 `json:"correlation_id"`
}

func executeActionHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req executeActionRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		action, replayed, err := svc.ExecuteAction(c.Request().Context(), tenantID, &service.ActionRequest{
			ConnectionID:   req.ConnectionID,
			CanonicalType:  req.CanonicalType,
			Target:         req.Target,
			Payload:        req.Payload,
			IdempotencyKey: req.IdempotencyKey,
			CorrelationID:  req.CorrelationID,
		})
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("connection not found"))
			}
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			ae := apperr.AsError(err)
			if ae.Code == apperr.CodeInternal {
				logger.Error("ExecuteAction failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, errResp("action execution failed"))
			}
			if ae.RetryAfter > 0 {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())))
			}
			return c.JSON(apperr.HTTPStatus(ae), ae)
		}

		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		return c.JSON(status, map[string]interface{}{
			"action":   action,
			"replayed": replayed,
		})
	}
}

func getActionHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		action, err := svc.GetAction(c.Request().Context(), tenantID, c.Param("action_id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp("action not found"))
		}
		return c.JSON(http.StatusOK, action)
	}
}

// ── provider catalog ────────────────────────────────────────────────────────

func providersHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := callerTenant(c); err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"providers": svc.Providers()})
	}
}

// ── health handlers ─────────────────────────────────────────────────────────

func readyzHandler(ready func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready != nil {
			if err := ready(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ── helpers ─────────────────────────────────────────────────────────────────

func callerTenant(c echo.Context) (string, error) {
	tenantID, ok := coreMw.GetTenantID(c.Request().Context())
	if !ok || tenantID == "" {
		return "", fmt.Errorf("missing tenant context — bearer token or X-Internal-Tenant-Id header required")
	}
	return tenantID, nil
}

func parsePagination(c echo.Context) (int, int) {
	limit := defaultLimit
	offset := 0

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
