package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/pipeline"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/service"
	"github.com/beaconops/beacon-core/apps/signal-service/internal/store"
	"github.com/beaconops/beacon-core/packages/go-core/envelope"
	coreMw "github.com/beaconops/beacon-core/packages/go-core/middleware"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// RegisterRoutes mounts all signal-service HTTP endpoints.
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

	v1 := e.Group("/v1")

	// ── Ingestion & DLQ ────────────────────────────────────────────────────
	v1.POST("/signals/ingest", ingestHandler(svc, logger))
	v1.GET("/signals/dlq", listDLQHandler(svc, logger))
	v1.DELETE("/signals/dlq/:dlq_id", deleteDLQHandler(svc, logger))

	// ── Producer registry ──────────────────────────────────────────────────
	v1.POST("/producers/register", registerProducerHandler(svc, logger))
	v1.GET("/producers/:producer_id", getProducerHandler(svc))
	v1.PUT("/producers/:producer_id", updateProducerHandler(svc, logger))

	// ── Data contracts ─────────────────────────────────────────────────────
	v1.POST("/contracts", publishContractHandler(svc, logger))
	v1.GET("/contracts/:signal_type/:version", getContractHandler(svc))
}

// ── ingestion handlers ──────────────────────────────────────────────────────

type ingestRequest struct {
	Signals []*envelope.SignalEnvelope `json:"signals"`
}

type ingestSummary struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	DLQ      int `json:"dlq"`
}

// ingestHandler accepts a batch of signal envelopes. The response is 200
// whenever the batch itself was parseable — per-envelope failures are
// reported in the results array, never as a transport error.
func ingestHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req ingestRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		if len(req.Signals) == 0 {
			return c.JSON(http.StatusBadRequest, errResp("signals must not be empty"))
		}

		results, err := svc.Ingest(c.Request().Context(), tenantID, req.Signals)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("Ingest failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("ingestion failed"))
		}

		summary := ingestSummary{Total: len(results)}
		for _, r := range results {
			switch r.Status {
			case pipeline.StatusAccepted:
				summary.Accepted++
			case pipeline.StatusRejected:
				summary.Rejected++
			case pipeline.StatusDLQ:
				summary.DLQ++
			}
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"results": results,
			"summary": summary,
		})
	}
}

func listDLQHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		// tenant_id is accepted for operator tooling symmetry but must match
		// the caller's scope; cross-tenant DLQ reads are never allowed.
		if q := c.QueryParam("tenant_id"); q != "" && q != tenantID {
			return c.JSON(http.StatusForbidden, errResp("tenant_id does not match caller scope"))
		}

		limit, offset := parsePagination(c)
		entries, total, err := svc.ListDLQ(c.Request().Context(), store.DLQFilter{
			TenantID:   tenantID,
			ProducerID: c.QueryParam("producer_id"),
			SignalType: c.QueryParam("signal_type"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			logger.Error("ListDLQ failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to list dlq entries"))
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"entries": entries,
			"total":   total,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

func deleteDLQHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		err = svc.DeleteDLQ(c.Request().Context(), tenantID, c.Param("dlq_id"))
		if errors.Is(err, service.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errResp("dlq entry not found"))
		}
		if err != nil {
			logger.Error("DeleteDLQ failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to delete dlq entry"))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// ── producer registry handlers ──────────────────────────────────────────────

type producerRequest struct {
	ProducerID         string            `json:"producer_id"`
	Plane              string            `json:"plane"`
	AllowedSignalKinds []envelope.Kind   `json:"allowed_signal_kinds"`
	AllowedSignalTypes []string          `json:"allowed_signal_types"`
	ContractVersions   map[string]string `json:"contract_versions"`
	Status             string            `json:"status"`
}

func registerProducerHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req producerRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		reg := &model.ProducerRegistration{
			ProducerID:         req.ProducerID,
			TenantID:           tenantID,
			Plane:              req.Plane,
			AllowedSignalKinds: req.AllowedSignalKinds,
			AllowedSignalTypes: req.AllowedSignalTypes,
			ContractVersions:   req.ContractVersions,
			Status:             model.ProducerStatus(req.Status),
		}
		if err := svc.RegisterProducer(c.Request().Context(), reg); err != nil {
			if errors.Is(err, service.ErrInvalidInput) || errors.Is(err, service.ErrConflict) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("RegisterProducer failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to register producer"))
		}
		return c.JSON(http.StatusCreated, reg)
	}
}

func getProducerHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		reg, err := svc.GetProducer(c.Request().Context(), tenantID, c.Param("producer_id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp("producer not found"))
		}
		return c.JSON(http.StatusOK, reg)
	}
}

func updateProducerHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req producerRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		// Updates replace the capability set wholesale; CreatedAt survives in
		// the store. The path parameter wins over any body producer_id.
		reg := &model.ProducerRegistration{
			ProducerID:         c.Param("producer_id"),
			TenantID:           tenantID,
			Plane:              req.Plane,
			AllowedSignalKinds: req.AllowedSignalKinds,
			AllowedSignalTypes: req.AllowedSignalTypes,
			ContractVersions:   req.ContractVersions,
			Status:             model.ProducerStatus(req.Status),
		}
		if err := svc.UpdateProducer(c.Request().Context(), reg); err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("producer not found"))
			}
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("UpdateProducer failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to update producer"))
		}
		return c.JSON(http.StatusOK, reg)
	}
}

// ── data contract handlers ──────────────────────────────────────────────────

func publishContractHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := callerTenant(c); err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var contract model.DataContract
		if err := c.Bind(&contract); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		if err := svc.PublishContract(c.Request().Context(), &contract); err != nil {
			if errors.Is(err, service.ErrInvalidInput) || errors.Is(err, service.ErrConflict) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("PublishContract failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to publish contract"))
		}
		return c.JSON(http.StatusCreated, contract)
	}
}

func getContractHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := callerTenant(c); err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		contract, err := svc.GetContract(c.Request().Context(), c.Param("signal_type"), c.Param("version"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp("contract not found"))
		}
		return c.JSON(http.StatusOK, contract)
	}
}

// ── health handlers ─────────────────────────────────────────────────────────

// readyzHandler reports readiness by probing the datastores; it flips to 503
// when any backing store is unreachable so the orchestrator stops routing.
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

// callerTenant extracts the tenant scope established by the auth middleware.
// Returns an error if no identity was presented — callers must treat this
// as 401.
func callerTenant(c echo.Context) (string, error) {
	tenantID, ok := coreMw.GetTenantID(c.Request().Context())
	if !ok || tenantID == "" {
		return "", fmt.Errorf("missing tenant context — bearer token or X-Internal-Tenant-Id header required")
	}
	return tenantID, nil
}

// parsePagination reads limit and offset query parameters, applying a
// max-limit cap and defaulting to sensible values.
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
