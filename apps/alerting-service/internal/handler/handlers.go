package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/service"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/store"
	"github.com/beaconops/beacon-core/apps/alerting-service/internal/stream"
	coreMw "github.com/beaconops/beacon-core/packages/go-core/middleware"
)

// searchMaxLimit caps one page of search results.
const searchMaxLimit = 200

// RegisterRoutes mounts all alerting-service HTTP endpoints.
func RegisterRoutes(
	e *echo.Echo,
	svc service.Service,
	hub *stream.Hub,
	jwtSecret []byte,
	ready func(context.Context) error,
	logger *zap.Logger,
) {
	e.Use(coreMw.Auth(jwtSecret))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", readyzHandler(ready))

	// The live stream writes incremental SSE frames, so it mounts outside
	// the null-rewrite group: that middleware buffers whole bodies.
	e.GET("/v1/alerts/stream", streamHandler(hub, logger))

	v1 := e.Group("/v1", coreMw.NullToEmptyArray())

	// ── Alert ingest & lifecycle ───────────────────────────────────────────
	v1.POST("/alerts", ingestAlertHandler(svc, logger))
	v1.POST("/alerts/bulk", ingestBulkHandler(svc, logger))
	v1.POST("/alerts/search", searchAlertsHandler(svc, logger))
	v1.GET("/alerts/:alert_id", getAlertHandler(svc, logger))
	v1.GET("/alerts/:alert_id/notifications", listNotificationsHandler(svc, logger))
	v1.POST("/alerts/:alert_id/ack", ackAlertHandler(svc, logger))
	v1.POST("/alerts/:alert_id/resolve", resolveAlertHandler(svc, logger))
	v1.POST("/alerts/:alert_id/snooze", snoozeAlertHandler(svc, logger))
	v1.POST("/alerts/:alert_id/tag/:tag", tagAlertHandler(svc, logger))

	// ── Incidents ──────────────────────────────────────────────────────────
	v1.GET("/incidents/:incident_id", getIncidentHandler(svc, logger))
	v1.POST("/incidents/:incident_id/mitigate", mitigateIncidentHandler(svc, logger))
	v1.POST("/incidents/:incident_id/snooze", snoozeIncidentHandler(svc, logger))

	// ── Preferences & policies ─────────────────────────────────────────────
	v1.POST("/preferences", upsertPreferenceHandler(svc, logger))
	v1.GET("/preferences/:user_id", getPreferenceHandler(svc))
	v1.POST("/policies/refresh", refreshPoliciesHandler(svc, logger))
}

// ── ingest handlers ─────────────────────────────────────────────────────────

type alertRequest struct {
	SourceModule    string            `json:"source_module"`
	ComponentID     string            `json:"component_id"`
	Severity        string            `json:"severity"`
	Category        string            `json:"category"`
	Summary         string            `json:"summary"`
	Labels          map[string]string `json:"labels"`
	DedupKey        string            `json:"dedup_key"`
	AutomationHooks []string          `json:"automation_hooks"`
	StartedAt       time.Time         `json:"started_at"`
}

// arrival maps the request onto an alert scoped to the caller's tenant.
// A zero started_at is filled with the ingest instant downstream.
func (r alertRequest) arrival(tenantID string) *model.Alert {
	return &model.Alert{
		TenantID:        tenantID,
		SourceModule:    r.SourceModule,
		ComponentID:     r.ComponentID,
		Severity:        model.Severity(r.Severity),
		Category:        r.Category,
		Summary:         r.Summary,
		Labels:          r.Labels,
		DedupKey:        r.DedupKey,
		AutomationHooks: r.AutomationHooks,
		StartedAt:       r.StartedAt,
	}
}

// ingestAlertHandler accepts one alert. 201 means a new alert was
// created; 200 means the arrival merged into an open alert within its
// dedup window.
func ingestAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req alertRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		a, outcome, err := svc.IngestAlert(c.Request().Context(), req.arrival(tenantID))
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("IngestAlert failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("alert ingestion failed"))
		}

		status := http.StatusCreated
		if outcome == service.OutcomeMerged {
			status = http.StatusOK
		}
		return c.JSON(status, map[string]interface{}{
			"alert":   a,
			"outcome": outcome,
		})
	}
}

type bulkRequest struct {
	Alerts []alertRequest `json:"alerts"`
}

type bulkSummary struct {
	Total    int `json:"total"`
	Created  int `json:"created"`
	Merged   int `json:"merged"`
	Rejected int `json:"rejected"`
}

// ingestBulkHandler accepts a batch. The response is 200 whenever the
// batch itself was parseable — per-alert failures are reported in the
// results array, never as a transport error.
func ingestBulkHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req bulkRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		if len(req.Alerts) == 0 {
			return c.JSON(http.StatusBadRequest, errResp("alerts must not be empty"))
		}

		arrivals := make([]*model.Alert, len(req.Alerts))
		for i, r := range req.Alerts {
			arrivals[i] = r.arrival(tenantID)
		}

		results, err := svc.IngestBulk(c.Request().Context(), tenantID, arrivals)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("IngestBulk failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("bulk ingestion failed"))
		}

		summary := bulkSummary{Total: len(results)}
		for _, r := range results {
			switch r.Status {
			case service.OutcomeCreated:
				summary.Created++
			case service.OutcomeMerged:
				summary.Merged++
			case service.OutcomeRejected:
				summary.Rejected++
			}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"results": results,
			"summary": summary,
		})
	}
}

// ── search & read handlers ──────────────────────────────────────────────────

type searchRequest struct {
	Statuses     []string   `json:"statuses"`
	Severities   []string   `json:"severities"`
	Categories   []string   `json:"categories"`
	ComponentIDs []string   `json:"component_ids"`
	IncidentID   string     `json:"incident_id"`
	Since        *time.Time `json:"since"`
	Until        *time.Time `json:"until"`
	Limit        int        `json:"limit"`
	Offset       int        `json:"offset"`
}

func searchAlertsHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var req searchRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}

		q := store.AlertQuery{
			TenantID:     tenantID,
			Categories:   req.Categories,
			ComponentIDs: req.ComponentIDs,
			IncidentID:   req.IncidentID,
			Since:        req.Since,
			Until:        req.Until,
			Limit:        req.Limit,
			Offset:       req.Offset,
		}
		for _, s := range req.Statuses {
			q.Statuses = append(q.Statuses, model.AlertStatus(s))
		}
		for _, s := range req.Severities {
			q.Severities = append(q.Severities, model.Severity(s))
		}

		alerts, total, err := svc.SearchAlerts(c.Request().Context(), q)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("SearchAlerts failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("alert search failed"))
		}

		limit := q.Limit
		if limit <= 0 || limit > searchMaxLimit {
			limit = searchMaxLimit
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"alerts": alerts,
			"total":  total,
			"limit":  limit,
			"offset": q.Offset,
		})
	}
}

func getAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		a, err := svc.GetAlert(c.Request().Context(), tenantID, c.Param("alert_id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("alert not found"))
			}
			logger.Error("GetAlert failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to read alert"))
		}
		return c.JSON(http.StatusOK, a)
	}
}

func listNotificationsHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		rows, err := svc.ListAlertNotifications(c.Request().Context(), tenantID, c.Param("alert_id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("alert not found"))
			}
			logger.Error("ListAlertNotifications failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to list notifications"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"notifications": rows})
	}
}

// ── lifecycle handlers ──────────────────────────────────────────────────────

func ackAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return alertTransition(c, logger, "Acknowledge", func(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
			return svc.Acknowledge(ctx, tenantID, alertID)
		})
	}
}

func resolveAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return alertTransition(c, logger, "Resolve", func(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
			return svc.Resolve(ctx, tenantID, alertID)
		})
	}
}

type snoozeRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func snoozeAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req snoozeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		return alertTransition(c, logger, "SnoozeAlert", func(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
			return svc.SnoozeAlert(ctx, tenantID, alertID, time.Duration(req.DurationSeconds)*time.Second)
		})
	}
}

func tagAlertHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tag := c.Param("tag")
		return alertTransition(c, logger, "TagAlert", func(ctx context.Context, tenantID, alertID string) (*model.Alert, error) {
			return svc.TagAlert(ctx, tenantID, alertID, tag)
		})
	}
}

// alertTransition runs one lifecycle operation with the shared error
// rendering: 404 outside the caller's scope, 400 on a refused
// transition, alert snapshot on success.
func alertTransition(c echo.Context, logger *zap.Logger, op string, fn func(ctx context.Context, tenantID, alertID string) (*model.Alert, error)) error {
	tenantID, err := callerTenant(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
	}

	a, err := fn(c.Request().Context(), tenantID, c.Param("alert_id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errResp("alert not found"))
		}
		if errors.Is(err, service.ErrInvalidInput) {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		logger.Error(op+" failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("alert transition failed"))
	}
	return c.JSON(http.StatusOK, a)
}

// ── incident handlers ───────────────────────────────────────────────────────

func getIncidentHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		inc, err := svc.GetIncident(c.Request().Context(), tenantID, c.Param("incident_id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("incident not found"))
			}
			logger.Error("GetIncident failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to read incident"))
		}
		return c.JSON(http.StatusOK, inc)
	}
}

func mitigateIncidentHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return incidentTransition(c, logger, "MitigateIncident", func(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
			return svc.MitigateIncident(ctx, tenantID, incidentID)
		})
	}
}

func snoozeIncidentHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req snoozeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		return incidentTransition(c, logger, "SnoozeIncident", func(ctx context.Context, tenantID, incidentID string) (*model.Incident, error) {
			return svc.SnoozeIncident(ctx, tenantID, incidentID, time.Duration(req.DurationSeconds)*time.Second)
		})
	}
}

func incidentTransition(c echo.Context, logger *zap.Logger, op string, fn func(ctx context.Context, tenantID, incidentID string) (*model.Incident, error)) error {
	tenantID, err := callerTenant(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
	}

	inc, err := fn(c.Request().Context(), tenantID, c.Param("incident_id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errResp("incident not found"))
		}
		if errors.Is(err, service.ErrInvalidInput) {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		logger.Error(op+" failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errResp("incident transition failed"))
	}
	return c.JSON(http.StatusOK, inc)
}

// ── preference & policy handlers ────────────────────────────────────────────

func upsertPreferenceHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		var pref model.UserPreference
		if err := c.Bind(&pref); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		// The caller's scope wins over any body tenant.
		pref.TenantID = tenantID

		saved, err := svc.UpsertPreference(c.Request().Context(), &pref)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			logger.Error("UpsertPreference failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("failed to save preference"))
		}
		return c.JSON(http.StatusOK, saved)
	}
}

func getPreferenceHandler(svc service.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		pref, err := svc.GetPreference(c.Request().Context(), tenantID, c.Param("user_id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, errResp("preference not found"))
		}
		return c.JSON(http.StatusOK, pref)
	}
}

func refreshPoliciesHandler(svc service.Service, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := callerTenant(c); err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}
		if err := svc.RefreshPolicies(c.Request().Context()); err != nil {
			logger.Error("RefreshPolicies failed", zap.Error(err))
			// The stored bundle is unchanged; the caller should retry once
			// the policy source is reachable.
			return c.JSON(http.StatusBadGateway, errResp("policy refresh failed"))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "refreshed"})
	}
}

// ── stream handler ──────────────────────────────────────────────────────────

// streamHandler serves the live alert feed over SSE, one
// `data: <json>\n\n` frame per event. The caller's tenant is forced into
// the filter; the remaining filter fields come from comma-separated
// query parameters.
func streamHandler(hub *stream.Hub, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, err := callerTenant(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errResp(err.Error()))
		}

		f := stream.Filter{
			TenantIDs:    []string{tenantID},
			ComponentIDs: csvParam(c, "component_ids"),
			Categories:   csvParam(c, "categories"),
			EventTypes:   csvParam(c, "event_types"),
		}
		for _, s := range csvParam(c, "severities") {
			f.Severities = append(f.Severities, model.Severity(s))
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.WriteHeader(http.StatusOK)
		res.Flush()

		sub := hub.Subscribe(f)
		defer sub.Close()
		logger.Info("stream client connected", zap.String("tenant_id", tenantID))

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				frame, err := json.Marshal(ev)
				if err != nil {
					logger.Error("failed to encode stream event", zap.Error(err))
					continue
				}
				if _, err := fmt.Fprintf(res, "data: %s\n\n", frame); err != nil {
					return nil
				}
				res.Flush()
			}
		}
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

func csvParam(c echo.Context, name string) []string {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
