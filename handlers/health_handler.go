package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/cost"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/ledger"
	"github.com/upb/llm-mirror-router/services/providers"
	"github.com/upb/llm-mirror-router/services/routing"
	"github.com/upb/llm-mirror-router/utils"
	"go.uber.org/zap"
)

// HealthView reads circuit state
type HealthView interface {
	Snapshot() map[string]health.Status
}

// RegistryView reads and reloads the provider registry
type RegistryView interface {
	Snapshot() *providers.Snapshot
	Reload(ctx context.Context, src providers.Source) error
}

// UsageView reads cost aggregates
type UsageView interface {
	GetStats(sessionID string) cost.Stats
}

// RoutingView reads routing counters
type RoutingView interface {
	GetStats() routing.Stats
}

// LedgerView reads ledger queue counters
type LedgerView interface {
	GetStats() ledger.Stats
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Providers map[string]health.Status `json:"providers,omitempty"`
	Checks    map[string]string        `json:"checks,omitempty"`
}

// StatsResponse combines cost and routing aggregates
type StatsResponse struct {
	Usage   cost.Stats    `json:"usage"`
	Routing routing.Stats `json:"routing"`
	Ledger  *ledger.Stats `json:"ledger,omitempty"`
}

// ProvidersResponse is the redacted registry
type ProvidersResponse struct {
	Version   uint64                         `json:"version"`
	Source    string                         `json:"source"`
	LoadedAt  string                         `json:"loadedAt,omitempty"`
	Providers []providers.RedactedDescriptor `json:"providers"`
	Commands  []providers.CommandSpec        `json:"commands"`
}

// HealthHandler handles health, stats and registry endpoints
type HealthHandler struct {
	monitor  HealthView
	registry RegistryView
	usage    UsageView
	routing  RoutingView
	ledger   LedgerView
	db       *sql.DB
	source   providers.Source
	logger   *zap.Logger
}

// HealthOption configures optional HealthHandler collaborators
type HealthOption func(*HealthHandler)

// WithDatabase adds a database check to readiness
func WithDatabase(db *sql.DB) HealthOption {
	return func(h *HealthHandler) { h.db = db }
}

// WithLedger adds ledger counters to /stats
func WithLedger(l LedgerView) HealthOption {
	return func(h *HealthHandler) { h.ledger = l }
}

// WithReloadSource sets what POST /admin/reload reads from
func WithReloadSource(src providers.Source) HealthOption {
	return func(h *HealthHandler) { h.source = src }
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(monitor HealthView, registry RegistryView, usage UsageView, routing RoutingView, logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		monitor:  monitor,
		registry: registry,
		usage:    usage,
		routing:  routing,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleLiveness handles GET /healthz
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleHealth handles GET /health.
// Degraded when no provider is callable; the mirror may still serve traffic so the status stays 200.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	circuits := h.monitor.Snapshot()

	status := "healthy"
	callable := 0
	for _, st := range circuits {
		if st.Callable {
			callable++
		}
	}
	switch {
	case len(circuits) == 0:
		status = "empty"
	case callable == 0:
		status = "degraded"
	case callable < len(circuits):
		status = "partial"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Providers: circuits,
	}
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write health response", zap.Error(err))
	}
}

// HandleReadiness handles GET /health/ready.
// Ready once a registry is loaded and the ledger database, if any, answers.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.registry.Snapshot().Len() > 0 {
		checks["registry"] = "healthy"
	} else {
		checks["registry"] = "empty"
		allHealthy = false
	}

	if h.db != nil {
		if err := h.checkDatabase(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			checks["database"] = "unhealthy"
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}
	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

// HandleStats handles GET /stats with an optional session_id filter
func (h *HealthHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		Usage:   h.usage.GetStats(r.URL.Query().Get("session_id")),
		Routing: h.routing.GetStats(),
	}
	if h.ledger != nil {
		st := h.ledger.GetStats()
		response.Ledger = &st
	}
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write stats response", zap.Error(err))
	}
}

// HandleProviders handles GET /providers
func (h *HealthHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()

	list := snap.List()
	redacted := make([]providers.RedactedDescriptor, 0, len(list))
	for _, d := range list {
		redacted = append(redacted, d.Redacted())
	}
	sort.Slice(redacted, func(i, j int) bool { return redacted[i].ID < redacted[j].ID })

	response := ProvidersResponse{
		Version:   snap.Version(),
		Source:    snap.Source(),
		Providers: redacted,
		Commands:  snap.Commands(),
	}
	if !snap.LoadedAt().IsZero() {
		response.LoadedAt = snap.LoadedAt().UTC().Format(time.RFC3339)
	}
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleReload handles POST /admin/reload. A rejected catalog leaves the current registry serving.
func (h *HealthHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		HandleServiceError(w, services.NewConfigError("registry source is not configured", nil), h.logger)
		return
	}

	if err := h.registry.Reload(r.Context(), h.source); err != nil {
		h.logger.Warn("admin reload failed", zap.String("source", h.source.String()), zap.Error(err))
		details := map[string]interface{}{"source": h.source.String()}
		for k, v := range services.GetErrorDetails(err) {
			details[k] = v
		}
		_ = utils.WriteError(w, http.StatusUnprocessableEntity, string(services.GetErrorType(err)), "registry reload rejected: "+err.Error(), false, details)
		return
	}

	snap := h.registry.Snapshot()
	h.logger.Info("registry reloaded by admin",
		zap.String("source", snap.Source()),
		zap.Uint64("version", snap.Version()))
	_ = utils.WriteOK(w, map[string]interface{}{
		"version":   snap.Version(),
		"providers": snap.Len(),
		"source":    snap.Source(),
	})
}
