package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-mirror-router/app"
	"github.com/upb/llm-mirror-router/handlers"
	"github.com/upb/llm-mirror-router/middleware"
	"github.com/upb/llm-mirror-router/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	var httpMetrics middleware.HTTPMetrics
	if deps.Metrics != nil {
		httpMetrics = deps.Metrics
	}
	r.Use(middleware.RequestLogger(deps.Logger, httpMetrics))
	r.Use(chimw.Recoverer)

	// CORS middleware for editor and browser clients
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.HeaderRequestID, middleware.HeaderSessionID,
			"X-Api-Key", "Anthropic-Version", "Anthropic-Beta",
		},
		ExposedHeaders: []string{middleware.HeaderRequestID, handlers.HeaderServedBy},
		MaxAge:         300,
	}))

	chat := handlers.NewChatHandler(deps.Inference, deps.Config.Routing.RequestTimeout, deps.Logger)
	status := handlers.NewHealthHandler(deps.Monitor, deps.Registry, deps.Tracker, deps.Router, deps.Logger,
		statusOptions(deps)...)

	// Health and status endpoints
	r.Get("/healthz", status.HandleLiveness)
	r.Get("/health", status.HandleHealth)
	r.Get("/health/ready", status.HandleReadiness)
	r.Get("/stats", status.HandleStats)
	r.Get("/providers", status.HandleProviders)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// OpenAI and Claude compatible inference
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", chat.HandleChatCompletions)
		r.Post("/messages", chat.HandleMessages)
	})

	// Admin (require admin role)
	r.Route("/admin", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.RequireRole("admin"))
		r.Post("/reload", status.HandleReload)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "ValidationError", "method not allowed", false, nil)
	})

	return r
}

func statusOptions(deps *app.Dependencies) []handlers.HealthOption {
	opts := []handlers.HealthOption{handlers.WithReloadSource(deps.RegistrySource)}
	if deps.Ledger != nil {
		opts = append(opts, handlers.WithLedger(deps.Ledger))
	}
	if deps.RepoFactory != nil {
		opts = append(opts, handlers.WithDatabase(deps.RepoFactory.GetDB().DB))
	}
	return opts
}
