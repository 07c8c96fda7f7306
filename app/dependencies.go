package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/upb/llm-mirror-router/config"
	"github.com/upb/llm-mirror-router/internal/observability"
	"github.com/upb/llm-mirror-router/internal/scheduler"
	"github.com/upb/llm-mirror-router/middleware"
	"github.com/upb/llm-mirror-router/repositories/postgres"
	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/commands"
	"github.com/upb/llm-mirror-router/services/cost"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/inference"
	"github.com/upb/llm-mirror-router/services/ledger"
	"github.com/upb/llm-mirror-router/services/mirror"
	"github.com/upb/llm-mirror-router/services/providers"
	"github.com/upb/llm-mirror-router/services/providers/anthropic"
	"github.com/upb/llm-mirror-router/services/providers/openai"
	"github.com/upb/llm-mirror-router/services/ratelimit"
	"github.com/upb/llm-mirror-router/services/routing"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics // nil when metrics are disabled
	Version string

	// Ledger persistence, nil without a database
	RepoFactory *postgres.RepositoryFactory
	Ledger      *ledger.Service

	// Core services
	Registry       *providers.Registry
	RegistrySource providers.Source
	Monitor        *health.Monitor
	Tracker        *cost.Tracker
	Mirror         *mirror.Proxy
	Limiter        *ratelimit.Limiter
	Router         *routing.RoutingService
	Dispatcher     *commands.Dispatcher
	Inference      *inference.InferenceService

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	Scheduler *scheduler.Scheduler

	corrupted chan error
	knownMu   sync.Mutex
	known     map[string]struct{}
}

// NewDependencies creates and wires up all application dependencies.
// A registry that cannot be loaded is returned as a ConfigError.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		corrupted: make(chan error, 1),
		known:     make(map[string]struct{}),
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRegistry(ctx); err != nil {
		deps.closeDatabase()
		return nil, err
	}

	if err := deps.initMirror(); err != nil {
		deps.closeDatabase()
		return nil, err
	}

	deps.initPipeline()
	deps.initAuth()

	if err := deps.initScheduler(); err != nil {
		deps.closeDatabase()
		_ = deps.Mirror.Close()
		return nil, services.NewConfigError("invalid schedule", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.Int("providers", deps.Registry.Snapshot().Len()),
		zap.String("mirror", deps.Mirror.Mode()),
		zap.Bool("ledger", deps.Ledger != nil),
		zap.Bool("metrics", deps.Metrics != nil),
		zap.Bool("admin", cfg.Admin.JWTSecret != ""))
	return deps, nil
}

// initDatabase opens the optional usage ledger
func (d *Dependencies) initDatabase(ctx context.Context) error {
	if d.Config.Database == nil {
		d.Logger.Info("no database configured, usage stays in memory")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	if err := factory.Prepare(ctx); err != nil {
		_ = factory.Close()
		return err
	}

	repos := factory.NewRepositories()
	d.RepoFactory = factory
	d.Ledger = ledger.NewService(repos.Usage, repos.Decisions, d.Logger, ledger.Config{
		BufferSize:  d.Config.Ledger.BufferSize,
		WorkerCount: d.Config.Ledger.WorkerCount,
	})
	if err := d.Ledger.Start(); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to start ledger: %w", err)
	}

	d.Logger.Info("usage ledger enabled", zap.String("connection", d.Config.Database.LogString()))
	return nil
}

// initRegistry builds the adapter factory and performs the initial load
func (d *Dependencies) initRegistry(ctx context.Context) error {
	d.Registry = newRegistry(d.Config, d.Logger)

	hcfg := health.Config{
		WindowSize:       d.Config.Health.WindowSize,
		FailureThreshold: d.Config.Health.FailureThreshold,
		BaseCooldown:     d.Config.Health.BaseCooldown,
		MaxCooldown:      d.Config.Health.MaxCooldown,
		OnStateChange: func(id string, from, to health.State) {
			d.Metrics.ObserveTransition(id, from.String(), to.String(), int(to))
		},
	}
	d.Monitor = health.NewMonitor(hcfg, d.Logger)
	d.Limiter = ratelimit.NewLimiter(d.Logger)
	d.Registry.OnReload(d.onRegistryReload)

	src, err := providers.NewSource(d.Config.Registry.Path, d.Config.Registry.URL)
	if err != nil {
		return services.NewConfigError("registry source", err)
	}
	d.RegistrySource = src

	if err := d.Registry.Reload(ctx, src); err != nil {
		return err
	}
	return nil
}

func newRegistry(cfg *config.Config, logger *zap.Logger) *providers.Registry {
	factory := providers.NewFactory(cfg.Registry.ProviderTimeout).
		Register(providers.KindOpenAI, openai.New).
		Register(providers.KindAnthropic, anthropic.New)
	return providers.NewRegistry(factory, logger, providers.WithCommandHandlers(commands.BuiltinNames()...))
}

// LoadRegistry loads and validates the configured catalog, adapters included, without starting anything
func LoadRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*providers.Snapshot, error) {
	src, err := providers.NewSource(cfg.Registry.Path, cfg.Registry.URL)
	if err != nil {
		return nil, services.NewConfigError("registry source", err)
	}
	reg := newRegistry(cfg, logger)
	if err := reg.Reload(ctx, src); err != nil {
		return nil, err
	}
	return reg.Snapshot(), nil
}

// onRegistryReload keeps the health monitor and metrics in step with each committed snapshot
func (d *Dependencies) onRegistryReload(snap *providers.Snapshot) {
	ids := snap.IDs()
	d.Monitor.Sync(ids)
	d.Limiter.Retain(ids)
	d.Metrics.SetRegistryVersion(snap.Version())

	d.knownMu.Lock()
	defer d.knownMu.Unlock()
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
		if st, ok := d.Monitor.State(id); ok {
			d.Metrics.SetCircuitState(id, int(st))
		}
	}
	for id := range d.known {
		if _, ok := next[id]; !ok {
			d.Metrics.ForgetProvider(id)
		}
	}
	d.known = next
}

// initMirror selects the reference tool transport
func (d *Dependencies) initMirror() error {
	m := d.Config.Mirror

	var transport mirror.Transport
	switch m.Mode {
	case config.MirrorModeHTTP:
		transport = mirror.NewHTTPTransport(m.URL, m.Timeout, d.Logger)
	case config.MirrorModeSubprocess:
		transport = mirror.NewSubprocessTransport(m.Command, m.Args, d.Logger)
	case config.MirrorModeWebSocket:
		transport = mirror.NewWebSocketTransport(m.WSURL, d.Logger)
	case "", config.MirrorModeNone:
		d.Logger.Warn("no mirror configured, commands marked force_mirror will fail")
	default:
		return services.NewConfigError(fmt.Sprintf("unknown mirror mode %q", m.Mode), nil)
	}

	d.Mirror = mirror.NewProxy(transport, mirror.Config{
		RetryBackoff: m.RetryBackoff,
		SessionTTL:   m.SessionTTL,
	}, d.Logger)
	return nil
}

// initPipeline wires tracker, router, dispatcher and the inference service
func (d *Dependencies) initPipeline() {
	var trackerOpts []cost.Option
	routerOpts := []routing.Option{routing.WithRateLimiter(d.Limiter)}
	if d.Ledger != nil {
		trackerOpts = append(trackerOpts, cost.WithSink(d.Ledger))
		routerOpts = append(routerOpts, routing.WithDecisionLogger(d.Ledger))
	}
	if d.Metrics != nil {
		routerOpts = append(routerOpts, routing.WithMetrics(d.Metrics))
	}

	d.Tracker = cost.NewTracker(d.Registry, d.Logger, trackerOpts...)
	d.Router = routing.NewRoutingService(routing.RoutingConfig{
		MaxFallbacks: d.Config.Routing.MaxFallbacks,
		Timeout:      d.Config.Routing.RequestTimeout,
	}, d.Registry, d.Monitor, d.Tracker, d.Mirror, d.Logger, routerOpts...)

	d.Dispatcher = commands.NewDispatcher(commands.Config{
		Prefix:          d.Config.Commands.Prefix,
		UnknownAsMirror: d.Config.Commands.UnknownAsMirror,
	}, d.Registry, d.Logger)
	d.Dispatcher.RegisterBuiltins(commands.Builtins{
		Health:     d.Monitor,
		Usage:      d.Tracker,
		Routing:    d.Router,
		Settings:   d.settings,
		Version:    d.Version,
		MirrorMode: d.Mirror.Mode(),
	})

	var metrics inference.Metrics
	if d.Metrics != nil {
		metrics = d.Metrics
	}
	d.Inference = inference.NewInferenceService(d.Dispatcher, d.Router, metrics, d.Logger)
}

// settings is what the config command shows; secrets never appear here
func (d *Dependencies) settings() map[string]string {
	c := d.Config
	snap := d.Registry.Snapshot()
	return map[string]string{
		"environment":              c.Environment,
		"server.address":           c.Server.Address(),
		"registry.source":          snap.Source(),
		"registry.version":         strconv.FormatUint(snap.Version(), 10),
		"registry.reload_schedule": c.Registry.ReloadSchedule,
		"routing.max_fallbacks":    strconv.Itoa(c.Routing.MaxFallbacks),
		"routing.request_timeout":  c.Routing.RequestTimeout.String(),
		"routing.rpm_cleanup":      c.Routing.RateLimitCleanupSchedule,
		"health.window_size":       strconv.Itoa(c.Health.WindowSize),
		"health.failure_threshold": strconv.FormatFloat(c.Health.FailureThreshold, 'f', -1, 64),
		"health.base_cooldown":     c.Health.BaseCooldown.String(),
		"health.max_cooldown":      c.Health.MaxCooldown.String(),
		"mirror.mode":              d.Mirror.Mode(),
		"mirror.session_ttl":       c.Mirror.SessionTTL.String(),
		"commands.prefix":          c.Commands.Prefix,
		"commands.unknown_mirror":  strconv.FormatBool(c.Commands.UnknownAsMirror),
		"ledger.enabled":           strconv.FormatBool(d.Ledger != nil),
		"metrics.enabled":          strconv.FormatBool(d.Metrics != nil),
	}
}

// initAuth enables the admin endpoints when a signing secret is configured
func (d *Dependencies) initAuth() {
	if d.Config.Admin.JWTSecret == "" {
		d.Logger.Warn("ADMIN_JWT_SECRET not set, admin endpoints disabled")
		d.AuthMiddleware = middleware.NewAuthMiddleware(nil, d.Logger)
		return
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewHMACValidator(d.Config.Admin.JWTSecret), d.Logger)
}

// initScheduler registers the periodic jobs. Nothing runs until StartBackground.
func (d *Dependencies) initScheduler() error {
	d.Scheduler = scheduler.NewScheduler(d.Logger)

	if err := d.Scheduler.Add("registry-reload", d.Config.Registry.ReloadSchedule, d.ReloadRegistry); err != nil {
		return err
	}
	if d.Mirror.Enabled() {
		if err := d.Scheduler.Add("mirror-sweep", d.Config.Mirror.SweepSchedule, func(context.Context) {
			d.Mirror.Sweep()
		}); err != nil {
			return err
		}
	}
	if err := d.Scheduler.Add("ratelimit-cleanup", d.Config.Routing.RateLimitCleanupSchedule, func(context.Context) {
		d.Limiter.CleanupOldRequests()
	}); err != nil {
		return err
	}
	return d.Scheduler.Add("health-consistency", d.Config.Registry.ConsistencySchedule, func(context.Context) {
		if err := d.CheckConsistency(); err != nil {
			select {
			case d.corrupted <- err:
			default:
			}
		}
	})
}

// ReloadRegistry re-reads the registry source. A failed reload keeps the current snapshot.
func (d *Dependencies) ReloadRegistry(ctx context.Context) {
	if err := d.Registry.Reload(ctx, d.RegistrySource); err != nil {
		d.Logger.Error("scheduled registry reload failed", zap.Error(err))
	}
}

// CheckConsistency reports health.ErrCorrupted when circuit entries diverge from the registry
func (d *Dependencies) CheckConsistency() error {
	var err error
	d.Registry.Inspect(func(snap *providers.Snapshot) {
		err = d.Monitor.CheckConsistency(snap.IDs())
	})
	if err != nil && errors.Is(err, health.ErrCorrupted) {
		d.Logger.Error("registry and health monitor diverged", zap.Error(err))
		return err
	}
	return nil
}

// Corrupted delivers the first consistency failure. The process should exit with status 2.
func (d *Dependencies) Corrupted() <-chan error {
	return d.corrupted
}

// StartBackground starts the scheduled jobs
func (d *Dependencies) StartBackground() {
	d.Scheduler.Start()
}

func (d *Dependencies) closeDatabase() {
	if d.Ledger != nil {
		if err := d.Ledger.Stop(5 * time.Second); err != nil {
			d.Logger.Warn("ledger did not drain", zap.Error(err))
		}
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			d.Logger.Warn("failed to close database", zap.Error(err))
		}
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Scheduler != nil {
		d.Scheduler.Stop(ctx)
	}

	if d.Mirror != nil {
		if err := d.Mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mirror sessions: %w", err))
		}
	}

	if d.Ledger != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Ledger.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain ledger: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
