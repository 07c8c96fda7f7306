// Package routing picks a provider (or the mirror) for each request and runs the bounded fallback chain.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/llm-mirror-router/internal/redact"
	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/mirror"
	"github.com/upb/llm-mirror-router/services/providers"
	"go.uber.org/zap"
)

// SnapshotSource supplies the current provider set
type SnapshotSource interface {
	Snapshot() *providers.Snapshot
}

// HealthMonitor is the slice of the circuit breaker the router needs
type HealthMonitor interface {
	Snapshot() map[string]health.Status
	Acquire(id string) (health.Permit, bool)
	Record(p health.Permit, success bool, latency time.Duration)
	Release(p health.Permit)
}

// UsageRecorder receives one record per served request
type UsageRecorder interface {
	RecordUsage(rec models.UsageRecord) (bool, error)
}

// Mirror forwards a request to the reference tool
type Mirror interface {
	Enabled() bool
	Forward(ctx context.Context, sessionID string, body []byte) (*mirror.Response, error)
}

// DecisionLogger persists routing decisions
type DecisionLogger interface {
	LogDecision(d *models.RoutingDecision) error
}

// Metrics observes routing outcomes
type Metrics interface {
	ObserveDecision(target, reason string, elapsed time.Duration)
	ObserveProviderCall(providerID string, success bool, latency time.Duration)
}

// RateLimiter spends one unit of a provider's requests-per-minute budget
type RateLimiter interface {
	Allow(providerID string, limit int) bool
}

// RoutingConfig holds configuration for the router
type RoutingConfig struct {
	// MaxFallbacks is the number of providers tried after the first one
	MaxFallbacks int

	// Timeout bounds the whole chain when the request carries no deadline
	Timeout time.Duration
}

// DefaultRoutingConfig returns a sensible default configuration
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MaxFallbacks: 2,
		Timeout:      120 * time.Second,
	}
}

// Option configures a RoutingService
type Option func(*RoutingService)

// WithDecisionLogger persists every decision
func WithDecisionLogger(l DecisionLogger) Option {
	return func(s *RoutingService) { s.decisions = l }
}

// WithMetrics reports decisions and provider calls
func WithMetrics(m Metrics) Option {
	return func(s *RoutingService) { s.metrics = m }
}

// WithRateLimiter skips providers whose requests-per-minute budget is spent
func WithRateLimiter(l RateLimiter) Option {
	return func(s *RoutingService) { s.limiter = l }
}

// RoutingService routes requests across providers with mirror fallback
type RoutingService struct {
	config    RoutingConfig
	registry  SnapshotSource
	health    HealthMonitor
	usage     UsageRecorder
	mirror    Mirror
	decisions DecisionLogger
	metrics   Metrics
	limiter   RateLimiter
	logger    *zap.Logger

	stats *statsCollector
}

// NewRoutingService creates a new routing service
func NewRoutingService(config RoutingConfig, registry SnapshotSource, monitor HealthMonitor, usage UsageRecorder, mirrorProxy Mirror, logger *zap.Logger, opts ...Option) *RoutingService {
	if config.MaxFallbacks < 0 {
		config.MaxFallbacks = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRoutingConfig().Timeout
	}
	s := &RoutingService{
		config:   config,
		registry: registry,
		health:   monitor,
		usage:    usage,
		mirror:   mirrorProxy,
		logger:   logger,
		stats:    newStatsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route serves req from the cheapest callable provider, falling back along the
// ordered candidates and finally to the mirror. All attempts share one deadline.
func (s *RoutingService) Route(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := s.withDeadline(ctx, req)
	defer cancel()

	started := time.Now()
	snap := s.registry.Snapshot()
	plan, err := Select(snap, s.health.Snapshot(), req)
	if err != nil {
		return nil, err
	}

	decision := models.NewRoutingDecision(req.ID, req.SessionID)
	decision.Command = req.Command
	decision.Pinned = plan.Pinned
	decision.Considered = plan.IDs()
	decision.DecisionTime = time.Since(started)

	result, err := s.execute(ctx, snap, req, plan, decision)
	s.finish(decision, err)
	return result, err
}

// Forward sends req to the mirror without consulting providers. The decision is
// recorded with reason forced.
func (s *RoutingService) Forward(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := s.withDeadline(ctx, req)
	defer cancel()

	decision := models.NewRoutingDecision(req.ID, req.SessionID)
	decision.Command = req.Command
	decision.Pinned = true

	var (
		result *Result
		err    error
	)
	if s.mirror == nil || !s.mirror.Enabled() {
		decision.Choose("", models.ReasonForced)
		err = services.NewMirrorUnavailableError(errors.New("no mirror is configured")).
			WithDetail("command", req.Command)
	} else {
		result, err = s.toMirror(ctx, req, decision, models.ReasonForced, nil)
	}
	s.finish(decision, err)
	return result, err
}

func (s *RoutingService) withDeadline(ctx context.Context, req *Request) (context.Context, context.CancelFunc) {
	if !req.Deadline.IsZero() {
		return context.WithDeadline(ctx, req.Deadline)
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

func (s *RoutingService) execute(ctx context.Context, snap *providers.Snapshot, req *Request, plan Plan, decision *models.RoutingDecision) (*Result, error) {
	maxAttempts := 1 + s.config.MaxFallbacks
	if plan.Pinned {
		maxAttempts = 1
	}

	var lastErr error
	for _, c := range plan.Candidates {
		if len(decision.Attempts) >= maxAttempts || ctx.Err() != nil {
			break
		}
		id := c.ID()
		// another request holds the half-open trial
		permit, ok := s.health.Acquire(id)
		if !ok {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow(id, c.Descriptor.RequestsPerMinute) {
			s.health.Release(permit)
			continue
		}

		resp, latency, err := s.call(ctx, snap, req, c)
		s.health.Record(permit, err == nil, latency)
		if s.metrics != nil {
			s.metrics.ObserveProviderCall(id, err == nil, latency)
		}

		attempt := models.Attempt{ProviderID: id, Success: err == nil, Latency: latency}
		if err != nil {
			attempt.Error = redact.Error(err)
			decision.AddAttempt(attempt)
			lastErr = err
			s.logger.Warn("provider call failed",
				zap.String("request_id", req.ID),
				zap.String("provider", id),
				zap.Int("attempt", len(decision.Attempts)),
				zap.Duration("latency", latency),
				zap.String("error", redact.Error(err)))
			continue
		}
		decision.AddAttempt(attempt)

		reason := models.ReasonCostOptimal
		switch {
		case plan.Pinned:
			reason = models.ReasonForced
		case len(decision.Attempts) > 1:
			reason = models.ReasonFailover
		}
		decision.Choose(id, reason)

		rec := s.recordUsage(req, c.Descriptor, resp, latency)
		return &Result{Decision: decision, Response: resp, Usage: rec}, nil
	}

	if ctx.Err() != nil {
		return nil, services.NewTimeoutError("deadline exceeded before any provider answered", ctx.Err()).
			WithDetail("attempts", len(decision.Attempts))
	}

	reason := plan.Reason
	switch {
	case plan.Pinned:
	case len(decision.Attempts) > 0:
		reason = models.ReasonFailover
	case len(plan.Candidates) > 0:
		// every candidate was rate limited or held in a half-open trial
		reason = models.ReasonAllProvidersDown
	}
	return s.toMirror(ctx, req, decision, reason, lastErr)
}

func (s *RoutingService) call(ctx context.Context, snap *providers.Snapshot, req *Request, c Candidate) (*providers.ChatResponse, time.Duration, error) {
	start := time.Now()
	client, ok := snap.Client(c.ID())
	if !ok {
		return nil, 0, fmt.Errorf("provider %s has no adapter", c.ID())
	}
	resp, err := client.ChatCompletion(ctx, req.ChatRequest(c.Descriptor))
	latency := time.Since(start)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return resp, latency, err
}

func (s *RoutingService) toMirror(ctx context.Context, req *Request, decision *models.RoutingDecision, reason models.DecisionReason, lastErr error) (*Result, error) {
	if s.mirror == nil || !s.mirror.Enabled() {
		decision.Choose("", reason)
		switch {
		case lastErr != nil:
			return nil, services.NewProviderError("all provider attempts failed", lastErr).
				WithDetail("attempts", len(decision.Attempts))
		case reason == models.ReasonCapabilityGap:
			return nil, services.NewCapabilityGapError(
				fmt.Sprintf("no provider supports %s and no mirror is configured", req.Required))
		default:
			return nil, services.NewProviderError("no callable provider and no mirror is configured", nil).
				WithDetail("reason", string(reason))
		}
	}

	decision.Choose(models.MirrorProviderID, reason)
	start := time.Now()
	resp, err := s.mirror.Forward(ctx, req.SessionID, req.MirrorBody())
	latency := time.Since(start)
	if err != nil {
		var de *services.DomainError
		if errors.As(err, &de) && lastErr != nil {
			de.WithDetail("lastProviderError", redact.Error(lastErr))
		}
		return nil, err
	}

	rec := models.NewUsageRecord(req.ID, models.MirrorProviderID, req.SessionID).
		WithOutcome(0, latency, true)
	if _, err := s.usage.RecordUsage(rec); err != nil {
		s.logger.Warn("failed to record mirror usage", zap.String("request_id", req.ID), zap.Error(err))
	}
	return &Result{Decision: decision, Mirror: resp, Usage: &rec}, nil
}

func (s *RoutingService) recordUsage(req *Request, d providers.Descriptor, resp *providers.ChatResponse, latency time.Duration) *models.UsageRecord {
	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	rec := models.NewUsageRecord(req.ID, d.ID, req.SessionID).
		WithTokens(in, out).
		WithOutcome(d.Cost(in, out), latency, true)
	if _, err := s.usage.RecordUsage(rec); err != nil {
		s.logger.Warn("failed to record usage", zap.String("request_id", req.ID), zap.Error(err))
	}
	return &rec
}

func (s *RoutingService) finish(decision *models.RoutingDecision, err error) {
	s.stats.add(decision, err)

	target := decision.ChosenProvider
	if target == "" {
		target = "none"
	}
	if s.metrics != nil {
		s.metrics.ObserveDecision(target, string(decision.Reason), decision.DecisionTime)
	}
	if s.decisions != nil {
		if logErr := s.decisions.LogDecision(decision); logErr != nil {
			s.logger.Debug("decision not persisted", zap.String("request_id", decision.RequestID), zap.Error(logErr))
		}
	}

	fields := []zap.Field{
		zap.String("request_id", decision.RequestID),
		zap.String("session_id", decision.SessionID),
		zap.String("target", target),
		zap.String("reason", string(decision.Reason)),
		zap.Bool("pinned", decision.Pinned),
		zap.Strings("considered", decision.Considered),
		zap.Int("attempts", len(decision.Attempts)),
	}
	if err != nil {
		s.logger.Warn("request not served", append(fields, zap.String("error", redact.Error(err)))...)
		return
	}
	s.logger.Info("request routed", fields...)
}

// GetStats returns routing counters since start
func (s *RoutingService) GetStats() Stats {
	return s.stats.snapshot()
}

// Stats summarizes routing decisions
type Stats struct {
	TotalRequests   int64                           `json:"totalRequests"`
	Served          int64                           `json:"served"`
	Failed          int64                           `json:"failed"`
	ProviderCalls   int64                           `json:"providerCalls"`
	ByTarget        map[string]int64                `json:"byTarget"`
	ByReason        map[models.DecisionReason]int64 `json:"byReason"`
	AvgDecisionTime time.Duration                   `json:"avgDecisionTimeNs"`
}

type statsCollector struct {
	mu            sync.Mutex
	total         int64
	served        int64
	failed        int64
	providerCalls int64
	byTarget      map[string]int64
	byReason      map[models.DecisionReason]int64
	decisionTime  time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		byTarget: make(map[string]int64),
		byReason: make(map[models.DecisionReason]int64),
	}
}

func (c *statsCollector) add(d *models.RoutingDecision, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.providerCalls += int64(len(d.Attempts))
	c.decisionTime += d.DecisionTime
	if err != nil {
		c.failed++
		return
	}
	c.served++
	c.byTarget[d.ChosenProvider]++
	c.byReason[d.Reason]++
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		TotalRequests: c.total,
		Served:        c.served,
		Failed:        c.failed,
		ProviderCalls: c.providerCalls,
		ByTarget:      make(map[string]int64, len(c.byTarget)),
		ByReason:      make(map[models.DecisionReason]int64, len(c.byReason)),
	}
	for k, v := range c.byTarget {
		st.ByTarget[k] = v
	}
	for k, v := range c.byReason {
		st.ByReason[k] = v
	}
	if c.total > 0 {
		st.AvgDecisionTime = c.decisionTime / time.Duration(c.total)
	}
	return st
}
