package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/cost"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/mirror"
	"github.com/upb/llm-mirror-router/services/providers"
	"github.com/upb/llm-mirror-router/services/ratelimit"
	"go.uber.org/zap"
)

type stubProvider struct {
	id string

	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

func (p *stubProvider) Name() string { return p.id }

func (p *stubProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &providers.ChatResponse{
		ID:       "resp-" + p.id,
		Model:    req.Model,
		Provider: p.id,
		Choices:  []providers.Choice{{Message: providers.Message{Role: "assistant", Content: "from " + p.id}}},
		Usage:    providers.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) { return nil, err }
}

type fakeMirror struct {
	enabled bool

	mu    sync.Mutex
	calls int
	body  []byte
	resp  *mirror.Response
	err   error
}

func (m *fakeMirror) Enabled() bool { return m.enabled }

func (m *fakeMirror) Forward(ctx context.Context, sessionID string, body []byte) (*mirror.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.body = body
	if m.err != nil {
		return nil, m.err
	}
	if m.resp != nil {
		return m.resp, nil
	}
	return &mirror.Response{StatusCode: 200, Body: body, ContentType: "application/json"}, nil
}

func (m *fakeMirror) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingLogger struct {
	mu        sync.Mutex
	decisions []*models.RoutingDecision
}

func (r *recordingLogger) LogDecision(d *models.RoutingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

type fixture struct {
	registry *providers.Registry
	monitor  *health.Monitor
	tracker  *cost.Tracker
	mirror   *fakeMirror
	stubs    map[string]*stubProvider
	logged   *recordingLogger
	router   *RoutingService
}

func descriptor(id string, price float64, priority int, caps ...providers.Capability) providers.Descriptor {
	return providers.Descriptor{
		ID:                    id,
		Kind:                  providers.KindOpenAI,
		BaseURL:               "https://" + id + ".example.com/v1",
		Model:                 id + "-model",
		InputPricePerMillion:  price,
		OutputPricePerMillion: price,
		Capabilities:          providers.NewCapabilitySet(append([]providers.Capability{providers.CapabilityChat}, caps...)...),
		Priority:              priority,
	}
}

// threeProviders registers prices 1, 2 and 3 with the most expensive one supporting tools
func threeProviders() []providers.Descriptor {
	return []providers.Descriptor{
		descriptor("cheap", 1, 3),
		descriptor("mid", 2, 2),
		descriptor("premium", 3, 1, providers.CapabilityTools),
	}
}

func newFixture(t *testing.T, cfg RoutingConfig, descs []providers.Descriptor) *fixture {
	t.Helper()

	f := &fixture{
		stubs:  make(map[string]*stubProvider),
		mirror: &fakeMirror{enabled: true},
		logged: &recordingLogger{},
	}
	for _, d := range descs {
		f.stubs[d.ID] = &stubProvider{id: d.ID}
	}

	factory := providers.NewFactory(time.Second).
		Register(providers.KindOpenAI, func(cfg providers.ProviderConfig) (providers.Provider, error) {
			return f.stubs[cfg.ID], nil
		})
	f.registry = providers.NewRegistry(factory, zap.NewNop())
	require.NoError(t, f.registry.Apply(&providers.Catalog{Providers: descs}, "test"))

	f.monitor = health.NewMonitor(health.DefaultConfig(), zap.NewNop())
	f.monitor.Sync(f.registry.Snapshot().IDs())
	f.tracker = cost.NewTracker(f.registry, zap.NewNop())
	f.router = NewRoutingService(cfg, f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop(),
		WithDecisionLogger(f.logged))
	return f
}

func (f *fixture) trip(id string) {
	for i := 0; i < 5; i++ {
		f.monitor.RecordOutcome(id, false, time.Millisecond)
	}
}

func chatRequest(id string) *Request {
	return &Request{
		ID:        id,
		SessionID: "session-1",
		Messages:  []providers.Message{{Role: "user", Content: "explain this function"}},
		Required:  providers.NewCapabilitySet(providers.CapabilityChat),
		MaxTokens: 200,
		Raw:       []byte(`{"messages":[{"role":"user","content":"explain this function"}]}`),
	}
}

func TestRoute_CheapestProviderWins(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonCostOptimal, res.Decision.Reason)
	assert.Equal(t, []string{"cheap", "mid", "premium"}, res.Decision.Considered)
	assert.Equal(t, "from cheap", res.Response.Content())
	assert.False(t, res.ServedByMirror())
	assert.Equal(t, 0, f.stubs["mid"].Calls())
	assert.Equal(t, 0, f.mirror.Calls())

	stats := f.tracker.GetStats("session-1")
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 100, stats.InputTokens)
	assert.InDelta(t, 150.0/1_000_000, stats.TotalSpend, 1e-12)
}

func TestRoute_SkipsOpenProvider(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.trip("cheap")

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonCostOptimal, res.Decision.Reason)
	assert.Equal(t, []string{"mid", "premium"}, res.Decision.Considered)
	assert.Equal(t, 0, f.stubs["cheap"].Calls())
}

func TestRoute_AllOpenGoesToMirror(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	for id := range f.stubs {
		f.trip(id)
	}

	req := chatRequest("r1")
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.ServedByMirror())
	assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonAllProvidersDown, res.Decision.Reason)
	assert.Empty(t, res.Decision.Attempts)
	assert.Equal(t, req.Raw, res.Mirror.Body)

	stats := f.tracker.GetStats("session-1")
	assert.Equal(t, 1, stats.MirrorRequests)
	assert.Zero(t, stats.TotalSpend)
}

func TestRoute_CapabilityGapGoesToMirror(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.Required = providers.NewCapabilitySet(providers.CapabilityChat, providers.CapabilityShell)
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonCapabilityGap, res.Decision.Reason)
	for _, s := range f.stubs {
		assert.Equal(t, 0, s.Calls())
	}
}

func TestRoute_CapabilityFilterPicksOnlyCapableProvider(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.Required = providers.NewCapabilitySet(providers.CapabilityChat, providers.CapabilityTools)
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "premium", res.Decision.ChosenProvider)
	assert.Equal(t, []string{"premium"}, res.Decision.Considered)
}

func TestRoute_FailoverToNextCandidate(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.stubs["cheap"].failWith(errors.New("503 upstream"))

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonFailover, res.Decision.Reason)
	require.Len(t, res.Decision.Attempts, 2)
	assert.False(t, res.Decision.Attempts[0].Success)
	assert.Equal(t, "503 upstream", res.Decision.Attempts[0].Error)
	assert.True(t, res.Decision.Attempts[1].Success)

	status := f.monitor.Snapshot()
	assert.Equal(t, 1, status["cheap"].Samples)
	assert.Equal(t, 1.0, status["cheap"].FailureRatio)

	// failed attempts leave no usage behind
	stats := f.tracker.GetStats("")
	assert.Equal(t, 1, stats.Requests)
	_, charged := stats.PerProvider["cheap"]
	assert.False(t, charged)
}

func TestRoute_FallbackChainIsBounded(t *testing.T) {
	descs := append(threeProviders(), descriptor("spare", 4, 0))
	f := newFixture(t, RoutingConfig{MaxFallbacks: 1, Timeout: time.Second}, descs)
	for _, s := range f.stubs {
		s.failWith(errors.New("boom"))
	}

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Len(t, res.Decision.Attempts, 2)
	assert.Equal(t, 1, f.stubs["cheap"].Calls())
	assert.Equal(t, 1, f.stubs["mid"].Calls())
	assert.Equal(t, 0, f.stubs["premium"].Calls())
	assert.Equal(t, 0, f.stubs["spare"].Calls())
	assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonFailover, res.Decision.Reason)
}

func TestRoute_ExhaustedChainWithoutMirror(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.mirror.enabled = false
	for _, s := range f.stubs {
		s.failWith(errors.New("boom"))
	}

	_, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.Error(t, err)
	assert.True(t, services.IsProviderError(err))
	assert.True(t, services.IsRetryable(err))
	assert.Equal(t, 0, f.mirror.Calls())
}

func TestRoute_CapabilityGapWithoutMirror(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.mirror.enabled = false

	req := chatRequest("r1")
	req.Required = providers.NewCapabilitySet(providers.CapabilityVision)
	_, err := f.router.Route(context.Background(), req)

	assert.True(t, services.IsCapabilityGapError(err))
}

func TestRoute_MirrorFailureSurfaces(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.mirror.err = services.NewMirrorUnavailableError(errors.New("connection refused"))
	for id := range f.stubs {
		f.trip(id)
	}

	_, err := f.router.Route(context.Background(), chatRequest("r1"))

	assert.True(t, services.IsMirrorUnavailableError(err))
	assert.Equal(t, int64(1), f.router.GetStats().Failed)
}

func TestRoute_ProviderOverrideIsHardPin(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.ProviderOverride = "premium"
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "premium", res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonForced, res.Decision.Reason)
	assert.True(t, res.Decision.Pinned)
	assert.Equal(t, 0, f.stubs["cheap"].Calls())
}

func TestRoute_ModelOverrideMatchesDescriptorModel(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.ModelOverride = "mid-model"
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Equal(t, "mid-model", res.Response.Model)
}

func TestRoute_UnmatchedModelOverrideIsIgnored(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.ModelOverride = "gpt-unknown"
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Decision.ChosenProvider)
	assert.False(t, res.Decision.Pinned)
}

func TestRoute_PinnedProviderFailureGoesToMirrorOnly(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.stubs["premium"].failWith(errors.New("rate limited"))

	req := chatRequest("r1")
	req.ProviderOverride = "premium"
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonForced, res.Decision.Reason)
	require.Len(t, res.Decision.Attempts, 1)
	assert.Equal(t, "premium", res.Decision.Attempts[0].ProviderID)
	assert.Equal(t, 0, f.stubs["cheap"].Calls())
	assert.Equal(t, 0, f.stubs["mid"].Calls())
}

func TestRoute_PinnedOpenProviderIsNotCalled(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.trip("premium")

	req := chatRequest("r1")
	req.ProviderOverride = "premium"
	res, err := f.router.Route(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
	assert.Equal(t, models.ReasonForced, res.Decision.Reason)
	assert.Equal(t, 0, f.stubs["premium"].Calls())
}

func TestRoute_UnknownProviderOverride(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.ProviderOverride = "nope"
	_, err := f.router.Route(context.Background(), req)

	assert.True(t, services.IsValidationError(err))
}

func TestForward_BypassesHealthyProviders(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())

	req := chatRequest("r1")
	req.Command = "compact"
	res, err := f.router.Forward(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.ServedByMirror())
	assert.Equal(t, models.ReasonForced, res.Decision.Reason)
	assert.Equal(t, "compact", res.Decision.Command)
	assert.Equal(t, req.Raw, res.Mirror.Body)
	for id, stub := range f.stubs {
		assert.Equal(t, 0, stub.Calls(), id)
	}
	assert.Equal(t, int64(1), f.router.GetStats().ByTarget[models.MirrorProviderID])
	require.Len(t, f.logged.decisions, 1)
}

func TestForward_WithoutMirror(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.mirror.enabled = false

	_, err := f.router.Forward(context.Background(), chatRequest("r1"))

	require.Error(t, err)
	assert.True(t, services.IsMirrorUnavailableError(err))
	assert.Equal(t, 0, f.mirror.Calls())
	assert.Equal(t, int64(1), f.router.GetStats().Failed)
}

func TestRoute_SharedDeadlineYieldsTimeout(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.stubs["cheap"].fn = func(ctx context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	req := chatRequest("r1")
	req.Deadline = time.Now().Add(30 * time.Millisecond)
	_, err := f.router.Route(context.Background(), req)

	require.Error(t, err)
	assert.True(t, services.IsTimeoutError(err))
	assert.Equal(t, 0, f.stubs["mid"].Calls())
	assert.Equal(t, 0, f.mirror.Calls())
	assert.Equal(t, 1, f.monitor.Snapshot()["cheap"].Samples)
	assert.Zero(t, f.tracker.GetStats("").Requests)
}

func TestRoute_HalfOpenTrialIsExclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.monitor = health.NewMonitor(health.DefaultConfig(), zap.NewNop(), health.WithClock(func() time.Time { return now }))
	f.monitor.Sync(f.registry.Snapshot().IDs())
	f.router = NewRoutingService(DefaultRoutingConfig(), f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop())

	f.trip("cheap")
	now = now.Add(31 * time.Second)

	// hold the trial on behalf of another request
	_, ok := f.monitor.Acquire("cheap")
	require.True(t, ok)

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Equal(t, 0, f.stubs["cheap"].Calls())
}

func TestRoute_TrialRefusalKeepsRateBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	descs := threeProviders()
	descs[0].RequestsPerMinute = 1
	f := newFixture(t, DefaultRoutingConfig(), descs)
	limiter := ratelimit.NewLimiter(zap.NewNop(), ratelimit.WithClock(clock))
	f.monitor = health.NewMonitor(health.DefaultConfig(), zap.NewNop(), health.WithClock(clock))
	f.monitor.Sync(f.registry.Snapshot().IDs())
	f.router = NewRoutingService(DefaultRoutingConfig(), f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop(),
		WithRateLimiter(limiter))

	f.trip("cheap")
	now = now.Add(31 * time.Second)
	held, ok := f.monitor.Acquire("cheap")
	require.True(t, ok)

	res, err := f.router.Route(context.Background(), chatRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Zero(t, limiter.GetCurrentUsage("cheap").RequestsLastMinute, "a refused trial spends no budget")

	f.monitor.Release(held)
	res, err = f.router.Route(context.Background(), chatRequest("r2"))
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Decision.ChosenProvider)
	st, _ := f.monitor.State("cheap")
	assert.Equal(t, health.StateClosed, st)
}

func TestRoute_RateLimitedTrialIsReleased(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	descs := threeProviders()
	descs[0].RequestsPerMinute = 1
	f := newFixture(t, DefaultRoutingConfig(), descs)
	limiter := ratelimit.NewLimiter(zap.NewNop(), ratelimit.WithClock(clock))
	f.monitor = health.NewMonitor(health.DefaultConfig(), zap.NewNop(), health.WithClock(clock))
	f.monitor.Sync(f.registry.Snapshot().IDs())
	f.router = NewRoutingService(DefaultRoutingConfig(), f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop(),
		WithRateLimiter(limiter))

	require.True(t, limiter.Allow("cheap", 1))
	f.trip("cheap")
	now = now.Add(31 * time.Second)

	res, err := f.router.Route(context.Background(), chatRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "mid", res.Decision.ChosenProvider)
	assert.Equal(t, 0, f.stubs["cheap"].Calls())

	st, _ := f.monitor.State("cheap")
	assert.Equal(t, health.StateHalfOpen, st)
	assert.True(t, f.monitor.IsCallable("cheap"), "the unused trial goes back")
}

func TestRoute_RateLimitedProviderIsSkipped(t *testing.T) {
	descs := threeProviders()
	descs[0].RequestsPerMinute = 1
	descs[1].RequestsPerMinute = 1
	f := newFixture(t, DefaultRoutingConfig(), descs)
	f.router = NewRoutingService(DefaultRoutingConfig(), f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop(),
		WithRateLimiter(ratelimit.NewLimiter(zap.NewNop())))
	ctx := context.Background()

	first, err := f.router.Route(ctx, chatRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "cheap", first.Decision.ChosenProvider)

	second, err := f.router.Route(ctx, chatRequest("r2"))
	require.NoError(t, err)
	assert.Equal(t, "mid", second.Decision.ChosenProvider)
	assert.Len(t, second.Decision.Attempts, 1, "a rate limited provider is not an attempt")
	assert.Equal(t, 1, f.stubs["cheap"].Calls())

	// the skip leaves the breaker untouched
	st, _ := f.monitor.State("cheap")
	assert.Equal(t, health.StateClosed, st)
}

func TestRoute_AllRateLimitedGoesToMirror(t *testing.T) {
	descs := []providers.Descriptor{descriptor("cheap", 1, 1)}
	descs[0].RequestsPerMinute = 1
	f := newFixture(t, DefaultRoutingConfig(), descs)
	f.router = NewRoutingService(DefaultRoutingConfig(), f.registry, f.monitor, f.tracker, f.mirror, zap.NewNop(),
		WithRateLimiter(ratelimit.NewLimiter(zap.NewNop())))
	ctx := context.Background()

	_, err := f.router.Route(ctx, chatRequest("r1"))
	require.NoError(t, err)

	res, err := f.router.Route(ctx, chatRequest("r2"))
	require.NoError(t, err)
	assert.True(t, res.ServedByMirror())
	assert.Equal(t, models.ReasonAllProvidersDown, res.Decision.Reason)
	assert.Equal(t, 1, f.mirror.Calls())
}

func TestRoute_RecordsDecisionsAndStats(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	ctx := context.Background()

	_, err := f.router.Route(ctx, chatRequest("r1"))
	require.NoError(t, err)
	f.stubs["cheap"].failWith(errors.New("down"))
	_, err = f.router.Route(ctx, chatRequest("r2"))
	require.NoError(t, err)

	stats := f.router.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.Served)
	assert.Equal(t, int64(3), stats.ProviderCalls)
	assert.Equal(t, int64(1), stats.ByTarget["cheap"])
	assert.Equal(t, int64(1), stats.ByTarget["mid"])
	assert.Equal(t, int64(1), stats.ByReason[models.ReasonCostOptimal])
	assert.Equal(t, int64(1), stats.ByReason[models.ReasonFailover])

	f.logged.mu.Lock()
	defer f.logged.mu.Unlock()
	require.Len(t, f.logged.decisions, 2)
	assert.Equal(t, "r2", f.logged.decisions[1].RequestID)
}

func TestRoute_NeverSelectsOpenProvider(t *testing.T) {
	descs := threeProviders()
	for mask := 0; mask < 1<<len(descs); mask++ {
		t.Run(fmt.Sprintf("open_mask_%03b", mask), func(t *testing.T) {
			f := newFixture(t, DefaultRoutingConfig(), descs)
			open := map[string]bool{}
			for i, d := range descs {
				if mask&(1<<i) != 0 {
					f.trip(d.ID)
					open[d.ID] = true
				}
			}

			res, err := f.router.Route(context.Background(), chatRequest("r"))

			require.NoError(t, err)
			assert.False(t, open[res.Decision.ChosenProvider])
			for _, a := range res.Decision.Attempts {
				assert.False(t, open[a.ProviderID])
			}
			if len(open) == len(descs) {
				assert.Equal(t, models.MirrorProviderID, res.Decision.ChosenProvider)
			}
		})
	}
}

func TestSelect_IsDeterministic(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), []providers.Descriptor{
		descriptor("b-tie", 1, 1),
		descriptor("a-tie", 1, 1),
		descriptor("low-priority", 1, 5),
		descriptor("pricey", 9, 0),
	})
	snap := f.registry.Snapshot()
	status := f.monitor.Snapshot()
	req := chatRequest("r1")

	first, err := Select(snap, status, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-tie", "b-tie", "low-priority", "pricey"}, first.IDs())

	for i := 0; i < 50; i++ {
		again, err := Select(snap, status, req)
		require.NoError(t, err)
		assert.Equal(t, first.IDs(), again.IDs())
	}
}

func TestSelect_LatencyBreaksPriorityTies(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), []providers.Descriptor{
		descriptor("slow", 1, 1),
		descriptor("fast", 1, 1),
	})
	f.monitor.RecordOutcome("slow", true, 900*time.Millisecond)
	f.monitor.RecordOutcome("fast", true, 100*time.Millisecond)

	plan, err := Select(f.registry.Snapshot(), f.monitor.Snapshot(), chatRequest("r1"))

	require.NoError(t, err)
	assert.Equal(t, []string{"fast", "slow"}, plan.IDs())
}

func TestRequest_ChatRequest(t *testing.T) {
	req := chatRequest("r1")
	req.Tools = nil
	d := descriptor("x", 1, 1)

	cr := req.ChatRequest(d)
	assert.Equal(t, "x-model", cr.Model)
	assert.Equal(t, "r1", cr.Metadata["request_id"])
	assert.Nil(t, cr.Tools)

	raw := chatRequest("r2")
	raw.Raw = nil
	assert.Contains(t, string(raw.MirrorBody()), `"explain this function"`)
}

func TestRoute_AttemptErrorsAreRedacted(t *testing.T) {
	f := newFixture(t, DefaultRoutingConfig(), threeProviders())
	f.stubs["cheap"].failWith(errors.New("401 Incorrect API key provided: sk-abcdefghijklmnopqrstuvwxyz"))

	res, err := f.router.Route(context.Background(), chatRequest("r1"))

	require.NoError(t, err)
	require.Len(t, res.Decision.Attempts, 2)
	assert.Equal(t, "401 Incorrect API key provided: [REDACTED:openai_key]", res.Decision.Attempts[0].Error)
}
