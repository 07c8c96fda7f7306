// Package health tracks per-provider circuit state from call outcomes.
package health

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCorrupted is returned when health entries no longer match the registry
var ErrCorrupted = errors.New("health monitor diverged from registry")

const minWindowSize = 5

// Config controls when a provider trips and how long it stays out
type Config struct {
	// WindowSize is the number of recent outcomes considered (minimum 5)
	WindowSize int

	// FailureThreshold trips the circuit when failures/samples reaches it
	FailureThreshold float64

	// BaseCooldown is how long OPEN lasts after the first trip
	BaseCooldown time.Duration

	// MaxCooldown caps the exponential backoff after failed trials
	MaxCooldown time.Duration

	// OnStateChange is called outside the provider lock after every transition
	OnStateChange func(providerID string, from, to State)
}

// DefaultConfig returns a 10 call window, 50% threshold, 30s to 5m cooldown
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WindowSize == 0 {
		c.WindowSize = d.WindowSize
	}
	if c.WindowSize < minWindowSize {
		c.WindowSize = minWindowSize
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	return c
}

// minSamples is the number of outcomes needed before the window may trip
func (c Config) minSamples() int {
	if c.WindowSize < minWindowSize {
		return c.WindowSize
	}
	return minWindowSize
}

type outcome struct {
	success bool
	latency time.Duration
}

type transition struct {
	id       string
	from, to State
	ev       event
}

// providerHealth is guarded by its own mutex so providers never contend with each other
type providerHealth struct {
	mu sync.Mutex

	state          State
	window         []outcome
	head           int
	count          int
	lastTransition time.Time
	cooldown       time.Duration
	trialInFlight  bool

	// gen advances on every transition and every released trial; permits
	// from an older gen are stale
	gen uint64
}

// Permit is a call slot handed out by Acquire. Its outcome only counts
// against the circuit generation that issued it.
type Permit struct {
	ID    string
	gen   uint64
	trial bool
}

// Trial reports whether p holds the half-open trial
func (p Permit) Trial() bool { return p.trial }

func (h *providerHealth) push(o outcome) {
	h.window[h.head] = o
	h.head = (h.head + 1) % len(h.window)
	if h.count < len(h.window) {
		h.count++
	}
}

func (h *providerHealth) reset() {
	for i := range h.window {
		h.window[i] = outcome{}
	}
	h.head = 0
	h.count = 0
}

func (h *providerHealth) stats() (failures int, avgLatency time.Duration) {
	var total time.Duration
	successes := 0
	for i := 0; i < h.count; i++ {
		o := h.window[i]
		if o.success {
			successes++
			total += o.latency
		} else {
			failures++
		}
	}
	if successes > 0 {
		avgLatency = total / time.Duration(successes)
	}
	return failures, avgLatency
}

// Status is a point-in-time view of one provider's health
type Status struct {
	State             State         `json:"state"`
	Callable          bool          `json:"callable"`
	FailureRatio      float64       `json:"failureRatio"`
	Samples           int           `json:"samples"`
	AvgLatency        time.Duration `json:"avgLatencyNs"`
	LastTransition    time.Time     `json:"lastTransition"`
	Cooldown          time.Duration `json:"cooldownNs"`
	CooldownRemaining time.Duration `json:"cooldownRemainingNs"`
}

// Monitor holds one circuit per registered provider
type Monitor struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	// mu guards the entries map itself; entry state has its own lock
	mu      sync.RWMutex
	entries map[string]*providerHealth
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor with no providers; call Sync to add them
func NewMonitor(cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.normalized(),
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]*providerHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration
func (m *Monitor) Config() Config { return m.cfg }

// Sync makes the set of tracked providers equal ids. Existing entries keep their state.
func (m *Monitor) Sync(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
		if _, ok := m.entries[id]; !ok {
			m.entries[id] = &providerHealth{
				state:          StateClosed,
				window:         make([]outcome, m.cfg.WindowSize),
				cooldown:       m.cfg.BaseCooldown,
				lastTransition: m.now(),
			}
			m.logger.Debug("health entry added", zap.String("provider", id))
		}
	}
	for id := range m.entries {
		if _, ok := keep[id]; !ok {
			delete(m.entries, id)
			m.logger.Debug("health entry dropped", zap.String("provider", id))
		}
	}
}

func (m *Monitor) entry(id string) (*providerHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.entries[id]
	return h, ok
}

// apply moves h along e; the caller holds h.mu
func (m *Monitor) apply(id string, h *providerHealth, e event, now time.Time) (transition, bool) {
	to, ok := next(h.state, e)
	if !ok {
		return transition{}, false
	}
	from := h.state
	h.state = to
	h.lastTransition = now
	h.trialInFlight = false
	h.gen++

	switch e {
	case eventTrialSuccess:
		h.reset()
		h.cooldown = m.cfg.BaseCooldown
	case eventTrialFailure:
		h.cooldown *= 2
		if h.cooldown > m.cfg.MaxCooldown {
			h.cooldown = m.cfg.MaxCooldown
		}
	}
	return transition{id: id, from: from, to: to, ev: e}, true
}

// promote moves OPEN to HALF_OPEN once the cooldown has elapsed; the caller holds h.mu
func (m *Monitor) promote(id string, h *providerHealth, now time.Time) (transition, bool) {
	if h.state == StateOpen && now.Sub(h.lastTransition) >= h.cooldown {
		return m.apply(id, h, eventCooldownElapsed, now)
	}
	return transition{}, false
}

func (m *Monitor) notify(t transition) {
	m.logger.Info("circuit state changed",
		zap.String("provider", t.id),
		zap.String("from", t.from.String()),
		zap.String("to", t.to.String()),
		zap.String("event", t.ev.String()))
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(t.id, t.from, t.to)
	}
}

// RecordOutcome counts a result that holds no permit. It only feeds a CLOSED
// window and never decides a half-open trial. Unknown providers are dropped.
func (m *Monitor) RecordOutcome(id string, success bool, latency time.Duration) {
	m.record(id, nil, success, latency)
}

// Record feeds the result of a call made under p into the provider's circuit.
// Results from a generation the circuit has since left are ignored.
func (m *Monitor) Record(p Permit, success bool, latency time.Duration) {
	m.record(p.ID, &p, success, latency)
}

func (m *Monitor) record(id string, p *Permit, success bool, latency time.Duration) {
	h, ok := m.entry(id)
	if !ok {
		m.logger.Debug("outcome for untracked provider", zap.String("provider", id))
		return
	}

	now := m.now()
	var changes []transition

	h.mu.Lock()
	if t, ok := m.promote(id, h, now); ok {
		changes = append(changes, t)
	}
	switch {
	case p != nil && p.gen != h.gen:
		m.logger.Debug("stale outcome ignored",
			zap.String("provider", id),
			zap.String("state", h.state.String()),
			zap.Bool("trial", p.trial))
	case h.state == StateClosed:
		h.push(outcome{success: success, latency: latency})
		if !success && h.count >= m.cfg.minSamples() {
			failures, _ := h.stats()
			if float64(failures)/float64(h.count) >= m.cfg.FailureThreshold {
				if t, ok := m.apply(id, h, eventTrip, now); ok {
					changes = append(changes, t)
				}
			}
		}
	case h.state == StateHalfOpen && p != nil && p.trial:
		e := eventTrialFailure
		if success {
			e = eventTrialSuccess
		}
		if t, ok := m.apply(id, h, e, now); ok {
			changes = append(changes, t)
		}
	}
	// OPEN, and HALF_OPEN without the trial permit, change nothing
	h.mu.Unlock()

	for _, t := range changes {
		m.notify(t)
	}
}

// Release returns a permit that was never used for a call. A released trial
// lets the next caller run it.
func (m *Monitor) Release(p Permit) {
	if !p.trial {
		return
	}
	h, ok := m.entry(p.ID)
	if !ok {
		return
	}
	h.mu.Lock()
	if h.state == StateHalfOpen && h.gen == p.gen {
		h.trialInFlight = false
		h.gen++
	}
	h.mu.Unlock()
}

// IsCallable reports whether the router may call id now without reserving it
func (m *Monitor) IsCallable(id string) bool {
	h, ok := m.entry(id)
	if !ok {
		return false
	}

	h.mu.Lock()
	t, changed := m.promote(id, h, m.now())
	callable := h.state == StateClosed || (h.state == StateHalfOpen && !h.trialInFlight)
	h.mu.Unlock()

	if changed {
		m.notify(t)
	}
	return callable
}

// Acquire reserves a call slot on id. In HALF_OPEN only the first caller gets
// the trial; the permit must come back through Record or Release.
func (m *Monitor) Acquire(id string) (Permit, bool) {
	h, ok := m.entry(id)
	if !ok {
		return Permit{}, false
	}

	h.mu.Lock()
	t, changed := m.promote(id, h, m.now())
	p := Permit{ID: id, gen: h.gen}
	granted := false
	switch h.state {
	case StateClosed:
		granted = true
	case StateHalfOpen:
		if !h.trialInFlight {
			h.trialInFlight = true
			p.trial = true
			granted = true
		}
	}
	h.mu.Unlock()

	if changed {
		m.notify(t)
	}
	return p, granted
}

// State returns the current state of id
func (m *Monitor) State(id string) (State, bool) {
	h, ok := m.entry(id)
	if !ok {
		return StateClosed, false
	}
	h.mu.Lock()
	t, changed := m.promote(id, h, m.now())
	s := h.state
	h.mu.Unlock()
	if changed {
		m.notify(t)
	}
	return s, true
}

// Snapshot returns the status of every tracked provider, read once per provider
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	entries := make([]*providerHealth, 0, len(m.entries))
	for id, h := range m.entries {
		ids = append(ids, id)
		entries = append(entries, h)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make(map[string]Status, len(ids))
	var changes []transition
	for i, h := range entries {
		h.mu.Lock()
		if t, ok := m.promote(ids[i], h, now); ok {
			changes = append(changes, t)
		}
		failures, avg := h.stats()
		st := Status{
			State:          h.state,
			Callable:       h.state == StateClosed || (h.state == StateHalfOpen && !h.trialInFlight),
			Samples:        h.count,
			AvgLatency:     avg,
			LastTransition: h.lastTransition,
			Cooldown:       h.cooldown,
		}
		if h.count > 0 {
			st.FailureRatio = float64(failures) / float64(h.count)
		}
		if h.state == StateOpen {
			if remaining := h.cooldown - now.Sub(h.lastTransition); remaining > 0 {
				st.CooldownRemaining = remaining
			}
		}
		h.mu.Unlock()
		out[ids[i]] = st
	}

	for _, t := range changes {
		m.notify(t)
	}
	return out
}

// States returns only the circuit state per provider
func (m *Monitor) States() map[string]State {
	snap := m.Snapshot()
	out := make(map[string]State, len(snap))
	for id, st := range snap {
		out[id] = st.State
	}
	return out
}

// CheckConsistency verifies that exactly the given providers are tracked
func (m *Monitor) CheckConsistency(ids []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing, extra []string
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
		if _, ok := m.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range m.entries {
		if _, ok := want[id]; !ok {
			extra = append(extra, id)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("%w: missing %v, unexpected %v", ErrCorrupted, missing, extra)
}
