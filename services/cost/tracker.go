// Package cost keeps the usage ledger and derives spend and savings from it.
package cost

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/providers"
)

const (
	charsPerToken           = 4
	defaultCompletionTokens = 500
	defaultMaxRecords       = 10000
	defaultMaxSessions      = 1000
)

// PriceBook exposes the current provider set for pricing
type PriceBook interface {
	Snapshot() *providers.Snapshot
}

// Sink receives every record the tracker accepts
type Sink interface {
	LogUsage(rec models.UsageRecord) error
}

// ProviderBreakdown aggregates usage for one provider
type ProviderBreakdown struct {
	Requests     int     `json:"requests"`
	Failures     int     `json:"failures"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Spend        float64 `json:"spend"`
}

// Stats is the aggregate view returned by GetStats
type Stats struct {
	SessionID         string                       `json:"sessionId,omitempty"`
	Requests          int                          `json:"requests"`
	MirrorRequests    int                          `json:"mirrorRequests"`
	InputTokens       int                          `json:"inputTokens"`
	OutputTokens      int                          `json:"outputTokens"`
	TotalTokens       int                          `json:"totalTokens"`
	TotalSpend        float64                      `json:"totalSpend"`
	BaselineProvider  string                       `json:"baselineProvider,omitempty"`
	BaselineSpend     float64                      `json:"baselineSpend"`
	SavingsVsBaseline float64                      `json:"savingsVsBaseline"`
	PerProvider       map[string]ProviderBreakdown `json:"perProvider"`
}

type totals struct {
	perProvider map[string]*ProviderBreakdown
	// seq of the last record added, used to evict the least recently active session
	lastSeq uint64
}

func newTotals() *totals {
	return &totals{perProvider: make(map[string]*ProviderBreakdown)}
}

func (t *totals) add(rec models.UsageRecord) {
	b, ok := t.perProvider[rec.ProviderID]
	if !ok {
		b = &ProviderBreakdown{}
		t.perProvider[rec.ProviderID] = b
	}
	b.Requests++
	if !rec.Success {
		b.Failures++
	}
	b.InputTokens += rec.InputTokens
	b.OutputTokens += rec.OutputTokens
	b.Spend += rec.Cost
}

// Tracker is the in-memory usage ledger
type Tracker struct {
	prices PriceBook
	logger *zap.Logger
	sinks  []Sink

	mu          sync.RWMutex
	seen        map[string]struct{}
	records     []models.UsageRecord
	maxRecords  int
	global      *totals
	sessions    map[string]*totals
	maxSessions int
	seq         uint64
}

// Option configures a Tracker
type Option func(*Tracker)

// WithSink forwards accepted records to s
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sinks = append(t.sinks, s) }
}

// WithMaxRecords bounds the number of raw records kept for Recent
func WithMaxRecords(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxRecords = n
		}
	}
}

// WithMaxSessions bounds the number of sessions with their own totals
func WithMaxSessions(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxSessions = n
		}
	}
}

// NewTracker creates an empty tracker priced from prices
func NewTracker(prices PriceBook, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		prices:     prices,
		logger:     logger,
		seen:       make(map[string]struct{}),
		maxRecords:  defaultMaxRecords,
		global:      newTotals(),
		sessions:    make(map[string]*totals),
		maxSessions: defaultMaxSessions,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EstimateCost prices a call against the current registry
func (t *Tracker) EstimateCost(providerID string, inputTokens, outputTokens int) (float64, error) {
	if providerID == models.MirrorProviderID {
		return 0, nil
	}
	d, ok := t.prices.Snapshot().Get(providerID)
	if !ok {
		return 0, services.NewNotFoundError(fmt.Sprintf("provider %s is not registered", providerID))
	}
	return d.Cost(inputTokens, outputTokens), nil
}

// RecordUsage appends rec unless its request id is still among the retained
// records. It reports whether the record was accepted.
func (t *Tracker) RecordUsage(rec models.UsageRecord) (bool, error) {
	if rec.RequestID == "" {
		return false, services.NewValidationError("usage record requires a request id", nil)
	}
	if !rec.IsMirror() {
		d, ok := t.prices.Snapshot().Get(rec.ProviderID)
		if !ok {
			return false, services.NewValidationError(
				fmt.Sprintf("usage record references unknown provider %s", rec.ProviderID), nil)
		}
		if rec.Cost == 0 {
			rec.Cost = d.Cost(rec.InputTokens, rec.OutputTokens)
		}
	}

	t.mu.Lock()
	if _, dup := t.seen[rec.RequestID]; dup {
		t.mu.Unlock()
		t.logger.Debug("duplicate usage record ignored", zap.String("request_id", rec.RequestID))
		return false, nil
	}
	t.seen[rec.RequestID] = struct{}{}

	t.records = append(t.records, rec)
	if len(t.records) > t.maxRecords {
		dropped := t.records[:len(t.records)-t.maxRecords]
		for _, old := range dropped {
			delete(t.seen, old.RequestID)
		}
		t.records = append([]models.UsageRecord(nil), t.records[len(dropped):]...)
	}
	t.seq++
	t.global.add(rec)
	var evicted string
	if rec.SessionID != "" {
		s, ok := t.sessions[rec.SessionID]
		if !ok {
			if len(t.sessions) >= t.maxSessions {
				evicted = t.evictSessionLocked()
			}
			s = newTotals()
			t.sessions[rec.SessionID] = s
		}
		s.add(rec)
		s.lastSeq = t.seq
	}
	t.mu.Unlock()

	if evicted != "" {
		t.logger.Debug("session totals evicted", zap.String("session_id", evicted))
	}

	for _, sink := range t.sinks {
		if err := sink.LogUsage(rec); err != nil {
			t.logger.Warn("usage sink rejected record",
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
		}
	}
	return true, nil
}

// evictSessionLocked drops the session updated longest ago. Global totals keep its usage.
func (t *Tracker) evictSessionLocked() string {
	var (
		oldest string
		least  uint64
	)
	for id, s := range t.sessions {
		if oldest == "" || s.lastSeq < least {
			oldest, least = id, s.lastSeq
		}
	}
	delete(t.sessions, oldest)
	return oldest
}

// GetStats aggregates the given session, or everything when sessionID is empty.
// Savings are derived from the accumulated tokens and the current registry every call.
func (t *Tracker) GetStats(sessionID string) Stats {
	stats := Stats{SessionID: sessionID, PerProvider: make(map[string]ProviderBreakdown)}

	t.mu.RLock()
	src := t.global
	if sessionID != "" {
		src = t.sessions[sessionID]
	}
	if src != nil {
		for id, b := range src.perProvider {
			stats.PerProvider[id] = *b
		}
	}
	t.mu.RUnlock()

	baseline, hasBaseline := t.prices.Snapshot().MostExpensive()
	if hasBaseline {
		stats.BaselineProvider = baseline.ID
	}

	var providerSpend float64
	for id, b := range stats.PerProvider {
		stats.Requests += b.Requests
		stats.InputTokens += b.InputTokens
		stats.OutputTokens += b.OutputTokens
		stats.TotalSpend += b.Spend
		if id == models.MirrorProviderID {
			stats.MirrorRequests += b.Requests
			continue
		}
		providerSpend += b.Spend
		if hasBaseline {
			stats.BaselineSpend += baseline.Cost(b.InputTokens, b.OutputTokens)
		}
	}
	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	if hasBaseline {
		stats.SavingsVsBaseline = stats.BaselineSpend - providerSpend
	}
	return stats
}

// Recent returns up to n of the most recent records, newest last
func (t *Tracker) Recent(n int) []models.UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	return append([]models.UsageRecord(nil), t.records[len(t.records)-n:]...)
}

// Sessions returns the number of sessions with recorded usage
func (t *Tracker) Sessions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// EstimateTokens approximates prompt and completion volume for cost ranking
func EstimateTokens(messages []providers.Message, maxTokens int) (input, output int) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	input = chars / charsPerToken
	if input == 0 && chars > 0 {
		input = 1
	}
	output = maxTokens
	if output <= 0 {
		output = defaultCompletionTokens
	}
	return input, output
}
