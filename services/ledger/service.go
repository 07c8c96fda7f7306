// Package ledger persists usage records and routing decisions off the request path.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/repositories"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Entry is one queued write: exactly one of Usage or Decision is set
type Entry struct {
	Usage    *models.UsageRecord
	Decision *models.RoutingDecision
}

func (e *Entry) requestID() string {
	switch {
	case e.Usage != nil:
		return e.Usage.RequestID
	case e.Decision != nil:
		return e.Decision.RequestID
	}
	return ""
}

// Service writes ledger entries through a buffered channel drained by workers
type Service struct {
	usageRepo    repositories.UsageRepository
	decisionRepo repositories.DecisionRepository
	logger       *zap.Logger
	entries      chan *Entry
	workerCount  int
	bufferSize   int
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	stopped      bool
	mu           sync.Mutex

	written int64
	dropped int64
	failed  int64
}

// Config holds configuration for the Service
type Config struct {
	BufferSize  int
	WorkerCount int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 2,
	}
}

// NewService creates a ledger writer. decisionRepo may be nil, in which case decisions are discarded.
func NewService(usageRepo repositories.UsageRepository, decisionRepo repositories.DecisionRepository, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		usageRepo:    usageRepo,
		decisionRepo: decisionRepo,
		logger:       logger,
		entries:      make(chan *Entry, config.BufferSize),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("ledger already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started ledger",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting entries and waits for queued ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("ledger not running")
	}
	s.stopped = true
	close(s.entries)
	s.mu.Unlock()

	s.logger.Info("stopping ledger", zap.Int("pending", len(s.entries)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("ledger stopped")
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("ledger stop timeout after %v", timeout)
	}
}

// LogUsage queues a usage record without blocking
func (s *Service) LogUsage(rec models.UsageRecord) error {
	return s.enqueue(&Entry{Usage: &rec})
}

// LogDecision queues a routing decision without blocking
func (s *Service) LogDecision(d *models.RoutingDecision) error {
	if d == nil {
		return fmt.Errorf("nil decision")
	}
	return s.enqueue(&Entry{Decision: d})
}

func (s *Service) enqueue(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return fmt.Errorf("ledger not running")
	}

	select {
	case s.entries <- e:
		return nil
	default:
		s.dropped++
		s.logger.Warn("ledger buffer full, dropping entry",
			zap.String("request_id", e.requestID()))
		return fmt.Errorf("ledger buffer full")
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	for e := range s.entries {
		err := s.process(e)

		s.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.written++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("failed to persist ledger entry",
				zap.Int("worker_id", id),
				zap.String("request_id", e.requestID()),
				zap.Error(err))
		}
	}
}

func (s *Service) process(e *Entry) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	switch {
	case e.Usage != nil:
		if err := s.usageRepo.Insert(ctx, e.Usage); err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
	case e.Decision != nil:
		if s.decisionRepo == nil {
			return nil
		}
		if err := s.decisionRepo.Insert(ctx, e.Decision); err != nil {
			return fmt.Errorf("insert routing decision: %w", err)
		}
	}
	return nil
}

// Stats represents ledger statistics
type Stats struct {
	BufferSize  int   `json:"bufferSize"`
	Pending     int   `json:"pending"`
	WorkerCount int   `json:"workerCount"`
	Started     bool  `json:"started"`
	Written     int64 `json:"written"`
	Dropped     int64 `json:"dropped"`
	Failed      int64 `json:"failed"`
}

// GetStats returns statistics about the ledger
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:  s.bufferSize,
		Pending:     len(s.entries),
		WorkerCount: s.workerCount,
		Started:     s.started && !s.stopped,
		Written:     s.written,
		Dropped:     s.dropped,
		Failed:      s.failed,
	}
}
