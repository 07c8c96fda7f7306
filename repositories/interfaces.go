package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-mirror-router/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// UsageRepository persists usage records
type UsageRepository interface {
	// Insert stores a record; a record whose request id already exists is ignored
	Insert(ctx context.Context, rec *models.UsageRecord) error

	// ListBySession returns a session's records, newest first
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.UsageRecord, error)

	// SpendSince sums cost per provider for records created after since
	SpendSince(ctx context.Context, since time.Time) (map[string]float64, error)
}

// DecisionRepository persists routing decisions with their attempts
type DecisionRepository interface {
	// Insert stores a decision and its attempts atomically
	Insert(ctx context.Context, d *models.RoutingDecision) error

	// CountByReason returns decision counts per reason since the given time
	CountByReason(ctx context.Context, since time.Time) (map[models.DecisionReason]int, error)
}

// Repositories groups the ledger repositories
type Repositories struct {
	Usage     UsageRepository
	Decisions DecisionRepository
}
