package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/repositories"
)

// DecisionRepository implements the repositories.DecisionRepository interface
type DecisionRepository struct {
	db     *DB
	tx     repositories.TransactionManager
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		tx:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Insert stores the decision row and one row per attempt in a single transaction
func (r *DecisionRepository) Insert(ctx context.Context, d *models.RoutingDecision) error {
	return r.tx.InTransaction(ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, r.db)

		_, err := exec.ExecContext(ctx, `
			INSERT INTO routing_decisions (
				id, request_id, session_id, command, chosen_provider, reason,
				pinned, considered, decision_time_us, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			d.ID,
			d.RequestID,
			d.SessionID,
			d.Command,
			d.ChosenProvider,
			string(d.Reason),
			d.Pinned,
			strings.Join(d.Considered, ","),
			d.DecisionTime.Microseconds(),
			d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert routing decision: %w", err)
		}

		for i, a := range d.Attempts {
			_, err := exec.ExecContext(ctx, `
				INSERT INTO routing_attempts (
					decision_id, seq, provider_id, success, latency_ms, error_message
				) VALUES ($1, $2, $3, $4, $5, $6)
			`, d.ID, i, a.ProviderID, a.Success, a.Latency.Milliseconds(), a.Error)
			if err != nil {
				return fmt.Errorf("failed to insert routing attempt %d: %w", i, err)
			}
		}

		r.logger.Debug("routing decision inserted",
			zap.String("request_id", d.RequestID),
			zap.String("chosen", d.ChosenProvider),
			zap.String("reason", string(d.Reason)))
		return nil
	})
}

// CountByReason returns decision counts per reason since the given time
func (r *DecisionRepository) CountByReason(ctx context.Context, since time.Time) (map[models.DecisionReason]int, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, `
		SELECT reason, COUNT(*)
		FROM routing_decisions
		WHERE created_at >= $1
		GROUP BY reason
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DecisionReason]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan decision count: %w", err)
		}
		counts[models.DecisionReason(reason)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision counts: %w", err)
	}

	return counts, nil
}
