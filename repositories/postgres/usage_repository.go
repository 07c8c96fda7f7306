package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/repositories"
)

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{db: db, logger: logger}
}

// Insert stores a usage record. Replays of the same request id are ignored.
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, request_id, provider_id, session_id, input_tokens, output_tokens,
			cost, latency_ms, success, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.ProviderID,
		rec.SessionID,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Cost,
		rec.Latency.Milliseconds(),
		rec.Success,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record inserted",
		zap.String("request_id", rec.RequestID),
		zap.String("provider", rec.ProviderID))
	return nil
}

// ListBySession returns a session's records, newest first
func (r *UsageRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, request_id, provider_id, session_id, input_tokens, output_tokens,
		       cost, latency_ms, success, created_at
		FROM usage_records
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		var latencyMs int64
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.ProviderID,
			&rec.SessionID,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.Cost,
			&latencyMs,
			&rec.Success,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// SpendSince sums cost per provider for records created after since
func (r *UsageRepository) SpendSince(ctx context.Context, since time.Time) (map[string]float64, error) {
	query := `
		SELECT provider_id, COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY provider_id
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum spend: %w", err)
	}
	defer rows.Close()

	spend := make(map[string]float64)
	for rows.Next() {
		var provider string
		var total float64
		if err := rows.Scan(&provider, &total); err != nil {
			return nil, fmt.Errorf("failed to scan spend row: %w", err)
		}
		spend[provider] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend rows: %w", err)
	}

	return spend, nil
}
