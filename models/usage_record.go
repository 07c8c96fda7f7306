package models

import (
	"time"

	"github.com/google/uuid"
)

// MirrorProviderID is the sentinel provider id used when the reference tool served a request
const MirrorProviderID = "mirror"

// UsageRecord is an append-only ledger entry for one completed call
type UsageRecord struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	RequestID    string        `json:"request_id" db:"request_id"`
	ProviderID   string        `json:"provider_id" db:"provider_id"`
	SessionID    string        `json:"session_id" db:"session_id"`
	InputTokens  int           `json:"input_tokens" db:"input_tokens"`
	OutputTokens int           `json:"output_tokens" db:"output_tokens"`
	Cost         float64       `json:"cost" db:"cost"`
	Latency      time.Duration `json:"latency" db:"latency_ms"`
	Success      bool          `json:"success" db:"success"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a usage record stamped with a fresh id and the current time
func NewUsageRecord(requestID, providerID, sessionID string) UsageRecord {
	return UsageRecord{
		ID:         uuid.New(),
		RequestID:  requestID,
		ProviderID: providerID,
		SessionID:  sessionID,
		CreatedAt:  time.Now(),
	}
}

// WithTokens sets input and output token counts
func (u UsageRecord) WithTokens(input, output int) UsageRecord {
	u.InputTokens = input
	u.OutputTokens = output
	return u
}

// WithOutcome sets cost, latency and success flag
func (u UsageRecord) WithOutcome(cost float64, latency time.Duration, success bool) UsageRecord {
	u.Cost = cost
	u.Latency = latency
	u.Success = success
	return u
}

// TotalTokens returns input plus output tokens
func (u UsageRecord) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// IsMirror reports whether the reference tool served this call
func (u UsageRecord) IsMirror() bool {
	return u.ProviderID == MirrorProviderID
}
