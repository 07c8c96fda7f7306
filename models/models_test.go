package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// UsageRecord tests
func TestNewUsageRecord(t *testing.T) {
	rec := NewUsageRecord("req-1", "kimi", "s1").
		WithTokens(120, 30).
		WithOutcome(0.0004, 250*time.Millisecond, true)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "kimi", rec.ProviderID)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, 150, rec.TotalTokens())
	assert.True(t, rec.Success)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.IsMirror())
}

func TestUsageRecord_Mirror(t *testing.T) {
	rec := NewUsageRecord("req-2", MirrorProviderID, "")
	assert.True(t, rec.IsMirror())
	assert.Zero(t, rec.Cost)
}

func TestUsageRecord_TableName(t *testing.T) {
	assert.Equal(t, "usage_records", UsageRecord{}.TableName())
}

// RoutingDecision tests
func TestNewRoutingDecision(t *testing.T) {
	d := NewRoutingDecision("req-1", "s1")

	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, "req-1", d.RequestID)
	assert.NotNil(t, d.Considered)
	assert.NotNil(t, d.Attempts)
	assert.False(t, d.ServedByMirror())
}

func TestRoutingDecision_Builders(t *testing.T) {
	d := NewRoutingDecision("req-1", "").
		AddAttempt(Attempt{ProviderID: "kimi", Success: false, Error: "502"}).
		AddAttempt(Attempt{ProviderID: "claude", Success: true}).
		Choose("claude", ReasonFailover)

	assert.Equal(t, "claude", d.ChosenProvider)
	assert.Equal(t, ReasonFailover, d.Reason)
	require.Len(t, d.Attempts, 2)
	assert.Equal(t, "kimi", d.Attempts[0].ProviderID)

	d.Choose(MirrorProviderID, ReasonAllProvidersDown)
	assert.True(t, d.ServedByMirror())
}

func TestRoutingDecision_JSONMarshaling(t *testing.T) {
	d := NewRoutingDecision("req-9", "s").Choose("kimi", ReasonCostOptimal)

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "cost_optimal", decoded["reason"])
	assert.Equal(t, "kimi", decoded["chosen_provider"])
	assert.NotContains(t, decoded, "command")
}

func TestRoutingDecision_TableName(t *testing.T) {
	assert.Equal(t, "routing_decisions", RoutingDecision{}.TableName())
}
