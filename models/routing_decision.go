package models

import (
	"time"

	"github.com/google/uuid"
)

// DecisionReason explains why a target was chosen for a request
type DecisionReason string

const (
	ReasonCostOptimal      DecisionReason = "cost_optimal"
	ReasonFailover         DecisionReason = "failover"
	ReasonCapabilityGap    DecisionReason = "capability_gap"
	ReasonAllProvidersDown DecisionReason = "all_providers_down"
	ReasonForced           DecisionReason = "forced"
)

// Attempt is one provider call made while serving a request
type Attempt struct {
	ProviderID string        `json:"provider_id"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// RoutingDecision records which provider (or the mirror) served a request and why
type RoutingDecision struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	RequestID      string         `json:"request_id" db:"request_id"`
	SessionID      string         `json:"session_id" db:"session_id"`
	Command        string         `json:"command,omitempty" db:"command"`
	ChosenProvider string         `json:"chosen_provider" db:"chosen_provider"`
	Reason         DecisionReason `json:"reason" db:"reason"`
	Pinned         bool           `json:"pinned" db:"pinned"`
	Considered     []string       `json:"considered" db:"considered"`
	Attempts       []Attempt      `json:"attempts" db:"attempts"`
	DecisionTime   time.Duration  `json:"decision_time" db:"decision_time_us"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the RoutingDecision model
func (RoutingDecision) TableName() string {
	return "routing_decisions"
}

// NewRoutingDecision creates an empty decision for a request
func NewRoutingDecision(requestID, sessionID string) *RoutingDecision {
	return &RoutingDecision{
		ID:         uuid.New(),
		RequestID:  requestID,
		SessionID:  sessionID,
		Considered: []string{},
		Attempts:   []Attempt{},
		CreatedAt:  time.Now(),
	}
}

// Choose sets the served target and reason
func (d *RoutingDecision) Choose(target string, reason DecisionReason) *RoutingDecision {
	d.ChosenProvider = target
	d.Reason = reason
	return d
}

// AddAttempt appends a provider call outcome
func (d *RoutingDecision) AddAttempt(a Attempt) *RoutingDecision {
	d.Attempts = append(d.Attempts, a)
	return d
}

// ServedByMirror reports whether the mirror served the request
func (d *RoutingDecision) ServedByMirror() bool {
	return d.ChosenProvider == MirrorProviderID
}
