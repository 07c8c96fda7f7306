package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/cost"
	"github.com/upb/llm-mirror-router/services/health"
	"github.com/upb/llm-mirror-router/services/providers"
)

// Candidate is a provider eligible for the request, with its ranking inputs
type Candidate struct {
	Descriptor    providers.Descriptor
	EstimatedCost float64
	AvgLatency    time.Duration
}

// ID returns the provider id
func (c Candidate) ID() string { return c.Descriptor.ID }

// Plan is the ordered list of providers to try for one request
type Plan struct {
	Candidates []Candidate

	// Pinned is set when the caller named a provider or model explicitly
	Pinned bool

	// Reason explains an empty candidate list
	Reason models.DecisionReason
}

// IDs returns the candidate ids in try order
func (p Plan) IDs() []string {
	ids := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		ids[i] = c.ID()
	}
	return ids
}

// resolvePin finds the provider an explicit override refers to.
// A model override that matches no provider id or model is not a pin.
func resolvePin(snap *providers.Snapshot, req *Request) (providers.Descriptor, bool, error) {
	if req.ProviderOverride != "" {
		d, ok := snap.Get(req.ProviderOverride)
		if !ok {
			return providers.Descriptor{}, false, services.NewValidationError(
				fmt.Sprintf("unknown provider %q", req.ProviderOverride), nil).
				WithDetail("provider", req.ProviderOverride)
		}
		return d, true, nil
	}
	if req.ModelOverride != "" {
		if d, ok := snap.Get(req.ModelOverride); ok {
			return d, true, nil
		}
		if d, ok := snap.FindByModel(req.ModelOverride); ok {
			return d, true, nil
		}
	}
	return providers.Descriptor{}, false, nil
}

// Select orders the providers that can serve req. It reads only its arguments,
// so equal inputs always give the same plan.
func Select(snap *providers.Snapshot, status map[string]health.Status, req *Request) (Plan, error) {
	in, out := cost.EstimateTokens(req.Messages, req.MaxTokens)

	candidate := func(d providers.Descriptor) Candidate {
		return Candidate{
			Descriptor:    d,
			EstimatedCost: d.Cost(in, out),
			AvgLatency:    status[d.ID].AvgLatency,
		}
	}

	pinned, isPinned, err := resolvePin(snap, req)
	if err != nil {
		return Plan{}, err
	}
	if isPinned {
		plan := Plan{Pinned: true, Reason: models.ReasonForced}
		switch {
		case !pinned.Capabilities.Contains(req.Required):
			plan.Reason = models.ReasonCapabilityGap
		case status[pinned.ID].Callable:
			plan.Candidates = []Candidate{candidate(pinned)}
		}
		return plan, nil
	}

	var capable, callable []Candidate
	for _, d := range snap.List() {
		if !d.Capabilities.Contains(req.Required) {
			continue
		}
		c := candidate(d)
		capable = append(capable, c)
		if status[d.ID].Callable {
			callable = append(callable, c)
		}
	}

	if len(capable) == 0 {
		return Plan{Reason: models.ReasonCapabilityGap}, nil
	}
	if len(callable) == 0 {
		return Plan{Reason: models.ReasonAllProvidersDown}, nil
	}

	sort.SliceStable(callable, func(i, j int) bool {
		a, b := callable[i], callable[j]
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost < b.EstimatedCost
		}
		if a.Descriptor.Priority != b.Descriptor.Priority {
			return a.Descriptor.Priority < b.Descriptor.Priority
		}
		if a.AvgLatency != b.AvgLatency {
			return a.AvgLatency < b.AvgLatency
		}
		return a.ID() < b.ID()
	})

	return Plan{Candidates: callable, Reason: models.ReasonCostOptimal}, nil
}
