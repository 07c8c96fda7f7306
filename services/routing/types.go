package routing

import (
	"encoding/json"
	"time"

	"github.com/upb/llm-mirror-router/models"
	"github.com/upb/llm-mirror-router/services/mirror"
	"github.com/upb/llm-mirror-router/services/providers"
)

// Request is the normalized form of one inbound call. It lives for one request only.
type Request struct {
	ID        string
	SessionID string
	Messages  []providers.Message

	// Command is the detected command name without prefix, empty for plain completions
	Command string

	Required providers.CapabilitySet

	// ModelOverride and ProviderOverride pin the request to one provider
	ModelOverride    string
	ProviderOverride string

	MaxTokens   int
	Temperature float64
	Stop        []string
	Tools       []json.RawMessage

	Deadline time.Time

	// Raw is the inbound body, forwarded untouched to the mirror
	Raw []byte
}

// ChatRequest builds the adapter request for d
func (r *Request) ChatRequest(d providers.Descriptor) *providers.ChatRequest {
	req := &providers.ChatRequest{
		Model:       d.Model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Stop:        r.Stop,
		Metadata: map[string]string{
			"request_id": r.ID,
			"session_id": r.SessionID,
		},
	}
	if d.Capabilities.Has(providers.CapabilityTools) {
		req.Tools = r.Tools
	}
	return req
}

// MirrorBody returns the bytes sent to the reference tool
func (r *Request) MirrorBody() []byte {
	if len(r.Raw) > 0 {
		return r.Raw
	}
	body, _ := json.Marshal(map[string]interface{}{
		"messages":   r.Messages,
		"max_tokens": r.MaxTokens,
		"session_id": r.SessionID,
	})
	return body
}

// Result is the outcome of a routed request. Exactly one of Response or Mirror is set.
type Result struct {
	Decision *models.RoutingDecision
	Response *providers.ChatResponse
	Mirror   *mirror.Response
	Usage    *models.UsageRecord
}

// ServedByMirror reports whether the mirror produced the response
func (r *Result) ServedByMirror() bool {
	return r.Mirror != nil
}
