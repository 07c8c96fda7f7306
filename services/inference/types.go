package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/providers"
	"github.com/upb/llm-mirror-router/services/routing"
)

// Format identifies the inbound wire shape
type Format int

const (
	// FormatOpenAI is POST /v1/chat/completions
	FormatOpenAI Format = iota
	// FormatClaude is POST /v1/messages
	FormatClaude
)

func (f Format) String() string {
	if f == FormatClaude {
		return "claude"
	}
	return "openai"
}

// CompletionRequest is the union of the OpenAI and Claude request bodies.
// Content fields stay raw because both shapes allow a string or a list of blocks.
type CompletionRequest struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	// System is the Claude top-level system prompt
	System   json.RawMessage `json:"system,omitempty"`
	Messages []Message       `json:"messages" validate:"required,min=1,dive"`

	MaxTokens     int             `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature   float64         `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	Stop          json.RawMessage `json:"stop,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`

	Tools []json.RawMessage `json:"tools,omitempty"`

	// Capabilities are explicit hints such as "vision" or "code_review"
	Capabilities []string `json:"capabilities,omitempty"`

	SessionID string `json:"session_id,omitempty" validate:"max=256"`
}

// Message is one inbound conversation turn
type Message struct {
	Role      string          `json:"role" validate:"required,oneof=system developer user assistant tool"`
	Content   json.RawMessage `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// CompletionResponse is the uniform envelope returned for provider and local answers
type CompletionResponse struct {
	Content      string `json:"content"`
	ProviderUsed string `json:"providerUsed"`
	Model        string `json:"model,omitempty"`
	Usage        Usage  `json:"usage"`
	RequestID    string `json:"requestId"`
	Command      string `json:"command,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Usage reports tokens and the estimated cost of one request
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostEstimate float64 `json:"costEstimate"`
}

// LocalProvider is reported as providerUsed for commands answered by the gateway itself
const LocalProvider = "local"

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

// flattened is the text of a content field plus what its blocks imply
type flattened struct {
	text   string
	tools  bool
	vision bool
}

// flattenContent accepts a JSON string, null, or a list of typed blocks
func flattenContent(raw json.RawMessage) (flattened, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return flattened{}, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return flattened{}, err
		}
		return flattened{text: s}, nil
	case '[':
		var blocks []contentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return flattened{}, err
		}
		var out flattened
		var parts []string
		for _, b := range blocks {
			switch b.Type {
			case "text", "input_text":
				parts = append(parts, b.Text)
			case "tool_use":
				out.tools = true
			case "tool_result":
				out.tools = true
				inner, err := flattenContent(b.Content)
				if err != nil {
					return flattened{}, err
				}
				if inner.text != "" {
					parts = append(parts, inner.text)
				}
			case "image", "image_url", "input_image":
				out.vision = true
			}
		}
		out.text = strings.Join(parts, "\n")
		return out, nil
	default:
		return flattened{}, fmt.Errorf("content must be a string or a list of blocks")
	}
}

// parseStop accepts the OpenAI stop field as a string or a list of strings
func parseStop(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Normalize converts an inbound body into a routing request. raw is kept for the mirror.
// Tool definitions or tool blocks anywhere in the conversation require the tools capability.
func Normalize(req *CompletionRequest, format Format, raw []byte, requestID, sessionID string, deadline time.Time) (*routing.Request, error) {
	required := providers.NewCapabilitySet(providers.CapabilityChat)
	if len(req.Tools) > 0 {
		required = required.Union(providers.NewCapabilitySet(providers.CapabilityTools))
	}
	if len(req.Capabilities) > 0 {
		hinted, err := providers.ParseCapabilitySet(req.Capabilities)
		if err != nil {
			return nil, services.NewValidationError("invalid capabilities hint", err)
		}
		required = required.Union(hinted)
	}

	messages := make([]providers.Message, 0, len(req.Messages)+1)
	if format == FormatClaude && len(req.System) > 0 {
		sys, err := flattenContent(req.System)
		if err != nil {
			return nil, services.NewValidationError("invalid system prompt", err)
		}
		if sys.text != "" {
			messages = append(messages, providers.Message{Role: "system", Content: sys.text})
		}
	}

	for i, m := range req.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return nil, services.NewValidationError(fmt.Sprintf("invalid content in message %d", i), err)
		}
		if content.tools || m.Role == "tool" || len(bytes.TrimSpace(m.ToolCalls)) > 0 {
			required = required.Union(providers.NewCapabilitySet(providers.CapabilityTools))
		}
		if content.vision {
			required = required.Union(providers.NewCapabilitySet(providers.CapabilityVision))
		}
		role := m.Role
		if role == "developer" {
			role = "system"
		}
		messages = append(messages, providers.Message{Role: role, Content: content.text})
	}

	stop := req.StopSequences
	if len(stop) == 0 {
		parsed, err := parseStop(req.Stop)
		if err != nil {
			return nil, services.NewValidationError("stop must be a string or a list of strings", err)
		}
		stop = parsed
	}

	if sessionID == "" {
		sessionID = req.SessionID
	}

	return &routing.Request{
		ID:               requestID,
		SessionID:        sessionID,
		Messages:         messages,
		Required:         required,
		ModelOverride:    req.Model,
		ProviderOverride: req.Provider,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		Stop:             stop,
		Tools:            req.Tools,
		Deadline:         deadline,
		Raw:              raw,
	}, nil
}
