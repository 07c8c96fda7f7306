package providers

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind selects the adapter that speaks a provider's wire format
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// Descriptor describes one backend provider. It is immutable once loaded;
// changing a provider requires a full registry reload.
type Descriptor struct {
	ID                    string        `yaml:"id" json:"id"`
	Kind                  Kind          `yaml:"kind" json:"kind"`
	BaseURL               string        `yaml:"base_url" json:"base_url"`
	APIKeyEnv             string        `yaml:"api_key_env" json:"api_key_env"`
	Model                 string        `yaml:"model" json:"model"`
	InputPricePerMillion  float64       `yaml:"input_price_per_million" json:"input_price_per_million"`
	OutputPricePerMillion float64       `yaml:"output_price_per_million" json:"output_price_per_million"`
	Capabilities          CapabilitySet `yaml:"capabilities" json:"capabilities"`
	RequestsPerMinute     int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	Priority              int           `yaml:"priority" json:"priority"`
}

// Validate checks a single descriptor in isolation
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if d.ID == "mirror" {
		return fmt.Errorf("provider id %q is reserved", d.ID)
	}
	if strings.TrimSpace(d.BaseURL) == "" {
		return fmt.Errorf("provider %s: missing endpoint", d.ID)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %s: invalid endpoint %q", d.ID, d.BaseURL)
	}
	switch d.Kind {
	case KindOpenAI, KindAnthropic:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", d.ID, d.Kind)
	}
	if d.InputPricePerMillion <= 0 || d.OutputPricePerMillion <= 0 {
		return fmt.Errorf("provider %s: prices must be positive", d.ID)
	}
	if d.RequestsPerMinute < 0 {
		return fmt.Errorf("provider %s: requests_per_minute must not be negative", d.ID)
	}
	return nil
}

// PricePerMillion returns the combined input and output price, used to rank providers by expense
func (d Descriptor) PricePerMillion() float64 {
	return d.InputPricePerMillion + d.OutputPricePerMillion
}

// Cost computes the price of a call with the given token counts
func (d Descriptor) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*d.InputPricePerMillion/1_000_000 +
		float64(outputTokens)*d.OutputPricePerMillion/1_000_000
}

// RedactedDescriptor is the public view of a descriptor with credentials removed
type RedactedDescriptor struct {
	ID                    string   `json:"id"`
	Kind                  Kind     `json:"kind"`
	BaseURL               string   `json:"baseUrl"`
	Model                 string   `json:"model,omitempty"`
	Credential            string   `json:"credential"`
	InputPricePerMillion  float64  `json:"inputPricePerMillion"`
	OutputPricePerMillion float64  `json:"outputPricePerMillion"`
	Capabilities          []string `json:"capabilities"`
	RequestsPerMinute     int      `json:"requestsPerMinute"`
	Priority              int      `json:"priority"`
}

// Redacted returns a view safe to expose over the API
func (d Descriptor) Redacted() RedactedDescriptor {
	credential := "none"
	if d.APIKeyEnv != "" {
		credential = "env:" + d.APIKeyEnv + " (redacted)"
	}
	base := d.BaseURL
	if u, err := url.Parse(d.BaseURL); err == nil {
		u.User = nil
		u.RawQuery = ""
		base = u.String()
	}
	return RedactedDescriptor{
		ID:                    d.ID,
		Kind:                  d.Kind,
		BaseURL:               base,
		Model:                 d.Model,
		Credential:            credential,
		InputPricePerMillion:  d.InputPricePerMillion,
		OutputPricePerMillion: d.OutputPricePerMillion,
		Capabilities:          d.Capabilities.Names(),
		RequestsPerMinute:     d.RequestsPerMinute,
		Priority:              d.Priority,
	}
}
