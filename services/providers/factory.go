package providers

import (
	"fmt"
	"os"
	"time"
)

// Builder constructs an adapter for one provider
type Builder func(cfg ProviderConfig) (Provider, error)

// Factory builds adapters from descriptors, resolving credentials from the environment
type Factory struct {
	builders  map[Kind]Builder
	lookupEnv func(string) (string, bool)
	timeout   time.Duration
}

// NewFactory creates a factory with no registered kinds
func NewFactory(timeout time.Duration) *Factory {
	return &Factory{
		builders:  make(map[Kind]Builder),
		lookupEnv: os.LookupEnv,
		timeout:   timeout,
	}
}

// Register associates an adapter builder with a provider kind
func (f *Factory) Register(kind Kind, b Builder) *Factory {
	f.builders[kind] = b
	return f
}

// WithLookupEnv overrides credential lookup, mainly for tests
func (f *Factory) WithLookupEnv(fn func(string) (string, bool)) *Factory {
	f.lookupEnv = fn
	return f
}

// Build creates the adapter for d. A descriptor naming a credential variable
// that is unset is rejected so the gateway never starts with a keyless provider.
func (f *Factory) Build(d Descriptor) (Provider, error) {
	b, ok := f.builders[d.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: no adapter for kind %q", d.ID, d.Kind)
	}

	var apiKey string
	if d.APIKeyEnv != "" {
		v, ok := f.lookupEnv(d.APIKeyEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("provider %s: credential %s is not set", d.ID, d.APIKeyEnv)
		}
		apiKey = v
	}

	return b(ProviderConfig{
		ID:      d.ID,
		APIKey:  apiKey,
		BaseURL: d.BaseURL,
		Model:   d.Model,
		Timeout: f.timeout,
		Headers: map[string]string{},
	})
}
