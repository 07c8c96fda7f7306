package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
providers:
  - id: gpt-mini
    kind: openai
    base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    model: gpt-4o-mini
    input_price_per_million: 0.15
    output_price_per_million: 0.6
    capabilities: [chat, tools, json_mode]
    requests_per_minute: 500
    priority: 1
  - id: claude-sonnet
    kind: anthropic
    base_url: https://api.anthropic.com
    api_key_env: ANTHROPIC_API_KEY
    model: claude-sonnet-4
    input_price_per_million: 3
    output_price_per_million: 15
    capabilities: [chat, tools, vision, long_context]
    priority: 2
commands:
  - name: /Status
    handler: status
  - name: review
    force_mirror: true
  - name: see
    requires: [vision]
`

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, cat.Providers, 2)
	require.Len(t, cat.Commands, 3)

	gpt := cat.Providers[0]
	assert.Equal(t, "gpt-mini", gpt.ID)
	assert.Equal(t, KindOpenAI, gpt.Kind)
	assert.Equal(t, 0.15, gpt.InputPricePerMillion)
	assert.True(t, gpt.Capabilities.Has(CapabilityJSONMode))
	assert.Equal(t, 500, gpt.RequestsPerMinute)

	assert.Equal(t, "status", cat.Commands[0].Normalize().Name)
	assert.True(t, cat.Commands[1].ForceMirror)
	assert.True(t, cat.Commands[2].Requires.Has(CapabilityVision))
}

func TestParseCatalog_Errors(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseCatalog([]byte("providers:\n  - id: x\n    colour: red\n"))
		assert.Error(t, err)
	})

	t.Run("unknown capability", func(t *testing.T) {
		_, err := ParseCatalog([]byte("providers:\n  - id: x\n    capabilities: [mind_reading]\n"))
		assert.Error(t, err)
	})

	t.Run("empty document", func(t *testing.T) {
		cat, err := ParseCatalog(nil)
		require.NoError(t, err)
		assert.Empty(t, cat.Providers)
	})

	t.Run("json unknown field", func(t *testing.T) {
		_, err := ParseCatalogJSON([]byte(`{"providers":[],"extra":1}`))
		assert.Error(t, err)
	})
}

func TestCommandSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    CommandSpec
		wantErr bool
	}{
		{"local handler", CommandSpec{Name: "status", Handler: "status"}, false},
		{"mirror only", CommandSpec{Name: "review", ForceMirror: true}, false},
		{"leading digit", CommandSpec{Name: "1up"}, true},
		{"spaces", CommandSpec{Name: "two words"}, true},
		{"both targets", CommandSpec{Name: "x", Handler: "status", ForceMirror: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Normalize().Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleCatalog), 0o600))
	cat, err := FileSource{Path: yamlPath}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Providers, 2)

	jsonPath := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"providers":[{"id":"a","kind":"openai"}]}`), 0o600))
	cat, err = FileSource{Path: jsonPath}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", cat.Providers[0].ID)

	_, err = FileSource{Path: filepath.Join(dir, "missing.yaml")}.Load(context.Background())
	assert.Error(t, err)
}

func TestURLSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/registry.yaml":
			w.Write([]byte(sampleCatalog))
		case "/registry":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"providers":[{"id":"remote","kind":"anthropic"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cat, err := URLSource{URL: server.URL + "/registry.yaml"}.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Providers, 2)

	cat, err = URLSource{URL: server.URL + "/registry"}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remote", cat.Providers[0].ID)

	_, err = URLSource{URL: server.URL + "/gone"}.Load(context.Background())
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src, err := NewSource("registry.yaml", "")
	require.NoError(t, err)
	assert.Equal(t, "file:registry.yaml", src.String())

	src, err = NewSource("registry.yaml", "http://config/registry")
	require.NoError(t, err)
	assert.Equal(t, "url:http://config/registry", src.String())

	_, err = NewSource("", "")
	assert.Error(t, err)
}
