package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var commandNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// CommandSpec maps a command name to a local handler, or marks it for the mirror
type CommandSpec struct {
	Name        string        `yaml:"name" json:"name"`
	Handler     string        `yaml:"handler" json:"handler,omitempty"`
	ForceMirror bool          `yaml:"force_mirror" json:"force_mirror"`
	Requires    CapabilitySet `yaml:"requires" json:"requires,omitempty"`
	Usage       string        `yaml:"usage" json:"usage,omitempty"`
	Help        string        `yaml:"help" json:"help,omitempty"`
}

// Normalize lowercases the name and drops a leading slash
func (c CommandSpec) Normalize() CommandSpec {
	c.Name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
	c.Handler = strings.ToLower(strings.TrimSpace(c.Handler))
	return c
}

// Validate checks a single command spec in isolation
func (c CommandSpec) Validate() error {
	if !commandNamePattern.MatchString(c.Name) {
		return fmt.Errorf("command %q: invalid name", c.Name)
	}
	if c.Handler != "" && c.ForceMirror {
		return fmt.Errorf("command %s: handler and force_mirror are mutually exclusive", c.Name)
	}
	return nil
}

// Catalog is the content of a registry file: provider descriptors and command specs
type Catalog struct {
	Providers []Descriptor  `yaml:"providers" json:"providers"`
	Commands  []CommandSpec `yaml:"commands" json:"commands"`
}

// Source supplies a catalog for a registry reload
type Source interface {
	Load(ctx context.Context) (*Catalog, error)
	String() string
}

// ParseCatalog decodes a YAML catalog, rejecting unknown fields
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		if err == io.EOF {
			return &cat, nil
		}
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &cat, nil
}

// ParseCatalogJSON decodes a JSON catalog, rejecting unknown fields
func ParseCatalogJSON(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &cat, nil
}

func parseByName(name string, data []byte) (*Catalog, error) {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		return ParseCatalogJSON(data)
	}
	return ParseCatalog(data)
}

// FileSource reads a catalog from a local YAML or JSON file
type FileSource struct {
	Path string
}

// Load reads and parses the file
func (s FileSource) Load(ctx context.Context) (*Catalog, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return parseByName(s.Path, data)
}

func (s FileSource) String() string { return "file:" + s.Path }

// URLSource fetches a catalog over HTTP
type URLSource struct {
	URL    string
	Client *http.Client
}

// Load fetches and parses the document
func (s URLSource) Load(ctx context.Context) (*Catalog, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch registry: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read registry body: %w", err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return ParseCatalogJSON(data)
	}
	return parseByName(req.URL.Path, data)
}

func (s URLSource) String() string { return "url:" + s.URL }

// StaticSource serves an in-memory catalog
type StaticSource struct {
	Catalog Catalog
	Name    string
}

// Load returns a copy of the catalog
func (s StaticSource) Load(context.Context) (*Catalog, error) {
	cat := Catalog{
		Providers: append([]Descriptor(nil), s.Catalog.Providers...),
		Commands:  append([]CommandSpec(nil), s.Catalog.Commands...),
	}
	return &cat, nil
}

func (s StaticSource) String() string {
	if s.Name != "" {
		return "static:" + s.Name
	}
	return "static"
}

// NewSource picks a URL source when rawURL is set, else a file source
func NewSource(path, rawURL string) (Source, error) {
	switch {
	case rawURL != "":
		return URLSource{URL: rawURL}, nil
	case path != "":
		return FileSource{Path: path}, nil
	default:
		return nil, fmt.Errorf("registry source is not configured")
	}
}
