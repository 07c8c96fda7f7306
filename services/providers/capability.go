package providers

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability is a single feature a provider may declare support for
type Capability uint32

const (
	CapabilityChat Capability = 1 << iota
	CapabilityTools
	CapabilityStreaming
	CapabilityVision
	CapabilityJSONMode
	CapabilityLongContext
	CapabilityCodeReview
	CapabilityFileOps
	CapabilityShell
	CapabilityWebSearch
)

var capabilityNames = map[Capability]string{
	CapabilityChat:        "chat",
	CapabilityTools:       "tools",
	CapabilityStreaming:   "streaming",
	CapabilityVision:      "vision",
	CapabilityJSONMode:    "json_mode",
	CapabilityLongContext: "long_context",
	CapabilityCodeReview:  "code_review",
	CapabilityFileOps:     "file_ops",
	CapabilityShell:       "shell",
	CapabilityWebSearch:   "web_search",
}

var capabilityByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, name := range capabilityNames {
		m[name] = c
	}
	return m
}()

// String returns the tag name of the capability
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint32(c))
}

// ParseCapability resolves a tag name, case-insensitively
func ParseCapability(name string) (Capability, error) {
	c, ok := capabilityByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// CapabilitySet is a set of capabilities backed by a bit mask
type CapabilitySet uint32

// NewCapabilitySet builds a set from individual capabilities
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// ParseCapabilitySet builds a set from tag names
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, name := range names {
		c, err := ParseCapability(name)
		if err != nil {
			return 0, err
		}
		s |= CapabilitySet(c)
	}
	return s, nil
}

// Has reports whether c is in the set
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// Contains reports whether every capability of other is also in s
func (s CapabilitySet) Contains(other CapabilitySet) bool {
	return s&other == other
}

// Union returns the capabilities present in either set
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	return s | other
}

// Missing returns the capabilities of required that s lacks
func (s CapabilitySet) Missing(required CapabilitySet) CapabilitySet {
	return required &^ s
}

// Len returns the number of capabilities in the set
func (s CapabilitySet) Len() int {
	return bits.OnesCount32(uint32(s))
}

// IsEmpty reports whether the set has no capabilities
func (s CapabilitySet) IsEmpty() bool {
	return s == 0
}

// Names returns the sorted tag names in the set
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, s.Len())
	for c, name := range capabilityNames {
		if s.Has(c) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s CapabilitySet) String() string {
	return "[" + strings.Join(s.Names(), ",") + "]"
}

// MarshalJSON encodes the set as a list of tag names
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a list of tag names
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML decodes a sequence of tag names
func (s *CapabilitySet) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the set as a sequence of tag names
func (s CapabilitySet) MarshalYAML() (interface{}, error) {
	return s.Names(), nil
}
