// Package registry holds the immutable capability descriptors and answers
// lookup, filter and summary queries. The registry is populated at startup
// and frozen; runtime mutation is not part of the contract.
package registry

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/capgrid/gateway/internal/core"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Tag  string
	Mode core.ExecutionMode
}

// Summary aggregates the registered set for the discovery surface.
type Summary struct {
	Total             int            `json:"total"`
	PublicCount       int            `json:"public_count"`
	ConfidentialCount int            `json:"confidential_count"`
	ByTag             map[string]int `json:"by_tag"`
	DeprecatedCount   int            `json:"deprecated_count"`
}

// Registry is the frozen-after-startup capability catalog.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*core.CapabilityDescriptor
	frozen bool
	logger *log.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		caps:   make(map[string]*core.CapabilityDescriptor),
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Register adds a descriptor. Duplicate ids and registration after Freeze
// are configuration errors.
func (r *Registry) Register(desc *core.CapabilityDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s", desc.ID)
	}
	if _, exists := r.caps[desc.ID]; exists {
		return fmt.Errorf("duplicate capability id %s", desc.ID)
	}

	r.caps[desc.ID] = desc
	r.logger.Printf("Registered capability %s (mode=%s, tags=%v)",
		desc.ID, desc.Execution.Mode, desc.Metadata.Tags)
	return nil
}

// Freeze locks the registry. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	r.logger.Printf("Registry frozen with %d capabilities", len(r.caps))
}

// Get returns the descriptor for an id, or nil.
func (r *Registry) Get(id string) *core.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[id]
}

// List returns descriptors matching the filter.
func (r *Registry) List(f Filter) []*core.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*core.CapabilityDescriptor, 0, len(r.caps))
	for _, d := range r.caps {
		if f.Tag != "" && !d.HasTag(f.Tag) {
			continue
		}
		if f.Mode != "" && d.Execution.Mode != f.Mode {
			continue
		}
		result = append(result, d)
	}
	return result
}

// Summary aggregates counts over the full set.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{ByTag: make(map[string]int)}
	for _, d := range r.caps {
		s.Total++
		switch d.Execution.Mode {
		case core.ModePublic:
			s.PublicCount++
		case core.ModeConfidential:
			s.ConfidentialCount++
		}
		if d.Deprecated {
			s.DeprecatedCount++
		}
		for _, tag := range d.Metadata.Tags {
			s.ByTag[tag]++
		}
	}
	return s
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// manifest is the YAML shape of a descriptor file.
type manifest struct {
	Capabilities []manifestEntry `yaml:"capabilities"`
}

type manifestEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Mode        string   `yaml:"mode"`
	Executor    string   `yaml:"executor_hint"`
	ProofType   string   `yaml:"proof_type"`
	CostHint    float64  `yaml:"cost_hint"`
	Currency    string   `yaml:"currency"`
	Latency     string   `yaml:"latency_hint"`
	Reliability float64  `yaml:"reliability_hint"`
	Composable  bool     `yaml:"composable"`
	Tags        []string `yaml:"tags"`
	Deprecated  bool     `yaml:"deprecated"`
}

// LoadManifest registers every capability listed in a YAML manifest file.
func (r *Registry) LoadManifest(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var m manifest
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}

	for _, e := range m.Capabilities {
		desc := &core.CapabilityDescriptor{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Version:     e.Version,
			Execution: core.Execution{
				Mode:         core.ExecutionMode(e.Mode),
				ExecutorHint: e.Executor,
				ProofType:    e.ProofType,
			},
			Economics: core.Economics{CostHint: e.CostHint, Currency: e.Currency},
			Performance: core.Performance{
				LatencyHint:     core.LatencyHint(e.Latency),
				ReliabilityHint: e.Reliability,
			},
			Composable: e.Composable,
			Metadata:   core.DescriptorMetadata{Tags: e.Tags},
			Deprecated: e.Deprecated,
		}
		if desc.Performance.LatencyHint == "" {
			desc.Performance.LatencyHint = core.LatencyMedium
		}
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}
