// Package models holds the model registry: context-window limits and
// provider classification for every model the server will talk to.
package models

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var catalogYAML []byte

// Provider classifies which API a model is served by.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderUnknown   Provider = "unknown"
)

// fallbackContextWindow applies to models missing from the catalog.
const fallbackContextWindow = 128000

// Model is one registry entry. Cost rates are USD per million tokens.
type Model struct {
	ID                string   `yaml:"id"`
	Provider          Provider `yaml:"provider"`
	ContextWindow     int      `yaml:"context_window"`
	MaxOutputTokens   int      `yaml:"max_output_tokens"`
	InputCostPerMTok  float64  `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64  `yaml:"output_cost_per_mtok"`
}

type catalog struct {
	Models []Model `yaml:"models"`
}

// Registry resolves model ids to their capabilities.
type Registry struct {
	byID map[string]Model
}

// NewRegistry loads the embedded catalog.
func NewRegistry() (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(catalogYAML, &c); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	r := &Registry{byID: make(map[string]Model, len(c.Models))}
	for _, m := range c.Models {
		r.byID[m.ID] = m
	}
	return r, nil
}

// Lookup returns the entry for a model id when the catalog has it.
func (r *Registry) Lookup(id string) (Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// ContextWindow returns the model's context window, with a conservative
// fallback for models the catalog does not list.
func (r *Registry) ContextWindow(id string) int {
	if m, ok := r.byID[id]; ok && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return fallbackContextWindow
}

// CostRates returns the model's input and output USD rates per million
// tokens. Unknown models report zero rates.
func (r *Registry) CostRates(id string) (input, output float64) {
	if m, ok := r.byID[id]; ok {
		return m.InputCostPerMTok, m.OutputCostPerMTok
	}
	return 0, 0
}

// ProviderFor classifies a model id, falling back to name-prefix heuristics
// for models outside the catalog.
func (r *Registry) ProviderFor(id string) Provider {
	if m, ok := r.byID[id]; ok && m.Provider != "" {
		return m.Provider
	}
	return providerByPrefix(id)
}

func providerByPrefix(id string) Provider {
	switch {
	case strings.HasPrefix(id, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(id, "gpt"), strings.HasPrefix(id, "o1"),
		strings.HasPrefix(id, "o3"), strings.HasPrefix(id, "o4"):
		return ProviderOpenAI
	case strings.HasPrefix(id, "gemini"):
		return ProviderGoogle
	}
	return ProviderUnknown
}
