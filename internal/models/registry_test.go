package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLoadsEmbeddedCatalog(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	m, ok := r.Lookup("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, ProviderAnthropic, m.Provider)
	assert.Equal(t, 200000, m.ContextWindow)
}

func TestContextWindowFallback(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, 200000, r.ContextWindow("claude-opus-4"))
	assert.Equal(t, fallbackContextWindow, r.ContextWindow("made-up-model"))
}

func TestCostRates(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	in, out := r.CostRates("claude-sonnet-4")
	assert.Equal(t, 3.0, in)
	assert.Equal(t, 15.0, out)

	in, out = r.CostRates("made-up-model")
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestProviderClassification(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, r.ProviderFor("gpt-4o"))
	assert.Equal(t, ProviderGoogle, r.ProviderFor("gemini-2.5-pro"))

	// Prefix heuristics for uncatalogued models.
	assert.Equal(t, ProviderAnthropic, r.ProviderFor("claude-next-experimental"))
	assert.Equal(t, ProviderOpenAI, r.ProviderFor("o4-mini"))
	assert.Equal(t, ProviderUnknown, r.ProviderFor("llama-3"))
}
