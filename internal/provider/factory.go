package provider

import (
	"fmt"

	"github.com/strand-dev/strand/internal/common/config"
	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/models"
)

// Factory selects the provider adapter for a model. Adapters are built once
// and shared; they are stateless between streams.
type Factory struct {
	registry *models.Registry
	logger   *logger.Logger

	anthropic *Anthropic

	// Override, when set, is returned for every model. Tests and the dev
	// loop install a Scripted provider here.
	Override Provider
}

// NewFactory wires adapters from the configured API keys.
func NewFactory(registry *models.Registry, cfg config.ProvidersConfig, log *logger.Logger) *Factory {
	f := &Factory{registry: registry, logger: log}
	if cfg.AnthropicAPIKey != "" {
		f.anthropic = NewAnthropic(cfg.AnthropicAPIKey, "", log)
	}
	return f
}

// ForModel returns the adapter serving the model's provider.
func (f *Factory) ForModel(model string) (Provider, error) {
	if f.Override != nil {
		return f.Override, nil
	}
	switch p := f.registry.ProviderFor(model); p {
	case models.ProviderAnthropic:
		if f.anthropic == nil {
			return nil, fmt.Errorf("%w: anthropic (set ANTHROPIC_API_KEY)", ErrNotConfigured)
		}
		return f.anthropic, nil
	case models.ProviderOpenAI, models.ProviderGoogle:
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, p)
	default:
		return nil, fmt.Errorf("unknown provider for model %q", model)
	}
}
