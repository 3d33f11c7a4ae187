package llm

import (
	"fmt"

	"github.com/heysme/heysme-server/internal/config"
)

// New returns the provider selected by cfg, or ErrNotConfigured when the
// provider has no API key.
func New(cfg config.LLMConfig) (Provider, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, ErrNotConfigured
	}
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(key, cfg.Model, cfg.MaxTokens), nil
	case config.ProviderOpenAI:
		return NewOpenAI(key, cfg.Model, cfg.MaxTokens), nil
	case config.ProviderGroq:
		return NewGroq(key, cfg.Model, cfg.MaxTokens), nil
	case config.ProviderGemini:
		return NewGemini(key, cfg.Model, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
