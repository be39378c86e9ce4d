// Package llmclient provides the LLM provider bindings and the tier
// router the pipeline generates text through.
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

// NewClient builds the tier router from the configured model map. When
// both tiers name the same model the underlying client is shared.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, metrics *observability.Collector, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.DefaultFastModel == "" {
		return nil, fmt.Errorf("configuration error: default_fast_model is not specified")
	}
	if cfg.DefaultPowerfulModel == "" {
		return nil, fmt.Errorf("configuration error: default_powerful_model is not specified")
	}

	fastCfg, ok := cfg.Models[cfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("configuration error: default_fast_model %q not found in the models map", cfg.DefaultFastModel)
	}
	powerfulCfg, ok := cfg.Models[cfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("configuration error: default_powerful_model %q not found in the models map", cfg.DefaultPowerfulModel)
	}

	logger = logger.Named("llmclient")

	fast, err := newTierClient(ctx, fastCfg, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fast tier LLM client (model %q): %w", cfg.DefaultFastModel, err)
	}

	powerful := fast
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		powerful, err = newTierClient(ctx, powerfulCfg, metrics, logger)
		if err != nil {
			fast.Close()
			return nil, fmt.Errorf("failed to initialize powerful tier LLM client (model %q): %w", cfg.DefaultPowerfulModel, err)
		}
	}

	return NewLLMRouter(logger, fast, powerful)
}

func newTierClient(ctx context.Context, cfg config.LLMModelConfig, metrics *observability.Collector, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case "":
		return nil, fmt.Errorf("LLM provider is not specified in the model configuration")
	case config.ProviderGemini:
		return NewGeminiClient(cfg, metrics, logger)
	case config.ProviderGenAI:
		return NewGenAIClient(ctx, cfg, metrics, logger)
	case config.ProviderOpenAI, config.ProviderAnthropic:
		return nil, fmt.Errorf("LLM provider %q is reserved but not implemented; supported: [%s %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGenAI)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q; supported: [%s %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGenAI)
	}
}
