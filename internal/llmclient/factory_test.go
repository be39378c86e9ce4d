package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
)

// -- Test Cases: Factory Initialization (NewClient) --

// Verifies that the factory correctly initializes the LLMRouter by looking up configurations from the map.
func TestNewClient_Success_RouterInitialization(t *testing.T) {
	logger := setupTestLogger(t)
	ctx := context.Background()

	fastConfig := getValidLLMConfig()
	fastConfig.Model = "gemini-flash"
	fastConfig.APIKey = "key-fast"

	powerfulConfig := getValidLLMConfig()
	powerfulConfig.Model = "gemini-pro"
	powerfulConfig.APIKey = "key-powerful"

	const fastName = "FastAlias"
	const powerfulName = "PowerfulAlias"

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     fastName,
		DefaultPowerfulModel: powerfulName,
		Models: map[string]config.LLMModelConfig{
			fastName:     fastConfig,
			powerfulName: powerfulConfig,
		},
	}

	client, err := NewClient(ctx, cfg, nil, logger)

	require.NoError(t, err, "NewClient should succeed for a valid configuration")
	require.NotNil(t, client)
	t.Cleanup(func() { client.Close() })

	router, ok := client.(*LLMRouter)
	require.True(t, ok, "The created client should be of type *LLMRouter")

	// White box: verify the underlying clients were created and configured.
	fastClient, okFast := router.clients[schemas.TierFast].(*GeminiClient)
	require.True(t, okFast, "Fast client should be an instance of *GeminiClient")
	assert.Equal(t, "gemini-flash", fastClient.config.Model)
	assert.Equal(t, "key-fast", fastClient.config.APIKey)

	powerfulClient, okPowerful := router.clients[schemas.TierPowerful].(*GeminiClient)
	require.True(t, okPowerful, "Powerful client should be an instance of *GeminiClient")
	assert.Equal(t, "gemini-pro", powerfulClient.config.Model)
	assert.Equal(t, "key-powerful", powerfulClient.config.APIKey)
}

// Verifies both tiers share one client when they name the same model.
func TestNewClient_SharedClientForMatchingTiers(t *testing.T) {
	logger := setupTestLogger(t)
	const name = "OnlyModel"

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     name,
		DefaultPowerfulModel: name,
		Models:               map[string]config.LLMModelConfig{name: getValidLLMConfig()},
	}

	client, err := NewClient(context.Background(), cfg, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	router, ok := client.(*LLMRouter)
	require.True(t, ok)
	assert.Same(t, router.clients[schemas.TierFast], router.clients[schemas.TierPowerful])
}

// Verifies the robustness check against missing default model names or missing entries in the map.
func TestNewClient_Failure_MissingConfiguration(t *testing.T) {
	logger := setupTestLogger(t)
	ctx := context.Background()
	validConfig := getValidLLMConfig()
	const validName = "ValidModel"

	tests := []struct {
		name          string
		routerConfig  config.LLMRouterConfig
		expectedError string
	}{
		{
			name: "Missing DefaultFastModel Name",
			routerConfig: config.LLMRouterConfig{
				DefaultPowerfulModel: validName,
				Models:               map[string]config.LLMModelConfig{validName: validConfig},
			},
			expectedError: "default_fast_model is not specified",
		},
		{
			name: "Missing DefaultPowerfulModel Name",
			routerConfig: config.LLMRouterConfig{
				DefaultFastModel: validName,
				Models:           map[string]config.LLMModelConfig{validName: validConfig},
			},
			expectedError: "default_powerful_model is not specified",
		},
		{
			name: "DefaultFastModel Not Found in Map",
			routerConfig: config.LLMRouterConfig{
				DefaultFastModel:     "MissingModel",
				DefaultPowerfulModel: validName,
				Models:               map[string]config.LLMModelConfig{validName: validConfig},
			},
			expectedError: `default_fast_model "MissingModel" not found in the models map`,
		},
		{
			name: "DefaultPowerfulModel Not Found in Map",
			routerConfig: config.LLMRouterConfig{
				DefaultFastModel:     validName,
				DefaultPowerfulModel: "MissingModel",
				Models:               map[string]config.LLMModelConfig{validName: validConfig},
			},
			expectedError: `default_powerful_model "MissingModel" not found in the models map`,
		},
		{
			name:          "Empty Router Config",
			routerConfig:  config.LLMRouterConfig{},
			expectedError: "default_fast_model is not specified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(ctx, tt.routerConfig, nil, logger)
			assert.Error(t, err)
			assert.Nil(t, client)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

// Verifies that the factory propagates errors from the specific client's constructor.
func TestNewClient_Failure_ProviderInitializationError(t *testing.T) {
	logger := setupTestLogger(t)

	invalidConfig := getValidLLMConfig()
	invalidConfig.APIKey = "" // Missing key fails NewGeminiClient.

	const invalidName = "InvalidConfig"
	const validName = "ValidConfig"

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     invalidName,
		DefaultPowerfulModel: validName,
		Models: map[string]config.LLMModelConfig{
			invalidName: invalidConfig,
			validName:   getValidLLMConfig(),
		},
	}

	client, err := NewClient(context.Background(), cfg, nil, logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), `failed to initialize fast tier LLM client (model "InvalidConfig")`)
	assert.Contains(t, err.Error(), "Gemini API key is required")
}

// Verifies the factory returns an error for unknown providers in any tier.
func TestNewClient_Failure_UnsupportedProvider(t *testing.T) {
	logger := setupTestLogger(t)

	unsupportedConfig := getValidLLMConfig()
	unsupportedConfig.Provider = "unsupported-provider-xyz"

	const validName = "Valid"
	const unsupportedName = "Unsupported"

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     validName,
		DefaultPowerfulModel: unsupportedName,
		Models: map[string]config.LLMModelConfig{
			validName:       getValidLLMConfig(),
			unsupportedName: unsupportedConfig,
		},
	}

	client, err := NewClient(context.Background(), cfg, nil, logger)

	assert.Error(t, err, "NewClient should fail for an unsupported provider")
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), `failed to initialize powerful tier LLM client (model "Unsupported")`)
	assert.Contains(t, err.Error(), `unknown or unsupported LLM provider configured: "unsupported-provider-xyz"`)
	// The error message should guide the user by listing supported options.
	assert.Contains(t, err.Error(), string(config.ProviderGemini))
	assert.Contains(t, err.Error(), string(config.ProviderGenAI))
}

// Verifies reserved providers are rejected until a client lands.
func TestNewClient_Failure_ReservedProvider(t *testing.T) {
	logger := setupTestLogger(t)

	reservedConfig := getValidLLMConfig()
	reservedConfig.Provider = config.ProviderAnthropic

	const name = "Reserved"
	cfg := config.LLMRouterConfig{
		DefaultFastModel:     name,
		DefaultPowerfulModel: name,
		Models:               map[string]config.LLMModelConfig{name: reservedConfig},
	}

	client, err := NewClient(context.Background(), cfg, nil, logger)

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "reserved but not implemented")
}

// Verifies the factory returns an error if a model is defined but missing the provider field.
func TestNewClient_Failure_MissingProviderField(t *testing.T) {
	logger := setupTestLogger(t)

	missingProviderConfig := getValidLLMConfig()
	missingProviderConfig.Provider = ""

	const missingName = "MissingProvider"
	const validName = "Valid"

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     missingName,
		DefaultPowerfulModel: validName,
		Models: map[string]config.LLMModelConfig{
			validName:   getValidLLMConfig(),
			missingName: missingProviderConfig,
		},
	}

	client, err := NewClient(context.Background(), cfg, nil, logger)

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), `failed to initialize fast tier LLM client (model "MissingProvider")`)
	assert.Contains(t, err.Error(), "LLM provider is not specified in the model configuration")
}
