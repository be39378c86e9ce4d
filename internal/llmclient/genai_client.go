package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

// GenAIClient is the official Google GenAI SDK binding. It shares the
// retry taxonomy of the REST client: 429/500/503 and transport errors
// are retried, every other API error is permanent.
type GenAIClient struct {
	client         *genai.Client
	limiter        *rate.Limiter
	metrics        *observability.Collector
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*GenAIClient)(nil)

// NewGenAIClient initializes the SDK-backed client. metrics may be nil.
func NewGenAIClient(ctx context.Context, cfg config.LLMModelConfig, metrics *observability.Collector, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GenAI SDK client: %w", err)
	}

	return &GenAIClient{
		client:         client,
		config:         cfg,
		limiter:        newRequestLimiter(cfg.RequestsPerMinute),
		metrics:        metrics,
		logger:         logger.Named("genai"),
		backoffFactory: defaultBackoffFactory,
	}, nil
}

// Generate produces a completion through the SDK with the same retry
// behavior as the REST client.
func (c *GenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genConfig := c.buildGenerateConfig(req)

	var responseContent string

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, genai.Text(req.UserPrompt), genConfig)
		duration := time.Since(startTime)
		c.metrics.RecordLLMRequest("genai", c.config.Model, err, duration)

		if err != nil {
			return c.classifyError(err)
		}

		text := resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("genai API returned no text content"))
		}

		c.logger.Info("LLM generation complete (GenAI)",
			zap.Duration("duration", duration),
			zap.String("model", c.config.Model),
		)
		responseContent = text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}

	return responseContent, nil
}

// Close is a no-op; the SDK client holds no closable resources.
func (c *GenAIClient) Close() error {
	return nil
}

func (c *GenAIClient) buildGenerateConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	topP := float64(c.config.TopP)
	if req.Options.TopP > 0 {
		topP = req.Options.TopP
	}
	if topP > 0 {
		out.TopP = genai.Ptr(float32(topP))
	}

	topK := c.config.TopK
	if req.Options.TopK > 0 {
		topK = req.Options.TopK
	}
	if topK > 0 {
		out.TopK = genai.Ptr(float32(topK))
	}

	if c.config.MaxTokens > 0 {
		out.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		out.ResponseMIMEType = "application/json"
	}
	return out
}

// classifyError maps SDK errors onto the retry taxonomy. Errors that do
// not carry an API status are transport level and stay retryable.
func (c *GenAIClient) classifyError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
		return err
	}

	c.logger.Error("GenAI API returned error status",
		zap.Int("status", apiErr.Code),
		zap.String("message", apiErr.Message),
	)
	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}
