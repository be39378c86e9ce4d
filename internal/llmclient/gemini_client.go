package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

const defaultAPITimeout = 60 * time.Second

// GeminiClient talks to the Gemini REST API directly. Transient API
// errors (429/500/503) and network errors are retried with exponential
// backoff; everything else fails the call immediately.
type GeminiClient struct {
	apiKey         string
	endpoint       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	metrics        *observability.Collector
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*GeminiClient)(nil)

// -- Gemini API request/response structures --

type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type GeminiPart struct {
	Text string `json:"text"`
}

type GeminiSystemInstruction struct {
	Parts []GeminiPart `json:"parts"`
}

type GeminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	TopP             float32 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type GeminiRequestPayload struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  GeminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type GeminiResponsePayload struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client. metrics may be nil.
func NewGeminiClient(cfg config.LLMModelConfig, metrics *observability.Collector, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	return &GeminiClient{
		apiKey:         cfg.APIKey,
		endpoint:       endpoint,
		config:         cfg,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        newRequestLimiter(cfg.RequestsPerMinute),
		metrics:        metrics,
		logger:         logger.Named("gemini"),
		backoffFactory: defaultBackoffFactory,
	}, nil
}

func defaultBackoffFactory() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// newRequestLimiter converts a requests-per-minute budget into a
// limiter. A non-positive budget disables limiting.
func newRequestLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}

// Generate sends the prompts to the Gemini API and returns the generated
// content, retrying transient failures under a capped elapsed time.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	payload := c.buildRequestPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var responseContent string

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)
		c.metrics.RecordLLMRequest("gemini", c.config.Model, err, duration)

		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload GeminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		c.logger.Info("LLM generation complete (Gemini)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount),
			zap.Int("total_tokens", responsePayload.UsageMetadata.TotalTokenCount),
		)

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}

	return responseContent, nil
}

// Close releases idle transport connections.
func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) GeminiRequestPayload {
	genConfig := GeminiGenerationConfig{
		Temperature:     req.Options.Temperature,
		TopP:            c.config.TopP,
		TopK:            c.config.TopK,
		MaxOutputTokens: c.config.MaxTokens,
	}
	if req.Options.TopP > 0 {
		genConfig.TopP = float32(req.Options.TopP)
	}
	if req.Options.TopK > 0 {
		genConfig.TopK = req.Options.TopK
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMimeType = "application/json"
	}

	return GeminiRequestPayload{
		Contents: []GeminiContent{
			{
				Role:  "user",
				Parts: []GeminiPart{{Text: req.UserPrompt}},
			},
		},
		SystemInstruction: &GeminiSystemInstruction{
			Parts: []GeminiPart{{Text: req.SystemPrompt}},
		},
		GenerationConfig: genConfig,
	}
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}
