package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
)

// LLMRouter dispatches requests to a tier-specific client. It satisfies
// the client interface itself so callers stay tier-agnostic.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

var _ schemas.LLMClient = (*LLMRouter)(nil)

// NewLLMRouter creates a router with the given clients per tier. The
// same client may serve both tiers.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	return &LLMRouter{
		logger: logger.Named("router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
	}, nil
}

// Generate selects the client for the request's tier. An unset tier
// defaults to the powerful one.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes each distinct underlying client once.
func (r *LLMRouter) Close() error {
	closed := make(map[schemas.LLMClient]bool, len(r.clients))
	var errs []error
	for _, client := range r.clients {
		if closed[client] {
			continue
		}
		closed[client] = true
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
