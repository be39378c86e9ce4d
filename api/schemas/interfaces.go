package schemas

import (
	"context"
	"time"
)

// -- Browser Session Interface --

// LoadState names a page readiness level for WaitForLoadState.
type LoadState string

const (
	// LoadNetworkIdle waits until the network has been quiet for a beat.
	LoadNetworkIdle LoadState = "networkidle"
	// LoadDOMContentLoaded waits for the DOM-ready event only.
	LoadDOMContentLoaded LoadState = "domcontentloaded"
)

// BrowserSession is the surface the workflow pipeline needs from a live
// browser tab. One session is owned by exactly one workflow at a time;
// sessions are never shared across concurrent workflows.
//
// Navigate requests network-idle readiness first and degrades to
// DOM-content-loaded when the idle wait times out.
type BrowserSession interface {
	ID() string                                                        // Unique session id.
	Navigate(ctx context.Context, url string) error                    // Loads a URL.
	Click(ctx context.Context, selector string) error                  // Clicks the first selector match.
	Type(ctx context.Context, selector, text string) error             // Types into the first selector match.
	Screenshot(ctx context.Context, app, task string, step int) (string, error) // Captures a PNG, returns its path.
	URL(ctx context.Context) (string, error)                           // Current page URL.
	Text(ctx context.Context, selector string) (string, error)         // Visible text of a selector.
	HTML(ctx context.Context) (string, error)                          // Serialized outer HTML of the document.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	Close(ctx context.Context) error
}

// -- LLM Client Schemas & Interface --

// ModelTier selects a model by preference for speed versus capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // More capable, potentially slower model.
)

// GenerationOptions controls the text generation process.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Randomness; lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // Force the model to emit valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest is one complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts a large language model provider. Replies are opaque
// text; callers own the parsing and must tolerate free-form output.
type LLMClient interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases client resources.
	Close() error
}
