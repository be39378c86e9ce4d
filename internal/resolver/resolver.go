// internal/resolver/resolver.go
package resolver

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
)

// RuntimeJS is the shared page-side query runtime. Sibling packages layer
// their own helpers on top of it via BuildCall.
//
//go:embed query.js
var RuntimeJS string

// ErrNotFound reports that every resolution strategy, frame and shadow root
// was exhausted without a match. Session-level failures surface as distinct
// errors, never as ErrNotFound.
var ErrNotFound = errors.New("element not found")

const (
	// mainStrategyTimeout bounds each strategy's wait in the main document.
	mainStrategyTimeout = 2 * time.Second
	// frameSweepTimeout bounds the full strategy sweep inside one frame.
	frameSweepTimeout = 1 * time.Second
	// shadowSweepTimeout bounds the shadow-root descent.
	shadowSweepTimeout = 1 * time.Second
	pollEvery          = 100 * time.Millisecond
)

// EvalSession is the slice of a browser session the resolver needs.
type EvalSession interface {
	Evaluate(ctx context.Context, script string, out interface{}) error
}

// ResolvedElement is an opaque handle to one located element. It is only
// meaningful against the page state it was resolved from; callers re-resolve
// after every action instead of caching it.
type ResolvedElement struct {
	// Path is a unique CSS path within the innermost containing root.
	Path string `json:"path"`
	// Frames holds the CSS paths of the iframe elements from the top
	// document down, outermost first. Empty for main-document elements.
	Frames []string `json:"frames,omitempty"`
	// ShadowHosts holds the CSS paths of the shadow hosts descended through
	// to reach the element's root.
	ShadowHosts []string `json:"hosts,omitempty"`
	// Strategy names the resolution strategy that produced the match.
	Strategy string `json:"strategy"`
}

// ElementInfo is a geometry and readiness snapshot for a resolved element.
// Coordinates are top-document viewport space, frame offsets already applied.
type ElementInfo struct {
	Exists  bool    `json:"exists"`
	Visible bool    `json:"visible"`
	Enabled bool    `json:"enabled"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
	Tag     string  `json:"tag"`
}

// Interactable reports whether the element can receive input right now.
func (i *ElementInfo) Interactable() bool {
	return i != nil && i.Exists && i.Visible && i.Enabled
}

// Resolver locates elements for symbolic locators by trying an ordered list
// of resolution strategies across the main document, same-origin frames and
// shadow roots. Every probe evaluates from the top document, so the caller's
// frame context is never left switched.
type Resolver struct {
	session    EvalSession
	logger     *zap.Logger
	strategies []resolutionStrategy
}

// NewResolver builds a resolver bound to one browser session.
func NewResolver(session EvalSession, logger *zap.Logger) *Resolver {
	return &Resolver{
		session:    session,
		logger:     logger.Named("resolver"),
		strategies: defaultStrategies(),
	}
}

// jsHit mirrors the object shape the page runtime returns from a probe.
type jsHit struct {
	Found    bool     `json:"found"`
	Path     string   `json:"path"`
	Frames   []string `json:"frames"`
	Hosts    []string `json:"hosts"`
	Strategy string   `json:"strategy"`
}

// Resolve finds the first element matching the locator. Search order: main
// document strategy by strategy, then every same-origin frame in breadth
// order, then a shadow-DOM descent. Returns ErrNotFound only after all three
// levels exhaust.
func (r *Resolver) Resolve(ctx context.Context, loc schemas.Locator) (*ResolvedElement, error) {
	if strings.TrimSpace(loc.Value) == "" {
		return nil, ErrNotFound
	}

	specs := r.buildSpecs(loc)
	if len(specs) == 0 {
		return nil, ErrNotFound
	}

	// Level 1: main document, each strategy with its own bounded wait since
	// the element may still be appearing.
	for _, spec := range specs {
		hit, err := r.runProbe(ctx, "resolveFirst", spec, ms(mainStrategyTimeout), ms(pollEvery))
		if err != nil {
			return nil, err
		}
		if hit != nil {
			r.logger.Debug("Element resolved in main document.",
				zap.String("locator", loc.String()), zap.String("strategy", hit.Strategy))
			return hit, nil
		}
	}

	// Level 2: same-origin frames in breadth order, full sweep per frame
	// with a shorter budget.
	chains, err := r.listFrameChains(ctx)
	if err != nil {
		return nil, err
	}
	for _, chain := range chains {
		hit, err := r.runProbe(ctx, "resolveInFrame", chain, specs, ms(frameSweepTimeout), ms(pollEvery))
		if err != nil {
			return nil, err
		}
		if hit != nil {
			r.logger.Debug("Element resolved inside frame.",
				zap.String("locator", loc.String()), zap.Strings("frames", hit.Frames), zap.String("strategy", hit.Strategy))
			return hit, nil
		}
	}

	// Level 3: shadow DOM descent from the top document.
	hit, err := r.runProbe(ctx, "resolveDeep", specs, ms(shadowSweepTimeout), ms(pollEvery))
	if err != nil {
		return nil, err
	}
	if hit != nil {
		r.logger.Debug("Element resolved inside shadow DOM.",
			zap.String("locator", loc.String()), zap.Strings("hosts", hit.ShadowHosts), zap.String("strategy", hit.Strategy))
		return hit, nil
	}

	r.logger.Debug("Locator exhausted all resolution levels.", zap.String("locator", loc.String()))
	return nil, ErrNotFound
}

// Describe reports existence, visibility and geometry for a previously
// resolved element without mutating the page. A missing element comes back
// with Exists=false rather than an error.
func (r *Resolver) Describe(ctx context.Context, el *ResolvedElement) (*ElementInfo, error) {
	script, err := BuildCall("", "describe", el.Frames, el.ShadowHosts, el.Path)
	if err != nil {
		return nil, err
	}
	var info ElementInfo
	if err := r.session.Evaluate(ctx, script, &info); err != nil {
		return nil, fmt.Errorf("element describe failed: %w", err)
	}
	return &info, nil
}

func (r *Resolver) runProbe(ctx context.Context, fn string, args ...interface{}) (*ResolvedElement, error) {
	script, err := BuildCall("", fn, args...)
	if err != nil {
		return nil, err
	}
	var hit jsHit
	if err := r.session.Evaluate(ctx, script, &hit); err != nil {
		return nil, fmt.Errorf("resolution probe %s failed: %w", fn, err)
	}
	if !hit.Found {
		return nil, nil
	}
	return &ResolvedElement{
		Path:        hit.Path,
		Frames:      hit.Frames,
		ShadowHosts: hit.Hosts,
		Strategy:    hit.Strategy,
	}, nil
}

func (r *Resolver) listFrameChains(ctx context.Context) ([][]string, error) {
	script, err := BuildCall("", "listFrameChains")
	if err != nil {
		return nil, err
	}
	var chains [][]string
	if err := r.session.Evaluate(ctx, script, &chains); err != nil {
		return nil, fmt.Errorf("frame enumeration failed: %w", err)
	}
	return chains, nil
}

// BuildCall composes a self-contained IIFE that loads the shared page runtime
// plus any extra helper source, then invokes fn with JSON-encoded arguments.
func BuildCall(extraJS, fn string, args ...interface{}) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("failed to encode argument %d for %s: %w", i, fn, err)
		}
		encoded[i] = string(b)
	}

	var sb strings.Builder
	sb.WriteString("(function() {\n\"use strict\";\n")
	sb.WriteString(RuntimeJS)
	if extraJS != "" {
		sb.WriteString("\n")
		sb.WriteString(extraJS)
	}
	fmt.Fprintf(&sb, "\nreturn %s(%s);\n})()", fn, strings.Join(encoded, ", "))
	return sb.String(), nil
}

func ms(d time.Duration) int64 {
	return d.Milliseconds()
}
