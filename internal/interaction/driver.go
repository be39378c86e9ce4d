// internal/interaction/driver.go
package interaction

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/resolver"
)

//go:embed actions.js
var actionsJS string

var (
	// ErrStale reports that a resolved element vanished between resolution
	// and the action. Recovered locally by re-resolving.
	ErrStale = errors.New("element went stale")
	// ErrNotInteractable reports an element that exists but cannot take
	// input yet. Recovered locally by waiting and retrying.
	ErrNotInteractable = errors.New("element not interactable")
	// ErrActionFailed reports a page-side action that ran but did not take
	// effect. Recovered locally by retrying.
	ErrActionFailed = errors.New("interaction action failed")
	// ErrExhausted wraps the last failure once the retry budget is spent.
	ErrExhausted = errors.New("interaction attempts exhausted")
)

const (
	// headerOffset compensates for fixed page headers after centering.
	headerOffset = -100
	// settlePause lets scroll and animation finish before acting.
	settlePause = 150 * time.Millisecond
	// elementReadyTimeout bounds the wait for an element to become usable.
	elementReadyTimeout = 3 * time.Second
	// networkQuietAge is how recently the wire must have been silent for the
	// document to count as ready.
	networkQuietAge = 1 * time.Second
	pollInterval    = 100 * time.Millisecond
)

// InteractionSession is the slice of the browser session the driver needs.
type InteractionSession interface {
	Evaluate(ctx context.Context, script string, out interface{}) error
	DispatchMouseClick(ctx context.Context, x, y float64) error
	DispatchMouseMove(ctx context.Context, x, y float64) error
	TypeKeys(ctx context.Context, text string, delay time.Duration) error
	WaitNetworkQuiet(ctx context.Context, quiet time.Duration) error
}

// ElementResolver locates elements and reports their state.
type ElementResolver interface {
	Resolve(ctx context.Context, loc schemas.Locator) (*resolver.ResolvedElement, error)
	Describe(ctx context.Context, el *resolver.ResolvedElement) (*resolver.ElementInfo, error)
}

// Driver performs click/type/hover/wait operations against resolver-located
// elements, with readiness checks and bounded per-operation retries. It never
// caches resolved elements; every attempt re-resolves from scratch.
type Driver struct {
	session  InteractionSession
	resolver ElementResolver
	cfg      config.InteractionConfig
	logger   *zap.Logger
}

// NewDriver builds a driver bound to one session and resolver.
func NewDriver(session InteractionSession, res ElementResolver, cfg config.InteractionConfig, logger *zap.Logger) *Driver {
	return &Driver{
		session:  session,
		resolver: res,
		cfg:      cfg,
		logger:   logger.Named("interaction"),
	}
}

// Click resolves the locator and clicks it. A pointer click is attempted
// first; when an overlay intercepts the point, it falls back once per attempt
// to a synthetic element click that bypasses hit testing.
func (d *Driver) Click(ctx context.Context, loc schemas.Locator) error {
	d.awaitReadiness(ctx)
	return d.withRetries(ctx, "click", func(attemptCtx context.Context) error {
		return d.clickOnce(attemptCtx, loc)
	})
}

// Type resolves the locator, focuses it through a click, clears the current
// value and types the text one character at a time, then dispatches the
// input/change/blur signals reactive frameworks listen for.
func (d *Driver) Type(ctx context.Context, loc schemas.Locator, text string) error {
	d.awaitReadiness(ctx)
	return d.withRetries(ctx, "type", func(attemptCtx context.Context) error {
		return d.typeOnce(attemptCtx, loc, text)
	})
}

// Hover moves the pointer to the element center. Best effort, no retry loop.
func (d *Driver) Hover(ctx context.Context, loc schemas.Locator) error {
	d.awaitReadiness(ctx)

	el, err := d.resolve(ctx, loc)
	if err != nil {
		return err
	}
	info, err := d.waitElementState(ctx, el, schemas.ElementVisible, elementReadyTimeout)
	if err != nil {
		return err
	}
	if err := d.session.DispatchMouseMove(ctx, info.CenterX, info.CenterY); err != nil {
		return fmt.Errorf("hover dispatch failed: %w", err)
	}
	d.settle(ctx)
	return nil
}

// ScrollTo resolves the locator and scrolls it into the centered viewport.
func (d *Driver) ScrollTo(ctx context.Context, loc schemas.Locator) error {
	d.awaitReadiness(ctx)

	el, err := d.resolve(ctx, loc)
	if err != nil {
		return err
	}
	return d.runAction(ctx, "scrollToElement", el.Frames, el.ShadowHosts, el.Path, headerOffset)
}

// WaitFor blocks until the locator reaches the requested state or the timeout
// elapses. Resolution itself is retried, so the element may appear late.
func (d *Driver) WaitFor(ctx context.Context, loc schemas.Locator, state schemas.ElementState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = elementReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		el, err := d.resolve(waitCtx, loc)
		switch {
		case err == nil:
			info, serr := d.waitElementState(waitCtx, el, state, time.Until(deadline))
			if serr == nil && stateSatisfied(info, state) {
				return nil
			}
			if serr != nil && !errors.Is(serr, ErrStale) && !errors.Is(serr, ErrNotInteractable) {
				if waitCtx.Err() != nil {
					break
				}
				return serr
			}
		case errors.Is(err, resolver.ErrNotFound):
			// Keep polling; the element may still appear.
		default:
			if waitCtx.Err() != nil {
				break
			}
			return err
		}

		if waitCtx.Err() != nil || time.Now().After(deadline) {
			return fmt.Errorf("wait for %s state %q timed out after %s", loc, state, timeout)
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("wait for %s state %q timed out after %s", loc, state, timeout)
		case <-time.After(pollInterval):
		}
	}
}

// -- Attempt internals --

func (d *Driver) clickOnce(ctx context.Context, loc schemas.Locator) error {
	el, err := d.resolve(ctx, loc)
	if err != nil {
		return err
	}

	if _, err := d.waitElementState(ctx, el, schemas.ElementClickable, elementReadyTimeout); err != nil {
		return err
	}

	if err := d.runAction(ctx, "scrollToElement", el.Frames, el.ShadowHosts, el.Path, headerOffset); err != nil {
		return err
	}
	d.settle(ctx)

	// Geometry moved with the scroll, so take a fresh snapshot.
	info, err := d.resolver.Describe(ctx, el)
	if err != nil {
		return fmt.Errorf("element describe failed: %w", err)
	}
	if !info.Exists {
		return ErrStale
	}
	if !info.Interactable() {
		return ErrNotInteractable
	}

	hit, err := d.hitTest(ctx, el)
	if err != nil {
		return err
	}
	if hit.Stale {
		return ErrStale
	}

	if !hit.Intercepted {
		if err := d.session.DispatchMouseClick(ctx, info.CenterX, info.CenterY); err != nil {
			return fmt.Errorf("pointer click dispatch failed: %w", err)
		}
		return nil
	}

	d.logger.Debug("Click point is intercepted, using synthetic click.",
		zap.String("locator", loc.String()), zap.String("blocker", hit.Blocker))
	return d.runAction(ctx, "clickElement", el.Frames, el.ShadowHosts, el.Path)
}

func (d *Driver) typeOnce(ctx context.Context, loc schemas.Locator, text string) error {
	el, err := d.resolve(ctx, loc)
	if err != nil {
		return err
	}

	if _, err := d.waitElementState(ctx, el, schemas.ElementClickable, elementReadyTimeout); err != nil {
		return err
	}

	if err := d.runAction(ctx, "scrollToElement", el.Frames, el.ShadowHosts, el.Path, headerOffset); err != nil {
		return err
	}
	d.settle(ctx)

	info, err := d.resolver.Describe(ctx, el)
	if err != nil {
		return fmt.Errorf("element describe failed: %w", err)
	}
	if !info.Exists {
		return ErrStale
	}
	if !info.Interactable() {
		return ErrNotInteractable
	}

	// Focus through a real click so keystrokes route to the right frame.
	hit, err := d.hitTest(ctx, el)
	if err != nil {
		return err
	}
	if hit.Stale {
		return ErrStale
	}
	if !hit.Intercepted {
		if err := d.session.DispatchMouseClick(ctx, info.CenterX, info.CenterY); err != nil {
			return fmt.Errorf("focus click dispatch failed: %w", err)
		}
	} else {
		if err := d.runAction(ctx, "clickElement", el.Frames, el.ShadowHosts, el.Path); err != nil {
			return err
		}
	}
	if err := d.runAction(ctx, "focusElement", el.Frames, el.ShadowHosts, el.Path); err != nil {
		return err
	}

	// Clear the current value, falling back to select-all + delete.
	if err := d.runAction(ctx, "clearValue", el.Frames, el.ShadowHosts, el.Path); err != nil {
		if errors.Is(err, ErrStale) {
			return err
		}
		d.logger.Debug("Native clear failed, trying select-all fallback.", zap.Error(err))
		if err := d.runAction(ctx, "selectAllAndDelete", el.Frames, el.ShadowHosts, el.Path); err != nil {
			return err
		}
	}

	// Character by character keeps reactive per-key validation happy.
	if err := d.session.TypeKeys(ctx, text, d.cfg.TypeDelay); err != nil {
		return fmt.Errorf("keystroke dispatch failed: %w", err)
	}

	return d.runAction(ctx, "dispatchInputSignals", el.Frames, el.ShadowHosts, el.Path)
}

// withRetries runs one attempt function under the configured retry budget.
// Only locally recoverable failures consume further attempts; not-found and
// session errors surface immediately for the cascade to handle.
func (d *Driver) withRetries(ctx context.Context, op string, attempt func(context.Context) error) error {
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		err := attempt(ctx)
		if err == nil {
			if i > 1 {
				d.logger.Debug("Interaction succeeded after retry.", zap.String("operation", op), zap.Int("attempt", i))
			}
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		d.logger.Debug("Interaction attempt failed.",
			zap.String("operation", op), zap.Int("attempt", i), zap.Error(err))

		if i < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.RetryBackoff):
			}
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrExhausted, op, maxAttempts, lastErr)
}

// retryable reports whether a failure is worth another local attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrNotInteractable) || errors.Is(err, ErrActionFailed)
}

// awaitReadiness waits for the document to be complete and the network to
// have gone quiet. Best effort: on timeout the action proceeds anyway.
func (d *Driver) awaitReadiness(ctx context.Context) {
	timeout := d.cfg.ReadinessTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := resolver.BuildCall(actionsJS, "waitDocumentComplete", ms(timeout), ms(pollInterval))
	if err == nil {
		var status struct {
			OK bool `json:"ok"`
		}
		if err := d.session.Evaluate(readyCtx, script, &status); err != nil || !status.OK {
			d.logger.Debug("Document readiness wait did not complete, proceeding anyway.", zap.Error(err))
		}
	}

	if err := d.session.WaitNetworkQuiet(readyCtx, networkQuietAge); err != nil {
		d.logger.Debug("Network quiet wait did not complete, proceeding anyway.", zap.Error(err))
	}
}

func (d *Driver) resolve(ctx context.Context, loc schemas.Locator) (*resolver.ResolvedElement, error) {
	el, err := d.resolver.Resolve(ctx, loc)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			return nil, fmt.Errorf("locator %s: %w", loc, err)
		}
		return nil, err
	}
	return el, nil
}

// actionStatus mirrors the { ok, stale, error } objects the action helpers
// return.
type actionStatus struct {
	OK    bool   `json:"ok"`
	Stale bool   `json:"stale"`
	Error string `json:"error"`
}

func (d *Driver) runAction(ctx context.Context, fn string, args ...interface{}) error {
	script, err := resolver.BuildCall(actionsJS, fn, args...)
	if err != nil {
		return err
	}
	var status actionStatus
	if err := d.session.Evaluate(ctx, script, &status); err != nil {
		return fmt.Errorf("%s evaluation failed: %w", fn, err)
	}
	if status.Stale {
		return ErrStale
	}
	if !status.OK {
		if status.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrActionFailed, fn, status.Error)
		}
		return fmt.Errorf("%w: %s", ErrActionFailed, fn)
	}
	return nil
}

// hitResult mirrors the hitTest helper's return shape.
type hitResult struct {
	Stale       bool   `json:"stale"`
	Intercepted bool   `json:"intercepted"`
	Blocker     string `json:"blocker"`
}

func (d *Driver) hitTest(ctx context.Context, el *resolver.ResolvedElement) (*hitResult, error) {
	script, err := resolver.BuildCall(actionsJS, "hitTest", el.Frames, el.ShadowHosts, el.Path)
	if err != nil {
		return nil, err
	}
	var hit hitResult
	if err := d.session.Evaluate(ctx, script, &hit); err != nil {
		return nil, fmt.Errorf("hit test evaluation failed: %w", err)
	}
	return &hit, nil
}

func (d *Driver) waitElementState(ctx context.Context, el *resolver.ResolvedElement, state schemas.ElementState, timeout time.Duration) (*resolver.ElementInfo, error) {
	if timeout <= 0 {
		timeout = elementReadyTimeout
	}
	script, err := resolver.BuildCall(actionsJS, "waitElementState", el.Frames, el.ShadowHosts, el.Path, string(state), ms(timeout), ms(pollInterval))
	if err != nil {
		return nil, err
	}
	var info resolver.ElementInfo
	if err := d.session.Evaluate(ctx, script, &info); err != nil {
		return nil, fmt.Errorf("element state wait failed: %w", err)
	}
	if !info.Exists {
		return nil, ErrStale
	}
	if !stateSatisfied(&info, state) {
		return nil, ErrNotInteractable
	}
	return &info, nil
}

func stateSatisfied(info *resolver.ElementInfo, state schemas.ElementState) bool {
	if info == nil || !info.Exists {
		return false
	}
	switch state {
	case schemas.ElementPresent:
		return true
	case schemas.ElementVisible:
		return info.Visible
	case schemas.ElementClickable:
		return info.Visible && info.Enabled
	}
	return false
}

func (d *Driver) settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(settlePause):
	}
}

func ms(dur time.Duration) int64 {
	return dur.Milliseconds()
}
