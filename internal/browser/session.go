// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
)

const (
	// networkQuietPeriod is how long the wire must stay silent before the
	// page counts as network idle.
	networkQuietPeriod = 500 * time.Millisecond
	// networkIdleTimeout bounds the post-navigation idle wait before the
	// session falls back to DOM readiness.
	networkIdleTimeout = 15 * time.Second
	domReadyTimeout    = 10 * time.Second
)

// Session represents an active browser tab and implements schemas.BrowserSession.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	tracker *NetworkTracker

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

// Ensure Session implements the interface.
var _ schemas.BrowserSession = (*Session)(nil)

// newSession creates a new Session wrapper around a tab context.
func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:     sessionID,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", sessionID)),
		cfg:    cfg,
	}
}

// Initialize creates the tab, applies viewport emulation and starts the
// network tracker.
func (s *Session) Initialize(ctx context.Context) error {
	initCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	// 1. Ensure the target (tab) is created and CDP is connected.
	if err := chromedp.Run(initCtx); err != nil {
		return fmt.Errorf("failed to initialize browser target connection: %w", err)
	}

	// 2. Apply viewport emulation.
	if s.cfg.ViewportWidth > 0 && s.cfg.ViewportHeight > 0 {
		if err := chromedp.Run(initCtx, chromedp.EmulateViewport(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight))); err != nil {
			return fmt.Errorf("failed to apply viewport emulation: %w", err)
		}
	}

	// 3. Start network tracking so load-state waits can observe the wire.
	s.tracker = NewNetworkTracker(s.ctx, s.logger)
	if err := s.tracker.Start(); err != nil {
		return fmt.Errorf("failed to start network tracker: %w", err)
	}

	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Navigate loads the URL and waits for the page to settle. It prefers a quiet
// network and degrades to DOM readiness when the page keeps chattering.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	// Combine session context and the operational context.
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	// Apply a specific timeout for the navigation action itself.
	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 90 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		// Check if the specific navigation context timed out.
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		// Check if the overall operation or session was canceled.
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}

	if err := s.WaitForLoadState(ctx, schemas.LoadNetworkIdle, networkIdleTimeout); err != nil {
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		s.logger.Warn("Network did not go idle after navigation, falling back to DOM readiness.",
			zap.String("url", url), zap.Error(err))
		if err := s.WaitForLoadState(ctx, schemas.LoadDOMContentLoaded, domReadyTimeout); err != nil {
			if opCtx.Err() != nil {
				return opCtx.Err()
			}
			// The page committed, so a sluggish load state is not fatal.
			s.logger.Warn("Page stabilization failed after navigation (non-critical).", zap.Error(err))
		}
	}

	return nil
}

// WaitForLoadState blocks until the page reaches the requested readiness level.
func (s *Session) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	if timeout <= 0 {
		timeout = domReadyTimeout
	}
	waitCtx, waitCancel := context.WithTimeout(opCtx, timeout)
	defer waitCancel()

	switch state {
	case schemas.LoadDOMContentLoaded:
		if err := chromedp.Run(waitCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return fmt.Errorf("wait for DOM readiness: %w", err)
		}
		return nil

	case schemas.LoadNetworkIdle:
		// DOM readiness first, then a quiet network.
		if err := chromedp.Run(waitCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("wait for network idle: %w", waitCtx.Err())
			}
			s.logger.Debug("WaitReady failed while waiting for network idle.", zap.Error(err))
		}
		if s.tracker != nil {
			if err := s.tracker.WaitIdle(waitCtx, networkQuietPeriod); err != nil {
				return fmt.Errorf("wait for network idle: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown load state %q", state)
	}
}

// Click interacts with the first element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Attempting to click element", zap.String("selector", selector))

	action := chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}

	clickCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	if err := s.runActions(clickCtx, action); err != nil {
		return fmt.Errorf("click action failed for selector %q: %w", selector, err)
	}
	return nil
}

// Type replaces the content of the element matching the selector.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	s.logger.Debug("Attempting to type into element", zap.String("selector", selector), zap.Int("text_length", len(text)))

	action := chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	}

	// Long inputs need proportionally more time on slow pages.
	timeout := s.actionTimeout() + time.Duration(float64(len(text))/2.5)*time.Second
	if timeout > 3*time.Minute {
		timeout = 3 * time.Minute
	}

	typeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.runActions(typeCtx, action); err != nil {
		return fmt.Errorf("type action failed for selector %q: %w", selector, err)
	}
	return nil
}

// Screenshot captures the viewport as a PNG under the configured screenshot
// tree and returns the file path.
func (s *Session) Screenshot(ctx context.Context, app, task string, step int) (string, error) {
	path, err := ScreenshotPath(s.cfg.ScreenshotDir, app, task, step)
	if err != nil {
		return "", fmt.Errorf("failed to prepare screenshot path: %w", err)
	}

	buf, err := s.CaptureViewport(ctx)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot file: %w", err)
	}

	s.logger.Debug("Screenshot captured.", zap.String("path", path), zap.Int("step", step))
	return path, nil
}

// CaptureViewport returns the current viewport as PNG bytes.
func (s *Session) CaptureViewport(ctx context.Context) ([]byte, error) {
	var buf []byte
	shotCtx, cancel := context.WithTimeout(ctx, s.actionTimeout())
	defer cancel()

	if err := s.runActions(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// URL returns the current page location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return url, nil
}

// Text returns the visible text of the first element matching the selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := s.runActions(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read text for selector %q: %w", selector, err)
	}
	return out, nil
}

// HTML returns the serialized outer HTML of the document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var out string
	if err := s.runActions(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read document HTML: %w", err)
	}
	return out, nil
}

// WaitForSelector blocks until the first match for the selector is visible.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.actionTimeout()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.runActions(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for selector %q: %w", selector, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression in the page and unmarshals the result
// into out. Pass nil when the result is irrelevant.
func (s *Session) Evaluate(ctx context.Context, script string, out interface{}) error {
	action := chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	})
	if err := s.runActions(ctx, action); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// DispatchMouseClick synthesizes a raw left click at viewport coordinates,
// bypassing DOM hit targets entirely.
func (s *Session) DispatchMouseClick(ctx context.Context, x, y float64) error {
	s.logger.Debug("Dispatching raw mouse click.", zap.Float64("x", x), zap.Float64("y", y))

	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithButtons(1).
		WithClickCount(1)
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1)

	if err := s.runActions(ctx, press, release); err != nil {
		return fmt.Errorf("mouse click dispatch failed at (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// DispatchMouseMove moves the pointer to viewport coordinates without
// pressing any button.
func (s *Session) DispatchMouseMove(ctx context.Context, x, y float64) error {
	move := input.DispatchMouseEvent(input.MouseMoved, x, y)
	if err := s.runActions(ctx, move); err != nil {
		return fmt.Errorf("mouse move dispatch failed to (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// WaitNetworkQuiet blocks until no request has been in flight for the quiet
// period, or the context is done.
func (s *Session) WaitNetworkQuiet(ctx context.Context, quiet time.Duration) error {
	if s.tracker == nil {
		return nil
	}
	opCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return s.tracker.WaitIdle(opCtx, quiet)
}

// TypeKeys sends text to the focused element one character at a time.
func (s *Session) TypeKeys(ctx context.Context, text string, delay time.Duration) error {
	for _, r := range text {
		if err := s.runActions(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("key event dispatch failed: %w", err)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// SelectAllAndDelete clears the focused element through raw keyboard input,
// select-all followed by delete.
func (s *Session) SelectAllAndDelete(ctx context.Context) error {
	selectAll := chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl))
	del := chromedp.KeyEvent(kb.Delete)
	if err := s.runActions(ctx, selectAll, del); err != nil {
		return fmt.Errorf("select-all/delete dispatch failed: %w", err)
	}
	return nil
}

// Close terminates the browser session gracefully.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// 1. Stop the network tracker.
	if s.tracker != nil {
		s.tracker.Stop()
	}

	// 2. Cancel the tab context.
	if s.cancel != nil {
		s.cancel()
	}

	// 3. Execute the onClose callback.
	if s.onClose != nil {
		s.onClose()
	}

	return nil
}

func (s *Session) actionTimeout() time.Duration {
	if s.cfg.ActionTimeout > 0 {
		return s.cfg.ActionTimeout
	}
	return 30 * time.Second
}

// runActions executes chromedp actions, ensuring they respect both the session
// lifetime (s.ctx) and the incoming request context (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}
