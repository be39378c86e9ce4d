// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager handles the browser process lifecycle and session creation over the
// Chrome DevTools Protocol. One browser process is shared by all sessions,
// each session owning its own tab.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocCtx owns the exec allocator, browserCtx owns the shared process.
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup // WaitGroup to ensure all sessions are closed before shutting down the browser.

	// Initialization state management
	initOnce sync.Once
	initErr  error
}

// NewManager creates a new browser manager. Launching the browser process is
// deferred until the first session is requested.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m, nil
}

// initialize builds the exec allocator and launches the shared browser process.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser process...")

		// The allocator must outlive the request that triggered initialization,
		// so it hangs off the background context rather than ctx.
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.cfg)...)

		ctxOpts := []chromedp.ContextOption{
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Errorf),
		}
		if m.cfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

		// Run with no actions forces the process to start now, so launch
		// failures surface here instead of on the first navigation.
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.browserCtx = nil
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}

		m.logger.Info("Browser manager initialized successfully.")
	})
	return m.initErr
}

// NewSession creates a new isolated browser tab and wraps it in a Session.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	// Ensure initialization happens first.
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	session := newSession(tabCtx, tabCancel, m.cfg, m.logger)

	m.wg.Add(1) // Increment WG before registering the session.

	// Define the onClose callback for cleanup and WG management.
	session.onClose = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, session.ID())
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	}

	// Initialize the session (creates the tab, applies viewport emulation,
	// starts the network tracker).
	if err := session.Initialize(ctx); err != nil {
		// If initialization fails, close the session immediately to release
		// resources and decrement the WG. Use a background context for cleanup
		// as ctx might be the cause of failure.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Info("New session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// SessionCount reports the number of currently registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown gracefully closes all sessions and the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	// If initialization never ran or failed, there is nothing to tear down.
	if m.browserCtx == nil {
		m.logger.Info("Manager not fully initialized, skipping full shutdown sequence.")
		return nil
	}

	// 1. Close all active sessions.
	m.mu.RLock()
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.mu.RUnlock()

	// Initiate close concurrently.
	for _, s := range sessionsToClose {
		go func(s *Session) {
			// Use the provided context for closing, allowing timeout control.
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	// 2. Wait for all sessions to finish closing (monitored by m.wg).
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	// 3. Close the browser process, bounded by a fresh cleanup context since
	// chromedp.Cancel blocks until the process exits.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cleanupCancel()

	var shutdownErr error

	browserDone := make(chan error, 1)
	go func() {
		browserDone <- chromedp.Cancel(m.browserCtx)
	}()
	select {
	case err := <-browserDone:
		if err != nil {
			m.logger.Error("Failed to close browser instance.", zap.Error(err))
			shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		}
	case <-cleanupCtx.Done():
		m.logger.Error("Timeout closing browser instance.", zap.Error(cleanupCtx.Err()))
		shutdownErr = fmt.Errorf("timeout closing browser: %w", cleanupCtx.Err())
	}

	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}

// DefaultAllocatorOptions translates the browser configuration into chromedp
// exec allocator options.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for name, value := range browserFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// browserFlags assembles the command line flags implied by cfg. Kept separate
// from DefaultAllocatorOptions so the flag set stays inspectable in tests,
// since allocator options are opaque closures.
func browserFlags(cfg config.BrowserConfig) map[string]interface{} {
	// Default arguments often necessary for stability, especially in containers.
	flags := map[string]interface{}{
		"no-sandbox":            true,
		"disable-gpu":           true,
		"disable-dev-shm-usage": true,
	}

	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}
	if cfg.DisableCache {
		flags["disable-cache"] = true
		flags["disk-cache-size"] = 0
		flags["media-cache-size"] = 0
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}

	// Merge user-provided args last so they win over the defaults.
	for _, arg := range cfg.Args {
		name, value := parseBrowserArg(arg)
		if name == "" {
			continue
		}
		flags[name] = value
	}
	return flags
}

// parseBrowserArg splits a raw "--name=value" argument into the flag form the
// allocator expects. Bare flags map to boolean true.
func parseBrowserArg(arg string) (string, interface{}) {
	trimmed := strings.TrimLeft(arg, "-")
	if trimmed == "" {
		return "", nil
	}
	if name, value, found := strings.Cut(trimmed, "="); found {
		return name, value
	}
	return trimmed, true
}
