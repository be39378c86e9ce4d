package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/browser"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/contextsync"
	"github.com/webpilot-ai/webpilot/internal/llmclient"
	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/runstore"
	"github.com/webpilot-ai/webpilot/internal/visual/ocr"
)

// ComponentFactory creates the set of long-lived components a process
// needs. The abstraction keeps the command layer testable without a
// browser or database on hand.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// service components. Optional capabilities (LLM, OCR, run archive) log
// and stay nil when unconfigured; infrastructure failures abort with the
// partially built set shut down again.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{
		Config: cfg,
		Logger: logger,
	}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Metrics registry and collector.
	components.Registry = prometheus.NewRegistry()
	components.Metrics = observability.NewCollector(components.Registry, logger)
	logger.Debug("Metrics collector initialized.")

	// 2. Browser manager. Launching the actual browser process is
	// deferred until the first session, so this cannot hang on a
	// missing Chrome install.
	browserManager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize browser manager: %w", err)
		return nil, initializationErr
	}
	components.Browser = browserManager
	logger.Debug("Browser manager initialized.")

	// 3. LLM router. An unconfigured LLM is not fatal: the API can
	// still serve screenshots, context and stats, and reports the gap
	// through /health. Workflow execution refuses until it is fixed.
	llm, err := llmclient.NewClient(ctx, cfg.LLM(), components.Metrics, logger)
	if err != nil {
		logger.Warn("LLM client unavailable, workflows cannot run until it is configured.", zap.Error(err))
	} else {
		components.LLM = llm
		logger.Debug("LLM client initialized.")
	}

	// 4. OCR engine backing the visual fallback tier. A missing
	// tesseract install degrades the cascade to two tiers.
	if cfg.Visual().Enabled {
		engine, err := ocr.NewTesseract(cfg.Visual().Languages, cfg.Visual().TessdataPrefix)
		if err != nil {
			logger.Warn("OCR engine unavailable, the visual fallback tier is disabled.", zap.Error(err))
		} else {
			components.OCR = engine
			logger.Debug("OCR engine initialized.", zap.String("languages", cfg.Visual().Languages))
		}
	}

	// 5. Context sync store, mirroring to a remote backend when one is
	// configured. A misconfigured provider name is a hard error; an
	// unreachable backend is handled per-operation by the store itself.
	remote, err := contextsync.NewRemoteStore(ctx, cfg.ContextSync(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize remote context store: %w", err)
		return nil, initializationErr
	}
	components.remoteStore = remote != nil
	components.Sync = contextsync.New(remote, cfg.ContextSync(), components.Metrics, logger)
	logger.Debug("Context sync store initialized.", zap.Bool("remote", components.remoteStore))

	// 6. Run archive. Open returns nil without error when disabled.
	archive, err := runstore.Open(ctx, cfg.RunStore(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize run archive: %w", err)
		return nil, initializationErr
	}
	components.Archive = archive

	logger.Info("All service components initialized.")

	return components, nil
}
