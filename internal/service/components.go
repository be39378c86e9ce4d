// Package service assembles the long-lived pipeline components and the
// HTTP API that drives workflows through them. One Components value is
// built per process; browser sessions and the agent pipeline around
// them are assembled fresh for every workflow so no run shares page
// state with another.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/browser"
	"github.com/webpilot-ai/webpilot/internal/cascade"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/contextsync"
	"github.com/webpilot-ai/webpilot/internal/interaction"
	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/planner"
	"github.com/webpilot-ai/webpilot/internal/resolver"
	"github.com/webpilot-ai/webpilot/internal/runstore"
	"github.com/webpilot-ai/webpilot/internal/validator"
	"github.com/webpilot-ai/webpilot/internal/visual"
	"github.com/webpilot-ai/webpilot/internal/visual/ocr"
	"github.com/webpilot-ai/webpilot/internal/workflow"
)

// sessionCloseTimeout bounds how long a finished workflow may spend
// tearing down its browser session.
const sessionCloseTimeout = 15 * time.Second

// Components holds the initialized long-lived services a WebPilot
// process runs on. LLM, OCR and Archive are nil when their backing
// configuration is absent; the pipeline degrades around them instead
// of refusing to start.
type Components struct {
	Config   config.Interface
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Collector
	Browser  *browser.Manager
	LLM      schemas.LLMClient
	OCR      ocr.Engine
	Sync     *contextsync.Store
	Archive  *runstore.Store

	// remoteStore records whether the context store mirrors to a
	// configured remote backend, for health reporting.
	remoteStore bool
}

// Run executes one workflow end to end on a fresh browser session. The
// per-run pipeline (resolver, interaction driver, visual fallback,
// cascade, validator, planner, engine) is assembled here and discarded
// with the session when the run finishes.
func (c *Components) Run(ctx context.Context, req schemas.TaskRequest) schemas.WorkflowResult {
	if c.LLM == nil {
		return schemas.WorkflowResult{
			Screenshots: []string{},
			Error:       "LLM client is not configured",
		}
	}
	if c.Browser == nil {
		return schemas.WorkflowResult{
			Screenshots: []string{},
			Error:       "browser manager is not initialized",
		}
	}

	session, err := c.Browser.NewSession(ctx)
	if err != nil {
		return schemas.WorkflowResult{
			Screenshots: []string{},
			Error:       fmt.Sprintf("failed to open browser session: %v", err),
		}
	}
	defer func() {
		// The request context may already be done once the run ends,
		// so the session is closed on its own clock.
		closeCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			c.Logger.Warn("Failed to close workflow browser session.", zap.Error(err))
		}
	}()

	res := resolver.NewResolver(session, c.Logger)
	drv := interaction.NewDriver(session, res, c.Config.Interaction(), c.Logger)
	vis := visual.NewDriver(session, c.OCR, c.Config.Visual(), c.Logger)
	casc := cascade.New(session, drv, vis, c.Metrics, c.Logger)
	val := validator.New(session, c.LLM, c.Config.Validator(), c.Metrics, c.Logger)
	plan := planner.New(session, c.LLM, c.Config.Workflow(), c.Logger)

	// A plain nil keeps the engine's archive check meaningful; a typed
	// nil *runstore.Store inside the interface would defeat it.
	var archive workflow.RunArchive
	if c.Archive != nil {
		archive = c.Archive
	}

	eng := workflow.NewEngine(session, plan, casc, val, c.Sync, archive, c.Config.Workflow(), c.Metrics, c.Logger)
	return eng.Execute(ctx, req)
}

// Shutdown gracefully closes all components, releasing resources in
// dependency order: the browser manager first so no workflow can touch
// a half-closed store afterwards, then the clients and stores.
func (c *Components) Shutdown() {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning service components shutdown sequence.")

	if c.Browser != nil {
		// A separate context with a timeout ensures the browser teardown
		// completes even if the main application context was canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		} else {
			logger.Debug("LLM client closed.")
		}
	}

	if c.OCR != nil {
		if err := c.OCR.Close(); err != nil {
			logger.Warn("Error closing OCR engine.", zap.Error(err))
		} else {
			logger.Debug("OCR engine closed.")
		}
	}

	if c.Sync != nil {
		if err := c.Sync.Close(); err != nil {
			logger.Warn("Error closing context sync store.", zap.Error(err))
		} else {
			logger.Debug("Context sync store closed.")
		}
	}

	if c.Archive != nil {
		c.Archive.Close()
		logger.Debug("Run archive closed.")
	}

	logger.Info("All service components shut down.")
}
