package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	jsoniter "github.com/json-iterator/go"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/browser"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/contextsync"
	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultMaxConcurrent bounds simultaneous workflow executions when the
// configuration does not.
const defaultMaxConcurrent = 4

// WorkflowRunner executes one task end to end. Components is the
// production implementation.
type WorkflowRunner interface {
	Run(ctx context.Context, req schemas.TaskRequest) schemas.WorkflowResult
}

// RunReader is the read side of the run archive the API lists runs
// through. Nil means the archive is disabled.
type RunReader interface {
	RecentRuns(ctx context.Context, appName string, limit int) ([]schemas.WorkflowRun, error)
	RunSteps(ctx context.Context, runID string) ([]schemas.StepRecord, error)
}

// Server is the HTTP face of the pipeline. Workflow execution is
// synchronous: the execute handler holds the request open until the
// run finishes, with a weighted semaphore capping how many run at once.
type Server struct {
	cfg           config.Interface
	runner        WorkflowRunner
	sync          *contextsync.Store
	archive       RunReader
	registry      *prometheus.Registry
	metrics       *observability.Collector
	logger        *zap.Logger
	sem           *semaphore.Weighted
	screenshotDir string
	llmReady      bool
	visualReady   bool
	remoteStore   bool
	router        chi.Router
}

// NewServer builds the API server over an initialized component set.
func NewServer(c *Components) *Server {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := c.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	maxConcurrent := c.Config.API().MaxConcurrentWorkflows
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	screenshotDir, err := homedir.Expand(c.Config.Browser().ScreenshotDir)
	if err != nil {
		logger.Warn("Failed to expand screenshot dir, using it verbatim.",
			zap.String("dir", c.Config.Browser().ScreenshotDir), zap.Error(err))
		screenshotDir = c.Config.Browser().ScreenshotDir
	}

	s := &Server{
		cfg:           c.Config,
		runner:        c,
		sync:          c.Sync,
		registry:      registry,
		metrics:       c.Metrics,
		logger:        logger.Named("api"),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		screenshotDir: screenshotDir,
		llmReady:      c.LLM != nil,
		visualReady:   c.Config.Visual().Enabled && c.OCR != nil,
		remoteStore:   c.remoteStore,
	}
	if c.Archive != nil {
		s.archive = c.Archive
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the routing tree for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP API until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	apiCfg := s.cfg.API()
	srv := &http.Server{
		Addr:         apiCfg.Addr,
		Handler:      s.router,
		ReadTimeout:  apiCfg.ReadTimeout,
		WriteTimeout: apiCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening.", zap.String("addr", apiCfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := apiCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.Info("HTTP API stopped.")
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recovery)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(api chi.Router) {
		jwtCfg := s.cfg.API().JWT
		switch {
		case jwtCfg.Enabled && jwtCfg.Secret != "":
			api.Use(s.jwtAuth([]byte(jwtCfg.Secret)))
		case jwtCfg.Enabled:
			s.logger.Warn("JWT auth is enabled but no secret is configured, the API runs unauthenticated.")
		}

		api.Post("/execute", s.handleExecute)
		api.Get("/screenshots/{app}/{task}", s.handleListScreenshots)
		api.Get("/screenshot/*", s.handleServeScreenshot)
		api.Get("/context/{app}/{task}", s.handleGetContext)
		api.Post("/context/{app}/{task}", s.handleSaveContext)
		api.Get("/sync/stats", s.handleSyncStats)
		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/{runID}", s.handleRunSteps)
	})

	return r
}

// -- Handlers --

type healthResponse struct {
	Status          string `json:"status"`
	LLMConfigured   bool   `json:"llm_configured"`
	VisualAvailable bool   `json:"visual_available"`
	RemoteStore     bool   `json:"remote_store"`
}

type screenshotListResponse struct {
	AppName     string   `json:"app_name"`
	TaskName    string   `json:"task_name"`
	Screenshots []string `json:"screenshots"`
}

type contextSaveResponse struct {
	Key    string `json:"key"`
	Synced bool   `json:"synced"`
}

type runListResponse struct {
	Runs []schemas.WorkflowRun `json:"runs"`
}

type runStepsResponse struct {
	RunID string               `json:"run_id"`
	Steps []schemas.StepRecord `json:"steps"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		LLMConfigured:   s.llmReady,
		VisualAvailable: s.visualReady,
		RemoteStore:     s.remoteStore,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req schemas.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskQuery == "" || req.AppURL == "" || req.AppName == "" {
		s.writeError(w, http.StatusBadRequest, "task_query, app_url and app_name are required")
		return
	}
	if req.TaskName == "" {
		req.TaskName = browser.SanitizeFilename(req.TaskQuery)
	}
	if !s.llmReady {
		s.writeError(w, http.StatusServiceUnavailable, "LLM client is not configured")
		return
	}

	// Queue behind the semaphore rather than rejecting. Callers that do
	// not want to wait cancel the request and get a 503.
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "cancelled while waiting for a workflow slot")
		return
	}
	defer s.sem.Release(1)

	s.logger.Info("Workflow accepted.",
		zap.String("app", req.AppName), zap.String("task", req.TaskName))

	result := s.runner.Run(r.Context(), req)

	s.writeJSON(w, http.StatusOK, schemas.TaskResponse{
		Success:        result.Success,
		Screenshots:    s.relativePaths(result.Screenshots),
		StepsCompleted: result.StepsCompleted,
		Error:          result.Error,
		FinalURL:       result.FinalURL,
	})
}

func (s *Server) handleListScreenshots(w http.ResponseWriter, r *http.Request) {
	app := browser.SanitizeFilename(chi.URLParam(r, "app"))
	task := browser.SanitizeFilename(chi.URLParam(r, "task"))

	entries, err := os.ReadDir(filepath.Join(s.screenshotDir, app, task))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeJSON(w, http.StatusOK, screenshotListResponse{
				AppName: app, TaskName: task, Screenshots: []string{},
			})
			return
		}
		s.logger.Warn("Failed to list screenshots.", zap.String("app", app), zap.String("task", task), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list screenshots")
		return
	}

	shots := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		shots = append(shots, path.Join(app, task, entry.Name()))
	}
	sort.Strings(shots)

	s.writeJSON(w, http.StatusOK, screenshotListResponse{
		AppName: app, TaskName: task, Screenshots: shots,
	})
}

func (s *Server) handleServeScreenshot(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" || strings.Contains(rel, "..") {
		s.writeError(w, http.StatusBadRequest, "invalid screenshot path")
		return
	}

	full := filepath.Join(s.screenshotDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		s.writeError(w, http.StatusNotFound, "screenshot not found")
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	key := contextKey(chi.URLParam(r, "app"), chi.URLParam(r, "task"))
	payload, ok := s.sync.Get(r.Context(), key, true)
	if !ok {
		s.writeError(w, http.StatusNotFound, "context not found")
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSaveContext(w http.ResponseWriter, r *http.Request) {
	key := contextKey(chi.URLParam(r, "app"), chi.URLParam(r, "task"))

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid context payload")
		return
	}

	synced, err := s.sync.Save(r.Context(), key, payload, contextsync.SaveOptions{})
	if err != nil {
		s.logger.Warn("Context save failed.", zap.String("key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save context")
		return
	}
	s.writeJSON(w, http.StatusOK, contextSaveResponse{Key: key, Synced: synced})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.Stats())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run archive is not enabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.archive.RecentRuns(r.Context(), r.URL.Query().Get("app"), limit)
	if err != nil {
		s.logger.Warn("Failed to list archived runs.", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runListResponse{Runs: runs})
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run archive is not enabled")
		return
	}

	runID := chi.URLParam(r, "runID")
	steps, err := s.archive.RunSteps(r.Context(), runID)
	if err != nil {
		s.logger.Warn("Failed to read run steps.", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read run steps")
		return
	}
	s.writeJSON(w, http.StatusOK, runStepsResponse{RunID: runID, Steps: steps})
}

// -- Helpers --

// contextKey derives the sync-store key the context endpoints share
// with workflow runs of the same app and task.
func contextKey(app, task string) string {
	return workflow.WorkflowID(app, task) + ":context"
}

// relativePaths strips the screenshot base directory prefix so clients
// see paths they can feed back to the screenshot endpoint.
func (s *Server) relativePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(s.screenshotDir, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			out = append(out, p)
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response body.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
