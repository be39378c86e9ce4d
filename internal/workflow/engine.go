// Package workflow drives one browser-automation run from task request
// to terminal result. Each iteration performs four phases: the navigate
// step executes the next planned action, then screenshot capture, state
// validation and context sync each run isolated so their failures never
// abort the run. Only navigate-step errors and critical context-save
// failures terminate a workflow early.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

const (
	defaultMaxSteps = 50

	// navigatorAgent is the agent name the engine syncs state under and
	// runs desync detection for.
	navigatorAgent = "navigator"
)

// StepPlanner produces the ordered action list for a task. It must
// always return at least one step.
type StepPlanner interface {
	Plan(ctx context.Context, taskQuery, appURL string) []schemas.NavigationStep
}

// StepPerformer executes one navigation step and reports the outcome
// instead of returning an error. A false Success carries the final
// failure string in the result.
type StepPerformer interface {
	Perform(ctx context.Context, step schemas.NavigationStep) schemas.InteractionResult
}

// StateValidator judges the page state after an action.
type StateValidator interface {
	Validate(ctx context.Context, expectedState, previousAction, actionContext string) schemas.ValidationResult
}

// ContextStore mirrors per-step agent state and workflow context and
// reports drift between the two.
type ContextStore interface {
	SyncAgentState(ctx context.Context, workflowID string, step int, agentName string, state map[string]any) (bool, error)
	SyncWorkflowContext(ctx context.Context, workflowID string, step int, bundle schemas.WorkflowContextBundle) (bool, error)
	DetectDesync(ctx context.Context, workflowID string, step int, agentName string) schemas.DesyncReport
}

// CaptureSession is the slice of the browser session the engine itself
// touches. Actions go through the StepPerformer instead.
type CaptureSession interface {
	Screenshot(ctx context.Context, app, task string, step int) (string, error)
	URL(ctx context.Context) (string, error)
}

// RunArchive persists finished runs. Implementations must tolerate
// being handed a cancelled context.
type RunArchive interface {
	ArchiveRun(ctx context.Context, run schemas.WorkflowRun, steps []schemas.StepRecord) error
}

// Engine executes workflows sequentially over one browser session.
type Engine struct {
	session   CaptureSession
	planner   StepPlanner
	performer StepPerformer
	validator StateValidator
	sync      ContextStore
	archive   RunArchive
	cfg       config.WorkflowConfig
	metrics   *observability.Collector
	logger    *zap.Logger

	now func() time.Time
}

// NewEngine wires a workflow engine. archive may be nil, in which case
// finished runs are not persisted.
func NewEngine(
	session CaptureSession,
	planner StepPlanner,
	performer StepPerformer,
	validator StateValidator,
	sync ContextStore,
	archive RunArchive,
	cfg config.WorkflowConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		session:   session,
		planner:   planner,
		performer: performer,
		validator: validator,
		sync:      sync,
		archive:   archive,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("workflow"),
		now:       time.Now,
	}
}

// stepOutcome pairs a performed step with its cascade result for the
// validate and sync phases of the same iteration.
type stepOutcome struct {
	index  int
	step   schemas.NavigationStep
	result schemas.InteractionResult
}

// Execute runs one workflow to completion and returns its terminal
// result. Screenshots collected before a failure are always included.
func (e *Engine) Execute(ctx context.Context, req schemas.TaskRequest) schemas.WorkflowResult {
	start := e.now()
	state := &schemas.WorkflowState{
		WorkflowID: WorkflowID(req.AppName, req.TaskName),
		TaskQuery:  req.TaskQuery,
		AppURL:     req.AppURL,
		AppName:    req.AppName,
		TaskName:   req.TaskName,
		StateValid: true,
	}
	e.logger.Info("Workflow started.",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("app_url", state.AppURL),
		zap.String("task", state.TaskQuery))

	var records []schemas.StepRecord
	for e.shouldContinue(state) {
		if err := ctx.Err(); err != nil {
			state.Error = fmt.Sprintf("workflow cancelled: %v", err)
			state.Completed = true
			break
		}

		performed := e.navigateStep(ctx, state)
		if performed == nil {
			// Plan exhausted. The previous iteration already captured,
			// validated and synced this state.
			break
		}
		records = append(records, e.stepRecord(performed))
		e.screenshotStep(ctx, state)
		validation := e.validateStep(ctx, state, performed)
		e.syncStep(ctx, state, performed, validation)
	}

	result := e.buildResult(ctx, state)
	duration := e.now().Sub(start)
	e.metrics.RecordWorkflow(workflowStatus(result), duration)
	e.archiveRun(ctx, state, result, records, start)

	e.logger.Info("Workflow finished.",
		zap.String("workflow_id", state.WorkflowID),
		zap.Bool("success", result.Success),
		zap.Int("steps_completed", result.StepsCompleted),
		zap.Int("screenshots", len(result.Screenshots)),
		zap.Duration("duration", duration),
		zap.String("error", result.Error))
	return result
}

// WorkflowID derives the context-sync namespace for a run. Runs of the
// same app and task share it, so later runs inherit earlier context.
func WorkflowID(appName, taskName string) string {
	return appName + "_" + taskName
}

// navigateStep plans on the first iteration, then executes the step the
// cursor points at. Returns nil when no action was performed this
// iteration. A failed action or an exhausted step list ends the run.
func (e *Engine) navigateStep(ctx context.Context, state *schemas.WorkflowState) *stepOutcome {
	if state.CurrentStep == 0 && len(state.NavigationSteps) == 0 {
		state.NavigationSteps = e.planner.Plan(ctx, state.TaskQuery, state.AppURL)
	}

	if state.CurrentStep >= len(state.NavigationSteps) {
		e.logger.Info("Plan exhausted, workflow complete.",
			zap.String("workflow_id", state.WorkflowID),
			zap.Int("steps", len(state.NavigationSteps)))
		state.Completed = true
		return nil
	}

	index := state.CurrentStep
	step := state.NavigationSteps[index]
	e.logger.Debug("Performing step.",
		zap.Int("step", index),
		zap.String("action", string(step.ActionType)),
		zap.String("selector", step.Selector))

	result := e.performer.Perform(ctx, step)
	e.metrics.RecordWorkflowStep(string(step.ActionType), result.Success)
	outcome := &stepOutcome{index: index, step: step, result: result}

	if !result.Success {
		state.Error = fmt.Sprintf("step %d (%s) failed: %s", index, step.ActionType, result.Err)
		state.Completed = true
		e.logger.Error("Navigation step failed, ending workflow.",
			zap.Int("step", index),
			zap.String("action", string(step.ActionType)),
			zap.String("error", result.Err))
		return outcome
	}

	state.CurrentStep++
	return outcome
}

// screenshotStep captures the viewport after the navigate phase. Capture
// failures are logged and skipped.
func (e *Engine) screenshotStep(ctx context.Context, state *schemas.WorkflowState) {
	path, err := e.session.Screenshot(ctx, state.AppName, state.TaskName, state.CurrentStep)
	if err != nil {
		e.logger.Warn("Screenshot capture failed.",
			zap.Int("step", state.CurrentStep), zap.Error(err))
		return
	}
	state.Screenshots = append(state.Screenshots, path)
}

// validateStep judges the page state reached by the last action. A
// validator that cannot reach a verdict marks the state invalid without
// aborting the run.
func (e *Engine) validateStep(ctx context.Context, state *schemas.WorkflowState, performed *stepOutcome) schemas.ValidationResult {
	result := e.validator.Validate(ctx, performed.step.Description, describeStep(performed.step), state.TaskQuery)
	state.StateValid = result.Valid
	if !result.Valid {
		e.logger.Warn("State validation flagged the page.",
			zap.Int("step", state.CurrentStep),
			zap.Float64("confidence", result.Confidence),
			zap.Strings("issues", result.Issues))
	}
	return result
}

// syncStep mirrors the navigator state and the combined workflow
// context, then checks the two for drift. The workflow-context save is
// the critical one: its failure terminates the run.
func (e *Engine) syncStep(ctx context.Context, state *schemas.WorkflowState, performed *stepOutcome, validation schemas.ValidationResult) {
	url, err := e.session.URL(ctx)
	if err != nil {
		e.logger.Debug("URL lookup failed during sync.", zap.Error(err))
	}

	agentState := map[string]any{
		"step":                state.CurrentStep,
		"url":                 url,
		"state_valid":         state.StateValid,
		"screenshots":         len(state.Screenshots),
		"last_action":         string(performed.step.ActionType),
		"last_action_success": performed.result.Success,
	}
	if _, err := e.sync.SyncAgentState(ctx, state.WorkflowID, state.CurrentStep, navigatorAgent, agentState); err != nil {
		e.logger.Warn("Agent state sync failed.",
			zap.Int("step", state.CurrentStep), zap.Error(err))
	}

	bundle := schemas.WorkflowContextBundle{
		Navigation: navigationContext(performed),
		Screenshot: map[string]any{
			"count": len(state.Screenshots),
			"last":  lastScreenshot(state),
		},
		Validation: map[string]any{
			"valid":      validation.Valid,
			"state_type": string(validation.StateType),
			"confidence": validation.Confidence,
			"regression": validation.RegressionDetected,
		},
		Browser: map[string]any{"url": url},
	}
	if _, err := e.sync.SyncWorkflowContext(ctx, state.WorkflowID, state.CurrentStep, bundle); err != nil {
		state.Error = fmt.Sprintf("workflow context save failed: %v", err)
		state.Completed = true
		e.logger.Error("Critical workflow context save failed, ending workflow.",
			zap.Int("step", state.CurrentStep), zap.Error(err))
		return
	}

	report := e.sync.DetectDesync(ctx, state.WorkflowID, state.CurrentStep, navigatorAgent)
	if report.Desynced {
		e.logger.Warn("Agent state desynced from workflow context.",
			zap.String("agent", navigatorAgent),
			zap.String("reason", report.Reason),
			zap.Int("last_synced_step", report.LastSyncedStep))
	}
}

func (e *Engine) shouldContinue(state *schemas.WorkflowState) bool {
	if state.Completed || state.Error != "" {
		return false
	}
	return state.CurrentStep < e.maxSteps()
}

func (e *Engine) maxSteps() int {
	if e.cfg.MaxSteps > 0 {
		return e.cfg.MaxSteps
	}
	return defaultMaxSteps
}

func (e *Engine) buildResult(ctx context.Context, state *schemas.WorkflowState) schemas.WorkflowResult {
	screenshots := make([]string, len(state.Screenshots))
	copy(screenshots, state.Screenshots)

	result := schemas.WorkflowResult{
		Success:        state.Completed && state.Error == "",
		Screenshots:    screenshots,
		StepsCompleted: state.CurrentStep,
		Error:          state.Error,
	}
	if url, err := e.session.URL(ctx); err == nil {
		result.FinalURL = url
	}
	return result
}

// archiveRun persists the finished run. Persistence is best effort and
// never alters the result.
func (e *Engine) archiveRun(ctx context.Context, state *schemas.WorkflowState, result schemas.WorkflowResult, records []schemas.StepRecord, start time.Time) {
	if e.archive == nil {
		return
	}
	run := schemas.WorkflowRun{
		RunID:          uuid.NewString(),
		AppName:        state.AppName,
		TaskName:       state.TaskName,
		TaskQuery:      state.TaskQuery,
		Success:        result.Success,
		StepsCompleted: result.StepsCompleted,
		ScreenshotCnt:  len(result.Screenshots),
		Error:          result.Error,
		FinalURL:       result.FinalURL,
		StartedAt:      start.UTC(),
		FinishedAt:     e.now().UTC(),
	}
	for i := range records {
		records[i].RunID = run.RunID
	}
	if err := e.archive.ArchiveRun(ctx, run, records); err != nil {
		e.logger.Warn("Run archive write failed.",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
}

func (e *Engine) stepRecord(outcome *stepOutcome) schemas.StepRecord {
	return schemas.StepRecord{
		StepIndex:   outcome.index,
		ActionType:  string(outcome.step.ActionType),
		Selector:    outcome.step.Selector,
		Description: outcome.step.Description,
		Success:     outcome.result.Success,
		Tier:        outcome.result.Tier,
		Attempts:    outcome.result.Attempts,
		Err:         outcome.result.Err,
		RecordedAt:  e.now().UTC(),
	}
}

func workflowStatus(result schemas.WorkflowResult) string {
	if result.Success {
		return "completed"
	}
	return "errored"
}

func navigationContext(performed *stepOutcome) map[string]any {
	return map[string]any{
		"step":     performed.index,
		"action":   string(performed.step.ActionType),
		"selector": performed.step.Selector,
		"success":  performed.result.Success,
		"tier":     string(performed.result.Tier),
		"attempts": performed.result.Attempts,
	}
}

func lastScreenshot(state *schemas.WorkflowState) string {
	if len(state.Screenshots) == 0 {
		return ""
	}
	return state.Screenshots[len(state.Screenshots)-1]
}

func describeStep(step schemas.NavigationStep) string {
	switch step.ActionType {
	case schemas.ActionNavigate:
		return fmt.Sprintf("navigate to %s", step.URL)
	case schemas.ActionTypeText:
		return fmt.Sprintf("type %q into %s", step.Text, targetOf(step))
	default:
		return fmt.Sprintf("%s %s", step.ActionType, targetOf(step))
	}
}

func targetOf(step schemas.NavigationStep) string {
	if step.Selector != "" {
		return step.Selector
	}
	if step.Description != "" {
		return fmt.Sprintf("%q", step.Description)
	}
	return "the page"
}
