// internal/validator/validator.go

// Package validator judges captured page state after each workflow action.
// It always returns a judgment: LLM-parsed when possible, heuristic when the
// reply is free-form, terminal when the snapshot itself cannot be captured.
package validator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	contentExcerptLimit = 1200
	domExcerptLimit     = 2500
	defaultHistoryLimit = 20

	// heuristicConfidence marks a judgment recovered from free-form text.
	heuristicConfidence = 0.3
	// partialConfidence marks a parsed reply with defaulted fields.
	partialConfidence = 0.5
)

// Compiled once; a malformed expression fails at startup, not mid-run.
var (
	modalExpr = xpath.MustCompile(`//*[@role='dialog' or @role='alertdialog' or contains(@class, 'modal')]`)
	formExpr  = xpath.MustCompile(`//form`)
)

// SnapshotSession is the read-only slice of the browser session the
// validator snapshots.
type SnapshotSession interface {
	URL(ctx context.Context) (string, error)
	Text(ctx context.Context, selector string) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Validator captures snapshots, asks the LLM for a judgment, and keeps a
// bounded history for regression detection.
type Validator struct {
	session SnapshotSession
	llm     schemas.LLMClient
	cfg     config.ValidatorConfig
	metrics *observability.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	history []schemas.StateSnapshot
}

// New builds a validator. llm may be nil when cfg.UseLLM is false; metrics
// may be nil.
func New(session SnapshotSession, llm schemas.LLMClient, cfg config.ValidatorConfig, metrics *observability.Collector, logger *zap.Logger) *Validator {
	return &Validator{
		session: session,
		llm:     llm,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("validator"),
	}
}

// Validate snapshots the page and judges it against the expectation. It
// never returns an error: a failed capture produces a terminal result with
// zero confidence so the workflow loop needs no exception handling here.
func (v *Validator) Validate(ctx context.Context, expectedState, previousAction, actionContext string) schemas.ValidationResult {
	snap, domExcerpt, err := v.captureSnapshot(ctx)
	if err != nil {
		v.logger.Warn("State capture failed, returning terminal validation result.", zap.Error(err))
		res := schemas.ValidationResult{
			Valid:      false,
			StateType:  schemas.StateError,
			Confidence: 0,
			Issues:     []string{fmt.Sprintf("state capture failed: %v", err)},
		}
		v.metrics.RecordValidation("capture_failure", false, 0)
		return res
	}

	regression := v.detectRegression(snap.URL, snap.StateType)

	var res schemas.ValidationResult
	var source string
	if v.cfg.UseLLM && v.llm != nil {
		res, source = v.judge(ctx, snap, domExcerpt, expectedState, previousAction, actionContext)
	} else {
		res, source = v.structuralJudgment(snap), "structural"
	}

	if res.StateType == "" {
		res.StateType = snap.StateType
	}
	res.RegressionDetected = res.RegressionDetected || regression
	if regression {
		v.logger.Warn("State regression detected.",
			zap.String("url", snap.URL), zap.String("state_type", string(snap.StateType)))
	}

	v.record(snap, res)
	v.metrics.RecordValidation(source, res.Valid, res.Confidence)
	return res
}

// History returns a copy of the recorded snapshots, oldest first.
func (v *Validator) History() []schemas.StateSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]schemas.StateSnapshot, len(v.history))
	copy(out, v.history)
	return out
}

// -- snapshot capture --

func (v *Validator) captureSnapshot(ctx context.Context) (schemas.StateSnapshot, string, error) {
	url, err := v.session.URL(ctx)
	if err != nil {
		return schemas.StateSnapshot{}, "", fmt.Errorf("url read failed: %w", err)
	}
	dom, err := v.session.HTML(ctx)
	if err != nil {
		return schemas.StateSnapshot{}, "", fmt.Errorf("dom read failed: %w", err)
	}
	text, err := v.session.Text(ctx, "body")
	if err != nil {
		return schemas.StateSnapshot{}, "", fmt.Errorf("text read failed: %w", err)
	}

	var modalCount, formCount int
	if doc, parseErr := htmlquery.Parse(strings.NewReader(dom)); parseErr != nil {
		v.logger.Debug("DOM parse failed, counting zero nodes.", zap.Error(parseErr))
	} else {
		modalCount = countNodes(doc, modalExpr)
		formCount = countNodes(doc, formExpr)
	}
	excerpt := truncate(strings.Join(strings.Fields(text), " "), contentExcerptLimit)

	snap := schemas.StateSnapshot{
		URL:            url,
		StateType:      classifyState(modalCount, formCount, excerpt),
		ModalCount:     modalCount,
		FormCount:      formCount,
		ContentExcerpt: excerpt,
		Timestamp:      time.Now().UTC(),
	}
	return snap, truncate(dom, domExcerptLimit), nil
}

func countNodes(doc *html.Node, expr *xpath.Expr) int {
	return len(htmlquery.QuerySelectorAll(doc, expr))
}

func classifyState(modalCount, formCount int, text string) schemas.StateType {
	switch {
	case modalCount > 0:
		return schemas.StateModal
	case formCount > 0:
		return schemas.StateForm
	case strings.Contains(strings.ToLower(text), "loading"):
		return schemas.StateLoading
	}
	return schemas.StateURL
}

// -- judgment --

const judgeSystemPrompt = `You are a web automation state validator. You inspect a snapshot of a web page captured after an automation action and judge whether the action left the page in a sane, expected state.

Respond with a single JSON object and nothing else:
{
  "valid": <bool, page state is coherent and matches the expectation>,
  "issues": [<strings, specific problems found, empty when none>],
  "ready_to_proceed": <bool, safe to run the next action now>,
  "state_type": <"url_state"|"modal_state"|"form_state"|"loading_state"|"error_state">,
  "silent_failure_detected": <bool, the previous action produced no observable effect>,
  "confidence": <number 0.0-1.0>
}`

// llmJudgment mirrors the reply contract. Pointer fields distinguish
// "absent" from "false".
type llmJudgment struct {
	Valid                 *bool    `json:"valid"`
	Issues                []string `json:"issues"`
	ReadyToProceed        *bool    `json:"ready_to_proceed"`
	StateType             string   `json:"state_type"`
	SilentFailureDetected *bool    `json:"silent_failure_detected"`
	Confidence            *float64 `json:"confidence"`
}

func (v *Validator) judge(ctx context.Context, snap schemas.StateSnapshot, domExcerpt, expectedState, previousAction, actionContext string) (schemas.ValidationResult, string) {
	reply, err := v.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: judgeSystemPrompt,
		UserPrompt:   v.buildJudgePrompt(snap, domExcerpt, expectedState, previousAction, actionContext),
		Tier:         v.tier(),
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	if err != nil {
		v.logger.Warn("Validation LLM call failed, using heuristic judgment.", zap.Error(err))
		res := heuristicJudgment("", snap.StateType)
		res.Issues = append(res.Issues, fmt.Sprintf("validation call failed: %v", err))
		return res, "heuristic"
	}

	block, ok := extractBalancedBlock(reply)
	if !ok {
		return heuristicJudgment(reply, snap.StateType), "heuristic"
	}
	var j llmJudgment
	if err := json.UnmarshalFromString(block, &j); err != nil {
		v.logger.Debug("Judgment block did not decode, using heuristic.", zap.Error(err))
		return heuristicJudgment(reply, snap.StateType), "heuristic"
	}

	complete := j.Valid != nil && j.ReadyToProceed != nil && j.Confidence != nil
	res := schemas.ValidationResult{
		Issues:    j.Issues,
		StateType: parseStateType(j.StateType, snap.StateType),
	}
	if j.Valid != nil {
		res.Valid = *j.Valid
	}
	if j.ReadyToProceed != nil {
		res.ReadyToProceed = *j.ReadyToProceed
	}
	if j.SilentFailureDetected != nil {
		res.SilentFailureDetected = *j.SilentFailureDetected
	}
	if complete {
		res.Confidence = clamp01(*j.Confidence)
	} else {
		res.Confidence = partialConfidence
	}
	if res.SilentFailureDetected {
		v.logger.Warn("Silent failure reported by validation judgment.",
			zap.String("previous_action", previousAction))
	}
	return res, "llm"
}

func (v *Validator) buildJudgePrompt(snap schemas.StateSnapshot, domExcerpt, expectedState, previousAction, actionContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current page snapshot:\n")
	fmt.Fprintf(&b, "- URL: %s\n", snap.URL)
	fmt.Fprintf(&b, "- State type: %s\n", snap.StateType)
	fmt.Fprintf(&b, "- Open modals: %d, forms: %d\n", snap.ModalCount, snap.FormCount)
	fmt.Fprintf(&b, "- Visible text excerpt: %s\n", snap.ContentExcerpt)
	fmt.Fprintf(&b, "- DOM excerpt: %s\n", domExcerpt)

	if expectedState != "" {
		fmt.Fprintf(&b, "\nExpected state: %s\n", expectedState)
	}
	if previousAction != "" {
		fmt.Fprintf(&b, "Previous action: %s\n", previousAction)
	}
	if actionContext != "" {
		fmt.Fprintf(&b, "Action context: %s\n", actionContext)
	}

	if prev, ok := v.lastSnapshot(); ok {
		fmt.Fprintf(&b, "\nPrevious snapshot (for regression comparison):\n")
		fmt.Fprintf(&b, "- URL: %s\n", prev.URL)
		fmt.Fprintf(&b, "- State type: %s\n", prev.StateType)
		fmt.Fprintf(&b, "- Open modals: %d, forms: %d\n", prev.ModalCount, prev.FormCount)
	}
	return b.String()
}

// heuristicJudgment classifies a free-form reply by keyword presence. Its
// confidence is fixed low so downstream consumers can weigh it.
func heuristicJudgment(reply string, stateType schemas.StateType) schemas.ValidationResult {
	lower := strings.ToLower(reply)
	return schemas.ValidationResult{
		Valid:          strings.Contains(lower, "valid") && strings.Contains(lower, "true"),
		ReadyToProceed: strings.Contains(lower, "ready") && strings.Contains(lower, "proceed"),
		StateType:      stateType,
		Confidence:     heuristicConfidence,
	}
}

// structuralJudgment is used when the LLM is disabled: the page is taken at
// face value and the only gate is an open modal.
func (v *Validator) structuralJudgment(snap schemas.StateSnapshot) schemas.ValidationResult {
	return schemas.ValidationResult{
		Valid:          snap.StateType != schemas.StateError,
		ReadyToProceed: snap.ModalCount == 0,
		StateType:      snap.StateType,
		Confidence:     partialConfidence,
	}
}

func (v *Validator) tier() schemas.ModelTier {
	if strings.EqualFold(v.cfg.ModelTier, string(schemas.TierPowerful)) {
		return schemas.TierPowerful
	}
	return schemas.TierFast
}

// -- history and regression --

func (v *Validator) record(snap schemas.StateSnapshot, res schemas.ValidationResult) {
	snap.Validation = res

	limit := v.cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = append(v.history, snap)
	if len(v.history) > limit {
		v.history = v.history[len(v.history)-limit:]
	}
}

func (v *Validator) lastSnapshot() (schemas.StateSnapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.history) == 0 {
		return schemas.StateSnapshot{}, false
	}
	return v.history[len(v.history)-1], true
}

// detectRegression reports a return to a previously recorded URL and state
// combination that the workflow had already moved past.
func (v *Validator) detectRegression(url string, stateType schemas.StateType) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.history)
	if n < 2 {
		return false
	}
	last := v.history[n-1]
	if last.URL == url && last.StateType == stateType {
		return false
	}
	for _, snap := range v.history[:n-1] {
		if snap.URL == url && snap.StateType == stateType {
			return true
		}
	}
	return false
}

// -- parsing helpers --

// extractBalancedBlock returns the first balanced top-level {...} block,
// tracking string literals so braces inside quoted text do not count.
func extractBalancedBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func parseStateType(raw string, fallback schemas.StateType) schemas.StateType {
	switch schemas.StateType(strings.TrimSpace(strings.ToLower(raw))) {
	case schemas.StateURL:
		return schemas.StateURL
	case schemas.StateModal:
		return schemas.StateModal
	case schemas.StateForm:
		return schemas.StateForm
	case schemas.StateLoading:
		return schemas.StateLoading
	case schemas.StateError:
		return schemas.StateError
	}
	return fallback
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
