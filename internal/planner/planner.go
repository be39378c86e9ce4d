// internal/planner/planner.go

// Package planner turns a natural-language task into an ordered list of
// navigation steps. It puts the app on screen first so the LLM plans
// against the URL the browser actually landed on, and it degrades through
// progressively looser parses rather than failing: strict JSON, then a
// line scan, then a bare navigate-to-the-app plan.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const plannerTemperature = 0.7

// NavigateSession is the slice of the browser session the planner needs to
// put the app on screen before asking for a plan.
type NavigateSession interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
}

const planSystemPrompt = `You are a web UI navigation planner. You are given a task and the URL the browser is currently on, and you produce the ordered actions that complete the task.

Respond with a single JSON array and nothing else. Each element:
{
  "action_type": <"click"|"type"|"wait"|"navigate">,
  "selector": <CSS selector when one is predictable, else omit>,
  "text": <for type actions the text to enter, for click actions the visible label of the target>,
  "description": <short description of what the action does>,
  "url": <for navigate actions, the absolute URL>
}

Keep plans short and concrete. Prefer selectors with stable ids or names. Never invent pages you have not been shown.`

// Planner asks the LLM for a navigation plan against the live app.
type Planner struct {
	session NavigateSession
	llm     schemas.LLMClient
	cfg     config.WorkflowConfig
	logger  *zap.Logger
}

func New(session NavigateSession, llm schemas.LLMClient, cfg config.WorkflowConfig, logger *zap.Logger) *Planner {
	return &Planner{
		session: session,
		llm:     llm,
		cfg:     cfg,
		logger:  logger.Named("planner"),
	}
}

// Plan navigates to the app and asks for an ordered action list. It never
// fails: a dead LLM or an unparseable reply degrades to a single navigate
// step, and a failed pre-navigation is left for the engine's own navigate
// handling to surface.
func (p *Planner) Plan(ctx context.Context, taskQuery, appURL string) []schemas.NavigationStep {
	currentURL := appURL
	if err := p.session.Navigate(ctx, appURL); err != nil {
		p.logger.Warn("Pre-plan navigation failed, planning against the target URL.",
			zap.String("url", appURL), zap.Error(err))
	} else if url, err := p.session.URL(ctx); err == nil && url != "" {
		currentURL = url
	}

	reply, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   buildPlanPrompt(taskQuery, currentURL),
		Tier:         p.tier(),
		Options:      schemas.GenerationOptions{Temperature: plannerTemperature, ForceJSONFormat: true},
	})
	if err != nil {
		p.logger.Warn("Planner LLM call failed, falling back to a bare navigation plan.", zap.Error(err))
		return fallbackPlan(appURL, "")
	}

	steps := parsePlan(reply, appURL)
	p.logger.Info("Navigation plan ready.",
		zap.String("task", taskQuery), zap.Int("steps", len(steps)))
	return steps
}

func (p *Planner) tier() schemas.ModelTier {
	if strings.EqualFold(p.cfg.PlannerTier, string(schemas.TierFast)) {
		return schemas.TierFast
	}
	return schemas.TierPowerful
}

func buildPlanPrompt(taskQuery, currentURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", taskQuery)
	fmt.Fprintf(&b, "Current URL: %s\n\n", currentURL)
	b.WriteString("Determine the navigation steps needed:\n")
	b.WriteString("1. Identify buttons or links to click\n")
	b.WriteString("2. Identify forms to fill\n")
	b.WriteString("3. Identify modals to open\n")
	b.WriteString("4. Put the steps in execution order\n")
	return b.String()
}

// parsePlan extracts steps from a reply, degrading from strict JSON to a
// line scan to a bare navigation plan. It always returns at least one step.
func parsePlan(reply, appURL string) []schemas.NavigationStep {
	if steps := decodePlanArray(reply, appURL); len(steps) > 0 {
		return steps
	}
	if steps := scanPlanLines(reply, appURL); len(steps) > 0 {
		return steps
	}
	return fallbackPlan(appURL, strings.TrimSpace(reply))
}

// plannedStep tolerates the key variants models actually emit.
type plannedStep struct {
	ActionType  string `json:"action_type"`
	Action      string `json:"action"`
	Selector    string `json:"selector"`
	Description string `json:"description"`
	Text        string `json:"text"`
	Value       string `json:"value"`
	URL         string `json:"url"`
}

func decodePlanArray(reply, appURL string) []schemas.NavigationStep {
	block, ok := extractBalancedArray(reply)
	if !ok {
		return nil
	}
	var raw []plannedStep
	if err := json.UnmarshalFromString(block, &raw); err != nil {
		return nil
	}

	steps := make([]schemas.NavigationStep, 0, len(raw))
	for _, r := range raw {
		if step, ok := normalizeStep(r, appURL); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

func normalizeStep(r plannedStep, appURL string) (schemas.NavigationStep, bool) {
	var actionType schemas.ActionType
	switch strings.ToLower(strings.TrimSpace(firstNonEmpty(r.ActionType, r.Action))) {
	case "click", "press", "tap":
		actionType = schemas.ActionClick
	case "type", "fill", "input":
		actionType = schemas.ActionTypeText
	case "wait", "wait_for":
		actionType = schemas.ActionWait
	case "navigate", "goto", "open":
		actionType = schemas.ActionNavigate
	default:
		return schemas.NavigationStep{}, false
	}

	step := schemas.NavigationStep{
		ActionType:  actionType,
		Selector:    strings.TrimSpace(r.Selector),
		Description: strings.TrimSpace(r.Description),
		Text:        strings.TrimSpace(firstNonEmpty(r.Text, r.Value)),
		URL:         strings.TrimSpace(r.URL),
	}
	if actionType == schemas.ActionNavigate && step.URL == "" {
		step.URL = appURL
	}
	return step, true
}

var (
	listMarkerPattern = regexp.MustCompile(`^\s*(?:\d+[.)]\s*|[-*]\s*)`)
	urlPattern        = regexp.MustCompile(`https?://[^\s"'<>)]+`)
)

// scanPlanLines is the loose fallback: any line that talks about clicking,
// typing, or navigating becomes a step. Such steps carry no selector; the
// cascade's text tiers work from the description.
func scanPlanLines(reply, appURL string) []schemas.NavigationStep {
	var steps []schemas.NavigationStep
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(listMarkerPattern.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}

		lower := strings.ToLower(line)
		var actionType schemas.ActionType
		switch {
		case strings.Contains(lower, "click"):
			actionType = schemas.ActionClick
		case strings.Contains(lower, "type"):
			actionType = schemas.ActionTypeText
		case strings.Contains(lower, "navigate"):
			actionType = schemas.ActionNavigate
		default:
			continue
		}

		step := schemas.NavigationStep{ActionType: actionType, Description: line}
		if actionType == schemas.ActionNavigate {
			if step.URL = urlPattern.FindString(line); step.URL == "" {
				step.URL = appURL
			}
		}
		steps = append(steps, step)
	}
	return steps
}

func fallbackPlan(appURL, description string) []schemas.NavigationStep {
	if description == "" {
		description = "navigate to " + appURL
	}
	return []schemas.NavigationStep{{
		ActionType:  schemas.ActionNavigate,
		URL:         appURL,
		Description: description,
	}}
}

// extractBalancedArray returns the first balanced top-level [...] block,
// tracking string literals so brackets inside quoted text do not count.
func extractBalancedArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
