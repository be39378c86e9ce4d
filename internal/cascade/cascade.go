// internal/cascade/cascade.go

// Package cascade orders the three interaction tiers and falls through them
// one hop at a time: the session's own DOM operations, then the
// resolver-backed driver, then OCR. Each tier owns its internal retries; the
// cascade never re-enters a tier that already failed.
package cascade

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/interaction"
	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/visual"
)

const (
	// primaryAttemptTimeout bounds the native tier so a mismatched selector
	// fails over quickly instead of consuming the whole action budget.
	primaryAttemptTimeout = 5 * time.Second
	// defaultWaitTimeout is the per-tier budget for wait steps.
	defaultWaitTimeout = 10 * time.Second
)

// PrimarySession is the native-operation slice of the browser session.
type PrimarySession interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
}

// SecondaryDriver is the resolver-backed interaction driver.
type SecondaryDriver interface {
	Click(ctx context.Context, loc schemas.Locator) error
	Type(ctx context.Context, loc schemas.Locator, text string) error
	WaitFor(ctx context.Context, loc schemas.Locator, state schemas.ElementState, timeout time.Duration) error
}

// VisualDriver is the OCR tier. Available is checked before every use.
type VisualDriver interface {
	Available() bool
	ClickButton(ctx context.Context, text string, region *image.Rectangle) error
	FindInputByLabel(ctx context.Context, label, value string) error
	WaitForText(ctx context.Context, text string, timeout time.Duration) (visual.Match, error)
}

var (
	_ SecondaryDriver = (*interaction.Driver)(nil)
	_ VisualDriver    = (*visual.Driver)(nil)
)

// Cascade routes one planned step through the tiers and reports which tier
// carried it.
type Cascade struct {
	session PrimarySession
	driver  SecondaryDriver
	visual  VisualDriver
	metrics *observability.Collector
	logger  *zap.Logger
}

// New builds a cascade over the three tiers. metrics may be nil.
func New(session PrimarySession, driver SecondaryDriver, vis VisualDriver, metrics *observability.Collector, logger *zap.Logger) *Cascade {
	return &Cascade{
		session: session,
		driver:  driver,
		visual:  vis,
		metrics: metrics,
		logger:  logger.Named("cascade"),
	}
}

// Perform executes one step, falling through the tiers on failure. The
// result is produced once and records the succeeding tier, the number of
// tier attempts, and the last error when everything failed.
func (c *Cascade) Perform(ctx context.Context, step schemas.NavigationStep) schemas.InteractionResult {
	start := time.Now()
	res := c.perform(ctx, step)
	c.metrics.RecordInteraction(string(step.ActionType), string(res.Tier), res.Success, time.Since(start))

	if res.Success {
		c.logger.Info("Step performed.",
			zap.String("action", string(step.ActionType)),
			zap.String("tier", string(res.Tier)),
			zap.Int("attempts", res.Attempts))
	} else {
		c.logger.Warn("Step failed on every tier.",
			zap.String("action", string(step.ActionType)),
			zap.Int("attempts", res.Attempts),
			zap.String("error", res.Err))
	}
	return res
}

func (c *Cascade) perform(ctx context.Context, step schemas.NavigationStep) schemas.InteractionResult {
	if step.ActionType == schemas.ActionNavigate {
		return c.navigate(ctx, step)
	}

	attempts := 0
	var lastErr error

	// Tier 1: the session's own operations need a plain selector.
	if step.Selector != "" {
		attempts++
		err := c.primaryDo(ctx, step)
		if err == nil {
			return schemas.InteractionResult{Success: true, Tier: schemas.TierPrimary, Attempts: attempts}
		}
		lastErr = err
		c.logger.Debug("Native tier failed, falling back to resolver tier.",
			zap.String("selector", step.Selector), zap.Error(err))
	} else {
		c.logger.Debug("Step carries no selector, starting at the resolver tier.",
			zap.String("action", string(step.ActionType)))
	}

	// Tier 2: multi-strategy resolution.
	attempts++
	err := c.secondaryDo(ctx, step)
	if err == nil {
		return schemas.InteractionResult{Success: true, Tier: schemas.TierSecondary, Attempts: attempts}
	}
	lastErr = err

	// Tier 3: OCR, only when the capability initialized.
	if c.visual == nil || !c.visual.Available() {
		return failureResult(attempts, lastErr)
	}
	attempts++
	c.logger.Debug("Resolver tier failed, falling back to the visual tier.", zap.Error(lastErr))
	if err := c.visualDo(ctx, step); err != nil {
		return failureResult(attempts, err)
	}
	return schemas.InteractionResult{Success: true, Tier: schemas.TierVisual, Attempts: attempts}
}

// navigate runs on the native tier only. There is no visual or resolver
// equivalent, and the engine treats its failure as fatal.
func (c *Cascade) navigate(ctx context.Context, step schemas.NavigationStep) schemas.InteractionResult {
	if err := c.session.Navigate(ctx, step.URL); err != nil {
		return failureResult(1, err)
	}
	return schemas.InteractionResult{Success: true, Tier: schemas.TierPrimary, Attempts: 1}
}

func (c *Cascade) primaryDo(ctx context.Context, step schemas.NavigationStep) error {
	switch step.ActionType {
	case schemas.ActionClick:
		pctx, cancel := context.WithTimeout(ctx, primaryAttemptTimeout)
		defer cancel()
		return c.session.Click(pctx, step.Selector)
	case schemas.ActionTypeText:
		pctx, cancel := context.WithTimeout(ctx, primaryAttemptTimeout)
		defer cancel()
		return c.session.Type(pctx, step.Selector, step.Text)
	case schemas.ActionWait:
		return c.session.WaitForSelector(ctx, step.Selector, defaultWaitTimeout)
	}
	return fmt.Errorf("unsupported action type %q", step.ActionType)
}

func (c *Cascade) secondaryDo(ctx context.Context, step schemas.NavigationStep) error {
	switch step.ActionType {
	case schemas.ActionClick:
		return c.driver.Click(ctx, clickLocator(step))
	case schemas.ActionTypeText:
		return c.driver.Type(ctx, typeLocator(step), step.Text)
	case schemas.ActionWait:
		return c.driver.WaitFor(ctx, waitLocator(step), schemas.ElementVisible, defaultWaitTimeout)
	}
	return fmt.Errorf("unsupported action type %q", step.ActionType)
}

func (c *Cascade) visualDo(ctx context.Context, step schemas.NavigationStep) error {
	switch step.ActionType {
	case schemas.ActionClick:
		label := firstNonEmpty(step.Text, step.Description)
		if label == "" {
			return fmt.Errorf("step carries no text for visual targeting")
		}
		return c.visual.ClickButton(ctx, label, nil)
	case schemas.ActionTypeText:
		if step.Description == "" {
			return fmt.Errorf("step carries no label for visual targeting")
		}
		return c.visual.FindInputByLabel(ctx, step.Description, step.Text)
	case schemas.ActionWait:
		target := firstNonEmpty(step.Text, step.Description)
		if target == "" {
			return fmt.Errorf("step carries no text for visual targeting")
		}
		_, err := c.visual.WaitForText(ctx, target, defaultWaitTimeout)
		return err
	}
	return fmt.Errorf("unsupported action type %q", step.ActionType)
}

// -- locator derivation --

// clickLocator prefers the planner's selector, then the element's visible
// text.
func clickLocator(step schemas.NavigationStep) schemas.Locator {
	if step.Selector != "" {
		return schemas.CSS(step.Selector)
	}
	if step.Text != "" {
		return schemas.Text(step.Text)
	}
	return schemas.Text(step.Description)
}

// typeLocator cannot use step.Text (that is the value to type), so it falls
// back to the description as a form label.
func typeLocator(step schemas.NavigationStep) schemas.Locator {
	if step.Selector != "" {
		return schemas.CSS(step.Selector)
	}
	return schemas.Locator{Strategy: schemas.LocatorLabel, Value: step.Description}
}

func waitLocator(step schemas.NavigationStep) schemas.Locator {
	if step.Selector != "" {
		return schemas.CSS(step.Selector)
	}
	if step.Text != "" {
		return schemas.Text(step.Text)
	}
	return schemas.Text(step.Description)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func failureResult(attempts int, err error) schemas.InteractionResult {
	res := schemas.InteractionResult{Success: false, Tier: schemas.TierNone, Attempts: attempts}
	if err != nil {
		res.Err = err.Error()
	}
	return res
}
