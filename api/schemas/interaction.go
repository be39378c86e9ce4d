package schemas

// -- Interaction Schemas --

// Tier identifies one layer of the interaction fallback cascade.
type Tier string

const (
	// TierPrimary is the browser session's own DOM operations.
	TierPrimary Tier = "primary"
	// TierSecondary is the multi-strategy resolver-backed driver.
	TierSecondary Tier = "secondary"
	// TierVisual is the OCR/pixel-based last resort.
	TierVisual Tier = "visual"
	// TierNone is reported when no tier succeeded.
	TierNone Tier = "none"
)

// InteractionResult reports the outcome of one requested action after the
// cascade has run. It is produced once and never mutated.
type InteractionResult struct {
	Success  bool   `json:"success"`
	Tier     Tier   `json:"tier_used"`
	Attempts int    `json:"attempts"`
	Err      string `json:"error,omitempty"`
}

// ActionType is the kind of step the navigation planner can emit.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionWait     ActionType = "wait"
	ActionNavigate ActionType = "navigate"
)

// NavigationStep is one planned action in a workflow. Selector is a plain
// CSS selector chosen by the planner; the cascade widens it into the full
// locator strategy set when the direct match fails.
type NavigationStep struct {
	ActionType  ActionType `json:"action_type"`
	Selector    string     `json:"selector,omitempty"`
	Description string     `json:"description,omitempty"`
	Text        string     `json:"text,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// ElementState names the condition WaitFor blocks on.
type ElementState string

const (
	ElementVisible   ElementState = "visible"
	ElementClickable ElementState = "clickable"
	ElementPresent   ElementState = "present"
)
