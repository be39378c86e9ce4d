package schemas

import "time"

// -- State Validation Schemas --

// StateType is the validator's coarse classification of the current UI.
type StateType string

const (
	StateURL     StateType = "url_state"
	StateModal   StateType = "modal_state"
	StateForm    StateType = "form_state"
	StateLoading StateType = "loading_state"
	StateError   StateType = "error_state"
)

// ValidationResult is the validator's judgment of a captured snapshot.
// It is derived from an LLM reply when one can be parsed, and from a
// documented heuristic otherwise; the Confidence field records which.
type ValidationResult struct {
	Valid                 bool      `json:"valid"`
	Issues                []string  `json:"issues"`
	ReadyToProceed        bool      `json:"ready_to_proceed"`
	StateType             StateType `json:"state_type"`
	SilentFailureDetected bool      `json:"silent_failure_detected"`
	RegressionDetected    bool      `json:"regression_detected"`
	// Confidence is in [0,1]. 0.3 marks a heuristic fallback, 0.5 a parsed
	// reply with defaulted fields, 0.0 a terminal capture failure.
	Confidence float64 `json:"confidence"`
}

// StateSnapshot captures the observable page state after an action,
// together with the judgment made about it. Snapshots are appended to a
// bounded history owned by the validator.
type StateSnapshot struct {
	URL            string           `json:"url"`
	StateType      StateType        `json:"state_type"`
	ModalCount     int              `json:"modal_count"`
	FormCount      int              `json:"form_count"`
	ContentExcerpt string           `json:"content_excerpt"`
	Timestamp      time.Time        `json:"timestamp"`
	Validation     ValidationResult `json:"validation"`
}
