package schemas

import "time"

// -- Workflow Schemas --

// WorkflowState is the mutable state of one workflow execution. It is
// created once per run, mutated exclusively by the workflow engine, and
// discarded when the run ends (only what the sync layer mirrors survives).
type WorkflowState struct {
	WorkflowID      string           `json:"workflow_id"`
	TaskQuery       string           `json:"task_query"`
	AppURL          string           `json:"app_url"`
	AppName         string           `json:"app_name"`
	TaskName        string           `json:"task_name"`
	NavigationSteps []NavigationStep `json:"navigation_steps"`
	CurrentStep     int              `json:"current_step"`
	Screenshots     []string         `json:"screenshots"`
	StateValid      bool             `json:"state_valid"`
	Completed       bool             `json:"completed"`
	Error           string           `json:"error,omitempty"`
}

// WorkflowResult is the terminal outcome returned to callers. Partial
// artifacts (screenshots collected so far) are populated even on failure.
type WorkflowResult struct {
	Success        bool     `json:"success"`
	Screenshots    []string `json:"screenshots"`
	StepsCompleted int      `json:"steps_completed"`
	Error          string   `json:"error,omitempty"`
	FinalURL       string   `json:"final_url,omitempty"`
}

// TaskRequest is the execute-API request body.
type TaskRequest struct {
	TaskQuery string `json:"task_query"`
	AppURL    string `json:"app_url"`
	AppName   string `json:"app_name"`
	TaskName  string `json:"task_name,omitempty"`
}

// TaskResponse is the execute-API response body. Screenshot paths are
// relative, with the local base-directory prefix stripped.
type TaskResponse struct {
	Success        bool     `json:"success"`
	Screenshots    []string `json:"screenshots"`
	StepsCompleted int      `json:"steps_completed"`
	Error          string   `json:"error,omitempty"`
	FinalURL       string   `json:"final_url,omitempty"`
}

// -- Run Archive Schemas --

// WorkflowRun is the persisted summary of one workflow execution.
type WorkflowRun struct {
	RunID          string    `json:"run_id"`
	AppName        string    `json:"app_name"`
	TaskName       string    `json:"task_name"`
	TaskQuery      string    `json:"task_query"`
	Success        bool      `json:"success"`
	StepsCompleted int       `json:"steps_completed"`
	ScreenshotCnt  int       `json:"screenshot_count"`
	Error          string    `json:"error,omitempty"`
	FinalURL       string    `json:"final_url,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// StepRecord is the persisted outcome of one cascade action inside a run.
type StepRecord struct {
	RunID       string    `json:"run_id"`
	StepIndex   int       `json:"step_index"`
	ActionType  string    `json:"action_type"`
	Selector    string    `json:"selector"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	Tier        Tier      `json:"tier_used"`
	Attempts    int       `json:"attempts"`
	Err         string    `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}
