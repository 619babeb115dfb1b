package store

import "time"

// Checkpoint is a snapshot of an in-flight workflow.
type Checkpoint struct {
	WorkflowID        string            `json:"workflow_id"`
	CompletedSteps    []string          `json:"completed_steps"`
	Outputs           map[string]string `json:"outputs"`
	LastCompletedStep string            `json:"last_completed_step,omitempty"`
	Context           map[string]string `json:"context"`
	SavedAt           time.Time         `json:"saved_at"`
}

// FailedWorkflowRecord is an archived checkpoint of a workflow that failed.
type FailedWorkflowRecord struct {
	ID         int64      `json:"id"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Error      string     `json:"error"`
	Stack      string     `json:"stack"`
	FailedAt   time.Time  `json:"failed_at"`
}
