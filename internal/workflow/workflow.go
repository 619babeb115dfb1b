package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rahul/droidpilot/internal/store"
)

// ActionType is the kind of work a step performs.
type ActionType string

const (
	ActionLaunchApp       ActionType = "launch_app"
	ActionSearch          ActionType = "search"
	ActionFilter          ActionType = "filter"
	ActionExtractData     ActionType = "extract_data"
	ActionSendMessage     ActionType = "send_message"
	ActionCreateEvent     ActionType = "create_event"
	ActionTap             ActionType = "tap"
	ActionTypeText        ActionType = "type"
	ActionScroll          ActionType = "scroll"
	ActionWait            ActionType = "wait"
	ActionSwipe           ActionType = "swipe"
	ActionLongPress       ActionType = "long_press"
	ActionBack            ActionType = "back"
	ActionHome            ActionType = "home"
	ActionRecentApps      ActionType = "recent_apps"
	ActionTakeScreenshot  ActionType = "take_screenshot"
	ActionReadScreen      ActionType = "read_screen"
	ActionSimpleTask      ActionType = "simple_task"
	ActionComplexSequence ActionType = "complex_sequence"
	ActionConditional     ActionType = "conditional"
	ActionLoop            ActionType = "loop"
)

// Context keys the engine and scheduler rely on.
const (
	ContextDescription = "description"
	ContextChatID      = "chat_id"
)

// DefaultStepTimeout applies to steps that do not set their own.
const DefaultStepTimeout = 30 * time.Second

// Step is one node of a workflow graph.
type Step struct {
	ID                   string            `yaml:"id" json:"id"`
	Name                 string            `yaml:"name" json:"name"`
	Action               ActionType        `yaml:"action" json:"action"`
	TargetApp            string            `yaml:"target_app,omitempty" json:"target_app,omitempty"`
	Parameters           map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Dependencies         []string          `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Retryable            bool              `yaml:"retryable" json:"retryable"`
	Timeout              time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RequiresConfirmation bool              `yaml:"requires_confirmation,omitempty" json:"requires_confirmation,omitempty"`
	Parallel             bool              `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Template             string            `yaml:"template,omitempty" json:"template,omitempty"`
}

// UnmarshalYAML makes steps retryable unless they say otherwise.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type plain Step
	p := plain{Retryable: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

func (s Step) timeoutOr(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if def > 0 {
		return def
	}
	return DefaultStepTimeout
}

// Workflow is an ordered list of steps plus the caller's context.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
	Context     map[string]string
}

// StepIDs returns the ids of all steps in declaration order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Execution is the mutable progress of one workflow run. Parallel steps
// update it concurrently.
type Execution struct {
	WorkflowID string
	Workflow   *Workflow
	StartTime  time.Time

	mu        sync.RWMutex
	completed map[string]bool
	order     []string
	outputs   map[string]string
	current   string
	stopped   bool
	stopWhy   string
}

func NewExecution(wf *Workflow) *Execution {
	return &Execution{
		WorkflowID: wf.ID,
		Workflow:   wf,
		StartTime:  time.Now(),
		completed:  make(map[string]bool),
		outputs:    make(map[string]string),
	}
}

// MarkStepCompleted records id as done and returns how many steps are done.
func (e *Execution) MarkStepCompleted(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.completed[id] {
		e.completed[id] = true
		e.order = append(e.order, id)
	}
	return len(e.order)
}

func (e *Execution) IsStepCompleted(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completed[id]
}

func (e *Execution) AddOutput(id, output string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[id] = output
}

func (e *Execution) Output(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, ok := e.outputs[id]
	return out, ok
}

// CompletedSteps returns completed step ids in completion order.
func (e *Execution) CompletedSteps() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

func (e *Execution) Outputs() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out
}

// RemainingSteps returns the ids of steps not yet completed, in declaration order.
func (e *Execution) RemainingSteps() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for _, s := range e.Workflow.Steps {
		if !e.completed[s.ID] {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (e *Execution) setCurrent(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = id
}

// Stop prevents any further step from starting. Steps already running
// are left alone.
func (e *Execution) Stop(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.stopped = true
		e.stopWhy = reason
	}
}

func (e *Execution) Stopped() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped, e.stopWhy
}

// Checkpoint snapshots the execution for the state store.
func (e *Execution) Checkpoint() store.Checkpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := store.Checkpoint{
		WorkflowID:     e.WorkflowID,
		CompletedSteps: append([]string(nil), e.order...),
		Outputs:        make(map[string]string, len(e.outputs)),
		Context:        make(map[string]string, len(e.Workflow.Context)+1),
	}
	for k, v := range e.outputs {
		cp.Outputs[k] = v
	}
	for k, v := range e.Workflow.Context {
		cp.Context[k] = v
	}
	if _, ok := cp.Context[ContextDescription]; !ok && e.Workflow.Description != "" {
		cp.Context[ContextDescription] = e.Workflow.Description
	}
	if n := len(e.order); n > 0 {
		cp.LastCompletedStep = e.order[n-1]
	}
	return cp
}

// Restore marks the checkpoint's steps completed and reloads its outputs.
// Steps the workflow does not know are ignored.
func (e *Execution) Restore(cp *store.Checkpoint) {
	known := make(map[string]bool, len(e.Workflow.Steps))
	for _, s := range e.Workflow.Steps {
		known[s.ID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range cp.CompletedSteps {
		if known[id] && !e.completed[id] {
			e.completed[id] = true
			e.order = append(e.order, id)
		}
	}
	for k, v := range cp.Outputs {
		e.outputs[k] = v
	}
}

// Progress is a point-in-time view of a running workflow.
type Progress struct {
	WorkflowID     string            `json:"workflow_id"`
	Name           string            `json:"name"`
	CurrentStep    string            `json:"current_step,omitempty"`
	CompletedSteps int               `json:"completed_steps"`
	TotalSteps     int               `json:"total_steps"`
	Running        bool              `json:"running"`
	StartTime      time.Time         `json:"start_time"`
	Outputs        map[string]string `json:"outputs,omitempty"`
}

func (e *Execution) Progress() Progress {
	outputs := e.Outputs()
	e.mu.RLock()
	defer e.mu.RUnlock()
	current := ""
	for _, s := range e.Workflow.Steps {
		if s.ID == e.current {
			current = s.Name
		}
	}
	return Progress{
		WorkflowID:     e.WorkflowID,
		Name:           e.Workflow.Name,
		CurrentStep:    current,
		CompletedSteps: len(e.order),
		TotalSteps:     len(e.Workflow.Steps),
		Running:        !e.stopped && e.current != "",
		StartTime:      e.StartTime,
		Outputs:        outputs,
	}
}

// Status is the terminal shape of a workflow run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Result is what Engine reports when a workflow run ends.
type Result struct {
	Status     Status
	WorkflowID string
	Completed  []string
	Remaining  []string
	Outputs    map[string]string
	Err        error
	CanRetry   bool
}

func (r Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("workflow %s succeeded: %d steps", r.WorkflowID, len(r.Completed))
	case StatusPartial:
		return fmt.Sprintf("workflow %s stopped early: %d done, remaining %s",
			r.WorkflowID, len(r.Completed), strings.Join(r.Remaining, ", "))
	default:
		return fmt.Sprintf("workflow %s failed after %d steps: %v", r.WorkflowID, len(r.Completed), r.Err)
	}
}

// Summary renders the outputs in step order for a human.
func (r Result) Summary() string {
	ids := make([]string, 0, len(r.Outputs))
	for id := range r.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString(r.String())
	for _, id := range ids {
		fmt.Fprintf(&b, "\n- step %s: %s", id, r.Outputs[id])
	}
	return b.String()
}
