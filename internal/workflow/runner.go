package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rahul/droidpilot/internal/agent"
)

// ErrFatal marks a step error that neither retries nor recovery can fix.
var ErrFatal = errors.New("fatal")

// TaskRunner runs one natural-language task on the device.
type TaskRunner interface {
	Run(ctx context.Context, task agent.Task) agent.Result
}

// LoopRunner performs each step by handing an instruction derived from it
// to the control loop.
type LoopRunner struct {
	Loop TaskRunner

	// MaxIterations caps each step's loop run. Zero keeps the loop default.
	MaxIterations int
	Sleep         func(ctx context.Context, d time.Duration) error
}

func NewLoopRunner(loop TaskRunner) *LoopRunner {
	return &LoopRunner{Loop: loop}
}

func (r *LoopRunner) RunStep(ctx context.Context, exec *Execution, step Step) (string, error) {
	if step.Action == ActionWait {
		if d, ok := waitDuration(step); ok {
			log.Printf("[Workflow] %s: waiting %s for step %s", exec.WorkflowID, d, step.ID)
			if err := r.sleep(ctx, d); err != nil {
				return "", err
			}
			return fmt.Sprintf("waited %s", d), nil
		}
	}

	res := r.Loop.Run(ctx, agent.Task{
		ID:            exec.WorkflowID + "/" + step.ID,
		Instruction:   Instruction(exec, step),
		MaxIterations: r.MaxIterations,
		CreatedAt:     time.Now(),
	})
	if res.Reason != agent.ReasonSuccess {
		err := errors.Errorf("step %s ended with %s", step.ID, res.Reason)
		if res.Err != nil {
			err = errors.Wrapf(res.Err, "step %s ended with %s", step.ID, res.Reason)
		}
		if res.Fatal() {
			return "", fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return "", err
	}
	if res.FinishThought != "" {
		return res.FinishThought, nil
	}
	if n := len(res.Progress); n > 0 {
		return res.Progress[n-1], nil
	}
	return "done", nil
}

func waitDuration(step Step) (time.Duration, bool) {
	raw := step.Parameters["duration"]
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func (r *LoopRunner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Instruction renders step as a task for the control loop, including the
// outputs of the steps it depends on.
func Instruction(exec *Execution, step Step) string {
	var b strings.Builder
	if desc := step.Parameters["description"]; desc != "" && step.Action == ActionSimpleTask {
		b.WriteString(desc)
	} else {
		b.WriteString(step.Name)
	}
	fmt.Fprintf(&b, "\nStep type: %s", step.Action)
	if step.TargetApp != "" {
		fmt.Fprintf(&b, "\nApp: %s", step.TargetApp)
	}

	keys := make([]string, 0, len(step.Parameters))
	for k := range step.Parameters {
		if k == "description" && step.Action == ActionSimpleTask {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\nParameters:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, step.Parameters[k])
		}
	}

	if exec != nil && exec.Workflow != nil && exec.Workflow.Description != "" && step.Action != ActionSimpleTask {
		fmt.Fprintf(&b, "\nOverall goal: %s", exec.Workflow.Description)
	}
	if exec != nil && len(step.Dependencies) > 0 {
		var prior []string
		for _, dep := range step.Dependencies {
			if out, ok := exec.Output(dep); ok && out != "" {
				prior = append(prior, fmt.Sprintf("- step %s: %s", dep, out))
			}
		}
		if len(prior) > 0 {
			b.WriteString("\nResults of earlier steps:\n")
			b.WriteString(strings.Join(prior, "\n"))
		}
	}
	return b.String()
}
