package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/droidpilot/internal/agent"
)

type fakeLoop struct {
	result agent.Result
	tasks  []agent.Task
}

func (f *fakeLoop) Run(_ context.Context, task agent.Task) agent.Result {
	f.tasks = append(f.tasks, task)
	return f.result
}

func TestLoopRunner_Success(t *testing.T) {
	loop := &fakeLoop{result: agent.Result{Reason: agent.ReasonSuccess, FinishThought: "Found 3 candidates"}}
	r := NewLoopRunner(loop)
	r.MaxIterations = 20

	wf := &Workflow{ID: "wf", Description: "hire a designer", Steps: []Step{
		{ID: "1", Name: "Search"},
		{ID: "2", Name: "Message top candidates", Action: ActionSendMessage, TargetApp: "com.upwork",
			Parameters: map[string]string{"max_messages": "5", "personalized": "true"}, Dependencies: []string{"1"}},
	}}
	exec := NewExecution(wf)
	exec.AddOutput("1", "Alice, Bob, Carol")
	exec.MarkStepCompleted("1")

	out, err := r.RunStep(context.Background(), exec, wf.Steps[1])
	require.NoError(t, err)
	assert.Equal(t, "Found 3 candidates", out)

	require.Len(t, loop.tasks, 1)
	task := loop.tasks[0]
	assert.Equal(t, "wf/2", task.ID)
	assert.Equal(t, 20, task.MaxIterations)
	assert.Equal(t, `Message top candidates
Step type: send_message
App: com.upwork
Parameters:
- max_messages: 5
- personalized: true
Overall goal: hire a designer
Results of earlier steps:
- step 1: Alice, Bob, Carol`, task.Instruction)
}

func TestLoopRunner_SimpleTaskUsesDescription(t *testing.T) {
	loop := &fakeLoop{result: agent.Result{Reason: agent.ReasonSuccess, Progress: []string{"opened", "wifi on"}}}
	reg, err := NewTemplateRegistry()
	require.NoError(t, err)
	wf := reg.Decompose("turn on wifi", nil)

	out, err := NewLoopRunner(loop).RunStep(context.Background(), NewExecution(wf), wf.Steps[0])
	require.NoError(t, err)
	assert.Equal(t, "wifi on", out)
	assert.Equal(t, "turn on wifi\nStep type: simple_task", loop.tasks[0].Instruction)
}

func TestLoopRunner_FailureCarriesReason(t *testing.T) {
	cause := errors.New("capture failed")
	loop := &fakeLoop{result: agent.Result{Reason: agent.ReasonPerceptionFailure, Err: cause}}
	wf := linear("wf", 1)

	_, err := NewLoopRunner(loop).RunStep(context.Background(), NewExecution(wf), wf.Steps[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "perception_failure")

	loop.result = agent.Result{Reason: agent.ReasonMaxIteration}
	_, err = NewLoopRunner(loop).RunStep(context.Background(), NewExecution(wf), wf.Steps[0])
	assert.ErrorContains(t, err, "max_iteration")
	assert.NotErrorIs(t, err, ErrFatal)
}

func TestLoopRunner_FatalEndings(t *testing.T) {
	wf := linear("wf", 1)
	cases := []struct {
		name   string
		result agent.Result
		fatal  bool
	}{
		{"device error", agent.Result{Reason: agent.ReasonAbnormal, Err: fmt.Errorf("execute Home: %w", agent.ErrDeviceFailed)}, true},
		{"bad model output", agent.Result{Reason: agent.ReasonAbnormal, Err: fmt.Errorf("operator output: %w", agent.ErrBadOutput)}, true},
		{"model unavailable", agent.Result{Reason: agent.ReasonAbnormal, Err: agent.ErrModelUnavailable}, false},
		{"repetition", agent.Result{Reason: agent.ReasonMaxRepetitiveActions}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLoopRunner(&fakeLoop{result: tc.result}).RunStep(context.Background(), NewExecution(wf), wf.Steps[0])
			require.Error(t, err)
			assert.Equal(t, tc.fatal, errors.Is(err, ErrFatal))
		})
	}
}

func TestLoopRunner_WaitStepSleeps(t *testing.T) {
	loop := &fakeLoop{}
	r := NewLoopRunner(loop)
	var slept time.Duration
	r.Sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	s := Step{ID: "9", Name: "Track responses", Action: ActionWait, Parameters: map[string]string{"duration": "24h"}}

	out, err := r.RunStep(context.Background(), NewExecution(&Workflow{ID: "wf", Steps: []Step{s}}), s)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, slept)
	assert.Equal(t, "waited 24h0m0s", out)
	assert.Empty(t, loop.tasks)
}
