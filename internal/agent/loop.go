package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rahul/droidpilot/internal/governance"
	"github.com/rahul/droidpilot/internal/observability"
)

// Reason is why a run ended. It is the only thing a host needs to inspect.
type Reason string

const (
	ReasonSuccess                Reason = "success"
	ReasonMaxIteration           Reason = "max_iteration"
	ReasonMaxConsecutiveFailures Reason = "max_consecutive_failures"
	ReasonMaxRepetitiveActions   Reason = "max_repetitive_actions"
	ReasonAbnormal               Reason = "abnormal"
	ReasonPerceptionFailure      Reason = "perception_failure"
)

// Limits are the defaults applied to tasks that leave a limit at zero.
type Limits struct {
	MaxIterations          int
	MaxConsecutiveFailures int
	MaxRepetitiveActions   int
	ErrorThreshold         int
}

func DefaultLimits() Limits {
	return Limits{
		MaxIterations:          200,
		MaxConsecutiveFailures: 3,
		MaxRepetitiveActions:   3,
		ErrorThreshold:         2,
	}
}

// StepLogger receives one record per loop phase.
type StepLogger interface {
	LogStep(rec observability.StepRecord)
}

// Result is what a finished run reports to its host.
type Result struct {
	RunID         string
	Reason        Reason
	Iterations    int
	Actions       []ActionRecord
	Outcomes      []OutcomeRecord
	Progress      []string
	Instruction   string
	Subgoal       string
	FinishThought string
	Duration      time.Duration
	Err           error
}

// Fatal reports whether the run ended in a way another attempt cannot fix:
// the screen could not be read, the device failed, or the model's answer
// was unusable.
func (r Result) Fatal() bool {
	if r.Reason == ReasonPerceptionFailure {
		return true
	}
	return r.Reason == ReasonAbnormal && (errors.Is(r.Err, ErrDeviceFailed) || errors.Is(r.Err, ErrBadOutput))
}

// ControlLoop drives perceive, plan, act and reflect until the task is done
// or a limit fires. One ControlLoop may serve many runs but every run owns
// its own RunState.
type ControlLoop struct {
	Perception Perception
	Model      Model
	Device     Device
	User       UserChannel
	Policy     governance.PolicyEngine
	Prompts    *PromptManager
	Log        StepLogger
	Limits     Limits

	// AnnounceSubgoals speaks every new subgoal to the user in the background.
	AnnounceSubgoals bool
}

func NewControlLoop(p Perception, m Model, d Device, prompts *PromptManager) *ControlLoop {
	return &ControlLoop{
		Perception: p,
		Model:      m,
		Device:     d,
		Prompts:    prompts,
		Limits:     DefaultLimits(),
	}
}

type run struct {
	id    string
	task  Task
	state *RunState
	start time.Time
	wg    sync.WaitGroup
}

// Run executes task to completion. It never panics on collaborator
// failures; every ending is expressed as a Reason.
func (l *ControlLoop) Run(ctx context.Context, task Task) Result {
	r := &run{
		id:    task.ID,
		task:  l.withDefaults(task),
		state: newRunState(task.Instruction),
		start: time.Now(),
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}

	// background side tasks die with the run
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()

	l.logStep(r, observability.OpInit, time.Now(), map[string]any{
		"instruction":              task.Instruction,
		"max_iterations":           r.task.MaxIterations,
		"max_consecutive_failures": r.task.MaxConsecutiveFailures,
		"max_repetitive_actions":   r.task.MaxRepetitiveActions,
	}, "")

	return l.loop(runCtx, r)
}

func (l *ControlLoop) loop(ctx context.Context, r *run) Result {
	st := r.state
	var pre *Scene

	for {
		st.Iteration++

		if reason, detail := l.checkLimits(r); reason != "" {
			return l.finish(r, reason, errors.New(detail), "")
		}
		if err := ctx.Err(); err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(err, "run cancelled"), "")
		}

		if pre == nil {
			t := time.Now()
			scene, err := l.Perception.Capture(ctx)
			if err != nil {
				return l.finish(r, ReasonPerceptionFailure, errors.Wrap(err, "capture"), "")
			}
			l.logStep(r, observability.OpPerception, t, map[string]any{"elements": len(scene.Elements)}, "")
			pre = scene
		}

		st.ErrorFlag = st.lastFailed(l.limits().ErrorThreshold)

		// plan
		t := time.Now()
		prompt, err := l.plannerPrompt(st, pre)
		if err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(err, "planner prompt"), "")
		}
		text, err := l.Model.Generate(ctx, prompt)
		if err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(err, "planner"), "")
		}
		plan := ParsePlan(text)
		st.PrevSubgoal = st.Subgoal
		st.Plan = plan.Plan
		st.Subgoal = plan.Subgoal
		l.logStep(r, observability.OpPlanning, t, map[string]any{"subgoal": plan.Subgoal, "error_flag": st.ErrorFlag}, "")

		if plan.Finished() {
			return l.finish(r, ReasonSuccess, nil, plan.Thought)
		}
		if l.AnnounceSubgoals && plan.Subgoal != st.PrevSubgoal {
			l.announce(ctx, r, plan.Subgoal)
		}

		// act
		t = time.Now()
		prompt, err = l.operatorPrompt(st, pre)
		if err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(err, "operator prompt"), "")
		}
		text, err = l.Model.Generate(ctx, prompt)
		if err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(err, "operator"), "")
		}
		turn, err := ParseOperator(text)
		if err != nil {
			return l.finish(r, ReasonAbnormal, errors.Wrap(fmt.Errorf("%w: %w", ErrBadOutput, err), "operator output"), "")
		}
		rec := ActionRecord{
			Action:  MarshalAction(turn.Action),
			Key:     ActionKey(turn.Action),
			Summary: turn.Description,
			Thought: turn.Thought,
		}
		exec, err := l.execute(ctx, r, turn.Action)
		if err != nil {
			st.record(rec, OutcomeRecord{Outcome: OutcomeHardFailure, Error: err.Error()}, st.lastProgress())
			return l.finish(r, ReasonAbnormal, errors.Wrapf(fmt.Errorf("%w: %w", ErrDeviceFailed, err), "execute %s", turn.Action.Name()), "")
		}
		if exec.Output != "" {
			rec.Summary = fmt.Sprintf("%s -> %s", rec.Summary, exec.Output)
		}
		l.logStep(r, observability.OpAction, t, map[string]any{"action": rec.Action, "ok": exec.OK, "error": exec.Error}, "")

		if done, ok := turn.Action.(Done); ok {
			st.record(rec, OutcomeRecord{Outcome: OutcomeSuccess}, done.Text)
			if !done.Success {
				return l.finish(r, ReasonAbnormal, errors.Errorf("task given up: %s", done.Text), turn.Thought)
			}
			return l.finish(r, ReasonSuccess, nil, done.Text)
		}

		// post-perceive
		t = time.Now()
		post, err := l.Perception.Capture(ctx)
		if err != nil {
			st.record(rec, OutcomeRecord{Outcome: OutcomeHardFailure, Error: "post-action capture failed"}, st.lastProgress())
			return l.finish(r, ReasonPerceptionFailure, errors.Wrap(err, "capture"), "")
		}
		l.logStep(r, observability.OpPerception, t, map[string]any{"elements": len(post.Elements)}, "")

		// reflect
		t = time.Now()
		if !exec.OK {
			st.record(rec, OutcomeRecord{Outcome: OutcomeSoftFailure, Error: exec.Error}, st.lastProgress())
		} else {
			prompt, err = l.reflectorPrompt(st, rec, pre, post)
			if err != nil {
				return l.finish(r, ReasonAbnormal, errors.Wrap(err, "reflector prompt"), "")
			}
			text, err = l.Model.Generate(ctx, prompt)
			if err != nil {
				st.record(rec, OutcomeRecord{Outcome: OutcomeHardFailure, Error: "reflection unavailable"}, st.lastProgress())
				return l.finish(r, ReasonAbnormal, errors.Wrap(err, "reflector"), "")
			}
			refl := ParseReflection(text)
			progress := refl.Progress
			if progress == "" {
				progress = st.lastProgress()
			}
			out := OutcomeRecord{Outcome: refl.Outcome}
			if refl.Outcome.Failed() {
				out.Error = refl.ErrorDescription
			}
			st.record(rec, out, progress)
		}
		last := st.Outcomes[len(st.Outcomes)-1]
		l.logStep(r, observability.OpReflection, t, map[string]any{"outcome": last.Outcome, "error": last.Error}, "")

		pre = post
	}
}

// checkLimits evaluates the three stop rules in their fixed order.
func (l *ControlLoop) checkLimits(r *run) (Reason, string) {
	st, task := r.state, r.task
	if st.Iteration > task.MaxIterations {
		return ReasonMaxIteration, fmt.Sprintf("reached %d iterations", task.MaxIterations)
	}
	if st.lastFailed(task.MaxConsecutiveFailures) {
		return ReasonMaxConsecutiveFailures, fmt.Sprintf("%d consecutive failed actions", st.ConsecutiveFailures)
	}
	if key, ok := st.repeatedKey(task.MaxRepetitiveActions); ok && !RepetitionExempt(key) {
		return ReasonMaxRepetitiveActions, fmt.Sprintf("action %s repeated %d times", key, task.MaxRepetitiveActions)
	}
	return "", ""
}

// execute routes one action. Ask and Speak go to the user, Done ends the
// run, everything else passes the policy and reaches the device.
func (l *ControlLoop) execute(ctx context.Context, r *run, a Action) (ExecResult, error) {
	switch act := a.(type) {
	case Done:
		return ExecResult{OK: true}, nil
	case Ask:
		if l.User == nil {
			return ExecResult{Error: "no user channel to ask"}, nil
		}
		answer, err := l.User.Ask(ctx, act.Question)
		if err != nil {
			return ExecResult{Error: err.Error()}, nil
		}
		r.state.Instruction = fmt.Sprintf("%s\n[Q: %s] [A: %s]", r.state.Instruction, act.Question, strings.TrimSpace(answer))
		return ExecResult{OK: true}, nil
	case Speak:
		if l.User != nil {
			if err := l.User.Speak(ctx, act.Message); err != nil {
				return ExecResult{Error: err.Error()}, nil
			}
			return ExecResult{OK: true}, nil
		}
	}

	if l.Policy != nil {
		res, err := l.Policy.Evaluate(ctx, governance.Request{
			Action:    a.Name(),
			Arguments: MarshalAction(a),
			TaskID:    r.id,
		})
		if err != nil {
			return ExecResult{}, errors.Wrap(err, "policy")
		}
		if res.Effect == governance.EffectDeny {
			log.Printf("[Loop] %s denied: %s", a.Name(), res.Reason)
			return ExecResult{Error: res.Reason}, nil
		}
	}
	return l.Device.Execute(ctx, a)
}

func (l *ControlLoop) announce(ctx context.Context, r *run, subgoal string) {
	if l.User == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := l.User.Speak(ctx, subgoal); err != nil && ctx.Err() == nil {
			log.Printf("[Loop] announce failed: %v", err)
		}
	}()
}

func (l *ControlLoop) finish(r *run, reason Reason, err error, thought string) Result {
	st := r.state
	res := Result{
		RunID:         r.id,
		Reason:        reason,
		Iterations:    len(st.Actions),
		Actions:       st.Actions,
		Outcomes:      st.Outcomes,
		Progress:      st.Progress,
		Instruction:   st.Instruction,
		Subgoal:       st.Subgoal,
		FinishThought: thought,
		Duration:      time.Since(r.start),
	}
	if reason != ReasonSuccess {
		res.Err = err
	}

	data := map[string]any{"iterations": res.Iterations}
	if res.Err != nil {
		data["error"] = res.Err.Error()
		log.Printf("[Loop] run %s ended: %s: %v", r.id, reason, res.Err)
	} else {
		log.Printf("[Loop] run %s ended: %s after %d actions", r.id, reason, res.Iterations)
	}
	l.logStep(r, observability.OpFinish, r.start, data, string(reason))
	return res
}

func (l *ControlLoop) logStep(r *run, op observability.Operation, start time.Time, data map[string]any, reason string) {
	if l.Log == nil {
		return
	}
	l.Log.LogStep(observability.StepRecord{
		RunID:      r.id,
		Step:       r.state.Iteration,
		Operation:  op,
		DurationMS: observability.Since(start),
		Data:       data,
		Reason:     reason,
	})
}

func (l *ControlLoop) limits() Limits {
	lim, def := l.Limits, DefaultLimits()
	if lim.MaxIterations <= 0 {
		lim.MaxIterations = def.MaxIterations
	}
	if lim.MaxConsecutiveFailures <= 0 {
		lim.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if lim.MaxRepetitiveActions <= 0 {
		lim.MaxRepetitiveActions = def.MaxRepetitiveActions
	}
	if lim.ErrorThreshold <= 0 {
		lim.ErrorThreshold = def.ErrorThreshold
	}
	return lim
}

func (l *ControlLoop) withDefaults(t Task) Task {
	lim := l.limits()
	if t.MaxIterations <= 0 {
		t.MaxIterations = lim.MaxIterations
	}
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = lim.MaxConsecutiveFailures
	}
	if t.MaxRepetitiveActions <= 0 {
		t.MaxRepetitiveActions = lim.MaxRepetitiveActions
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	return t
}
