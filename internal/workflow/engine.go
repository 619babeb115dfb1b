package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/observability"
	"github.com/rahul/droidpilot/internal/recovery"
	"github.com/rahul/droidpilot/internal/store"
)

// StepRunner performs a single step and returns its output.
type StepRunner interface {
	RunStep(ctx context.Context, exec *Execution, step Step) (string, error)
}

// StateStore persists workflow progress.
type StateStore interface {
	Save(ctx context.Context, id string, cp store.Checkpoint) error
	Load(ctx context.Context, id string) (*store.Checkpoint, error)
	Clear(ctx context.Context, id string) error
	SaveFailed(ctx context.Context, cp store.Checkpoint, cause error) error
	ListActive(ctx context.Context) ([]string, error)
}

// Recoverer tries to bring the device back to a state where a failed step
// can be retried.
type Recoverer interface {
	Attempt(ctx context.Context, req recovery.Request) bool
}

// Confirmer asks a human before a step marked requires_confirmation runs.
type Confirmer interface {
	Confirm(ctx context.Context, step Step) (bool, error)
}

// StepFailure ends a workflow: the step was not retryable or ran out of
// retries.
type StepFailure struct {
	StepID   string
	StepName string
	Attempts int
	Cause    error
}

func newStepFailure(step Step, attempts int, cause error) error {
	return errors.WithStack(&StepFailure{
		StepID:   step.ID,
		StepName: step.Name,
		Attempts: attempts,
		Cause:    cause,
	})
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempt(s): %v", f.StepID, f.StepName, f.Attempts, f.Cause)
}

func (f *StepFailure) Unwrap() error { return f.Cause }

// errStopped is returned by steps that were not started because the
// execution was stopped.
var errStopped = errors.New("workflow stopped")

// Options tunes the engine. Zero fields take the defaults.
type Options struct {
	MaxRetries         int
	CheckpointInterval int
	StepTimeout        time.Duration
	RetryBaseDelay     time.Duration
	PollInterval       time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:         3,
		CheckpointInterval: 5,
		StepTimeout:        DefaultStepTimeout,
		RetryBaseDelay:     time.Second,
		PollInterval:       100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = d.CheckpointInterval
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = d.StepTimeout
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// Engine executes workflows step by step, honoring dependencies, and
// checkpoints their progress.
type Engine struct {
	Runner    StepRunner
	Store     StateStore
	Recovery  Recoverer
	Confirmer Confirmer
	Templates *TemplateRegistry
	Log       agent.StepLogger
	Options   Options

	// Sleep waits between polls and retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]*Execution
}

func NewEngine(runner StepRunner, st StateStore, templates *TemplateRegistry) *Engine {
	return &Engine{
		Runner:    runner,
		Store:     st,
		Templates: templates,
		Options:   DefaultOptions(),
		active:    make(map[string]*Execution),
	}
}

// Execute decomposes description into a workflow and runs it.
func (e *Engine) Execute(ctx context.Context, description string, params map[string]string) Result {
	wf := e.Templates.Decompose(description, params)
	log.Printf("[Workflow] %s: %q decomposed into %s (%d steps)", wf.ID, description, wf.Name, len(wf.Steps))
	return e.Run(ctx, wf)
}

// Resume rebuilds workflow id from description and continues it from its
// saved state.
func (e *Engine) Resume(ctx context.Context, id, description string, params map[string]string) Result {
	wf := e.Templates.Decompose(description, params)
	wf.ID = id
	return e.Run(ctx, wf)
}

// Retry runs an archived failed workflow again, starting from the
// checkpoint it failed at.
func (e *Engine) Retry(ctx context.Context, cp store.Checkpoint) Result {
	desc := cp.Context[ContextDescription]
	if desc == "" {
		return Result{Status: StatusFailure, WorkflowID: cp.WorkflowID, Err: errors.Errorf("workflow %s has no saved description", cp.WorkflowID)}
	}
	if e.Store != nil {
		if err := e.Store.Save(ctx, cp.WorkflowID, cp); err != nil {
			return Result{Status: StatusFailure, WorkflowID: cp.WorkflowID, Err: errors.Wrap(err, "restore workflow state"), CanRetry: true}
		}
	}
	log.Printf("[Workflow] %s: retrying with %d completed steps", cp.WorkflowID, len(cp.CompletedSteps))
	return e.Resume(ctx, cp.WorkflowID, desc, cp.Context)
}

// Run executes wf to one of the three terminal shapes. If the store holds
// state for wf.ID, completed steps are skipped.
func (e *Engine) Run(ctx context.Context, wf *Workflow) Result {
	if _, err := Validate(wf); err != nil {
		return Result{Status: StatusFailure, WorkflowID: workflowID(wf), Err: err}
	}

	exec := NewExecution(wf)
	if err := e.register(exec); err != nil {
		return Result{Status: StatusFailure, WorkflowID: wf.ID, Err: err}
	}
	defer e.unregister(wf.ID)

	if e.Store != nil {
		cp, err := e.Store.Load(ctx, wf.ID)
		if err != nil {
			return Result{Status: StatusFailure, WorkflowID: wf.ID, Err: errors.Wrap(err, "load workflow state"), CanRetry: true}
		}
		if cp != nil {
			exec.Restore(cp)
			log.Printf("[Workflow] %s: resuming with %d completed steps", wf.ID, len(exec.CompletedSteps()))
		}
	}

	e.logStep(exec, observability.OpWorkflowStart, 0, map[string]any{
		"name":      wf.Name,
		"steps":     len(wf.Steps),
		"completed": exec.CompletedSteps(),
	}, "")

	err := e.schedule(ctx, exec)
	return e.finish(ctx, exec, err)
}

func workflowID(wf *Workflow) string {
	if wf == nil {
		return ""
	}
	return wf.ID
}

func (e *Engine) register(exec *Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = make(map[string]*Execution)
	}
	if _, ok := e.active[exec.WorkflowID]; ok {
		return fmt.Errorf("workflow %s is already running", exec.WorkflowID)
	}
	e.active[exec.WorkflowID] = exec
	observability.BeginTask(exec.WorkflowID, exec.Workflow.Name)
	return nil
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
	observability.EndTask(id)
}

// Cancel stops workflow id from starting further steps. Running steps
// finish on their own. It reports whether id was running.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	exec, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	exec.Stop("cancelled")
	log.Printf("[Workflow] %s: cancel requested", id)
	return true
}

// Active lists running workflow ids.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) Status(id string) (Progress, bool) {
	e.mu.Lock()
	exec, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return exec.Progress(), true
}

// schedule walks the steps in declaration order. Parallel steps are started
// in the background and the walk moves on; other steps run inline.
func (e *Engine) schedule(ctx context.Context, exec *Execution) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		inlineErr error
		sf        *StepFailure
	)
	for _, step := range exec.Workflow.Steps {
		if exec.IsStepCompleted(step.ID) {
			continue
		}
		if stopped, _ := exec.Stopped(); stopped || gctx.Err() != nil {
			break
		}
		if step.Parallel {
			step := step
			g.Go(func() error {
				// a stop must not cancel siblings that are already running
				if err := e.executeStep(gctx, exec, step); !errors.Is(err, errStopped) {
					return err
				}
				return nil
			})
			continue
		}
		if err := e.executeStep(gctx, exec, step); err != nil {
			inlineErr = err
			if errors.As(err, &sf) {
				exec.Stop("step " + step.ID + " failed")
			}
			break
		}
	}

	groupErr := g.Wait()
	switch {
	case errors.As(inlineErr, &sf):
		return inlineErr
	case errors.As(groupErr, &sf):
		return groupErr
	case inlineErr != nil:
		return inlineErr
	default:
		return groupErr
	}
}

func (e *Engine) executeStep(ctx context.Context, exec *Execution, step Step) error {
	if err := e.waitForDependencies(ctx, exec, step); err != nil {
		return err
	}
	if stopped, _ := exec.Stopped(); stopped {
		return errStopped
	}
	exec.setCurrent(step.ID)

	if step.RequiresConfirmation && e.Confirmer != nil {
		ok, err := e.Confirmer.Confirm(ctx, step)
		if err != nil {
			return newStepFailure(step, 0, errors.Wrap(err, "confirmation"))
		}
		if !ok {
			log.Printf("[Workflow] %s: step %s declined by user", exec.WorkflowID, step.ID)
			exec.Stop("step " + step.ID + " declined")
			return errStopped
		}
	}

	opts := e.Options.withDefaults()
	attempts, retries, recoveries := 0, 0, 0
	for {
		attempts++
		start := time.Now()
		out, err := e.runOnce(ctx, exec, step, opts)
		if err == nil {
			exec.AddOutput(step.ID, out)
			done := exec.MarkStepCompleted(step.ID)
			log.Printf("[Workflow] %s: step %s (%s) completed", exec.WorkflowID, step.ID, step.Name)
			e.logStep(exec, observability.OpWorkflowStep, observability.Since(start), map[string]any{
				"step_id": step.ID,
				"attempt": attempts,
			}, "")
			if done%opts.CheckpointInterval == 0 {
				if err := e.checkpoint(ctx, exec); err != nil {
					return newStepFailure(step, attempts, err)
				}
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("[Workflow] %s: step %s failed: %v", exec.WorkflowID, step.ID, err)
		if !step.Retryable || errors.Is(err, ErrFatal) || retries >= opts.MaxRetries {
			return newStepFailure(step, attempts, err)
		}

		if e.Recovery != nil && recoveries < opts.MaxRetries {
			observability.SetRecovering(true)
			ok := e.Recovery.Attempt(ctx, recovery.Request{
				WorkflowID: exec.WorkflowID,
				StepID:     step.ID,
				StepName:   step.Name,
				TargetApp:  step.TargetApp,
				Target:     step.Parameters["target"],
				Err:        err,
				Attempt:    recoveries,
			})
			observability.SetRecovering(false)
			recoveries++
			e.logStep(exec, observability.OpRecovery, 0, map[string]any{
				"step_id":   step.ID,
				"category":  string(recovery.Classify(err)),
				"recovered": ok,
			}, "")
			if ok {
				continue
			}
		}

		retries++
		if err := e.sleep(ctx, time.Duration(retries)*opts.RetryBaseDelay); err != nil {
			return err
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, exec *Execution, step Step, opts Options) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.timeoutOr(opts.StepTimeout))
	defer cancel()

	out, err := e.Runner.RunStep(stepCtx, exec, step)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	}
	return out, err
}

// waitForDependencies polls until every dependency of step is completed.
func (e *Engine) waitForDependencies(ctx context.Context, exec *Execution, step Step) error {
	opts := e.Options.withDefaults()
	for {
		ready := true
		for _, dep := range step.Dependencies {
			if !exec.IsStepCompleted(dep) {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		if stopped, _ := exec.Stopped(); stopped {
			return errStopped
		}
		if err := e.sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
}

func (e *Engine) checkpoint(ctx context.Context, exec *Execution) error {
	if e.Store == nil {
		return nil
	}
	cp := exec.Checkpoint()
	if err := e.Store.Save(context.WithoutCancel(ctx), exec.WorkflowID, cp); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	e.logStep(exec, observability.OpCheckpoint, 0, map[string]any{
		"completed": cp.CompletedSteps,
	}, "")
	return nil
}

func (e *Engine) finish(ctx context.Context, exec *Execution, err error) Result {
	bg := context.WithoutCancel(ctx)
	res := Result{
		WorkflowID: exec.WorkflowID,
		Completed:  exec.CompletedSteps(),
		Remaining:  exec.RemainingSteps(),
		Outputs:    exec.Outputs(),
	}

	stopped, why := exec.Stopped()
	interrupted := errors.Is(err, errStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	var sf *StepFailure

	switch {
	case err != nil && (errors.As(err, &sf) || !interrupted):
		res.Status = StatusFailure
		res.Err = err
		res.CanRetry = true
		cp := exec.Checkpoint()
		if e.Store != nil {
			if serr := e.Store.SaveFailed(bg, cp, err); serr != nil {
				log.Printf("[Workflow] %s: failed to archive: %v", exec.WorkflowID, serr)
			}
			if serr := e.Store.Clear(bg, exec.WorkflowID); serr != nil {
				log.Printf("[Workflow] %s: failed to clear state: %v", exec.WorkflowID, serr)
			}
		}
	case len(res.Remaining) == 0:
		res.Status = StatusSuccess
		if e.Store != nil {
			if serr := e.Store.Clear(bg, exec.WorkflowID); serr != nil {
				log.Printf("[Workflow] %s: failed to clear state: %v", exec.WorkflowID, serr)
			}
		}
	default:
		res.Status = StatusPartial
		switch {
		case stopped:
			res.Err = errors.New(why)
		case err != nil:
			res.Err = err
		case ctx.Err() != nil:
			res.Err = ctx.Err()
		}
		if e.Store != nil {
			if serr := e.Store.Save(bg, exec.WorkflowID, exec.Checkpoint()); serr != nil {
				log.Printf("[Workflow] %s: failed to save state: %v", exec.WorkflowID, serr)
			}
		}
	}

	reason := string(res.Status)
	if res.Err != nil {
		reason += ": " + res.Err.Error()
	}
	log.Printf("[Workflow] %s: %s", exec.WorkflowID, reason)
	e.logStep(exec, observability.OpWorkflowEnd, observability.Since(exec.StartTime), map[string]any{
		"completed": res.Completed,
		"remaining": res.Remaining,
	}, string(res.Status))
	return res
}

func (e *Engine) logStep(exec *Execution, op observability.Operation, ms int64, data map[string]any, reason string) {
	if e.Log == nil {
		return
	}
	e.Log.LogStep(observability.StepRecord{
		RunID:      exec.WorkflowID,
		Step:       len(exec.CompletedSteps()),
		Operation:  op,
		DurationMS: ms,
		Data:       data,
		Reason:     reason,
	})
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
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
