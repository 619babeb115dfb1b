package agent

import (
	"context"
	"errors"
)

var (
	// ErrCaptureFailed is returned by a Perception that could not read the screen.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrModelUnavailable is returned by a Model after its retry budget is spent.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrDeviceFailed marks a run that ended because the device returned an error.
	ErrDeviceFailed = errors.New("device failed")
	// ErrBadOutput marks a model answer that could not be turned into an action.
	ErrBadOutput = errors.New("unusable model output")
)

// Perception turns the current screen into a Scene.
type Perception interface {
	Capture(ctx context.Context) (*Scene, error)
}

// PromptRole names which reasoning turn a prompt belongs to.
type PromptRole string

const (
	RolePlanner   PromptRole = "planner"
	RoleOperator  PromptRole = "operator"
	RoleReflector PromptRole = "reflector"
)

// Prompt is everything a Model needs for one reasoning turn.
type Prompt struct {
	Role    PromptRole
	System  string
	Text    string
	Scene   *Scene
	Before  *Scene // reflector only: the scene the action was taken on
	History []ActionRecord
}

// Model sends a prompt to a reasoning model. Implementations retry on their
// own and return ErrModelUnavailable once they give up.
type Model interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ExecResult is a device's verdict on one action. OK=false is a soft failure
// the loop records and keeps going.
type ExecResult struct {
	OK    bool
	Error string
	// Output is data the action produced, such as extracted page text.
	Output string
}

// Device executes one action per call. A non-nil error means the device
// itself is unusable and ends the run.
type Device interface {
	Execute(ctx context.Context, a Action) (ExecResult, error)
}

// UserChannel reaches the human who issued the task.
type UserChannel interface {
	Speak(ctx context.Context, message string) error
	Ask(ctx context.Context, question string) (string, error)
}

// HandlerDevice adapts a Handler into a Device.
type HandlerDevice struct {
	Handler Handler
}

func (d HandlerDevice) Execute(ctx context.Context, a Action) (ExecResult, error) {
	return Dispatch(ctx, d.Handler, a)
}
