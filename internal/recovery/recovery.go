package recovery

import (
	"context"
	"log"
	"time"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/store"
)

// Device is the set of raw gestures remediations need.
type Device interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error
	GoBack(ctx context.Context) error
	GoHome(ctx context.Context) error
	Recents(ctx context.Context) error
	Launch(ctx context.Context, app string) error
}

// Network reports connectivity. Without one the device is assumed online.
type Network interface {
	Online(ctx context.Context) bool
}

// CheckpointLoader reads the last checkpoint of a workflow.
type CheckpointLoader interface {
	LoadLastCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error)
}

// Request describes one failed step attempt.
type Request struct {
	WorkflowID string
	StepID     string
	StepName   string
	TargetApp  string
	Target     string // label the step was looking for, if any
	Err        error
	Attempt    int
}

// Remedy names what the generic fallback does for an attempt number.
type Remedy string

const (
	RemedyDelayRetry  Remedy = "delay_retry"
	RemedyBackRetry   Remedy = "back_retry"
	RemedyHomeRestart Remedy = "home_restart"
	RemedyGiveUp      Remedy = "give_up"
)

// GenericRemedy escalates with every attempt and gives up from the fourth.
func GenericRemedy(attempt int) Remedy {
	switch attempt {
	case 0:
		return RemedyDelayRetry
	case 1:
		return RemedyBackRetry
	case 2:
		return RemedyHomeRestart
	default:
		return RemedyGiveUp
	}
}

const networkSettingsApp = "com.android.settings"

type remediation func(ctx context.Context, req Request) (bool, error)

// Strategy maps a failure Category to a fixed remediation sequence.
type Strategy struct {
	Device      Device
	Perception  agent.Perception
	Network     Network
	Checkpoints CheckpointLoader
	Sleep       func(ctx context.Context, d time.Duration) error

	table map[Category]remediation
}

func New(dev Device, perception agent.Perception) *Strategy {
	s := &Strategy{Device: dev, Perception: perception}
	s.table = map[Category]remediation{
		CategoryANR:              s.recoverANR,
		CategoryElementNotFound:  s.recoverMissingElement,
		CategoryNetwork:          s.recoverNetwork,
		CategoryPermission:       s.recoverPermission,
		CategoryCrash:            s.recoverCrash,
		CategoryTimeout:          s.recoverTimeout,
		CategoryUnexpectedScreen: s.recoverUnexpectedScreen,
	}
	return s
}

// Attempt tries to bring the device back into a state where req's step can
// run again. It reports whether it believes it succeeded.
func (s *Strategy) Attempt(ctx context.Context, req Request) bool {
	category := Classify(req.Err)
	log.Printf("[Recovery] step %s (%s) attempt %d: %s", req.StepID, req.StepName, req.Attempt, category)

	fix, ok := s.table[category]
	if !ok {
		return s.generic(ctx, req)
	}
	recovered, err := fix(ctx, req)
	if err != nil {
		log.Printf("[Recovery] %s remediation failed: %v", category, err)
		return false
	}
	return recovered
}

func (s *Strategy) generic(ctx context.Context, req Request) bool {
	remedy := GenericRemedy(req.Attempt)
	log.Printf("[Recovery] generic remedy: %s", remedy)

	var err error
	switch remedy {
	case RemedyDelayRetry:
		err = s.sleep(ctx, time.Second)
	case RemedyBackRetry:
		if err = s.Device.GoBack(ctx); err == nil {
			err = s.sleep(ctx, 2*time.Second)
		}
	case RemedyHomeRestart:
		if err = s.Device.GoHome(ctx); err == nil {
			err = s.sleep(ctx, 2*time.Second)
		}
		if err == nil {
			return s.restartFromCheckpoint(ctx, req)
		}
	default:
		return false
	}
	if err != nil {
		log.Printf("[Recovery] generic remedy %s failed: %v", remedy, err)
		return false
	}
	return true
}

func (s *Strategy) recoverANR(ctx context.Context, req Request) (bool, error) {
	scene, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if wait, ok := scene.FindLabel("wait"); ok {
		if err := s.tap(ctx, wait); err != nil {
			return false, err
		}
		return true, s.sleep(ctx, 2*time.Second)
	}

	if err := s.Device.GoBack(ctx); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	if err := s.Device.GoHome(ctx); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	if req.TargetApp == "" {
		return false, nil
	}
	return s.relaunch(ctx, req.TargetApp)
}

// recoverMissingElement tries scroll-to-find, wait, back and refresh in
// that order and stops at the first that works.
func (s *Strategy) recoverMissingElement(ctx context.Context, req Request) (bool, error) {
	steps := []remediation{s.scrollToFind, s.waitAndRetry, s.navigateBack, s.refresh}
	for _, step := range steps {
		ok, err := step(ctx, req)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Strategy) scrollToFind(ctx context.Context, req Request) (bool, error) {
	if req.Target == "" {
		return false, nil
	}
	for i := 0; i < 5; i++ {
		if err := s.Device.Swipe(ctx, 500, 1500, 500, 500, 300*time.Millisecond); err != nil {
			return false, err
		}
		if err := s.sleep(ctx, time.Second); err != nil {
			return false, err
		}
		scene, err := s.Perception.Capture(ctx)
		if err != nil {
			return false, err
		}
		if _, ok := scene.FindLabel(req.Target); ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Strategy) waitAndRetry(ctx context.Context, req Request) (bool, error) {
	return true, s.sleep(ctx, 3*time.Second)
}

func (s *Strategy) navigateBack(ctx context.Context, req Request) (bool, error) {
	if err := s.Device.GoBack(ctx); err != nil {
		return false, err
	}
	return true, s.sleep(ctx, time.Second)
}

func (s *Strategy) refresh(ctx context.Context, req Request) (bool, error) {
	// pull to refresh
	if err := s.Device.Swipe(ctx, 500, 300, 500, 1000, 300*time.Millisecond); err != nil {
		return false, err
	}
	return true, s.sleep(ctx, 2*time.Second)
}

func (s *Strategy) recoverNetwork(ctx context.Context, req Request) (bool, error) {
	for i := 0; i < 5; i++ {
		if err := s.sleep(ctx, 2*time.Second); err != nil {
			return false, err
		}
		if s.online(ctx) {
			return true, nil
		}
	}
	log.Printf("[Recovery] network still down, opening settings")
	if err := s.Device.Launch(ctx, networkSettingsApp); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, 5*time.Second); err != nil {
		return false, err
	}
	return s.online(ctx), nil
}

func (s *Strategy) recoverPermission(ctx context.Context, req Request) (bool, error) {
	scene, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if allow, ok := scene.FindLabel("allow", "grant"); ok {
		if err := s.tap(ctx, allow); err != nil {
			return false, err
		}
		return true, s.sleep(ctx, time.Second)
	}
	log.Printf("[Recovery] no permission dialog on screen for %q", req.TargetApp)
	return false, nil
}

func (s *Strategy) recoverCrash(ctx context.Context, req Request) (bool, error) {
	scene, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if closeBtn, ok := scene.FindLabel("close", "ok"); ok {
		if err := s.tap(ctx, closeBtn); err != nil {
			return false, err
		}
		if err := s.sleep(ctx, time.Second); err != nil {
			return false, err
		}
	}
	if err := s.Device.Recents(ctx); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	if req.TargetApp == "" {
		return false, nil
	}
	if err := s.sleep(ctx, 2*time.Second); err != nil {
		return false, err
	}
	return s.relaunch(ctx, req.TargetApp)
}

// recoverTimeout treats a screen that is still changing as responsive.
func (s *Strategy) recoverTimeout(ctx context.Context, req Request) (bool, error) {
	before, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if err := s.sleep(ctx, 2*time.Second); err != nil {
		return false, err
	}
	after, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if !before.Equal(after) {
		return true, nil
	}
	if err := s.Device.GoBack(ctx); err != nil {
		return false, err
	}
	return true, s.sleep(ctx, time.Second)
}

func (s *Strategy) recoverUnexpectedScreen(ctx context.Context, req Request) (bool, error) {
	scene, err := s.Perception.Capture(ctx)
	if err != nil {
		return false, err
	}
	if dismiss, ok := scene.FindLabel("close", "dismiss", "skip", "not now"); ok {
		if err := s.tap(ctx, dismiss); err != nil {
			return false, err
		}
		return true, s.sleep(ctx, time.Second)
	}
	if err := s.Device.GoHome(ctx); err != nil {
		return false, err
	}
	if err := s.sleep(ctx, time.Second); err != nil {
		return false, err
	}
	return s.restartFromCheckpoint(ctx, req), nil
}

func (s *Strategy) restartFromCheckpoint(ctx context.Context, req Request) bool {
	if s.Checkpoints == nil || req.WorkflowID == "" {
		return true
	}
	cp, err := s.Checkpoints.LoadLastCheckpoint(ctx, req.WorkflowID)
	if err != nil {
		log.Printf("[Recovery] cannot read checkpoint of %s: %v", req.WorkflowID, err)
		return false
	}
	if cp != nil {
		log.Printf("[Recovery] restarting %s after step %q", req.WorkflowID, cp.LastCompletedStep)
	} else {
		log.Printf("[Recovery] restarting %s from the beginning", req.WorkflowID)
	}
	return true
}

func (s *Strategy) relaunch(ctx context.Context, app string) (bool, error) {
	if err := s.Device.Launch(ctx, app); err != nil {
		return false, err
	}
	return true, s.sleep(ctx, 3*time.Second)
}

func (s *Strategy) tap(ctx context.Context, e agent.Element) error {
	return s.Device.Tap(ctx, e.Bounds.CenterX(), e.Bounds.CenterY())
}

func (s *Strategy) online(ctx context.Context) bool {
	if s.Network == nil {
		return true
	}
	return s.Network.Online(ctx)
}

func (s *Strategy) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
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
