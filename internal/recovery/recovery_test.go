package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/store"
)

type fakeDevice struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDevice) note(format string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	return nil
}

func (d *fakeDevice) Tap(ctx context.Context, x, y int) error { return d.note("tap %d,%d", x, y) }
func (d *fakeDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return d.note("swipe %d,%d->%d,%d", x1, y1, x2, y2)
}
func (d *fakeDevice) GoBack(ctx context.Context) error             { return d.note("back") }
func (d *fakeDevice) GoHome(ctx context.Context) error             { return d.note("home") }
func (d *fakeDevice) Recents(ctx context.Context) error            { return d.note("recents") }
func (d *fakeDevice) Launch(ctx context.Context, app string) error { return d.note("launch %s", app) }

// scenes are returned in order; the last one repeats
type fakePerception struct {
	scenes []*agent.Scene
	n      int
}

func (p *fakePerception) Capture(ctx context.Context) (*agent.Scene, error) {
	if len(p.scenes) == 0 {
		return &agent.Scene{}, nil
	}
	i := p.n
	if i >= len(p.scenes) {
		i = len(p.scenes) - 1
	}
	p.n++
	return p.scenes[i], nil
}

func sceneWith(labels ...string) *agent.Scene {
	s := &agent.Scene{Width: 1000, Height: 2000}
	for i, l := range labels {
		s.Elements = append(s.Elements, agent.Element{
			ID:     i + 1,
			Label:  l,
			Bounds: agent.Rect{Left: 100, Top: 100 * (i + 1), Right: 300, Bottom: 100*(i+1) + 50},
		})
	}
	return s
}

type fakeCheckpoints struct{ loads int }

func (f *fakeCheckpoints) LoadLastCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	f.loads++
	return &store.Checkpoint{WorkflowID: id, LastCompletedStep: "2"}, nil
}

func newTestStrategy(scenes ...*agent.Scene) (*Strategy, *fakeDevice, *[]time.Duration) {
	dev := &fakeDevice{}
	s := New(dev, &fakePerception{scenes: scenes})
	var slept []time.Duration
	s.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, dev, &slept
}

func TestClassify(t *testing.T) {
	tests := map[string]Category{
		"App ANR detected":             CategoryANR,
		"element Login not found":      CategoryElementNotFound,
		"Network unreachable":          CategoryNetwork,
		"permission denied for camera": CategoryPermission,
		"app crashed":                  CategoryCrash,
		"operation timeout":            CategoryTimeout,
		"something odd":                CategoryUnknown,
		// first match in order wins
		"network timeout": CategoryNetwork,
	}
	for msg, want := range tests {
		assert.Equal(t, want, Classify(errors.New(msg)), msg)
	}
	assert.Equal(t, CategoryUnknown, Classify(nil))
	assert.Equal(t, CategoryTimeout, Classify(fmt.Errorf("step: %w", context.DeadlineExceeded)))
	assert.Equal(t, CategoryANR, Classify(fmt.Errorf("app ANR while waiting: %w", context.DeadlineExceeded)),
		"message patterns keep their order over the deadline")
}

func TestClassify_CodedErrorWins(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewCodedError(CategoryUnexpectedScreen, "network dialog on screen"))
	assert.Equal(t, CategoryUnexpectedScreen, Classify(err))
}

func TestGenericRemedy_Escalates(t *testing.T) {
	seen := map[Remedy]bool{}
	for attempt, want := range []Remedy{RemedyDelayRetry, RemedyBackRetry, RemedyHomeRestart} {
		got := GenericRemedy(attempt)
		assert.Equal(t, want, got)
		seen[got] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, RemedyGiveUp, GenericRemedy(3))
	assert.Equal(t, RemedyGiveUp, GenericRemedy(10))
}

func TestAttempt_GenericSequence(t *testing.T) {
	s, dev, slept := newTestStrategy()
	cps := &fakeCheckpoints{}
	s.Checkpoints = cps
	ctx := context.Background()
	req := Request{WorkflowID: "wf", StepID: "3", Err: errors.New("weird failure")}

	req.Attempt = 0
	assert.True(t, s.Attempt(ctx, req))
	assert.Empty(t, dev.calls)
	assert.Equal(t, []time.Duration{time.Second}, *slept)

	req.Attempt = 1
	assert.True(t, s.Attempt(ctx, req))
	assert.Equal(t, []string{"back"}, dev.calls)

	req.Attempt = 2
	assert.True(t, s.Attempt(ctx, req))
	assert.Equal(t, []string{"back", "home"}, dev.calls)
	assert.Equal(t, 1, cps.loads)

	req.Attempt = 3
	assert.False(t, s.Attempt(ctx, req))
	assert.Equal(t, []string{"back", "home"}, dev.calls)
}

func TestAttempt_MissingElementScrollsFirst(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("Inbox"), sceneWith("Inbox", "Compose"))
	ok := s.Attempt(context.Background(), Request{Target: "compose", Err: errors.New("element not found")})
	require.True(t, ok)
	assert.Equal(t, []string{"swipe 500,1500->500,500", "swipe 500,1500->500,500"}, dev.calls)
}

func TestAttempt_MissingElementFallsBackToWait(t *testing.T) {
	s, dev, slept := newTestStrategy(sceneWith("Inbox"))
	ok := s.Attempt(context.Background(), Request{Target: "compose", Err: errors.New("element not found")})
	require.True(t, ok)
	assert.Len(t, dev.calls, 5)
	assert.Equal(t, 3*time.Second, (*slept)[len(*slept)-1])
}

func TestAttempt_PermissionTapsAllow(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("Deny", "Allow"))
	ok := s.Attempt(context.Background(), Request{Err: errors.New("Permission denied")})
	require.True(t, ok)
	assert.Equal(t, []string{"tap 200,225"}, dev.calls)

	s, dev, _ = newTestStrategy(sceneWith("Settings"))
	assert.False(t, s.Attempt(context.Background(), Request{Err: errors.New("permission denied")}))
	assert.Empty(t, dev.calls)
}

func TestAttempt_ANR(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("Close app", "Wait"))
	assert.True(t, s.Attempt(context.Background(), Request{Err: errors.New("ANR")}))
	assert.Equal(t, []string{"tap 200,225"}, dev.calls)

	s, dev, _ = newTestStrategy(sceneWith("Nothing"))
	assert.True(t, s.Attempt(context.Background(), Request{TargetApp: "com.maps", Err: errors.New("ANR")}))
	assert.Equal(t, []string{"back", "home", "launch com.maps"}, dev.calls)

	s, _, _ = newTestStrategy(sceneWith("Nothing"))
	assert.False(t, s.Attempt(context.Background(), Request{Err: errors.New("ANR")}))
}

func TestAttempt_CrashRelaunches(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("OK"))
	assert.True(t, s.Attempt(context.Background(), Request{TargetApp: "com.shop", Err: errors.New("app crash")}))
	assert.Equal(t, []string{"tap 200,125", "recents", "launch com.shop"}, dev.calls)
}

type flakyNetwork struct{ downFor int }

func (n *flakyNetwork) Online(ctx context.Context) bool {
	n.downFor--
	return n.downFor < 0
}

func TestAttempt_NetworkPolls(t *testing.T) {
	s, dev, slept := newTestStrategy()
	s.Network = &flakyNetwork{downFor: 2}
	assert.True(t, s.Attempt(context.Background(), Request{Err: errors.New("network unreachable")}))
	assert.Len(t, *slept, 3)
	assert.Empty(t, dev.calls)

	s, dev, _ = newTestStrategy()
	s.Network = &flakyNetwork{downFor: 100}
	assert.False(t, s.Attempt(context.Background(), Request{Err: errors.New("network unreachable")}))
	assert.Equal(t, []string{"launch com.android.settings"}, dev.calls)
}

func TestAttempt_TimeoutChangingScreen(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("Loading"), sceneWith("Results"))
	assert.True(t, s.Attempt(context.Background(), Request{Err: errors.New("timeout")}))
	assert.Empty(t, dev.calls)

	s, dev, _ = newTestStrategy(sceneWith("Loading"))
	assert.True(t, s.Attempt(context.Background(), Request{Err: errors.New("timeout")}))
	assert.Equal(t, []string{"back"}, dev.calls)
}

func TestAttempt_UnexpectedScreenDismisses(t *testing.T) {
	s, dev, _ := newTestStrategy(sceneWith("Special offer", "Not now"))
	err := NewCodedError(CategoryUnexpectedScreen, "promo popup")
	assert.True(t, s.Attempt(context.Background(), Request{Err: err}))
	assert.Equal(t, []string{"tap 200,225"}, dev.calls)
}
