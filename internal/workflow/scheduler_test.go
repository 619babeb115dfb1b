package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/droidpilot/internal/store"
)

type fakeResumer struct {
	mu      sync.Mutex
	running []string
	resumed map[string]string
	chats   map[string]any
}

type chatKey struct{}

func (f *fakeResumer) Resume(ctx context.Context, id, description string, params map[string]string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed[id] = description
	if f.chats != nil {
		f.chats[id] = ctx.Value(chatKey{})
	}
	return Result{Status: StatusSuccess, WorkflowID: id, Completed: []string{"1"}}
}

func (f *fakeResumer) Active() []string { return f.running }

type fakeMessenger struct {
	sent map[string]string
}

func (f *fakeMessenger) Send(chatID, text string) error {
	f.sent[chatID] = text
	return nil
}

func TestScheduler_ResumesEachWorkflowOnce(t *testing.T) {
	st := newMemStore()
	st.state["wf-a"] = store.Checkpoint{WorkflowID: "wf-a", CompletedSteps: []string{"1"},
		Context: map[string]string{ContextDescription: "order food", ContextChatID: "chat-1"}}
	st.state["wf-b"] = store.Checkpoint{WorkflowID: "wf-b", Context: map[string]string{}}
	st.state["wf-busy"] = store.Checkpoint{WorkflowID: "wf-busy",
		Context: map[string]string{ContextDescription: "travel"}}

	eng := &fakeResumer{running: []string{"wf-busy"}, resumed: make(map[string]string)}
	msg := &fakeMessenger{sent: make(map[string]string)}
	s := NewScheduler(eng, st, msg)

	s.pollAndResume(context.Background())
	s.pollAndResume(context.Background())

	assert.Equal(t, map[string]string{"wf-a": "order food"}, eng.resumed)
	require.Contains(t, msg.sent, "chat-1")
	assert.Contains(t, msg.sent["chat-1"], "wf-a succeeded")
}

func TestScheduler_BindsResumedRunToChat(t *testing.T) {
	st := newMemStore()
	st.state["wf-a"] = store.Checkpoint{WorkflowID: "wf-a",
		Context: map[string]string{ContextDescription: "order food", ContextChatID: "telegram:9"}}
	st.state["wf-b"] = store.Checkpoint{WorkflowID: "wf-b",
		Context: map[string]string{ContextDescription: "book travel"}}

	eng := &fakeResumer{resumed: make(map[string]string), chats: make(map[string]any)}
	s := NewScheduler(eng, st, nil)
	s.WithChat = func(ctx context.Context, chatID string) context.Context {
		return context.WithValue(ctx, chatKey{}, chatID)
	}

	s.pollAndResume(context.Background())

	assert.Equal(t, "telegram:9", eng.chats["wf-a"])
	assert.Nil(t, eng.chats["wf-b"])
}

func TestScheduler_DoesNotRerunFailedWorkflow(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runs := 0
	runner := funcRunner(func(context.Context, *Execution, Step) (string, error) {
		runs++
		return "", errors.New("element not found")
	})
	e, _ := newTestEngine(t, runner, newMemStore())
	e.Store = st

	res := e.Execute(context.Background(), "turn on wifi", nil)
	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 4, runs)

	failed, err := st.ListFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, res.WorkflowID, failed[0].Checkpoint.WorkflowID)

	restarted, _ := newTestEngine(t, runner, newMemStore())
	restarted.Store = st
	NewScheduler(restarted, st, nil).pollAndResume(context.Background())

	assert.Equal(t, 4, runs)
}
