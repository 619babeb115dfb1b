package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/droidpilot/internal/agent"
	"github.com/rahul/droidpilot/internal/store"
	"github.com/rahul/droidpilot/internal/workflow"
)

var (
	_ Messenger          = (*TelegramGateway)(nil)
	_ Messenger          = (*DiscordGateway)(nil)
	_ workflow.Messenger = (*Router)(nil)
	_ agent.UserChannel  = (*Channel)(nil)
	_ workflow.Confirmer = (*Channel)(nil)
	_ Handler            = (*Service)(nil)
	_ Engine             = (*workflow.Engine)(nil)
	_ FailedLister       = (*store.SQLiteStore)(nil)
)

type sent struct {
	chat, text string
}

type fakeMessenger struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeMessenger) Start() error { return nil }
func (f *fakeMessenger) Stop() error  { return nil }

func (f *fakeMessenger) Send(chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{chatID, text})
	return f.err
}

func (f *fakeMessenger) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func TestRouter_DispatchesByPrefix(t *testing.T) {
	tg, dc := &fakeMessenger{}, &fakeMessenger{}
	r := NewRouter()
	r.Register("telegram", tg)
	r.Register("discord", dc)

	require.NoError(t, r.Send("telegram:42", "hi"))
	require.NoError(t, r.Send("discord:chan:1", "yo"))

	assert.Equal(t, []sent{{"42", "hi"}}, tg.sent())
	assert.Equal(t, []sent{{"chan:1", "yo"}}, dc.sent())

	assert.Error(t, r.Send("42", "x"))
	assert.Error(t, r.Send("slack:1", "x"))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmno", 10))
}

func waitSent(t *testing.T, m *fakeMessenger, n int) []sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return m.sent()
}

func TestChannel_AskReceivesDeliveredAnswer(t *testing.T) {
	m := &fakeMessenger{}
	conv := NewConversations()
	ch := NewChannel(m, conv)
	ctx := WithChat(context.Background(), "telegram:1")

	done := make(chan string, 1)
	go func() {
		answer, err := ch.Ask(ctx, "Which size?")
		assert.NoError(t, err)
		done <- answer
	}()

	msgs := waitSent(t, m, 1)
	assert.Equal(t, "telegram:1", msgs[0].chat)
	assert.Contains(t, msgs[0].text, "Which size?")

	assert.False(t, conv.Deliver("telegram:2", "large"))
	assert.True(t, conv.Deliver("telegram:1", "  large "))
	assert.Equal(t, "large", <-done)

	// nothing pending any more
	assert.False(t, conv.Deliver("telegram:1", "again"))
}

func TestChannel_AskTimesOut(t *testing.T) {
	ch := NewChannel(&fakeMessenger{}, NewConversations())
	ch.Timeout = 20 * time.Millisecond

	_, err := ch.Ask(WithChat(context.Background(), "telegram:1"), "anyone?")
	assert.Error(t, err)
}

func TestChannel_AskHonoursContext(t *testing.T) {
	ch := NewChannel(&fakeMessenger{}, NewConversations())
	ctx, cancel := context.WithCancel(WithChat(context.Background(), "telegram:1"))
	cancel()

	_, err := ch.Ask(ctx, "anyone?")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel_OnePendingQuestionPerChat(t *testing.T) {
	m := &fakeMessenger{}
	conv := NewConversations()
	ch := NewChannel(m, conv)
	ctx := WithChat(context.Background(), "telegram:1")

	go func() { _, _ = ch.Ask(ctx, "first") }()
	waitSent(t, m, 1)

	_, err := ch.Ask(ctx, "second")
	assert.Error(t, err)
	conv.Deliver("telegram:1", "ok")
}

func TestChannel_AskWithoutChat(t *testing.T) {
	ch := NewChannel(&fakeMessenger{}, NewConversations())
	_, err := ch.Ask(context.Background(), "hello?")
	assert.Error(t, err)
	assert.NoError(t, ch.Speak(context.Background(), "nobody listens"))
}

func TestChannel_Confirm(t *testing.T) {
	for answer, want := range map[string]bool{"yes": true, "Y": true, "ok!": true, "no": false, "later": false} {
		m := &fakeMessenger{}
		conv := NewConversations()
		ch := NewChannel(m, conv)
		ctx := WithChat(context.Background(), "discord:9")

		result := make(chan bool, 1)
		go func() {
			ok, err := ch.Confirm(ctx, workflow.Step{ID: "5", Name: "Pay for the order"})
			assert.NoError(t, err)
			result <- ok
		}()
		msgs := waitSent(t, m, 1)
		assert.Contains(t, msgs[0].text, "Pay for the order")
		require.True(t, conv.Deliver("discord:9", answer))
		assert.Equal(t, want, <-result, answer)
	}

	ok, err := NewChannel(&fakeMessenger{}, NewConversations()).Confirm(context.Background(), workflow.Step{Name: "x"})
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeEngine struct {
	mu        sync.Mutex
	executed  []string
	chats     []string
	cancelled []string
	retried   []store.Checkpoint
	progress  map[string]workflow.Progress
}

func (f *fakeEngine) Execute(ctx context.Context, description string, params map[string]string) workflow.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, description)
	chat, _ := ChatFrom(ctx)
	f.chats = append(f.chats, chat+"|"+params[workflow.ContextChatID])
	return workflow.Result{
		Status:     workflow.StatusSuccess,
		WorkflowID: "wf-1",
		Completed:  []string{"1"},
		Outputs:    map[string]string{"1": "ordered"},
	}
}

func (f *fakeEngine) Retry(ctx context.Context, cp store.Checkpoint) workflow.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, cp)
	chat, _ := ChatFrom(ctx)
	f.chats = append(f.chats, chat)
	return workflow.Result{Status: workflow.StatusSuccess, WorkflowID: cp.WorkflowID}
}

func (f *fakeEngine) Active() []string {
	var ids []string
	for id := range f.progress {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeEngine) Status(id string) (workflow.Progress, bool) {
	p, ok := f.progress[id]
	return p, ok
}

func (f *fakeEngine) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	_, ok := f.progress[id]
	return ok
}

func TestService_RunsWorkflowAndReports(t *testing.T) {
	m := &fakeMessenger{}
	eng := &fakeEngine{}
	svc := NewService(eng, NewChannel(m, NewConversations()))

	reply := svc.Handle(context.Background(), "telegram:7", "order a pizza")
	assert.Contains(t, reply, "Working on it")
	svc.Wait()

	assert.Equal(t, []string{"order a pizza"}, eng.executed)
	assert.Equal(t, []string{"telegram:7|telegram:7"}, eng.chats)
	msgs := m.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "telegram:7", msgs[0].chat)
	assert.Contains(t, msgs[0].text, "wf-1 succeeded")
	assert.Contains(t, msgs[0].text, "ordered")
}

func TestService_AnswersGoToPendingQuestion(t *testing.T) {
	m := &fakeMessenger{}
	eng := &fakeEngine{}
	ch := NewChannel(m, NewConversations())
	svc := NewService(eng, ch)
	ctx := WithChat(context.Background(), "telegram:7")

	answer := make(chan string, 1)
	go func() {
		a, _ := ch.Ask(ctx, "Pepperoni?")
		answer <- a
	}()
	waitSent(t, m, 1)

	assert.Empty(t, svc.Handle(context.Background(), "telegram:7", "yes please"))
	assert.Equal(t, "yes please", <-answer)
	svc.Wait()
	assert.Empty(t, eng.executed)
}

func TestService_Commands(t *testing.T) {
	eng := &fakeEngine{progress: map[string]workflow.Progress{
		"wf-9": {WorkflowID: "wf-9", Name: "Food Delivery", CurrentStep: "Open app", CompletedSteps: 2, TotalSteps: 6, Running: true},
	}}
	svc := NewService(eng, NewChannel(&fakeMessenger{}, NewConversations()))
	ctx := context.Background()

	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/help"), "/cancel")
	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/start"), "DroidPilot")

	status := svc.Handle(ctx, "telegram:1", "/status@droid_bot")
	assert.Contains(t, status, "wf-9 (Food Delivery): 2/6, now: Open app")

	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/cancel wf-9"), "Cancelling wf-9")
	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/cancel nope"), "No running workflow")
	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/cancel"), "Usage")
	assert.Equal(t, []string{"wf-9", "nope"}, eng.cancelled)

	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/frobnicate"), "Unknown command")
	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/failed"), "not available")
	assert.Empty(t, svc.Handle(ctx, "telegram:1", "   "))
	assert.Empty(t, eng.executed)
}

func TestService_StatusWhenIdle(t *testing.T) {
	svc := NewService(&fakeEngine{}, nil)
	assert.Equal(t, "Nothing running.", svc.Handle(context.Background(), "discord:1", "/status"))
}

type fakeFailed struct {
	recs []store.FailedWorkflowRecord
	err  error
}

func (f fakeFailed) ListFailed(context.Context) ([]store.FailedWorkflowRecord, error) {
	return f.recs, f.err
}

func TestService_Failed(t *testing.T) {
	svc := NewService(&fakeEngine{}, nil)
	ctx := context.Background()

	svc.Failed = fakeFailed{}
	assert.Equal(t, "No failed workflows.", svc.Handle(ctx, "telegram:1", "/failed"))

	svc.Failed = fakeFailed{err: errors.New("db locked")}
	assert.Contains(t, svc.Handle(ctx, "telegram:1", "/failed"), "db locked")

	var recs []store.FailedWorkflowRecord
	for i := 0; i < 7; i++ {
		recs = append(recs, store.FailedWorkflowRecord{
			Checkpoint: store.Checkpoint{WorkflowID: "wf-" + string(rune('a'+i))},
			Error:      "step 3 failed",
			FailedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		})
	}
	svc.Failed = fakeFailed{recs: recs}
	out := svc.Handle(ctx, "telegram:1", "/failed")
	assert.Contains(t, out, "wf-a at Mar 1 10:00: step 3 failed")
	assert.Contains(t, out, "wf-e")
	assert.NotContains(t, out, "wf-f")
}

func TestService_RetryRunsNewestArchive(t *testing.T) {
	m := &fakeMessenger{}
	eng := &fakeEngine{}
	svc := NewService(eng, NewChannel(m, NewConversations()))
	ctx := context.Background()

	assert.Equal(t, "Failure history is not available.", svc.Handle(ctx, "telegram:3", "/retry wf-a"))

	svc.Failed = fakeFailed{recs: []store.FailedWorkflowRecord{
		{Checkpoint: store.Checkpoint{WorkflowID: "wf-a", CompletedSteps: []string{"1", "2"},
			Context: map[string]string{workflow.ContextDescription: "order food", workflow.ContextChatID: "telegram:1"}}},
		{Checkpoint: store.Checkpoint{WorkflowID: "wf-a", CompletedSteps: []string{"1"}}},
	}}
	assert.Equal(t, "Usage: /retry <workflow id>", svc.Handle(ctx, "telegram:3", "/retry"))
	assert.Equal(t, "No failed workflow wf-z", svc.Handle(ctx, "telegram:3", "/retry wf-z"))

	assert.Contains(t, svc.Handle(ctx, "telegram:3", "/retry wf-a"), "Retrying wf-a")
	svc.Wait()

	require.Len(t, eng.retried, 1)
	cp := eng.retried[0]
	assert.Equal(t, []string{"1", "2"}, cp.CompletedSteps)
	assert.Equal(t, "order food", cp.Context[workflow.ContextDescription])
	assert.Equal(t, "telegram:3", cp.Context[workflow.ContextChatID], "result goes to the chat that asked")
	assert.Equal(t, []string{"telegram:3"}, eng.chats)

	msgs := m.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "telegram:3", msgs[0].chat)
	assert.Contains(t, msgs[0].text, "wf-a succeeded")
}
