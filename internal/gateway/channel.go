package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rahul/droidpilot/internal/workflow"
)

type chatKey struct{}

// WithChat marks ctx as serving a qualified chat id.
func WithChat(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatKey{}, chatID)
}

// ChatFrom returns the chat id ctx serves.
func ChatFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(chatKey{}).(string)
	return id, ok && id != ""
}

// Conversations hands incoming messages to tasks waiting for an answer.
// At most one question is pending per chat.
type Conversations struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func NewConversations() *Conversations {
	return &Conversations{pending: make(map[string]chan string)}
}

func (c *Conversations) wait(chatID string) (chan string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[chatID]; busy {
		return nil, fmt.Errorf("chat %s already has a pending question", chatID)
	}
	ch := make(chan string, 1)
	c.pending[chatID] = ch
	return ch, nil
}

func (c *Conversations) done(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, chatID)
}

// Deliver routes text to a pending question. It reports false when no task
// is waiting on chatID.
func (c *Conversations) Deliver(chatID, text string) bool {
	c.mu.Lock()
	ch, ok := c.pending[chatID]
	if ok {
		delete(c.pending, chatID)
	}
	c.mu.Unlock()
	if ok {
		ch <- text
	}
	return ok
}

// Channel reaches the user of the chat found in the context. It serves as
// the loop's user channel and as the workflow step confirmer.
type Channel struct {
	Sender  workflow.Messenger
	Conv    *Conversations
	Timeout time.Duration
}

func NewChannel(sender workflow.Messenger, conv *Conversations) *Channel {
	return &Channel{Sender: sender, Conv: conv, Timeout: 10 * time.Minute}
}

func (c *Channel) Speak(ctx context.Context, message string) error {
	chatID, ok := ChatFrom(ctx)
	if !ok {
		log.Printf("[Gateway] (no chat) %s", message)
		return nil
	}
	return c.Sender.Send(chatID, "🗣 "+message)
}

// Ask sends question and blocks until the user replies, the timeout passes
// or ctx is done.
func (c *Channel) Ask(ctx context.Context, question string) (string, error) {
	chatID, ok := ChatFrom(ctx)
	if !ok {
		return "", fmt.Errorf("no chat to ask: %s", question)
	}
	answers, err := c.Conv.wait(chatID)
	if err != nil {
		return "", err
	}
	defer c.Conv.done(chatID)

	if err := c.Sender.Send(chatID, "❓ "+question); err != nil {
		return "", err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case answer := <-answers:
		return strings.TrimSpace(answer), nil
	case <-t.C:
		return "", fmt.Errorf("no answer within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Confirm asks the user to approve a step. Without a chat it approves.
func (c *Channel) Confirm(ctx context.Context, step workflow.Step) (bool, error) {
	if _, ok := ChatFrom(ctx); !ok {
		return true, nil
	}
	answer, err := c.Ask(ctx, fmt.Sprintf("About to: %s. Proceed? (yes/no)", step.Name))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.Trim(answer, " .!")) {
	case "y", "yes", "ok", "sure", "go", "proceed":
		return true, nil
	}
	return false, nil
}
