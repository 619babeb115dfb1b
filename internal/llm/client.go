package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/droidpilot/internal/agent"
)

// Factory builds a model bound to one API key.
type Factory func(key string) (llms.Model, error)

// Client implements agent.Model on top of langchaingo. Every attempt uses
// the next key of the ring; failed attempts back off linearly.
type Client struct {
	Keys        *KeyRing
	New         Factory
	MaxAttempts int
	Backoff     time.Duration
	Temperature float64
	Sleep       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	models map[string]llms.Model
}

func NewClient(keys *KeyRing, factory Factory) *Client {
	return &Client{
		Keys:        keys,
		New:         factory,
		MaxAttempts: 3,
		Backoff:     time.Second,
		models:      make(map[string]llms.Model),
	}
}

// Generate sends p to the model. After MaxAttempts failures it returns an
// error wrapping agent.ErrModelUnavailable.
func (c *Client) Generate(ctx context.Context, p agent.Prompt) (string, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	messages := []llms.MessageContent{}
	if p.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(p.System)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(p.Text)},
	})

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		key := c.Keys.Next()
		text, err := c.generateOnce(ctx, key, messages)
		if err == nil {
			c.Keys.Succeed(key)
			return text, nil
		}
		lastErr = err
		c.Keys.Fail(key)
		log.Printf("[Model] %s attempt %d/%d failed (key %s): %v", p.Role, attempt, attempts, mask(key), err)

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			if err := c.sleep(ctx, time.Duration(attempt)*c.Backoff); err != nil {
				break
			}
		}
	}
	return "", fmt.Errorf("%w: %v", agent.ErrModelUnavailable, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, key string, messages []llms.MessageContent) (string, error) {
	model, err := c.model(key)
	if err != nil {
		return "", err
	}
	opts := []llms.CallOption{}
	if c.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.Temperature))
	}
	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", fmt.Errorf("empty response")
	}
	return text, nil
}

func (c *Client) model(key string) (llms.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models == nil {
		c.models = make(map[string]llms.Model)
	}
	if m, ok := c.models[key]; ok {
		return m, nil
	}
	m, err := c.New(key)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	c.models[key] = m
	return m, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
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

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}
