package workflow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rahul/droidpilot/internal/store"
)

// Messenger delivers a text to a chat.
type Messenger interface {
	Send(chatID string, text string) error
}

// ResumeStore is what the scheduler reads to find unfinished workflows.
type ResumeStore interface {
	ListActive(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) (*store.Checkpoint, error)
}

// Resumer continues a workflow from its saved state.
type Resumer interface {
	Resume(ctx context.Context, id, description string, params map[string]string) Result
	Active() []string
}

// Scheduler resumes workflows that were left unfinished, once at start and
// then on every tick. Each id is attempted at most once per process.
type Scheduler struct {
	Engine   Resumer
	Store    ResumeStore
	Gateway  Messenger
	Interval time.Duration
	// WithChat, when set, binds the resumed run to the chat that started it
	// so questions and confirmations reach the same user.
	WithChat func(ctx context.Context, chatID string) context.Context

	mu    sync.Mutex
	tried map[string]bool
}

func NewScheduler(engine Resumer, st ResumeStore, gateway Messenger) *Scheduler {
	return &Scheduler{
		Engine:   engine,
		Store:    st,
		Gateway:  gateway,
		Interval: 30 * time.Second,
		tried:    make(map[string]bool),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("[Workflow] Resume scheduler started...")
	s.pollAndResume(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndResume(ctx)
		}
	}
}

func (s *Scheduler) pollAndResume(ctx context.Context) {
	ids, err := s.Store.ListActive(ctx)
	if err != nil {
		log.Printf("[Workflow] Error listing unfinished workflows: %v", err)
		return
	}

	running := make(map[string]bool)
	for _, id := range s.Engine.Active() {
		running[id] = true
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if running[id] || !s.claim(id) {
			continue
		}

		cp, err := s.Store.Load(ctx, id)
		if err != nil || cp == nil {
			log.Printf("[Workflow] Cannot resume %s: %v", id, err)
			continue
		}
		desc := cp.Context[ContextDescription]
		if desc == "" {
			log.Printf("[Workflow] Cannot resume %s: no description saved", id)
			continue
		}

		log.Printf("[Workflow] Resuming %s (%d steps done): %s", id, len(cp.CompletedSteps), desc)
		chatID := cp.Context[ContextChatID]
		runCtx := ctx
		if chatID != "" && s.WithChat != nil {
			runCtx = s.WithChat(ctx, chatID)
		}
		res := s.Engine.Resume(runCtx, id, desc, cp.Context)

		if chatID != "" && s.Gateway != nil {
			if err := s.Gateway.Send(chatID, "🔁 Resumed workflow\n\n"+res.Summary()); err != nil {
				log.Printf("[Workflow] Error notifying chat %s: %v", chatID, err)
			}
		}
	}
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tried == nil {
		s.tried = make(map[string]bool)
	}
	if s.tried[id] {
		return false
	}
	s.tried[id] = true
	return true
}
