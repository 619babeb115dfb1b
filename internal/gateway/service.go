package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/rahul/droidpilot/internal/store"
	"github.com/rahul/droidpilot/internal/workflow"
)

// Engine is the workflow surface a chat can drive.
type Engine interface {
	Execute(ctx context.Context, description string, params map[string]string) workflow.Result
	Active() []string
	Status(id string) (workflow.Progress, bool)
	Cancel(id string) bool
	Retry(ctx context.Context, cp store.Checkpoint) workflow.Result
}

// FailedLister lists archived failed workflows.
type FailedLister interface {
	ListFailed(ctx context.Context) ([]store.FailedWorkflowRecord, error)
}

const helpText = `🤖 *DroidPilot*
Send me a task in plain words and I will carry it out on the phone.

/status - running workflows
/cancel <id> - stop a workflow
/failed - recent failures
/retry <id> - run a failed workflow again
/help - this message`

// Service turns chat messages into workflow runs. Gateways hand every
// incoming message to Handle and send back whatever it returns.
type Service struct {
	Engine  Engine
	Failed  FailedLister
	Channel *Channel

	wg sync.WaitGroup
}

func NewService(engine Engine, channel *Channel) *Service {
	return &Service{Engine: engine, Channel: channel}
}

// Handle processes one incoming message. An empty reply means nothing
// should be sent back.
func (s *Service) Handle(ctx context.Context, chatID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if s.Channel != nil && s.Channel.Conv.Deliver(chatID, text) {
		return ""
	}

	if strings.HasPrefix(text, "/") {
		return s.command(ctx, chatID, text)
	}

	log.Printf("[Gateway] %s: starting workflow for %q", chatID, text)
	s.start(ctx, chatID, func(ctx context.Context) workflow.Result {
		return s.Engine.Execute(ctx, text, map[string]string{
			workflow.ContextChatID: chatID,
		})
	})
	return "🤖 Working on it..."
}

// start runs a workflow in the background and reports its result to chatID.
func (s *Service) start(ctx context.Context, chatID string, run func(ctx context.Context) workflow.Result) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := run(WithChat(ctx, chatID))
		if s.Channel == nil {
			return
		}
		if err := s.Channel.Sender.Send(chatID, res.Summary()); err != nil {
			log.Printf("[Gateway] failed to report result to %s: %v", chatID, err)
		}
	}()
}

func (s *Service) command(ctx context.Context, chatID, text string) string {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	// "/status@botname" in group chats
	cmd, _, _ = strings.Cut(cmd, "@")

	switch cmd {
	case "/start", "/help":
		return helpText
	case "/status":
		return s.status()
	case "/cancel":
		if arg == "" {
			return "Usage: /cancel <workflow id>"
		}
		if s.Engine.Cancel(arg) {
			return fmt.Sprintf("🛑 Cancelling %s", arg)
		}
		return fmt.Sprintf("No running workflow %s", arg)
	case "/failed":
		return s.failed(ctx)
	case "/retry":
		if arg == "" {
			return "Usage: /retry <workflow id>"
		}
		return s.retry(ctx, chatID, arg)
	}
	return fmt.Sprintf("Unknown command %s. Try /help", cmd)
}

func (s *Service) status() string {
	ids := s.Engine.Active()
	if len(ids) == 0 {
		return "Nothing running."
	}
	var b strings.Builder
	b.WriteString("Running workflows:")
	for _, id := range ids {
		p, ok := s.Engine.Status(id)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n- %s (%s): %d/%d", p.WorkflowID, p.Name, p.CompletedSteps, p.TotalSteps)
		if p.CurrentStep != "" {
			fmt.Fprintf(&b, ", now: %s", p.CurrentStep)
		}
	}
	return b.String()
}

const failedShown = 5

func (s *Service) failed(ctx context.Context) string {
	if s.Failed == nil {
		return "Failure history is not available."
	}
	recs, err := s.Failed.ListFailed(ctx)
	if err != nil {
		return fmt.Sprintf("Could not read failures: %v", err)
	}
	if len(recs) == 0 {
		return "No failed workflows."
	}
	if len(recs) > failedShown {
		recs = recs[:failedShown]
	}
	var b strings.Builder
	b.WriteString("Recent failures:")
	for _, r := range recs {
		fmt.Fprintf(&b, "\n- %s at %s: %s", r.Checkpoint.WorkflowID, r.FailedAt.Format("Jan 2 15:04"), r.Error)
	}
	return b.String()
}

func (s *Service) retry(ctx context.Context, chatID, id string) string {
	if s.Failed == nil {
		return "Failure history is not available."
	}
	recs, err := s.Failed.ListFailed(ctx)
	if err != nil {
		return fmt.Sprintf("Could not read failures: %v", err)
	}
	// newest archive of id wins
	for _, r := range recs {
		if r.Checkpoint.WorkflowID != id {
			continue
		}
		cp := r.Checkpoint
		params := make(map[string]string, len(cp.Context)+1)
		for k, v := range cp.Context {
			params[k] = v
		}
		params[workflow.ContextChatID] = chatID
		cp.Context = params
		log.Printf("[Gateway] %s: retrying workflow %s", chatID, id)
		s.start(ctx, chatID, func(ctx context.Context) workflow.Result {
			return s.Engine.Retry(ctx, cp)
		})
		return fmt.Sprintf("🔁 Retrying %s", id)
	}
	return fmt.Sprintf("No failed workflow %s", id)
}

// Wait blocks until every workflow started by Handle has reported back.
func (s *Service) Wait() {
	s.wg.Wait()
}
