package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/compasshq/compass/internal/observability"
	"github.com/compasshq/compass/plugin/ai"
	"github.com/compasshq/compass/store"
)

const summarizerMessageLimit = 500

// Summarizer maintains a session's rolling summary. Once the message count
// crosses the threshold it regenerates the summary from recent messages so
// history compression always has fresh material to work with.
type Summarizer struct {
	store     *store.Store
	llm       ai.LLMService
	reporter  observability.ErrorReporter
	threshold int
}

// NewSummarizer creates a summarizer. A non-positive threshold defaults to 24.
func NewSummarizer(st *store.Store, llm ai.LLMService, reporter observability.ErrorReporter, threshold int) *Summarizer {
	if threshold <= 0 {
		threshold = 24
	}
	if reporter == nil {
		reporter = observability.NewSlogReporter(nil)
	}
	return &Summarizer{store: st, llm: llm, reporter: reporter, threshold: threshold}
}

// MaybeRefreshAsync refreshes the rolling summary on a detached goroutine
// when the session has grown past the threshold. Never blocks the caller.
func (s *Summarizer) MaybeRefreshAsync(sessionID int32, messageCount int) {
	if messageCount < s.threshold {
		return
	}
	// Re-summarize every half threshold after the first crossing, not on
	// every turn.
	step := s.threshold / 2
	if step < 1 {
		step = 1
	}
	if (messageCount-s.threshold)%step != 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.Refresh(ctx, sessionID); err != nil {
			s.reporter.Report(err, observability.ErrorReport{
				Endpoint:      "summarizer",
				OperationType: "refresh",
				Metadata:      map[string]any{"session_id": sessionID},
			})
		}
	}()
}

// Refresh regenerates the session's rolling summary from its message log.
func (s *Summarizer) Refresh(ctx context.Context, sessionID int32) error {
	messages, err := s.store.ListMessages(ctx, &store.FindMessage{SessionID: &sessionID})
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	summary, err := s.generate(ctx, messages)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	if summary == "" {
		return nil
	}

	if _, err := s.store.UpdateSession(ctx, &store.UpdateSession{ID: sessionID, Summary: &summary}); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	return nil
}

func (s *Summarizer) generate(ctx context.Context, messages []*store.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the conversation below. Capture decisions made, entities discussed (keep their ids verbatim), and anything still open:\n\n")

	for _, msg := range messages {
		content := msg.Content
		if len(content) > summarizerMessageLimit {
			content = content[:summarizerMessageLimit] + "..."
		}
		fmt.Fprintf(&sb, "[%s]: %s\n\n", msg.Role, content)
	}

	summary, err := s.llm.Chat(ctx, []ai.Message{
		{Role: "system", Content: "You summarize project-management conversations. Be concise and keep entity ids exactly as written."},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
