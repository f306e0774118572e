// Package history decides how much of a session's message log is replayed to
// the model: verbatim for short sessions, compressed to a summary plus a
// recent tail for long ones.
package history

import (
	"fmt"
	"strings"

	"github.com/compasshq/compass/plugin/ai"
)

// Strategy names a composition outcome.
type Strategy string

const (
	// StrategyRaw passes the history through unchanged.
	StrategyRaw Strategy = "raw"
	// StrategyCompressed replaces older messages with a summary turn.
	StrategyCompressed Strategy = "compressed"
)

// Settings bound the composition.
type Settings struct {
	// CompressionThreshold is the history length at or below which the log
	// is passed through verbatim.
	CompressionThreshold int
	// TailMessagesKept is how many recent messages survive compression.
	TailMessagesKept int
	// SummaryBudget caps the session summary, in characters.
	SummaryBudget int
	// HintBudget caps the continuity hint, in characters.
	HintBudget int
}

// DefaultSettings are the production composition bounds.
func DefaultSettings() Settings {
	return Settings{
		CompressionThreshold: 20,
		TailMessagesKept:     8,
		SummaryBudget:        1200,
		HintBudget:           400,
	}
}

func (s Settings) normalized() Settings {
	if s.CompressionThreshold <= 0 {
		s.CompressionThreshold = 20
	}
	if s.TailMessagesKept <= 0 {
		s.TailMessagesKept = 8
	}
	if s.SummaryBudget <= 0 {
		s.SummaryBudget = 1200
	}
	if s.HintBudget <= 0 {
		s.HintBudget = 400
	}
	return s
}

// Result is the composed history plus its accounting.
type Result struct {
	HistoryForModel    []ai.Message
	Strategy           Strategy
	Compressed         bool
	RawHistoryCount    int
	TailMessagesKept   int
	ContinuityHintUsed bool
}

// Compose decides between raw and compressed history. It is pure: identical
// inputs always produce identical output, and the compressed form is bounded
// to the tail plus at most one synthesized summary turn.
func Compose(rawHistory []ai.Message, continuityHint, sessionSummary string, settings Settings) Result {
	settings = settings.normalized()

	if len(rawHistory) <= settings.CompressionThreshold {
		out := make([]ai.Message, len(rawHistory))
		copy(out, rawHistory)
		return Result{
			HistoryForModel: out,
			Strategy:        StrategyRaw,
			RawHistoryCount: len(rawHistory),
		}
	}

	// The tail may not exceed the history when the configured tail size is
	// larger than the compression threshold.
	kept := settings.TailMessagesKept
	if kept > len(rawHistory) {
		kept = len(rawHistory)
	}
	tail := rawHistory[len(rawHistory)-kept:]
	hintUsed := continuityHint != ""
	summaryTurn := buildSummaryTurn(
		truncate(sessionSummary, settings.SummaryBudget),
		truncate(continuityHint, settings.HintBudget),
		len(rawHistory)-kept,
	)

	out := make([]ai.Message, 0, len(tail)+1)
	if summaryTurn != nil {
		out = append(out, *summaryTurn)
	}
	out = append(out, tail...)

	return Result{
		HistoryForModel:    out,
		Strategy:           StrategyCompressed,
		Compressed:         true,
		RawHistoryCount:    len(rawHistory),
		TailMessagesKept:   kept,
		ContinuityHintUsed: hintUsed,
	}
}

func buildSummaryTurn(summary, hint string, elided int) *ai.Message {
	if summary == "" && hint == "" {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Earlier conversation, %d messages elided]", elided)
	if summary != "" {
		sb.WriteString("\nSummary: ")
		sb.WriteString(summary)
	}
	if hint != "" {
		sb.WriteString("\nCarried over from the previous turn: ")
		sb.WriteString(hint)
	}
	return &ai.Message{Role: "assistant", Content: sb.String()}
}

func truncate(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	// Cut on a rune boundary so multibyte text is not split mid-character.
	runes := []rune(s)
	for len(string(runes)) > budget && len(runes) > 0 {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
