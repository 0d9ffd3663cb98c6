package compaction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.summary != "" {
		return s.summary, nil
	}
	return fmt.Sprintf("summary of %d messages", len(messages)), nil
}

func buildHistory(n int) []models.Message {
	history := make([]models.Message, 0, n+1)
	history = append(history, models.Message{ID: "sys-0", Role: models.RoleSystem, Content: "you are a helpful agent"})
	for i := 0; i < n; i++ {
		history = append(history, models.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("message number %d with some body text", i),
			Seq:       uint64(i + 1),
			CreatedAt: time.Now(),
		})
	}
	return history
}

func TestManagerCompactAbortsWhenNothingSummarizable(t *testing.T) {
	m := NewManager(&stubSummarizer{}, nil)
	history := buildHistory(5) // fewer than KeepRecentDefault

	_, event, err := m.Compact(context.Background(), history)
	if err != ErrNothingToCompact {
		t.Fatalf("Compact() error = %v, want ErrNothingToCompact", err)
	}
	if event != nil {
		t.Fatalf("Compact() event = %+v, want nil", event)
	}
}

func TestManagerCompactReplacesSummarizableSlice(t *testing.T) {
	summarizer := &stubSummarizer{summary: "condensed history"}
	m := NewManager(summarizer, nil)
	history := buildHistory(25)

	compacted, event, err := m.Compact(context.Background(), history)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if summarizer.calls == 0 {
		t.Fatalf("expected summarizer to be invoked")
	}
	if event == nil {
		t.Fatalf("expected a ContextCompactedEvent")
	}
	// 1 preserved system message + 1 synthetic summary + 10 recent.
	if len(compacted) != 12 {
		t.Fatalf("len(compacted) = %d, want 12", len(compacted))
	}
	if !compacted[0].IsSystem() {
		t.Fatalf("expected first message to remain the original system message")
	}
	if compacted[1].Content != "condensed history" {
		t.Fatalf("compacted[1].Content = %q, want synthetic summary", compacted[1].Content)
	}
	if !compacted[1].IsSystem() {
		t.Fatalf("expected synthetic summary message to be a system message")
	}
	last := compacted[len(compacted)-1]
	if last.ID != "msg-24" {
		t.Fatalf("last message id = %q, want msg-24 (most recent preserved)", last.ID)
	}
	// 25 user messages, keep 10 recent => 15 summarized away.
	if event.MessagesRemoved != 15 {
		t.Fatalf("event.MessagesRemoved = %d, want 15", event.MessagesRemoved)
	}
}

func TestManagerCompactPropagatesSummarizerError(t *testing.T) {
	summarizer := &stubSummarizer{err: fmt.Errorf("provider unavailable")}
	m := NewManager(summarizer, nil)
	history := buildHistory(25)

	if _, _, err := m.Compact(context.Background(), history); err == nil {
		t.Fatalf("expected Compact() to propagate summarizer error")
	}
}

func TestShouldCompact(t *testing.T) {
	history := buildHistory(200)
	if !ShouldCompact(history, 100) {
		t.Fatalf("expected ShouldCompact to trip for a tiny context window")
	}
	if ShouldCompact(history, 10_000_000) {
		t.Fatalf("expected ShouldCompact to stay false for a huge context window")
	}
	if ShouldCompact(history, 0) {
		t.Fatalf("expected ShouldCompact to stay false for an unset context window")
	}
}
