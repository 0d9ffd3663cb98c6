package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// KeepRecentDefault is the number of most-recent non-system messages the
// compactor always preserves verbatim, regardless of token budget.
const KeepRecentDefault = 10

// Manager adapts the generic chunking/summarization toolkit in this
// package to operate on pkg/models.Message, implementing a five-step
// algorithm: partition system/recent/summarizable, abort if nothing is
// summarizable, invoke the model,
// replace the summarizable slice with one synthetic system message, and
// report the result as a models.ContextCompactedEvent.
type Manager struct {
	Summarizer Summarizer
	Config     *SummarizationConfig
	KeepRecent int
}

// NewManager builds a Manager with sensible defaults filled in for any
// zero-valued field.
func NewManager(summarizer Summarizer, config *SummarizationConfig) *Manager {
	if config == nil {
		config = DefaultSummarizationConfig()
	}
	return &Manager{Summarizer: summarizer, Config: config, KeepRecent: KeepRecentDefault}
}

// ErrNothingToCompact is returned when the summarizable partition is
// empty: every message is either a preserved system message or inside
// the recent window, so compaction would do nothing.
var ErrNothingToCompact = fmt.Errorf("compaction: nothing to summarize")

// Compact partitions history into preserved system messages, a recent
// window, and a summarizable middle slice; summarizes the middle slice;
// and returns the replacement history plus the event to emit. Returns
// ErrNothingToCompact (not a fatal error — callers should simply skip
// emitting a ContextCompactedEvent) when the summarizable slice is empty.
func (m *Manager) Compact(ctx context.Context, history []models.Message) ([]models.Message, *models.ContextCompactedEvent, error) {
	keepRecent := m.KeepRecent
	if keepRecent <= 0 {
		keepRecent = KeepRecentDefault
	}

	var system []models.Message
	var rest []models.Message
	for _, msg := range history {
		if msg.IsSystem() {
			system = append(system, msg)
			continue
		}
		rest = append(rest, msg)
	}

	if len(rest) <= keepRecent {
		return history, nil, ErrNothingToCompact
	}

	summarizable := rest[:len(rest)-keepRecent]
	recent := rest[len(rest)-keepRecent:]
	if len(summarizable) == 0 {
		return history, nil, ErrNothingToCompact
	}

	converted := toCompactionMessages(summarizable)
	tokensBefore := EstimateMessagesTokens(converted)

	summary, err := SummarizeWithFallback(ctx, converted, m.Summarizer, m.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("summarize history: %w", err)
	}

	synthetic := models.Message{
		ID:        "compaction-" + summarizable[0].ID,
		SessionID: summarizable[0].SessionID,
		Seq:       summarizable[0].Seq,
		Role:      models.RoleSystem,
		Content:   summary,
		Parts:     []models.MessagePart{{Type: models.PartText, Text: summary}},
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"compaction_replaced_count": len(summarizable),
		},
	}
	tokensAfter := EstimateTokens(toCompactionMessage(synthetic))

	tokensSaved := tokensBefore - tokensAfter
	if tokensSaved < 0 {
		tokensSaved = 0
	}

	replaced := make([]models.Message, 0, len(system)+1+len(recent))
	replaced = append(replaced, system...)
	replaced = append(replaced, synthetic)
	replaced = append(replaced, recent...)

	event := &models.ContextCompactedEvent{
		MessagesRemoved: len(summarizable),
		TokensSaved:     tokensSaved,
	}
	return replaced, event, nil
}

func toCompactionMessage(msg models.Message) *Message {
	return &Message{
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.Unix(),
		ID:        msg.ID,
	}
}

func toCompactionMessages(msgs []models.Message) []*Message {
	out := make([]*Message, len(msgs))
	for i := range msgs {
		out[i] = toCompactionMessage(msgs[i])
	}
	return out
}

// ShouldCompact reports whether the estimated token count of history,
// inflated by SafetyMargin, meets or exceeds the model's context window,
// the trigger for invoking the compactor before the next model call.
func ShouldCompact(history []models.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	estimated := EstimateMessagesTokens(toCompactionMessages(history))
	return float64(estimated)*SafetyMargin >= float64(contextWindow)
}
