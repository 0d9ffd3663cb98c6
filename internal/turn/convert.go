package turn

import (
	"github.com/cortexlabs/cortex-core/internal/agent"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// toCompletionMessages flattens session history into the shape an
// agent.LLMProvider expects, preserving order.
func toCompletionMessages(history []models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, agent.CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
			Attachments: msg.Attachments,
		})
	}
	return out
}

// nextSeq returns the sequence number the next appended message should
// carry: one past the highest Seq already present in history.
func nextSeq(history []models.Message) uint64 {
	var max uint64
	for _, msg := range history {
		if msg.Seq > max {
			max = msg.Seq
		}
	}
	return max + 1
}
