package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexlabs/cortex-core/internal/agent"
	"github.com/cortexlabs/cortex-core/internal/agent/providers"
	"github.com/cortexlabs/cortex-core/internal/approval"
	"github.com/cortexlabs/cortex-core/internal/backoff"
	"github.com/cortexlabs/cortex-core/internal/compaction"
	"github.com/cortexlabs/cortex-core/internal/dispatch"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// EventSink receives the host-facing event stream as the engine produces it.
type EventSink interface {
	Emit(models.Event)
}

// EventSinkFunc adapts a plain function to EventSink.
type EventSinkFunc func(models.Event)

func (f EventSinkFunc) Emit(ev models.Event) { f(ev) }

// Engine drives a single turn from user input to completion. It owns no
// session state between calls to Run: the caller supplies history and a
// Turn record, and gets back the updated history.
type Engine struct {
	Provider  agent.LLMProvider
	Pipeline  *dispatch.Pipeline
	Compactor *compaction.Manager
	Resolver  *ApprovalResolver

	// MaxModelAttempts bounds how many times a single model invocation is
	// retried after a retryable provider error. Zero uses a default of 3.
	MaxModelAttempts int
	RetryPolicy      backoff.BackoffPolicy

	Logger *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) maxAttempts() int {
	if e.MaxModelAttempts > 0 {
		return e.MaxModelAttempts
	}
	return 3
}

func (e *Engine) retryPolicy() backoff.BackoffPolicy {
	if e.RetryPolicy != (backoff.BackoffPolicy{}) {
		return e.RetryPolicy
	}
	return backoff.DefaultPolicy()
}

// RunInput is everything one turn needs that the engine does not own.
type RunInput struct {
	Session      *models.Session
	Turn         *models.Turn
	History      []models.Message
	UserInput    string
	Model        agent.Model
	SystemPrompt string
	Tools        []agent.Tool
	Sink         EventSink
}

// Run executes the turn state machine: AwaitingModel -> Streaming ->
// (ToolDispatch -> Streaming)* -> Complete|Aborted. It returns the full
// message history including everything the turn appended, whether or not
// the turn completed successfully.
func (e *Engine) Run(ctx context.Context, in RunInput) ([]models.Message, error) {
	history := append([]models.Message(nil), in.History...)
	started := time.Now()
	state := StateIdle

	userMsg := models.Message{
		ID:        uuid.NewString(),
		SessionID: in.Session.ID,
		TurnID:    in.Turn.ID,
		Seq:       nextSeq(history),
		Role:      models.RoleUser,
		Content:   in.UserInput,
		Parts:     []models.MessagePart{{Type: models.PartText, Text: in.UserInput}},
		CreatedAt: time.Now(),
	}
	history = append(history, userMsg)
	in.Sink.Emit(models.Event{
		Kind:        models.EventUserMessage,
		UserMessage: &models.UserMessageEvent{ID: userMsg.ID, Content: in.UserInput},
	})

	state = e.transition(state, StateAwaitingModel)
	toolCallCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.abort(in, history, newEngineError(ErrorCancellation, "turn cancelled", err))
		}
		if err := e.checkBudget(in, started); err != nil {
			return e.abort(in, history, err)
		}

		contextWindow := in.Turn.Budget.MaxTokens
		if contextWindow <= 0 {
			contextWindow = in.Model.ContextSize
		}
		if compaction.ShouldCompact(history, contextWindow) {
			compacted, event, err := e.Compactor.Compact(ctx, history)
			switch {
			case err == nil:
				history = compacted
				in.Sink.Emit(models.Event{Kind: models.EventContextCompacted, ContextCompacted: event})
			case errors.Is(err, compaction.ErrNothingToCompact):
				// Nothing left to summarize; proceed over budget rather
				// than stall the turn.
			default:
				return e.abort(in, history, newEngineError(ErrorInternal, "context compaction failed", err))
			}
		}

		req := &agent.CompletionRequest{
			Model:    in.Model.ID,
			System:   in.SystemPrompt,
			Messages: toCompletionMessages(history),
			Tools:    in.Tools,
		}

		state = e.transition(state, StateStreaming)
		text, calls, err := e.completeWithRetry(ctx, req, in.Sink, in.Turn.ID)
		if err != nil {
			if ctx.Err() != nil {
				return e.abort(in, history, newEngineError(ErrorCancellation, "turn cancelled", ctx.Err()))
			}
			return e.abort(in, history, classifyModelError(err))
		}

		assistantMsg := models.Message{
			ID:        uuid.NewString(),
			SessionID: in.Session.ID,
			TurnID:    in.Turn.ID,
			Seq:       nextSeq(history),
			Role:      models.RoleAssistant,
			Content:   text,
			Parts:     []models.MessagePart{{Type: models.PartText, Text: text}},
			CreatedAt: time.Now(),
		}

		if len(calls) == 0 {
			history = append(history, assistantMsg)
			state = e.transition(state, StateComplete)
			return e.complete(in, history, assistantMsg)
		}

		state = e.transition(state, StateToolDispatch)
		toolResults := make([]models.ToolResult, 0, len(calls))
		for i := range calls {
			toolCallCount++
			if in.Turn.Budget.MaxToolCalls > 0 && toolCallCount > in.Turn.Budget.MaxToolCalls {
				return e.abort(in, history, newEngineError(ErrorInternal, "tool call budget exceeded for turn", nil))
			}

			result, engErr := e.dispatchToolCall(ctx, in, &calls[i])
			if engErr != nil {
				return e.abort(in, history, engErr)
			}
			toolResults = append(toolResults, result)
		}

		assistantMsg.ToolCalls = calls
		history = append(history, assistantMsg)
		history = append(history, models.Message{
			ID:          uuid.NewString(),
			SessionID:   in.Session.ID,
			TurnID:      in.Turn.ID,
			Seq:         nextSeq(history),
			Role:        models.RoleTool,
			ToolResults: toolResults,
			CreatedAt:   time.Now(),
		})

		state = e.transition(state, StateStreaming)
	}
}

// dispatchToolCall runs one tool call through the dispatch pipeline,
// blocking on the approval resolver when the policy engine requires a
// host decision. It mutates call in place with the final state.
func (e *Engine) dispatchToolCall(ctx context.Context, in RunInput, call *models.ToolCall) (models.ToolResult, *EngineError) {
	sink := in.Sink
	sink.Emit(models.Event{
		Kind: models.EventToolCallBegin,
		ToolCallBegin: &models.ToolCallBeginEvent{
			TurnID:    in.Turn.ID,
			CallID:    call.ID,
			ToolName:  call.Name,
			Arguments: call.Input,
		},
	})

	outcome, err := e.Pipeline.Dispatch(ctx, call.ID, call.Name, call.Input)
	if err != nil {
		return models.ToolResult{}, newEngineError(ErrorInternal, "tool dispatch", err)
	}

	if outcome.State == models.ToolCallAwaitingApproval {
		reqEvent := approval.AsEvent(outcome.Approval, call.Input)
		sink.Emit(models.Event{Kind: models.EventApprovalRequest, ApprovalRequest: &reqEvent})

		decision, waitErr := e.Resolver.Await(ctx, call.ID)
		if waitErr != nil {
			decision = models.ApprovalDeny
		}

		outcome, err = e.Pipeline.Resume(ctx, call.ID, call.Name, call.Input, decision)
		if err != nil {
			return models.ToolResult{}, newEngineError(ErrorInternal, "tool resume", err)
		}
	}

	call.State = outcome.State
	result := models.ToolResult{ToolCallID: call.ID, Metadata: outcome.Result}
	switch outcome.State {
	case models.ToolCallCompleted:
		result.Content = outcome.Output
	case models.ToolCallDenied:
		call.DeniedReason = outcome.Error
		result.Content = outcome.Error
		result.IsError = true
	case models.ToolCallFailed:
		call.FailedError = outcome.Error
		result.Content = outcome.Error
		result.IsError = true
	}

	sink.Emit(models.Event{
		Kind: models.EventToolCallEnd,
		ToolCallEnd: &models.ToolCallEndEvent{
			TurnID:   in.Turn.ID,
			CallID:   call.ID,
			State:    outcome.State,
			Metadata: outcome.Result,
		},
	})
	return result, nil
}

// completeWithRetry drains one full model invocation, retrying with
// exponential backoff on errors providers.IsRetryable classifies as
// transient. A non-retryable error aborts immediately rather than
// exhausting the attempt budget.
func (e *Engine) completeWithRetry(ctx context.Context, req *agent.CompletionRequest, sink EventSink, turnID string) (string, []models.ToolCall, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		text, calls, err := e.streamOnce(ctx, req, sink, turnID)
		if err == nil {
			return text, calls, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if !providers.IsRetryable(err) || attempt == e.maxAttempts() {
			return "", nil, err
		}
		e.logger().Warn("retrying model invocation after transient error", "attempt", attempt, "error", err)
		if sleepErr := backoff.SleepWithBackoff(ctx, e.retryPolicy(), attempt); sleepErr != nil {
			return "", nil, sleepErr
		}
	}
	return "", nil, lastErr
}

// streamOnce issues a single Complete call and fully drains the response
// channel, streaming text/thinking deltas to sink as they arrive and
// collecting any tool calls the model requested.
func (e *Engine) streamOnce(ctx context.Context, req *agent.CompletionRequest, sink EventSink, turnID string) (string, []models.ToolCall, error) {
	chunks, err := e.Provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []models.ToolCall
	partID := uuid.NewString()

	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			sink.Emit(models.Event{
				Kind:           models.EventAgentTextDelta,
				AgentTextDelta: &models.TextDeltaEvent{TurnID: turnID, PartID: partID, Content: chunk.Text},
			})
		}
		if chunk.Thinking != "" {
			sink.Emit(models.Event{
				Kind:                models.EventAgentReasoningDelta,
				AgentReasoningDelta: &models.TextDeltaEvent{TurnID: turnID, PartID: partID, Content: chunk.Thinking},
			})
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
	}

	return text.String(), calls, nil
}

func (e *Engine) checkBudget(in RunInput, started time.Time) *EngineError {
	budget := in.Turn.Budget
	if !budget.Deadline.IsZero() && time.Now().After(budget.Deadline) {
		return newEngineError(ErrorInternal, "turn deadline exceeded", nil)
	}
	if budget.WallTime > 0 && time.Since(started) > budget.WallTime {
		return newEngineError(ErrorInternal, "turn wall-time budget exceeded", nil)
	}
	return nil
}

func (e *Engine) transition(from, to State) State {
	if !from.CanTransition(to) {
		e.logger().Error("illegal turn state transition", "from", from, "to", to)
	}
	return to
}

func (e *Engine) abort(in RunInput, history []models.Message, cause error) ([]models.Message, error) {
	e.Resolver.CancelAll()
	in.Turn.Status = models.TurnAborted
	in.Turn.EndedAt = time.Now()

	in.Sink.Emit(models.Event{
		Kind:        models.EventTurnAborted,
		TurnAborted: &models.TurnAbortedEvent{TurnID: in.Turn.ID, Reason: cause.Error()},
	})

	var engErr *EngineError
	if errors.As(cause, &engErr) {
		in.Sink.Emit(models.Event{
			Kind:  models.EventError,
			Error: &models.ErrorEvent{Message: engErr.Msg, Kind: string(engErr.Kind)},
		})
	}
	return history, cause
}

func (e *Engine) complete(in RunInput, history []models.Message, finalMessage models.Message) ([]models.Message, error) {
	in.Turn.Status = models.TurnComplete
	in.Turn.EndedAt = time.Now()
	in.Sink.Emit(models.Event{
		Kind:         models.EventTurnComplete,
		TurnComplete: &models.TurnCompleteEvent{TurnID: in.Turn.ID, LastMessage: finalMessage},
	})
	return history, nil
}

// classifyModelError maps a provider-layer error onto the turn engine's
// own error taxonomy so the host-facing Error event carries a classification
// it understands without importing the providers package.
func classifyModelError(err error) *EngineError {
	switch providers.ClassifyError(err) {
	case providers.FailoverRateLimit:
		return newEngineError(ErrorRateLimit, "model rate limited", err)
	case providers.FailoverTimeout, providers.FailoverServerError:
		return newEngineError(ErrorTransport, "model invocation failed", err)
	case providers.FailoverInvalidRequest:
		return newEngineError(ErrorValidation, "model rejected the request", err)
	case providers.FailoverBilling, providers.FailoverAuth, providers.FailoverModelUnavailable, providers.FailoverContentFilter:
		return newEngineError(ErrorConfiguration, "model provider unavailable", err)
	default:
		return newEngineError(ErrorInternal, "model invocation failed", err)
	}
}
