package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cortexlabs/cortex-core/internal/approval"
	"github.com/cortexlabs/cortex-core/internal/infra"
	"github.com/cortexlabs/cortex-core/internal/policy"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// Pipeline runs the 7-step dispatch flow: argument validation,
// fingerprinting, memory lookup, policy evaluation,
// decision recording, sandboxed execution, and result normalization.
type Pipeline struct {
	Registry       *Registry
	Workspace      Workspace
	Memory         *approval.Memory
	Pending        *approval.Pending
	SandboxMode    models.SandboxMode
	HookProtection bool
	Logger         *slog.Logger

	// ShellSlots bounds how many shell_exec calls this pipeline's session
	// may run concurrently, capping concurrent shell executions per session.
	// Nil means unbounded.
	ShellSlots *infra.Semaphore
}

// Outcome is what the pipeline produced for one call: either a finished
// result, or a pending approval request the host must resolve before
// Resume is called.
type Outcome struct {
	Result    *models.ToolCallMetadata
	State     models.ToolCallState
	Output    string
	Error     string
	Approval  *models.ApprovalRequest
}

// Dispatch runs steps 1-4 for a new tool call and, when no approval is
// needed, steps 6-7. If the policy engine requires approval,
// Outcome.Approval is set and the caller must await a host decision,
// then call Resume (which performs step 5).
func (p *Pipeline) Dispatch(ctx context.Context, callID, toolName string, args json.RawMessage) (Outcome, error) {
	logger := p.logger()

	tool, ok := p.Registry.Get(toolName)
	if !ok {
		return Outcome{State: models.ToolCallFailed, Error: (&ErrUnknownTool{Name: toolName}).Error()}, nil
	}

	// Step 1: argument validation.
	if err := validateArgs(tool.Schema(), args); err != nil {
		logger.Warn("tool call failed schema validation", "tool", toolName, "call_id", callID, "error", err)
		return Outcome{State: models.ToolCallFailed, Error: "invalid arguments: " + err.Error()}, nil
	}

	// Step 2: fingerprint.
	fp := approval.Fingerprint(toolName, args)

	// Step 3: memory lookup.
	if decision, found := p.Memory.Lookup(fp); found {
		switch decision {
		case models.ApprovalDeny, models.ApprovalNever:
			return Outcome{State: models.ToolCallDenied, Error: "previously denied"}, nil
		case models.ApprovalAllow, models.ApprovalAlways:
			return p.execute(ctx, tool, callID, args)
		}
	}

	// Step 4: policy evaluation.
	decision := policy.Decide(p.SandboxMode, toolName, args, p.HookProtection)
	switch decision.Outcome {
	case policy.Deny:
		return Outcome{State: models.ToolCallDenied, Error: decision.Reason}, nil
	case policy.RequireApproval:
		req := p.Pending.Create(callID, toolName, fp, decision.Reason, now())
		return Outcome{State: models.ToolCallAwaitingApproval, Approval: req}, nil
	default: // AutoAllow
		return p.execute(ctx, tool, callID, args)
	}
}

// Resume continues a call that was left AwaitingApproval once the host
// application has responded. Step 5: the decision is recorded in
// Approval Memory before execution proceeds.
func (p *Pipeline) Resume(ctx context.Context, callID, toolName string, args json.RawMessage, decision models.ApprovalDecision) (Outcome, error) {
	req, ok := p.Pending.Resolve(callID, decision, now())
	if !ok {
		reason := "approval request not found or expired"
		if req != nil {
			reason = "approval request expired"
		}
		return Outcome{State: models.ToolCallDenied, Error: reason}, nil
	}

	p.Memory.Record(req.Fingerprint, decision)

	switch decision {
	case models.ApprovalDeny, models.ApprovalNever:
		return Outcome{State: models.ToolCallDenied, Error: "denied by user"}, nil
	default:
		tool, ok := p.Registry.Get(toolName)
		if !ok {
			return Outcome{State: models.ToolCallFailed, Error: (&ErrUnknownTool{Name: toolName}).Error()}, nil
		}
		return p.execute(ctx, tool, callID, args)
	}
}

// execute is steps 6-7: sandboxed execution and result normalization.
func (p *Pipeline) execute(ctx context.Context, tool Tool, callID string, args json.RawMessage) (Outcome, error) {
	logger := p.logger()
	deadline := tool.MaxDuration()
	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if tool.Name() == "shell_exec" && p.ShellSlots != nil {
		if err := p.ShellSlots.Acquire(runCtx, 1); err != nil {
			return Outcome{State: models.ToolCallFailed, Error: "shell slot unavailable: " + err.Error()}, nil
		}
		defer p.ShellSlots.Release(1)
	}

	start := time.Now()
	result, err := tool.Execute(runCtx, p.Workspace, args)
	duration := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			logger.Warn("tool call timed out", "tool", tool.Name(), "call_id", callID, "timeout_ms", deadline.Milliseconds())
			return Outcome{State: models.ToolCallFailed, Error: fmt.Sprintf("timeout after %d ms", deadline.Milliseconds())}, nil
		}
		return Outcome{State: models.ToolCallFailed, Error: err.Error()}, nil
	}

	meta := &models.ToolCallMetadata{
		DurationMS:    duration.Milliseconds(),
		FilesModified: result.FilesModified,
		Structured:    result.Structured,
	}
	return Outcome{State: models.ToolCallCompleted, Output: result.Output, Result: meta}, nil
}

func validateArgs(schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resourceName := "schema-" + uuid.NewString() + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// now returns the time used when creating and resolving approval
// requests; it always calls time.Now.
func now() time.Time { return time.Now() }
