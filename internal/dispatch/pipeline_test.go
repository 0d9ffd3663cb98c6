package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cortexlabs/cortex-core/internal/approval"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

type stubWorkspace struct{}

func (stubWorkspace) Resolve(path string) (string, error) { return path, nil }

type stubTool struct {
	name     string
	schema   json.RawMessage
	maxDur   time.Duration
	execFunc func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error)
}

func (t *stubTool) Name() string               { return t.name }
func (t *stubTool) Description() string        { return "stub tool for pipeline tests" }
func (t *stubTool) Schema() json.RawMessage    { return t.schema }
func (t *stubTool) MaxDuration() time.Duration { return t.maxDur }
func (t *stubTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	return t.execFunc(ctx, ws, args)
}

func newTestPipeline(tools ...Tool) *Pipeline {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return &Pipeline{
		Registry:    reg,
		Workspace:   stubWorkspace{},
		Memory:      approval.New(),
		Pending:     approval.NewPending(approval.DefaultRequestTTL),
		SandboxMode: models.SandboxReadOnly,
	}
}

func TestPipeline_UnknownToolFails(t *testing.T) {
	p := newTestPipeline()
	out, err := p.Dispatch(context.Background(), "call-1", "nope", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallFailed {
		t.Errorf("state = %v, want failed", out.State)
	}
}

func TestPipeline_SchemaValidationRejectsBadArgs(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	tool := &stubTool{
		name:   "read_file",
		schema: schema,
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "should not run"}, nil
		},
	}
	p := newTestPipeline(tool)
	out, err := p.Dispatch(context.Background(), "call-1", "read_file", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallFailed {
		t.Errorf("state = %v, want failed", out.State)
	}
}

func TestPipeline_ReadOnlyAutoAllowsReadTool(t *testing.T) {
	tool := &stubTool{
		name: "read_file",
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "file contents"}, nil
		},
	}
	p := newTestPipeline(tool)
	out, err := p.Dispatch(context.Background(), "call-1", "read_file", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallCompleted {
		t.Errorf("state = %v, want completed", out.State)
	}
	if out.Output != "file contents" {
		t.Errorf("output = %q", out.Output)
	}
}

func TestPipeline_ReadOnlyRequiresApprovalForWrite(t *testing.T) {
	tool := &stubTool{
		name: "write_file",
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "wrote"}, nil
		},
	}
	p := newTestPipeline(tool)
	out, err := p.Dispatch(context.Background(), "call-1", "write_file", json.RawMessage(`{"path":"a.txt","content":"x"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallAwaitingApproval {
		t.Fatalf("state = %v, want awaiting_approval", out.State)
	}
	if out.Approval == nil {
		t.Fatal("expected an approval request")
	}

	resumed, err := p.Resume(context.Background(), "call-1", "write_file", json.RawMessage(`{"path":"a.txt","content":"x"}`), models.ApprovalAllow)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != models.ToolCallCompleted {
		t.Errorf("resumed state = %v, want completed", resumed.State)
	}
}

func TestPipeline_DenyRecordsAndBlocksOnResume(t *testing.T) {
	tool := &stubTool{
		name: "write_file",
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "wrote"}, nil
		},
	}
	p := newTestPipeline(tool)
	args := json.RawMessage(`{"path":"a.txt","content":"x"}`)
	out, err := p.Dispatch(context.Background(), "call-1", "write_file", args)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallAwaitingApproval {
		t.Fatalf("state = %v, want awaiting_approval", out.State)
	}

	resumed, err := p.Resume(context.Background(), "call-1", "write_file", args, models.ApprovalDeny)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != models.ToolCallDenied {
		t.Errorf("resumed state = %v, want denied", resumed.State)
	}

	// A fresh call with identical args should now be auto-denied from memory,
	// without another approval round-trip, since Deny is exact-key only and
	// these args are identical.
	out2, err := p.Dispatch(context.Background(), "call-2", "write_file", args)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out2.State != models.ToolCallDenied {
		t.Errorf("second call state = %v, want denied", out2.State)
	}
}

func TestPipeline_AlwaysDecisionAppliesToFutureSimilarCalls(t *testing.T) {
	tool := &stubTool{
		name: "write_file",
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "wrote"}, nil
		},
	}
	p := newTestPipeline(tool)
	args1 := json.RawMessage(`{"path":"a.txt","content":"x"}`)
	out, err := p.Dispatch(context.Background(), "call-1", "write_file", args1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallAwaitingApproval {
		t.Fatalf("state = %v, want awaiting_approval", out.State)
	}
	if _, err := p.Resume(context.Background(), "call-1", "write_file", args1, models.ApprovalAlways); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	args2 := json.RawMessage(`{"path":"b.txt","content":"y"}`)
	out2, err := p.Dispatch(context.Background(), "call-2", "write_file", args2)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out2.State != models.ToolCallCompleted {
		t.Errorf("second call state = %v, want completed (auto-allowed via pattern memory)", out2.State)
	}
}

func TestPipeline_ExecutionTimeoutFails(t *testing.T) {
	tool := &stubTool{
		name:   "write_file",
		maxDur: 10 * time.Millisecond,
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return Result{Output: "too slow"}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}
	p := &Pipeline{
		Registry:    NewRegistry(),
		Workspace:   stubWorkspace{},
		Memory:      approval.New(),
		Pending:     approval.NewPending(approval.DefaultRequestTTL),
		SandboxMode: models.SandboxDangerFullAccess,
	}
	p.Registry.Register(tool)

	out, err := p.Dispatch(context.Background(), "call-1", "write_file", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallFailed {
		t.Errorf("state = %v, want failed", out.State)
	}
}

func TestPipeline_DangerFullAccessAutoAllowsEverything(t *testing.T) {
	tool := &stubTool{
		name: "shell_exec",
		execFunc: func(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
			return Result{Output: "ran"}, nil
		},
	}
	p := newTestPipeline(tool)
	p.SandboxMode = models.SandboxDangerFullAccess
	out, err := p.Dispatch(context.Background(), "call-1", "shell_exec", json.RawMessage(`{"command":"rm -rf /tmp/x"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.State != models.ToolCallCompleted {
		t.Errorf("state = %v, want completed", out.State)
	}
}

func TestPipeline_ResumeUnknownCallIDIsDenied(t *testing.T) {
	p := newTestPipeline()
	out, err := p.Dispatch(context.Background(), "never-dispatched", "write_file", json.RawMessage(`{}`))
	_ = out
	_ = err

	resumed, err := p.Resume(context.Background(), "never-dispatched", "write_file", json.RawMessage(`{}`), models.ApprovalAllow)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != models.ToolCallDenied {
		t.Errorf("state = %v, want denied", resumed.State)
	}
}
