package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ViewImageTool implements "view_image": reads an image file from the
// workspace and returns it base64-encoded with its content type, for the
// model provider's multimodal input.
type ViewImageTool struct {
	MaxBytes int
}

func (t *ViewImageTool) Name() string { return "view_image" }

func (t *ViewImageTool) Description() string {
	return "Load an image file from the workspace, base64-encoded, for multimodal inspection."
}

func (t *ViewImageTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	})
}

func (t *ViewImageTool) MaxDuration() time.Duration { return 10 * time.Second }

var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func (t *ViewImageTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	contentType, ok := imageContentTypes[strings.ToLower(filepath.Ext(in.Path))]
	if !ok {
		return Result{}, fmt.Errorf("unsupported image extension: %s", filepath.Ext(in.Path))
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return Result{}, err
	}

	limit := t.MaxBytes
	if limit <= 0 {
		limit = 8 * 1024 * 1024
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Result{}, err
	}
	if info.Size() > int64(limit) {
		return Result{}, fmt.Errorf("image exceeds max size of %d bytes", limit)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, err
	}

	structured, _ := json.Marshal(map[string]any{
		"content_type": contentType,
		"data_base64":  base64.StdEncoding.EncodeToString(data),
	})
	return Result{Output: fmt.Sprintf("loaded %s (%d bytes, %s)", in.Path, len(data), contentType), Structured: structured}, nil
}

// SubagentRunner runs a subagent's task to completion and returns its
// final text, decoupling the dispatch tool surface from the turn engine
// that actually drives the child session.
type SubagentRunner func(ctx context.Context, name, task string) (string, error)

// SpawnSubagentTool implements "spawn_subagent": delegates a task to a
// child turn run by the host engine and returns its final output. The
// call waits for the runner to finish, since the dispatcher's 7-step
// flow treats every tool call as synchronous.
type SpawnSubagentTool struct {
	Run SubagentRunner
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }

func (t *SpawnSubagentTool) Description() string {
	return "Delegate a task to a child agent turn and return its final output."
}

func (t *SpawnSubagentTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"task": map[string]any{"type": "string"},
		},
		"required": []string{"name", "task"},
	})
}

func (t *SpawnSubagentTool) MaxDuration() time.Duration { return 5 * time.Minute }

func (t *SpawnSubagentTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Name string `json:"name"`
		Task string `json:"task"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	if t.Run == nil {
		return Result{}, fmt.Errorf("subagent runner is not configured")
	}
	output, err := t.Run(ctx, in.Name, in.Task)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: output}, nil
}
