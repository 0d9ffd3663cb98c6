package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TodoItem is one entry of a session's task checklist.
type TodoItem struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // pending, in_progress, completed
}

// TodoList is the session-scoped backing store shared by TodoReadTool
// and TodoWriteTool.
type TodoList struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoList creates an empty checklist.
func NewTodoList() *TodoList { return &TodoList{} }

func (l *TodoList) replace(items []TodoItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
}

func (l *TodoList) snapshot() []TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TodoItem, len(l.items))
	copy(out, l.items)
	return out
}

// TodoReadTool implements "todo_read": returns the current checklist.
type TodoReadTool struct {
	List *TodoList
}

func (t *TodoReadTool) Name() string { return "todo_read" }

func (t *TodoReadTool) Description() string {
	return "Read the session's current task checklist."
}

func (t *TodoReadTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{"type": "object", "properties": map[string]any{}})
}

func (t *TodoReadTool) MaxDuration() time.Duration { return 5 * time.Second }

func (t *TodoReadTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	items := t.List.snapshot()
	if len(items) == 0 {
		return Result{Output: "(no items)"}, nil
	}
	var lines []string
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s (%s)", it.ID, it.Text, it.Status))
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

// TodoWriteTool implements "todo_write": replaces the checklist wholesale,
// matching the model's own running plan rather than supporting partial
// patches.
type TodoWriteTool struct {
	List *TodoList
}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Replace the session's task checklist wholesale with an updated set of items."
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":     map[string]any{"type": "string"},
						"text":   map[string]any{"type": "string"},
						"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
					},
					"required": []string{"id", "text", "status"},
				},
			},
		},
		"required": []string{"items"},
	})
}

func (t *TodoWriteTool) MaxDuration() time.Duration { return 5 * time.Second }

func (t *TodoWriteTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Items []TodoItem `json:"items"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	sort.SliceStable(in.Items, func(i, j int) bool { return in.Items[i].ID < in.Items[j].ID })
	t.List.replace(in.Items)
	return Result{Output: fmt.Sprintf("checklist updated: %d item(s)", len(in.Items))}, nil
}
