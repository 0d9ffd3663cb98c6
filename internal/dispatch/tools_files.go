package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cortexlabs/cortex-core/internal/infra"
)

func schemaOf(v map[string]any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ReadFileTool implements the "read_file" entry of the minimum tool
// surface: a byte-limited file read rooted at the workspace.
type ReadFileTool struct {
	MaxBytes int
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file's contents, optionally from a byte offset and up to a maximum size."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path to the file, relative to the workspace root."},
			"offset":    map[string]any{"type": "integer", "minimum": 0},
			"max_bytes": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"path"},
	})
}

func (t *ReadFileTool) MaxDuration() time.Duration { return 10 * time.Second }

func (t *ReadFileTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return Result{}, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	if in.Offset > 0 {
		if _, err := f.Seek(in.Offset, io.SeekStart); err != nil {
			return Result{}, err
		}
	}

	limit := t.MaxBytes
	if limit <= 0 {
		limit = 200_000
	}
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	// Read one byte past the limit so TruncateBytes can tell a genuine
	// truncation apart from a file that happens to end exactly at the
	// boundary, and so it never splits the last rune.
	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return Result{}, err
	}
	return Result{Output: infra.TruncateBytes(string(buf), limit)}, nil
}

// WriteFileTool implements "write_file": overwrite-or-create within the
// workspace, creating parent directories as needed.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file with the given content, creating parent directories as needed."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	})
}

func (t *WriteFileTool) MaxDuration() time.Duration { return 10 * time.Second }

func (t *WriteFileTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), FilesModified: []string{in.Path}}, nil
}

// EditFileTool implements "edit_file", wired to the fuzzy-match cascade
// in editcascade.go.
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Apply a search-and-replace patch to a file, trying increasingly fuzzy matching strategies until one yields a unique match."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string"},
			"old_str":     map[string]any{"type": "string"},
			"new_str":     map[string]any{"type": "string"},
			"change_all":  map[string]any{"type": "boolean"},
		},
		"required": []string{"path", "old_str", "new_str"},
	})
}

func (t *EditFileTool) MaxDuration() time.Duration { return 10 * time.Second }

func (t *EditFileTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Path      string `json:"path"`
		OldStr    string `json:"old_str"`
		NewStr    string `json:"new_str"`
		ChangeAll bool   `json:"change_all"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return Result{}, err
	}
	original, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, err
	}

	edited, err := ApplyEdit(string(original), in.OldStr, in.NewStr, in.ChangeAll)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(resolved, []byte(edited.Content), 0o644); err != nil {
		return Result{}, err
	}

	structured, _ := json.Marshal(map[string]any{
		"strategy":   edited.Strategy,
		"confidence": edited.Confidence,
		"replaced":   edited.Replaced,
	})
	return Result{
		Output:        fmt.Sprintf("applied %d replacement(s) via %s strategy", edited.Replaced, edited.Strategy),
		FilesModified: []string{in.Path},
		Structured:    structured,
	}, nil
}

// ListDirTool implements "list_dir": a non-recursive directory listing.
type ListDirTool struct{}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the immediate entries of a directory, marking subdirectories with a trailing slash."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	})
}

func (t *ListDirTool) MaxDuration() time.Duration { return 10 * time.Second }

func (t *ListDirTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Result{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Result{Output: strings.Join(names, "\n")}, nil
}

// GlobTool implements "glob": a recursive filename-pattern search rooted
// at the workspace.
type GlobTool struct{}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Recursively find files whose basename matches a glob pattern, rooted at the given path."
}

func (t *GlobTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string"},
			"path":    map[string]any{"type": "string"},
		},
		"required": []string{"pattern"},
	})
}

func (t *GlobTool) MaxDuration() time.Duration { return 15 * time.Second }

func (t *GlobTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	root := in.Path
	if root == "" {
		root = "."
	}
	resolvedRoot, err := ws.Resolve(root)
	if err != nil {
		return Result{}, err
	}

	var matches []string
	err = filepath.WalkDir(resolvedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(in.Pattern, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if ok {
			rel, relErr := filepath.Rel(resolvedRoot, path)
			if relErr != nil {
				rel = path
			}
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	sort.Strings(matches)
	return Result{Output: strings.Join(matches, "\n")}, nil
}
