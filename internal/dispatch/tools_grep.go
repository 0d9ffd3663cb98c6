package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// GrepTool implements "grep": a regex content search over files rooted
// at the workspace, reporting matching lines with their file and line
// number.
type GrepTool struct {
	MaxMatches int
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression, returning matching lines with file and line number."
}

func (t *GrepTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string"},
			"path":    map[string]any{"type": "string"},
			"glob":    map[string]any{"type": "string", "description": "Optional filename glob to restrict the search."},
		},
		"required": []string{"pattern"},
	})
}

func (t *GrepTool) MaxDuration() time.Duration { return 20 * time.Second }

func (t *GrepTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return Result{}, fmt.Errorf("compile pattern: %w", err)
	}

	root := in.Path
	if root == "" {
		root = "."
	}
	resolvedRoot, err := ws.Resolve(root)
	if err != nil {
		return Result{}, err
	}

	limit := t.MaxMatches
	if limit <= 0 {
		limit = 500
	}

	var lines []string
	err = filepath.WalkDir(resolvedRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if in.Glob != "" {
			if ok, _ := filepath.Match(in.Glob, d.Name()); !ok {
				return nil
			}
		}
		if len(lines) >= limit {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil // unreadable file, skip rather than fail the whole search
		}
		defer f.Close()

		rel, relErr := filepath.Rel(resolvedRoot, path)
		if relErr != nil {
			rel = path
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				lines = append(lines, fmt.Sprintf("%s:%d:%s", rel, lineNo, scanner.Text()))
				if len(lines) >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	sort.Strings(lines)
	return Result{Output: strings.Join(lines, "\n")}, nil
}
