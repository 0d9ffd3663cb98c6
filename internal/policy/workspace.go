// Package policy implements the sandbox policy engine (C2): given a
// session's sandbox mode and a tool call's target paths, it decides
// whether the call may proceed, requires approval, or is denied outright.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace resolves and validates paths against a workspace root,
// canonicalizing through symlinks so that a symlinked escape route
// cannot be used to reach outside the sandbox.
type Workspace struct {
	Root string
}

// Resolve returns an absolute, symlink-resolved path guaranteed to sit
// within the workspace root, or an error if it does not.
func (w Workspace) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(w.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	rootReal, err := canonicalize(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}

	targetReal, err := resolveWithinPossiblyMissingParent(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetReal, nil
}

// canonicalize resolves symlinks for a path that is expected to exist.
func canonicalize(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(path), nil
		}
		return "", err
	}
	return real, nil
}

// resolveWithinPossiblyMissingParent canonicalizes a target path that may
// not exist yet (e.g. a write_file target), by walking up to the nearest
// existing ancestor, resolving its symlinks, and rejoining the remainder.
func resolveWithinPossiblyMissingParent(target string) (string, error) {
	target = filepath.Clean(target)
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	dir := filepath.Dir(target)
	base := filepath.Base(target)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(real, base), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return target, nil
		}
		base = filepath.Join(filepath.Base(dir), base)
		dir = parent
	}
}
