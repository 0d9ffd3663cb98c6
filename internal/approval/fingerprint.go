package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// Fingerprint derives the exact and pattern lookup keys for a tool call.
// The exact key is the tool name plus canonicalized arguments. The pattern
// key is coarser: for shell_exec it's the program basename plus first
// subcommand token; for file-targeting tools it's the tool name plus the
// directory of the primary path argument (see SPEC_FULL.md §13.2); for
// everything else it falls back to the tool name alone.
func Fingerprint(toolName string, args json.RawMessage) models.Fingerprint {
	exact := exactKey(toolName, args)
	pattern := patternKey(toolName, args)
	return models.Fingerprint{ToolName: toolName, Exact: exact, Pattern: pattern}
}

func exactKey(toolName string, args json.RawMessage) string {
	canon := canonicalizeJSON(args)
	h := sha256.Sum256([]byte(toolName + "\x00" + canon))
	return hex.EncodeToString(h[:])
}

func patternKey(toolName string, args json.RawMessage) string {
	switch toolName {
	case "shell_exec", "exec", "bash":
		return toolName + ":" + shellPatternToken(args)
	case "edit_file", "write_file":
		return toolName + ":" + pathDirToken(args)
	default:
		return toolName
	}
}

// shellPatternToken extracts "program:first-subcommand" from a shell_exec
// call's {command} argument, e.g. {"command":"git push origin main"} -> "git:push".
func shellPatternToken(args json.RawMessage) string {
	var payload struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &payload)
	fields := strings.Fields(payload.Command)
	if len(fields) == 0 {
		return "?"
	}
	program := filepath.Base(fields[0])
	if len(fields) == 1 {
		return program
	}
	return program + ":" + fields[1]
}

// pathDirToken extracts the directory of a {path} argument.
func pathDirToken(args json.RawMessage) string {
	var payload struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &payload)
	if payload.Path == "" {
		return "?"
	}
	return filepath.Dir(filepath.Clean(payload.Path))
}

// canonicalizeJSON re-marshals arbitrary JSON with map keys sorted so that
// semantically identical arguments with differently ordered keys produce
// the same exact key.
func canonicalizeJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
