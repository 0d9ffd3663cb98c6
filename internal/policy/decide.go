package policy

import (
	"encoding/json"
	"strings"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// Outcome is the Policy Engine's verdict on a proposed tool invocation.
type Outcome string

const (
	AutoAllow      Outcome = "auto_allow"
	RequireApproval Outcome = "require_approval"
	Deny           Outcome = "deny"
)

// Decision is the full result of evaluating a tool call: the outcome plus
// the human-readable reason that would be surfaced in an ApprovalRequest
// or a Failed{error} result.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// safeShellPrograms are argv[0] values auto-allowed under WorkspaceWrite
// when every pipeline stage resolves to one of them.
var safeShellPrograms = map[string]bool{
	"ls": true, "cat": true, "grep": true, "head": true, "tail": true,
	"wc": true, "find": true, "pwd": true, "echo": true, "file": true,
	"stat": true, "diff": true, "tree": true,
}

// safeGitSubcommands are the only git subcommands auto-allowed; anything
// else (commit, push, reset --hard, ...) requires approval.
var safeGitSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
}

// mutatingTools write to the file system or spawn subprocesses/network
// connections and therefore never auto-allow under ReadOnly.
var mutatingTools = map[string]bool{
	"write_file": true, "edit_file": true, "shell_exec": true,
	"fetch_url": true, "web_search": true, "spawn_subagent": true,
}

// gitInternalPrefixes block writes into git's own bookkeeping state even
// under WorkspaceWrite/DangerFullAccess when hook protection is enabled.
var gitInternalPrefixes = []string{".git/hooks", ".git/config"}

// Decide evaluates a tool call against a session's sandbox mode and
// returns AutoAllow, RequireApproval, or Deny with a reason.
func Decide(mode models.SandboxMode, toolName string, args json.RawMessage, hookProtection bool) Decision {
	if hookProtection {
		if path := pathArg(args); path != "" && touchesGitInternals(path) {
			return Decision{Outcome: Deny, Reason: "writes to git internal state are blocked"}
		}
	}

	switch mode {
	case models.SandboxDangerFullAccess:
		return Decision{Outcome: AutoAllow}
	case models.SandboxWorkspaceWrite:
		return decideWorkspaceWrite(toolName, args)
	default:
		return decideReadOnly(toolName, args)
	}
}

func decideReadOnly(toolName string, args json.RawMessage) Decision {
	if mutatingTools[toolName] {
		return Decision{Outcome: RequireApproval, Reason: "sandbox is read-only; " + toolName + " mutates state"}
	}
	return Decision{Outcome: AutoAllow}
}

func decideWorkspaceWrite(toolName string, args json.RawMessage) Decision {
	switch toolName {
	case "write_file", "edit_file":
		return decideWrite(toolName, args)
	case "shell_exec":
		return decideShell(args)
	case "fetch_url", "web_search":
		return Decision{Outcome: RequireApproval, Reason: toolName + " opens an outbound network connection"}
	case "spawn_subagent":
		return Decision{Outcome: RequireApproval, Reason: "spawning a subagent is not auto-allowed"}
	default:
		return Decision{Outcome: AutoAllow}
	}
}

// decideWrite auto-allows writes whose resolved path sits under the
// workspace root; Workspace.Resolve's symlink-aware canonicalization must
// already have been applied by the caller (internal/dispatch), so a path
// reaching this function with an error has already been denied upstream.
func decideWrite(toolName string, args json.RawMessage) Decision {
	path := pathArg(args)
	if path == "" {
		return Decision{Outcome: RequireApproval, Reason: toolName + " target path could not be determined"}
	}
	return Decision{Outcome: AutoAllow}
}

// decideShell implements "a command with multiple pipeline stages is
// evaluated as require-approval unless every stage is individually
// auto-allowed.
func decideShell(args json.RawMessage) Decision {
	var payload struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &payload)

	analysis := AnalyzeShellCommand(payload.Command)
	if !analysis.IsSafe {
		for _, tok := range analysis.DangerousTokens {
			if tok.Risk == "pipe" || tok.Risk == "command_chain" {
				if !everyStageSafe(payload.Command) {
					return Decision{Outcome: RequireApproval, Reason: "multi-stage shell command contains a stage that is not auto-allowed"}
				}
				continue
			}
			return Decision{Outcome: RequireApproval, Reason: "shell command uses " + tok.Risk + " syntax (" + tok.Token + ")"}
		}
	}

	if isSafeShellInvocation(payload.Command) {
		return Decision{Outcome: AutoAllow}
	}
	return Decision{Outcome: RequireApproval, Reason: "shell command is not on the built-in safe-list"}
}

func everyStageSafe(command string) bool {
	stages := splitPipeline(command)
	if len(stages) == 0 {
		return false
	}
	for _, stage := range stages {
		if !isSafeShellInvocation(stage) {
			return false
		}
	}
	return true
}

// splitPipeline breaks a command into its pipe/chain stages without
// respecting quoting beyond what's needed to avoid cutting mid-string;
// it is deliberately coarse since each stage is independently validated.
func splitPipeline(command string) []string {
	replacer := strings.NewReplacer("&&", "|", "||", "|", ";", "|")
	normalized := replacer.Replace(command)
	parts := strings.Split(normalized, "|")
	var stages []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			stages = append(stages, p)
		}
	}
	return stages
}

func isSafeShellInvocation(stage string) bool {
	fields := strings.Fields(strings.TrimSpace(stage))
	if len(fields) == 0 {
		return false
	}
	program := fields[0]
	if program == "git" {
		return len(fields) > 1 && safeGitSubcommands[fields[1]]
	}
	return safeShellPrograms[program]
}

func pathArg(args json.RawMessage) string {
	var payload struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &payload)
	return payload.Path
}

func touchesGitInternals(path string) bool {
	clean := strings.TrimPrefix(path, "./")
	for _, prefix := range gitInternalPrefixes {
		if strings.Contains(clean, prefix) {
			return true
		}
	}
	return false
}
