package dispatch

import (
	"time"

	"github.com/cortexlabs/cortex-core/internal/tools/websearch"
)

// BuiltinConfig configures the minimum tool surface's few tools that
// need runtime parameters beyond the workspace.
type BuiltinConfig struct {
	MaxReadBytes    int
	MaxShellOutput  int
	MaxImageBytes   int
	ShellGrace      int // seconds; 0 uses GracePeriod
	Search          *websearch.Config
	SubagentRunner  SubagentRunner
}

// NewBuiltinRegistry builds a Registry containing the minimum tool
// surface, sharing one TodoList across the session's todo_read/todo_write
// calls.
func NewBuiltinRegistry(cfg BuiltinConfig) *Registry {
	reg := NewRegistry()
	todos := NewTodoList()

	reg.Register(&ReadFileTool{MaxBytes: cfg.MaxReadBytes})
	reg.Register(&WriteFileTool{})
	reg.Register(&EditFileTool{})
	reg.Register(&ListDirTool{})
	reg.Register(&GlobTool{})
	reg.Register(&GrepTool{})
	var grace time.Duration
	if cfg.ShellGrace > 0 {
		grace = time.Duration(cfg.ShellGrace) * time.Second
	}
	reg.Register(&ShellExecTool{MaxOutputBytes: cfg.MaxShellOutput, Grace: grace})
	searchCfg := cfg.Search
	if searchCfg == nil {
		searchCfg = &websearch.Config{}
	}
	reg.Register(NewFetchURLTool(0))
	reg.Register(NewWebSearchTool(searchCfg))
	reg.Register(&TodoReadTool{List: todos})
	reg.Register(&TodoWriteTool{List: todos})
	reg.Register(&ViewImageTool{MaxBytes: cfg.MaxImageBytes})
	reg.Register(&SpawnSubagentTool{Run: cfg.SubagentRunner})

	return reg
}
