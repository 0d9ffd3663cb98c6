package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cortexlabs/cortex-core/internal/policy"
)

func testWorkspace(t *testing.T) (Workspace, string) {
	t.Helper()
	dir := t.TempDir()
	return policy.Workspace{Root: dir}, dir
}

func TestReadFileTool_ReadsWithinWorkspace(t *testing.T) {
	ws, root := testWorkspace(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &ReadFileTool{}
	res, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hello world" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestWriteFileTool_CreatesParentDirs(t *testing.T) {
	ws, root := testWorkspace(t)
	tool := &WriteFileTool{}
	_, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"path":"nested/dir/b.txt","content":"x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "nested/dir/b.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "x" {
		t.Errorf("content = %q", data)
	}
}

func TestEditFileTool_AppliesCascadeAndReportsStrategy(t *testing.T) {
	ws, root := testWorkspace(t)
	path := filepath.Join(root, "c.go")
	if err := os.WriteFile(path, []byte("func f() {\n\treturn 1\n}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &EditFileTool{}
	args := json.RawMessage(`{"path":"c.go","old_str":"func f() {\n\treturn 1\n}","new_str":"func f() {\n\treturn 2\n}"}`)
	res, err := tool.Execute(context.Background(), ws, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := "func f() {\n\treturn 2\n}\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "c.go" {
		t.Errorf("FilesModified = %v", res.FilesModified)
	}
}

func TestListDirTool_SortsEntriesAndMarksDirs(t *testing.T) {
	ws, root := testWorkspace(t)
	os.Mkdir(filepath.Join(root, "zdir"), 0o755)
	os.WriteFile(filepath.Join(root, "afile.txt"), []byte("x"), 0o644)
	tool := &ListDirTool{}
	res, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"path":"."}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "afile.txt\nzdir/"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestGlobTool_MatchesByFilename(t *testing.T) {
	ws, root := testWorkspace(t)
	os.Mkdir(filepath.Join(root, "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "a.go"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "sub", "b.go"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "c.txt"), []byte("x"), 0o644)

	tool := &GlobTool{}
	res, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"pattern":"*.go"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "a.go\nsub/b.go"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestGrepTool_FindsMatchingLinesWithLineNumbers(t *testing.T) {
	ws, root := testWorkspace(t)
	os.WriteFile(filepath.Join(root, "a.go"), []byte("package x\n\nfunc needle() {}\n"), 0o644)
	tool := &GrepTool{}
	res, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"pattern":"needle"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "a.go:3:func needle() {}"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestTodoReadWriteTool_RoundTrips(t *testing.T) {
	ws, _ := testWorkspace(t)
	list := NewTodoList()
	write := &TodoWriteTool{List: list}
	read := &TodoReadTool{List: list}

	if _, err := write.Execute(context.Background(), ws, json.RawMessage(`{"items":[{"id":"1","text":"do thing","status":"pending"}]}`)); err != nil {
		t.Fatalf("write Execute: %v", err)
	}
	res, err := read.Execute(context.Background(), ws, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("read Execute: %v", err)
	}
	want := "[1] do thing (pending)"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestShellExecTool_CapturesOutput(t *testing.T) {
	ws, _ := testWorkspace(t)
	tool := &ShellExecTool{}
	res, err := tool.Execute(context.Background(), ws, json.RawMessage(`{"command":"echo hi"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hi\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestShellExecTool_CancelledContextReturnsError(t *testing.T) {
	ws, _ := testWorkspace(t)
	tool := &ShellExecTool{Grace: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tool.Execute(ctx, ws, json.RawMessage(`{"command":"sleep 5"}`))
	if err == nil {
		t.Fatal("expected an error for an already-cancelled context")
	}
}
