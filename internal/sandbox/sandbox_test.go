package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mendhq/mend/internal/port/vcs"
)

// fakeVCS is an in-memory vcs.Client that records calls.
type fakeVCS struct {
	branch string
	calls  []string
	err    error
}

func (f *fakeVCS) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeVCS) CurrentBranch(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.branch, nil
}

func (f *fakeVCS) CreateBranch(_ context.Context, name string) error {
	f.record("create " + name)
	f.branch = name
	return nil
}

func (f *fakeVCS) Checkout(_ context.Context, branch string) error {
	f.record("checkout " + branch)
	f.branch = branch
	return nil
}

func (f *fakeVCS) Stash(context.Context) error {
	f.record("stash")
	return nil
}

func (f *fakeVCS) CommitAll(_ context.Context, message string) error {
	f.record("commit " + message)
	return nil
}

func (f *fakeVCS) MergeNoFF(_ context.Context, branch, _ string) error {
	f.record("merge " + branch)
	return nil
}

func (f *fakeVCS) AbortMerge(context.Context) error {
	f.record("abort-merge")
	return nil
}

func (f *fakeVCS) DeleteBranch(_ context.Context, branch string, force bool) error {
	f.record(fmt.Sprintf("delete %s force=%v", branch, force))
	return nil
}

func (f *fakeVCS) Status(context.Context) (vcs.Status, error) {
	return vcs.Status{Branch: f.branch, Short: " M hello.go"}, nil
}

func (f *fakeVCS) Diff(context.Context, bool) (string, error) {
	return "diff --git a/hello.go b/hello.go", nil
}

func (f *fakeVCS) BranchDiff(context.Context, string) (string, error) {
	return "diff --git a/hello.go b/hello.go", nil
}

var _ vcs.Client = (*fakeVCS)(nil)

func newTestSandbox(t *testing.T, v *fakeVCS) *Sandbox {
	t.Helper()
	sb, err := New(Options{
		Root:         t.TempDir(),
		TrunkBranch:  "main",
		BranchPrefix: "fix/",
		BlockedPatterns: []string{
			`\.env$`,
			`credentials\.json$`,
		},
		TestCommand:   "true",
		TestTimeout:   time.Minute,
		SyntaxCommand: "true",
		SyntaxTimeout: 10 * time.Second,
	}, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb
}

func mustWrite(t *testing.T, sb *Sandbox, rel, content string) {
	t.Helper()
	path := filepath.Join(sb.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func arg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRegistryParity(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})

	defs := sb.Definitions()
	if len(defs) != 12 {
		t.Fatalf("expected 12 tools, got %d", len(defs))
	}
	for _, def := range defs {
		if _, found := sb.tools[def.Name]; !found {
			t.Errorf("definition %q has no dispatch entry", def.Name)
		}
		if err := verifyDefinition(def); err != nil {
			t.Errorf("tool %q: %v", def.Name, err)
		}
	}
}

func TestVerifyDefinitionRejectsUnknownRequired(t *testing.T) {
	def := readFileTool{}.Definition()
	def.InputSchema = json.RawMessage(`{"type":"object","properties":{},"required":["missing"]}`)
	if err := verifyDefinition(def); err == nil {
		t.Fatal("expected error for required field not in properties")
	}
}

func TestUnknownTool(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	out := sb.Execute(context.Background(), "rm_rf", nil)
	if out.Success || !strings.Contains(out.Error, "unknown tool") {
		t.Fatalf("output = %+v", out)
	}
}

func TestWritesBlockedOnTrunk(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	ctx := context.Background()

	for name, input := range map[string]json.RawMessage{
		"write_file": arg(t, map[string]string{"path": "a.go", "content": "x"}),
		"patch_file": arg(t, map[string]string{"path": "a.go", "old_text": "x", "new_text": "y"}),
		"git_commit": arg(t, map[string]string{"message": "m"}),
	} {
		out := sb.Execute(ctx, name, input)
		if out.Success {
			t.Errorf("%s succeeded on trunk", name)
		}
		if !strings.Contains(out.Error, "feature branch") {
			t.Errorf("%s error = %q", name, out.Error)
		}
	}
}

func TestSecretPathsBlocked(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()

	for _, path := range []string{".env", "conf/credentials.json", "../outside.go"} {
		out := sb.Execute(ctx, "read_file", arg(t, map[string]string{"path": path}))
		if out.Success {
			t.Errorf("read of %q succeeded", path)
		}
		out = sb.Execute(ctx, "write_file", arg(t, map[string]any{"path": path, "content": "x"}))
		if out.Success {
			t.Errorf("write of %q succeeded", path)
		}
	}
}

func TestSymlinkedDirectoryCannotEscapeRoot(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()

	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(sb.root, "link")); err != nil {
		t.Fatal(err)
	}

	out := sb.Execute(ctx, "write_file", arg(t, map[string]string{
		"path": "link/escape.txt", "content": "SECRET=1",
	}))
	if out.Success {
		t.Fatalf("write through symlinked directory succeeded: %+v", out)
	}
	if _, err := os.Stat(filepath.Join(outside, "escape.txt")); !os.IsNotExist(err) {
		t.Error("file was created outside the root")
	}

	// existing file behind the symlinked directory is unreadable too
	if err := os.WriteFile(filepath.Join(outside, "data.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out = sb.Execute(ctx, "read_file", arg(t, map[string]string{"path": "link/data.txt"}))
	if out.Success {
		t.Error("read through symlinked directory succeeded")
	}
}

func TestSymlinkCannotAliasBlockedFile(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()

	mustWrite(t, sb, ".env", "API_KEY=abc")
	if err := os.Symlink(filepath.Join(sb.root, ".env"), filepath.Join(sb.root, "cfg")); err != nil {
		t.Fatal(err)
	}

	out := sb.Execute(ctx, "read_file", arg(t, map[string]string{"path": "cfg"}))
	if out.Success {
		t.Fatalf("read of symlink to blocked file succeeded: %+v", out)
	}
	out = sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "cfg", "old_text": "abc", "new_text": "evil",
	}))
	if out.Success {
		t.Error("patch of symlink to blocked file succeeded")
	}
}

func TestDanglingSymlinkRefused(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})

	if err := os.Symlink("/nonexistent/target", filepath.Join(sb.root, "ghost")); err != nil {
		t.Fatal(err)
	}
	out := sb.Execute(context.Background(), "write_file", arg(t, map[string]string{
		"path": "ghost", "content": "x",
	}))
	if out.Success {
		t.Fatalf("write through dangling symlink succeeded: %+v", out)
	}
}

func TestSearchCodeFindsMatches(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	mustWrite(t, sb, "pkg/a.go", "package pkg\n\nfunc Needle() {}\n")

	out := sb.Execute(context.Background(), "search_code", arg(t, map[string]string{"pattern": "Needle"}))
	if !out.Success {
		t.Fatalf("search_code: %s", out.Error)
	}
	if !strings.Contains(out.Result, "pkg/a.go") || !strings.Contains(out.Result, "Needle") {
		t.Errorf("result = %q", out.Result)
	}

	out = sb.Execute(context.Background(), "search_code", arg(t, map[string]string{"pattern": "NoSuchToken"}))
	if !out.Success || out.Result != "No matches found" {
		t.Errorf("no-match result = %+v", out)
	}
}

func TestSearchCodeBadPatternIsAnError(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	mustWrite(t, sb, "a.txt", "content\n")

	// "[" is an invalid regex for both rg and grep; the failure must reach
	// the model instead of reading as an empty match set
	out := sb.Execute(context.Background(), "search_code", arg(t, map[string]string{"pattern": "["}))
	if out.Success {
		t.Fatalf("invalid pattern reported success: %+v", out)
	}
	if !strings.Contains(out.Error, "search failed") {
		t.Errorf("error = %q", out.Error)
	}
}

func TestReadFileNumbersAndCaps(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	ctx := context.Background()

	lines := make([]string, 600)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	mustWrite(t, sb, "big.txt", strings.Join(lines, "\n"))

	out := sb.Execute(ctx, "read_file", arg(t, map[string]string{"path": "big.txt"}))
	if !out.Success {
		t.Fatalf("read_file: %s", out.Error)
	}
	if !strings.Contains(out.Result, "   1| line 1") {
		t.Errorf("missing numbered first line:\n%.100s", out.Result)
	}
	if !strings.Contains(out.Result, "more lines)") {
		t.Error("expected truncation marker for >500 lines")
	}
	if strings.Contains(out.Result, "line 501") {
		t.Error("output exceeds the 500-line cap")
	}

	out = sb.Execute(ctx, "read_file", arg(t, map[string]any{"path": "big.txt", "start_line": 10, "end_line": 12}))
	if !out.Success {
		t.Fatalf("ranged read: %s", out.Error)
	}
	want := "  10| line 10\n  11| line 11\n  12| line 12"
	if out.Result != want {
		t.Errorf("ranged read = %q, want %q", out.Result, want)
	}
}

func TestReadFileNotFound(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	out := sb.Execute(context.Background(), "read_file", arg(t, map[string]string{"path": "nope.go"}))
	if out.Success || !strings.Contains(out.Error, "file not found") {
		t.Fatalf("output = %+v", out)
	}
}

func TestPatchFileRoundTrip(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()

	original := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"
	mustWrite(t, sb, "main.go", original)

	out := sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "main.go", "old_text": `println("hi")`, "new_text": `println("hello")`,
	}))
	if !out.Success {
		t.Fatalf("patch_file: %s", out.Error)
	}

	data, err := os.ReadFile(filepath.Join(sb.root, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Replace(original, `println("hi")`, `println("hello")`, 1)
	if string(data) != want {
		t.Errorf("patched content = %q, want %q", data, want)
	}
}

func TestPatchFileUniqueness(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()
	mustWrite(t, sb, "dup.txt", "same\nsame\n")

	out := sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "dup.txt", "old_text": "same", "new_text": "other",
	}))
	if out.Success || !strings.Contains(out.Error, "2 times") {
		t.Fatalf("output = %+v", out)
	}

	out = sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "dup.txt", "old_text": "absent", "new_text": "other",
	}))
	if out.Success || !strings.Contains(out.Error, "not found") {
		t.Fatalf("output = %+v", out)
	}
}

func TestPatchFileBaseHash(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()
	content := "alpha\n"
	mustWrite(t, sb, "f.txt", content)

	good := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
	out := sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "f.txt", "old_text": "alpha", "new_text": "beta", "base_hash": good,
	}))
	if !out.Success {
		t.Fatalf("patch with matching hash: %s", out.Error)
	}

	out = sb.Execute(ctx, "patch_file", arg(t, map[string]string{
		"path": "f.txt", "old_text": "beta", "new_text": "gamma", "base_hash": good,
	}))
	if out.Success || !strings.Contains(out.Error, "base_hash mismatch") {
		t.Fatalf("output = %+v", out)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	out := sb.Execute(context.Background(), "write_file", arg(t, map[string]string{
		"path": "deep/nested/new.go", "content": "package nested\n",
	}))
	if !out.Success {
		t.Fatalf("write_file: %s", out.Error)
	}
	if _, err := os.Stat(filepath.Join(sb.root, "deep/nested/new.go")); err != nil {
		t.Errorf("written file missing: %v", err)
	}
}

func TestListFilesSortedAndFiltered(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	ctx := context.Background()

	mustWrite(t, sb, "b.go", "")
	mustWrite(t, sb, "a.go", "")
	mustWrite(t, sb, "sub/c.go", "")
	mustWrite(t, sb, "readme.md", "")
	mustWrite(t, sb, ".git/config", "")

	out := sb.Execute(ctx, "list_files", arg(t, map[string]string{"directory": ".", "pattern": "*.go"}))
	if !out.Success {
		t.Fatalf("list_files: %s", out.Error)
	}
	got := strings.Split(out.Result, "\n")
	want := []string{"a.go", "b.go", filepath.Join("sub", "c.go")}
	if len(got) != len(want) {
		t.Fatalf("files = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestListFilesMissingDirectory(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "main"})
	out := sb.Execute(context.Background(), "list_files", arg(t, map[string]string{"directory": "nope"}))
	if out.Success || !strings.Contains(out.Error, "directory not found") {
		t.Fatalf("output = %+v", out)
	}
}

func TestGitCreateBranchAutoPrefix(t *testing.T) {
	v := &fakeVCS{branch: "main"}
	sb := newTestSandbox(t, v)

	out := sb.Execute(context.Background(), "git_create_branch", arg(t, map[string]string{"branch_name": "null-check"}))
	if !out.Success {
		t.Fatalf("git_create_branch: %s", out.Error)
	}
	if v.branch != "fix/null-check" {
		t.Errorf("branch = %q, want fix/null-check", v.branch)
	}
}

func TestGitCreateBranchStashesOffTrunk(t *testing.T) {
	v := &fakeVCS{branch: "fix/old-work"}
	sb := newTestSandbox(t, v)

	out := sb.Execute(context.Background(), "git_create_branch", arg(t, map[string]string{"branch_name": "fix/fresh"}))
	if !out.Success {
		t.Fatalf("git_create_branch: %s", out.Error)
	}
	want := []string{"stash", "checkout main", "create fix/fresh"}
	if len(v.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", v.calls, want)
	}
	for i := range want {
		if v.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, v.calls[i], want[i])
		}
	}
}

func TestGitStatusAndDiff(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	ctx := context.Background()

	out := sb.Execute(ctx, "git_status", nil)
	if !out.Success || !strings.Contains(out.Result, "Branch: fix/x") {
		t.Fatalf("git_status = %+v", out)
	}

	out = sb.Execute(ctx, "git_diff", arg(t, map[string]bool{"staged": false}))
	if !out.Success || !strings.Contains(out.Result, "diff --git") {
		t.Fatalf("git_diff = %+v", out)
	}

	out = sb.Execute(ctx, "git_show_branch_diff", nil)
	if !out.Success || !strings.Contains(out.Result, "diff --git") {
		t.Fatalf("git_show_branch_diff = %+v", out)
	}
}

func TestRunTestUsesConfiguredCommand(t *testing.T) {
	v := &fakeVCS{branch: "fix/x"}
	sb := newTestSandbox(t, v)
	sb.testCommand = "echo tests passed"

	out := sb.Execute(context.Background(), "run_test", arg(t, map[string]string{}))
	if !out.Success {
		t.Fatalf("run_test: %s", out.Error)
	}
	if !strings.Contains(out.Result, "tests passed") {
		t.Errorf("result = %q", out.Result)
	}
}

func TestRunTestFailure(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	sb.testCommand = "false"

	out := sb.Execute(context.Background(), "run_test", arg(t, map[string]string{}))
	if out.Success {
		t.Fatal("expected failing test command to fail")
	}
	if !strings.Contains(out.Error, "tests failed") {
		t.Errorf("error = %q", out.Error)
	}
}

func TestRunSyntaxCheck(t *testing.T) {
	sb := newTestSandbox(t, &fakeVCS{branch: "fix/x"})
	mustWrite(t, sb, "ok.go", "package ok\n")

	out := sb.Execute(context.Background(), "run_syntax_check", arg(t, map[string]string{"path": "ok.go"}))
	if !out.Success {
		t.Fatalf("run_syntax_check: %s", out.Error)
	}
	if !strings.Contains(out.Result, "Syntax OK") {
		t.Errorf("result = %q", out.Result)
	}

	out = sb.Execute(context.Background(), "run_syntax_check", arg(t, map[string]string{"path": "missing.go"}))
	if out.Success || !strings.Contains(out.Error, "file not found") {
		t.Fatalf("output = %+v", out)
	}
}
