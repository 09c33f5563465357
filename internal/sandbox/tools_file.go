package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/port/llm"
)

const (
	maxReadLines   = 500
	maxListedFiles = 200
	searchTimeout  = 15 * time.Second
)

// --- read_file ---

type readFileTool struct{ sb *Sandbox }

func (t readFileTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "read_file",
		Description: "Read contents of a file in the repository. Returns numbered lines. Optionally read a specific line range.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative path from repo root (e.g. 'internal/service/repair.go')"},
				"start_line": {"type": "integer", "description": "Start line number (1-indexed). 0 = from beginning.", "default": 0},
				"end_line": {"type": "integer", "description": "End line number. 0 = until end.", "default": 0}
			},
			"required": ["path"]
		}`),
	}
}

func (t readFileTool) Execute(_ context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	abs, err := t.sb.safePath(p.Path)
	if err != nil {
		return fail("%v", err)
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fail("file not found: %s", p.Path)
	}
	if err != nil {
		return fail("%v", err)
	}

	lines := strings.Split(string(data), "\n")

	if p.StartLine > 0 || p.EndLine > 0 {
		start := max(0, p.StartLine-1)
		end := len(lines)
		if p.EndLine > 0 && p.EndLine < end {
			end = p.EndLine
		}
		if start > end {
			start = end
		}
		return ToolOutput{Success: true, Result: numberLines(lines[start:end], start+1)}
	}

	if len(lines) > maxReadLines {
		out := numberLines(lines[:maxReadLines], 1)
		return ToolOutput{Success: true, Result: fmt.Sprintf("%s\n... (%d more lines)", out, len(lines)-maxReadLines)}
	}
	return ToolOutput{Success: true, Result: numberLines(lines, 1)}
}

func numberLines(lines []string, first int) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%4d| %s", first+i, line)
	}
	return b.String()
}

// --- write_file ---

type writeFileTool struct{ sb *Sandbox }

func (t writeFileTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "write_file",
		Description: "Write content to a file (create or overwrite). Only works on feature branches. Prefer patch_file for small changes.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative path from repo root"},
				"content": {"type": "string", "description": "Full file content to write"}
			},
			"required": ["path", "content"]
		}`),
	}
}

func (t writeFileTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	if _, err := t.sb.featureBranch(ctx); err != nil {
		return fail("write blocked: %v", err)
	}
	abs, err := t.sb.safePath(p.Path)
	if err != nil {
		return fail("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fail("%v", err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return fail("%v", err)
	}
	return ok("Written %d bytes to %s", len(p.Content), p.Path)
}

// --- patch_file ---

type patchFileTool struct{ sb *Sandbox }

func (t patchFileTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "patch_file",
		Description: "Replace a specific text in a file. The old_text must appear exactly once. Only works on feature branches. Pass base_hash (sha256 of the content as last read) to guard against concurrent changes.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative path from repo root"},
				"old_text": {"type": "string", "description": "Exact text to find and replace (must be unique in file)"},
				"new_text": {"type": "string", "description": "Replacement text"},
				"base_hash": {"type": "string", "description": "Optional sha256 hex of the file content as last read; mismatch rejects the patch"}
			},
			"required": ["path", "old_text", "new_text"]
		}`),
	}
}

func (t patchFileTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Path     string `json:"path"`
		OldText  string `json:"old_text"`
		NewText  string `json:"new_text"`
		BaseHash string `json:"base_hash"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	if _, err := t.sb.featureBranch(ctx); err != nil {
		return fail("patch blocked: %v", err)
	}
	abs, err := t.sb.safePath(p.Path)
	if err != nil {
		return fail("%v", err)
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fail("file not found: %s", p.Path)
	}
	if err != nil {
		return fail("%v", err)
	}

	if p.BaseHash != "" {
		current := fmt.Sprintf("%x", sha256.Sum256(data))
		if current != p.BaseHash {
			return fail("file changed since last read (base_hash mismatch)")
		}
	}

	text := string(data)
	switch count := strings.Count(text, p.OldText); {
	case count == 0:
		return fail("old_text not found in file")
	case count > 1:
		return fail("old_text found %d times (must be unique)", count)
	}

	patched := strings.Replace(text, p.OldText, p.NewText, 1)
	if err := os.WriteFile(abs, []byte(patched), 0o644); err != nil {
		return fail("%v", err)
	}
	return ok("Patched %s: replaced 1 occurrence", p.Path)
}

// --- list_files ---

type listFilesTool struct{ sb *Sandbox }

func (t listFilesTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "list_files",
		Description: "List files in a directory, optionally filtered by glob pattern.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"directory": {"type": "string", "description": "Relative directory path (e.g. 'internal/service/')"},
				"pattern": {"type": "string", "description": "Glob pattern filter (e.g. '*.go')", "default": "*"}
			},
			"required": ["directory"]
		}`),
	}
}

func (t listFilesTool) Execute(_ context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Directory string `json:"directory"`
		Pattern   string `json:"pattern"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}
	if p.Pattern == "" {
		p.Pattern = "*"
	}

	abs, err := t.sb.safePath(p.Directory)
	if err != nil {
		return fail("%v", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fail("directory not found: %s", p.Directory)
	}

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if matched, _ := filepath.Match(p.Pattern, d.Name()); !matched {
			return nil
		}
		rel, err := filepath.Rel(t.sb.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return fail("%v", err)
	}

	sort.Strings(files)
	if len(files) > maxListedFiles {
		files = append(files[:maxListedFiles], fmt.Sprintf("... (truncated, >%d files)", maxListedFiles))
	}
	return ToolOutput{Success: true, Result: strings.Join(files, "\n")}
}

// --- search_code ---

type searchCodeTool struct{ sb *Sandbox }

func (t searchCodeTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "search_code",
		Description: "Search for a regex pattern in the codebase. Returns matching lines with file paths and line numbers.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regex pattern to search for"},
				"path": {"type": "string", "description": "Subdirectory to search in (default: entire repo)", "default": "."},
				"max_results": {"type": "integer", "description": "Max matches to return", "default": 30}
			},
			"required": ["pattern"]
		}`),
	}
}

func (t searchCodeTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}
	if p.Path == "" {
		p.Path = "."
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 30
	}

	abs, err := t.sb.safePath(p.Path)
	if err != nil {
		return fail("%v", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	out, err := exec.CommandContext(searchCtx, "rg",
		"--no-heading", "--line-number", "--max-count", fmt.Sprint(p.MaxResults),
		p.Pattern, abs).Output()
	if errors.Is(err, exec.ErrNotFound) {
		// rg absent, grep is good enough
		out, err = exec.CommandContext(searchCtx, "grep", "-rn", p.Pattern, abs).Output()
		if failed := searchError(err); failed != nil {
			return *failed
		}
		cleaned := strings.ReplaceAll(strings.TrimSpace(string(out)), t.sb.root+string(filepath.Separator), "")
		if cleaned == "" {
			return ToolOutput{Success: true, Result: "No matches found"}
		}
		return ToolOutput{Success: true, Result: truncate(cleaned, 3000, "")}
	}
	if failed := searchError(err); failed != nil {
		return *failed
	}
	result := strings.TrimSpace(string(out))
	if result == "" {
		return ToolOutput{Success: true, Result: "No matches found"}
	}

	cleaned := strings.ReplaceAll(result, t.sb.root+string(filepath.Separator), "")
	lines := strings.Split(cleaned, "\n")
	if len(lines) > p.MaxResults {
		lines = lines[:p.MaxResults]
	}
	return ToolOutput{Success: true, Result: strings.Join(lines, "\n")}
}

// searchError maps a search subprocess error to a failed ToolOutput. Exit 1
// means no matches for both rg and grep and is not a failure; anything else
// (bad pattern, unreadable path) is surfaced with its stderr.
func searchError(err error) *ToolOutput {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 1 {
			return nil
		}
		if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
			out := fail("search failed: %s", msg)
			return &out
		}
	}
	out := fail("search failed: %v", err)
	return &out
}
