package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mendhq/mend/internal/port/llm"
)

const maxTestOutputChars = 5000

// --- run_test ---

type runTestTool struct{ sb *Sandbox }

func (t runTestTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "run_test",
		Description: "Run the repository's test suite, or the tests under a specific path.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"test_path": {"type": "string", "description": "Specific test path (empty = run all)", "default": ""}
			}
		}`),
	}
}

func (t runTestTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		TestPath string `json:"test_path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	args := strings.Fields(t.sb.testCommand)
	if len(args) == 0 {
		return fail("no test command configured")
	}
	if p.TestPath != "" {
		if _, err := t.sb.safePath(p.TestPath); err != nil {
			return fail("%v", err)
		}
		args = append(args, "./"+strings.TrimPrefix(p.TestPath, "./"))
	}

	runCtx, cancel := context.WithTimeout(ctx, t.sb.testTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = t.sb.root
	out, err := cmd.CombinedOutput()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fail("tests timed out after %s", t.sb.testTimeout)
	}

	output := truncate(strings.TrimSpace(string(out)), maxTestOutputChars, "\n... (truncated)")
	if err != nil {
		return ToolOutput{Success: false, Result: output, Error: fmt.Sprintf("tests failed: %v", err)}
	}
	return ToolOutput{Success: true, Result: output}
}

// --- run_syntax_check ---

type runSyntaxCheckTool struct{ sb *Sandbox }

func (t runSyntaxCheckTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "run_syntax_check",
		Description: "Check the syntax of a source file without executing it.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative path to source file"}
			},
			"required": ["path"]
		}`),
	}
}

func (t runSyntaxCheckTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	abs, err := t.sb.safePath(p.Path)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fail("file not found: %s", p.Path)
	}

	args := strings.Fields(t.sb.syntaxCommand)
	if len(args) == 0 {
		return fail("no syntax command configured")
	}
	args = append(args, abs)

	runCtx, cancel := context.WithTimeout(ctx, t.sb.syntaxTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = t.sb.root
	out, err := cmd.CombinedOutput()

	output := strings.TrimSpace(string(out))
	if err != nil || output != "" {
		if output == "" {
			output = fmt.Sprintf("%v", err)
		}
		return fail("%s", output)
	}
	return ok("Syntax OK: %s", p.Path)
}
