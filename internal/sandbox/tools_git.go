package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mendhq/mend/internal/port/llm"
)

const (
	maxDiffChars       = 5000
	maxBranchDiffChars = 8000
)

// --- git_status ---

type gitStatusTool struct{ sb *Sandbox }

func (t gitStatusTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "git_status",
		Description: "Show current branch and uncommitted changes.",
		InputSchema: schema(`{"type": "object", "properties": {}}`),
	}
}

func (t gitStatusTool) Execute(ctx context.Context, _ json.RawMessage) ToolOutput {
	status, err := t.sb.vcs.Status(ctx)
	if err != nil {
		return fail("%v", err)
	}
	return ToolOutput{Success: true, Result: fmt.Sprintf("Branch: %s\n%s", status.Branch, status.Short)}
}

// --- git_diff ---

type gitDiffTool struct{ sb *Sandbox }

func (t gitDiffTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "git_diff",
		Description: "Show detailed diff of current changes.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"staged": {"type": "boolean", "description": "If true, show only staged changes", "default": false}
			}
		}`),
	}
}

func (t gitDiffTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Staged bool `json:"staged"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}

	diff, err := t.sb.vcs.Diff(ctx, p.Staged)
	if err != nil {
		return fail("%v", err)
	}
	return ToolOutput{Success: true, Result: truncate(diff, maxDiffChars, "\n... (diff truncated)")}
}

// --- git_create_branch ---

type gitCreateBranchTool struct{ sb *Sandbox }

func (t gitCreateBranchTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "git_create_branch",
		Description: "Create a new feature branch from trunk and switch to it. Branch names are auto-prefixed with the configured fix prefix.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"branch_name": {"type": "string", "description": "Branch name (e.g. 'mail-timeout-error')"}
			},
			"required": ["branch_name"]
		}`),
	}
}

func (t gitCreateBranchTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		BranchName string `json:"branch_name"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}
	if p.BranchName == "" {
		return fail("branch_name is required")
	}

	name := p.BranchName
	if !strings.HasPrefix(name, t.sb.prefix) && !strings.HasPrefix(name, "agent/") {
		name = t.sb.prefix + name
	}

	current, err := t.sb.vcs.CurrentBranch(ctx)
	if err != nil {
		return fail("%v", err)
	}
	if current != t.sb.trunk {
		// leftover work from an earlier session; park it and branch off trunk
		_ = t.sb.vcs.Stash(ctx)
		if err := t.sb.vcs.Checkout(ctx, t.sb.trunk); err != nil {
			return fail("checkout %s: %v", t.sb.trunk, err)
		}
	}

	if err := t.sb.vcs.CreateBranch(ctx, name); err != nil {
		return fail("%v", err)
	}
	return ok("Created and switched to branch: %s", name)
}

// --- git_commit ---

type gitCommitTool struct{ sb *Sandbox }

func (t gitCommitTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "git_commit",
		Description: "Stage all changes and commit. Only works on feature branches.",
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "Commit message describing the fix"}
			},
			"required": ["message"]
		}`),
	}
}

func (t gitCommitTool) Execute(ctx context.Context, input json.RawMessage) ToolOutput {
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return fail("invalid input: %v", err)
	}
	if p.Message == "" {
		return fail("message is required")
	}

	if _, err := t.sb.featureBranch(ctx); err != nil {
		return fail("commit blocked: %v", err)
	}
	if err := t.sb.vcs.CommitAll(ctx, p.Message); err != nil {
		return fail("%v", err)
	}
	return ok("Committed: %s", p.Message)
}

// --- git_show_branch_diff ---

type gitBranchDiffTool struct{ sb *Sandbox }

func (t gitBranchDiffTool) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "git_show_branch_diff",
		Description: "Show all changes on current feature branch compared to trunk.",
		InputSchema: schema(`{"type": "object", "properties": {}}`),
	}
}

func (t gitBranchDiffTool) Execute(ctx context.Context, _ json.RawMessage) ToolOutput {
	diff, err := t.sb.vcs.BranchDiff(ctx, t.sb.trunk)
	if err != nil {
		return fail("%v", err)
	}
	return ToolOutput{Success: true, Result: truncate(diff, maxBranchDiffChars, "\n... (truncated)")}
}
