// Package gitcli implements the vcs.Client interface using local git CLI
// commands against a single repository root.
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/git"
	"github.com/mendhq/mend/internal/port/vcs"
)

// Client drives git in the configured repository via the CLI.
type Client struct {
	root    string
	pool    *git.Pool
	timeout time.Duration
}

var _ vcs.Client = (*Client)(nil)

// NewClient creates a Client rooted at repoRoot. The pool limits concurrent
// git subprocesses; timeout bounds each individual command.
func NewClient(repoRoot string, pool *git.Pool, timeout time.Duration) *Client {
	return &Client{root: repoRoot, pool: pool, timeout: timeout}
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitcli: current branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("gitcli: detached HEAD")
	}
	return branch, nil
}

// CreateBranch creates name from HEAD and switches to it.
func (c *Client) CreateBranch(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("gitcli: create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (c *Client) Checkout(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("gitcli: checkout %s: %w", branch, err)
	}
	return nil
}

// Stash saves local pending changes, if any.
func (c *Client) Stash(ctx context.Context) error {
	if _, err := c.run(ctx, "stash", "--include-untracked"); err != nil {
		return fmt.Errorf("gitcli: stash: %w", err)
	}
	return nil
}

// CommitAll stages everything and commits with the given message.
func (c *Client) CommitAll(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("gitcli: stage all: %w", err)
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("gitcli: commit: %w", err)
	}
	return nil
}

// MergeNoFF merges branch into the current branch with a merge commit.
func (c *Client) MergeNoFF(ctx context.Context, branch, message string) error {
	if _, err := c.run(ctx, "merge", "--no-ff", branch, "-m", message); err != nil {
		return fmt.Errorf("gitcli: merge %s: %w", branch, err)
	}
	return nil
}

// AbortMerge aborts an in-progress merge.
func (c *Client) AbortMerge(ctx context.Context) error {
	if _, err := c.run(ctx, "merge", "--abort"); err != nil {
		return fmt.Errorf("gitcli: abort merge: %w", err)
	}
	return nil
}

// DeleteBranch removes a local branch; force discards unmerged work.
func (c *Client) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := c.run(ctx, "branch", flag, branch); err != nil {
		return fmt.Errorf("gitcli: delete branch %s: %w", branch, err)
	}
	return nil
}

// Status returns the current branch plus short status text.
func (c *Client) Status(ctx context.Context) (vcs.Status, error) {
	branch, err := c.CurrentBranch(ctx)
	if err != nil {
		return vcs.Status{}, err
	}
	short, err := c.run(ctx, "status", "--short")
	if err != nil {
		return vcs.Status{}, fmt.Errorf("gitcli: status: %w", err)
	}
	return vcs.Status{Branch: branch, Short: strings.TrimRight(short, "\n")}, nil
}

// Diff returns the working tree diff; staged selects the index diff.
func (c *Client) Diff(ctx context.Context, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--staged")
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("gitcli: diff: %w", err)
	}
	return out, nil
}

// BranchDiff returns the diff of the current branch against base.
func (c *Client) BranchDiff(ctx context.Context, base string) (string, error) {
	out, err := c.run(ctx, "diff", base+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("gitcli: branch diff against %s: %w", base, err)
	}
	return out, nil
}

// run executes one git command under the pool with the per-command timeout
// and returns its stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	var out string
	err := c.pool.Run(ctx, func() error {
		cmdCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(cmdCtx, "git", args...)
		cmd.Dir = c.root

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
		out = stdout.String()
		return nil
	})
	return out, err
}
