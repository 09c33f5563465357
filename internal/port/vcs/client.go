// Package vcs defines the narrow version-control port the sandbox and repair
// session depend on. Keeping the surface small lets the git CLI adapter be
// swapped without touching session logic.
package vcs

import "context"

// Status describes the working tree at a point in time.
type Status struct {
	Branch string
	Short  string // porcelain-style short status text
}

// Client is the port interface over the repository's version control.
// Implementations must never mutate anything outside the configured
// repository root.
type Client interface {
	// CurrentBranch returns the checked-out branch name, or an error when
	// it cannot be determined (detached HEAD, not a repository).
	CurrentBranch(ctx context.Context) (string, error)

	// CreateBranch creates name from the current HEAD and switches to it.
	CreateBranch(ctx context.Context, name string) error

	// Checkout switches to an existing branch.
	Checkout(ctx context.Context, branch string) error

	// Stash saves local pending changes, if any.
	Stash(ctx context.Context) error

	// CommitAll stages everything and commits with the given message.
	CommitAll(ctx context.Context, message string) error

	// MergeNoFF merges branch into the current branch with a merge commit.
	MergeNoFF(ctx context.Context, branch, message string) error

	// AbortMerge aborts an in-progress merge.
	AbortMerge(ctx context.Context) error

	// DeleteBranch removes a local branch; force discards unmerged work.
	DeleteBranch(ctx context.Context, branch string, force bool) error

	// Status returns the current branch plus short status text.
	Status(ctx context.Context) (Status, error)

	// Diff returns the working tree diff; staged selects the index diff.
	Diff(ctx context.Context, staged bool) (string, error)

	// BranchDiff returns the diff of the current branch against base.
	BranchDiff(ctx context.Context, base string) (string, error)
}
