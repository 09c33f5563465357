// Package sandbox provides the closed set of file, git, and test tools a
// repair session may invoke against a single repository. All write
// operations are restricted to feature branches; secret files are never
// readable or writable.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/port/vcs"
)

// ToolOutput is the uniform result of every tool invocation. Failures are
// data, not errors: the session feeds them back to the model.
type ToolOutput struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

func ok(format string, args ...any) ToolOutput {
	return ToolOutput{Success: true, Result: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) ToolOutput {
	return ToolOutput{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Options configures a Sandbox.
type Options struct {
	Root            string // repository root, made absolute
	TrunkBranch     string
	BranchPrefix    string // auto-prefix for created branches, e.g. "fix/"
	BlockedPatterns []string

	TestCommand   string
	TestTimeout   time.Duration
	SyntaxCommand string
	SyntaxTimeout time.Duration
}

// Sandbox executes tools against one repository root.
type Sandbox struct {
	root    string
	trunk   string
	prefix  string
	blocked []*regexp.Regexp
	vcs     vcs.Client

	testCommand   string
	testTimeout   time.Duration
	syntaxCommand string
	syntaxTimeout time.Duration

	tools map[string]Tool
	order []string
}

// New builds a Sandbox and verifies the tool table: every tool must carry a
// well-formed definition that matches its dispatch entry. A broken table is
// a startup error, not a runtime surprise.
func New(opts Options, vcsClient vcs.Client) (*Sandbox, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	// the root itself may sit behind a symlink (e.g. /tmp on macOS); resolve
	// it once so prefix checks compare like with like
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}

	blocked := make([]*regexp.Regexp, 0, len(opts.BlockedPatterns))
	for _, pat := range opts.BlockedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("sandbox: blocked pattern %q: %w", pat, err)
		}
		blocked = append(blocked, re)
	}

	sb := &Sandbox{
		root:          root,
		trunk:         opts.TrunkBranch,
		prefix:        opts.BranchPrefix,
		blocked:       blocked,
		vcs:           vcsClient,
		testCommand:   opts.TestCommand,
		testTimeout:   opts.TestTimeout,
		syntaxCommand: opts.SyntaxCommand,
		syntaxTimeout: opts.SyntaxTimeout,
	}

	if err := sb.register(
		readFileTool{sb},
		patchFileTool{sb},
		writeFileTool{sb},
		listFilesTool{sb},
		searchCodeTool{sb},
		gitStatusTool{sb},
		gitDiffTool{sb},
		gitCreateBranchTool{sb},
		gitCommitTool{sb},
		gitBranchDiffTool{sb},
		runTestTool{sb},
		runSyntaxCheckTool{sb},
	); err != nil {
		return nil, err
	}
	return sb, nil
}

// safePath resolves rel under the repository root, following symlinks, and
// rejects escapes and blocked secret files. Returns the absolute path. The
// checks run on the fully resolved path, so a symlink inside the root can
// neither reach outside it nor alias a blocked file.
func (sb *Sandbox) safePath(rel string) (string, error) {
	abs, err := resolveSymlinks(filepath.Join(sb.root, rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if abs != sb.root && !strings.HasPrefix(abs, sb.root+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %s", rel)
	}
	for _, re := range sb.blocked {
		if re.MatchString(abs) {
			return "", fmt.Errorf("access denied: %s", rel)
		}
	}
	return abs, nil
}

// resolveSymlinks evaluates every symlink in path. Targets that do not exist
// yet resolve through their deepest existing ancestor with the remainder
// joined back on, so a new file cannot be smuggled through a symlinked
// directory. A dangling symlink anywhere on the path is refused outright.
func resolveSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	suffix := ""
	for p := path; ; {
		if _, lerr := os.Lstat(p); lerr == nil {
			resolved, rerr := filepath.EvalSymlinks(p)
			if rerr != nil {
				return "", fmt.Errorf("dangling symlink: %s", filepath.Base(p))
			}
			return filepath.Join(resolved, suffix), nil
		} else if !os.IsNotExist(lerr) {
			return "", lerr
		}

		parent := filepath.Dir(p)
		if parent == p {
			return "", os.ErrNotExist
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// featureBranch returns the current branch when it is a feature branch, or
// a non-nil error when on trunk or the branch cannot be determined.
func (sb *Sandbox) featureBranch(ctx context.Context) (string, error) {
	branch, err := sb.vcs.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("currently on unknown branch, must be on a feature branch")
	}
	if branch == sb.trunk || branch == "main" || branch == "master" {
		return "", fmt.Errorf("currently on '%s', must be on a feature branch", branch)
	}
	return branch, nil
}

func truncate(s string, limit int, marker string) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + marker
}
