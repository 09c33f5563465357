// Package service contains the orchestration logic between ports: the
// repair session state machine and the interval scheduler.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendhq/mend/internal/domain"
	domrepair "github.com/mendhq/mend/internal/domain/repair"
	"github.com/mendhq/mend/internal/domain/tasklog"
	domtel "github.com/mendhq/mend/internal/domain/telemetry"
	"github.com/mendhq/mend/internal/port/database"
	"github.com/mendhq/mend/internal/port/llm"
	"github.com/mendhq/mend/internal/port/telemetry"
	"github.com/mendhq/mend/internal/port/vcs"
	"github.com/mendhq/mend/internal/sandbox"
)

const (
	seenStateKey   = "repair_seen_fingerprints"
	sessionLease   = "repair_session_lease"
	repairTaskName = "repair_agent"

	resultSummaryCap = 500
	pendingDiffCap   = 2000
)

const systemPrompt = `You are a code repair agent for a production service.
Your job is to diagnose errors from structured logs and fix the root cause.

RULES:
1. Read the error details carefully. Use read_file and search_code to understand the context.
2. Identify the root cause - don't just suppress the error.
3. Create a feature branch with git_create_branch before making any changes.
4. Use patch_file for targeted fixes (preferred) or write_file for new files.
5. After making changes, run run_syntax_check on modified files.
6. Then run run_test to verify nothing is broken.
7. Finally, use git_commit with a clear message describing the fix.
8. Keep changes minimal and focused. Don't refactor unrelated code.
9. If you're unsure about the fix, explain your uncertainty - the human will review.

SAFETY:
- NEVER modify .env files, secret files, or credential files.
- NEVER write directly to the trunk branch - always use feature branches.
- NEVER delete files unless clearly necessary.
- If tests fail after your fix, explain what happened and revert if needed.

RESPONSE FORMAT:
After fixing, provide a JSON summary:
{"fixed": true, "files_changed": ["path1", "path2"], "description": "What was fixed and why"}
If you cannot fix it:
{"fixed": false, "reason": "Why the fix couldn't be applied", "suggestion": "What a human should do"}`

// RepairDeps wires the collaborators a RepairService needs.
type RepairDeps struct {
	Store     database.Store
	Telemetry telemetry.Reader
	LLM       llm.Client
	VCS       vcs.Client
	Sandbox   *sandbox.Sandbox
	Logger    *slog.Logger

	APIKey      string
	TrunkBranch string
	WindowSize  int
	MaxRounds   int
	MaxErrors   int
	SeenLimit   int
	LeaseTTL    time.Duration
}

// RepairService runs repair sessions: it reads new errors from telemetry,
// hands them to the model with the sandbox tool set, and manages the
// resulting feature branch through approval or rejection.
type RepairService struct {
	store  database.Store
	reader telemetry.Reader
	llm    llm.Client
	vcs    vcs.Client
	sb     *sandbox.Sandbox
	log    *slog.Logger

	trunk      string
	windowSize int
	maxRounds  int
	maxErrors  int
	leaseTTL   time.Duration
	holder     string

	mu   sync.Mutex
	seen *domrepair.SeenSet
}

// FixSummary describes the pending fix on the current feature branch.
type FixSummary struct {
	Branch string `json:"branch"`
	Status string `json:"status"`
	Diff   string `json:"diff"`
}

// NewRepairService builds a RepairService and loads the persisted
// fingerprint seen-set. A missing API key is a startup error, not a
// per-session surprise.
func NewRepairService(ctx context.Context, deps RepairDeps) (*RepairService, error) {
	if deps.APIKey == "" {
		return nil, fmt.Errorf("repair: %w: ANTHROPIC_API_KEY not set", domain.ErrValidation)
	}

	seen := domrepair.NewSeenSet(deps.SeenLimit)
	raw, err := deps.Store.GetState(ctx, seenStateKey, "[]")
	if err != nil {
		return nil, fmt.Errorf("repair: load seen set: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), seen); err != nil {
		// corrupt state starts the set over, errors will simply be re-seen
		deps.Logger.Warn("seen set state corrupt, resetting", "error", err)
		seen = domrepair.NewSeenSet(deps.SeenLimit)
	}

	return &RepairService{
		store:      deps.Store,
		reader:     deps.Telemetry,
		llm:        deps.LLM,
		vcs:        deps.VCS,
		sb:         deps.Sandbox,
		log:        deps.Logger,
		trunk:      deps.TrunkBranch,
		windowSize: deps.WindowSize,
		maxRounds:  deps.MaxRounds,
		maxErrors:  deps.MaxErrors,
		leaseTTL:   deps.LeaseTTL,
		holder:     uuid.NewString(),
		seen:       seen,
	}, nil
}

// CheckAndRepair reads the recent error window, filters out fingerprints
// already handled, and runs one repair session over the remainder. Returns
// nil when there is nothing new to repair. Concurrent callers observe
// domain.ErrSessionActive.
func (s *RepairService) CheckAndRepair(ctx context.Context) (*domrepair.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.reader.Recent(ctx, s.windowSize)
	if err != nil {
		return nil, fmt.Errorf("repair: read telemetry: %w", err)
	}
	if len(records) == 0 {
		s.log.Info("no errors found in log")
		return nil, nil
	}

	var fresh []domtel.ErrorRecord
	for _, rec := range records {
		if !s.seen.Contains(domtel.Fingerprint(rec)) {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		s.log.Info("no new (unseen) errors")
		return nil, nil
	}

	acquired, err := s.store.AcquireLease(ctx, sessionLease, s.holder, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("repair: acquire lease: %w", err)
	}
	if !acquired {
		return nil, domain.ErrSessionActive
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, sessionLease, s.holder); err != nil {
			s.log.Warn("release session lease", "error", err)
		}
	}()

	// mark everything as seen before diagnosing: a crash mid-session must
	// not make the same errors retrigger forever
	fingerprints := make([]string, 0, len(fresh))
	for _, rec := range fresh {
		fp := domtel.Fingerprint(rec)
		s.seen.Add(fp)
		fingerprints = append(fingerprints, fp)
	}
	if err := s.persistSeen(ctx); err != nil {
		return nil, err
	}

	batch := fresh
	if len(batch) > s.maxErrors {
		batch = batch[:s.maxErrors]
		fingerprints = fingerprints[:s.maxErrors]
	}
	s.log.Info("new errors to analyze", "count", len(batch))

	taskID, err := s.store.LogTaskStart(ctx, repairTaskName, map[string]any{
		"error_count":  len(batch),
		"fingerprints": fingerprints,
	})
	if err != nil {
		s.log.Warn("log task start", "error", err)
	}

	result, sessionErr := s.runSession(ctx, batch)
	if sessionErr != nil {
		s.log.Error("repair session failed", "error", sessionErr)
		if err := s.store.LogTaskEnd(ctx, taskID, tasklog.StatusError, "", sessionErr.Error()); err != nil {
			s.log.Warn("log task end", "error", err)
		}
		s.cleanupBranch(ctx)
		return &domrepair.Result{Fixed: false, Reason: fmt.Sprintf("repair session crashed: %v", sessionErr)}, nil
	}

	status := tasklog.StatusNeedsReview
	if result.Fixed {
		status = tasklog.StatusSuccess
	}
	summary, _ := json.Marshal(result)
	if err := s.store.LogTaskEnd(ctx, taskID, status, truncateString(string(summary), resultSummaryCap), ""); err != nil {
		s.log.Warn("log task end", "error", err)
	}
	return &result, nil
}

// runSession drives the tool-use loop until the model ends its turn or the
// round cap is hit.
func (s *RepairService) runSession(ctx context.Context, records []domtel.ErrorRecord) (domrepair.Result, error) {
	messages := []llm.Message{
		llm.TextMessage("user", "The following errors were detected in the system. "+
			"Please diagnose the root cause and fix them.\n\n"+formatErrors(records)),
	}
	tools := s.sb.Definitions()

	s.log.Info("starting repair session", "errors", len(records))

	for round := 1; round <= s.maxRounds; round++ {
		resp, err := s.llm.Complete(ctx, llm.Request{
			System:   systemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return domrepair.Result{}, fmt.Errorf("llm round %d: %w", round, err)
		}

		if err := s.store.LogAPICall(ctx, tasklog.APICall{
			Provider:   "anthropic",
			TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
			TaskName:   repairTaskName,
		}); err != nil {
			s.log.Warn("log api call", "error", err)
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})

		if resp.StopReason == llm.StopEndTurn {
			return domrepair.ExtractResult(resp.Text()), nil
		}
		if resp.StopReason != llm.StopToolUse {
			s.log.Warn("unexpected stop reason", "stop_reason", resp.StopReason)
			return domrepair.ExtractResult(resp.Text()), nil
		}

		var results []llm.ContentBlock
		for _, use := range resp.ToolUses() {
			s.log.Info("tool call", "round", round, "tool", use.Name)

			out := s.sb.Execute(ctx, use.Name, use.Input)
			content := out.Result
			if !out.Success {
				content = "ERROR: " + out.Error
			}
			results = append(results, llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: use.ID,
				Content:   content,
				IsError:   !out.Success,
			})
		}
		messages = append(messages, llm.Message{Role: "user", Content: results})
	}

	s.log.Warn("repair session hit max tool rounds")
	return domrepair.Result{Fixed: false, Reason: "hit maximum tool rounds without completing"}, nil
}

// ApproveAndMerge merges the pending feature branch into trunk. A merge
// conflict aborts the merge, returns to the feature branch, and surfaces
// domain.ErrConflict so the fix stays available for manual handling.
func (s *RepairService) ApproveAndMerge(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, err := s.featureBranch(ctx)
	if err != nil {
		return "", err
	}

	if err := s.vcs.Checkout(ctx, s.trunk); err != nil {
		return "", fmt.Errorf("repair: checkout %s: %w", s.trunk, err)
	}

	if err := s.vcs.MergeNoFF(ctx, branch, fmt.Sprintf("Merge %s: auto-repair", branch)); err != nil {
		if abortErr := s.vcs.AbortMerge(ctx); abortErr != nil {
			s.log.Warn("abort merge", "error", abortErr)
		}
		if coErr := s.vcs.Checkout(ctx, branch); coErr != nil {
			s.log.Warn("return to branch", "branch", branch, "error", coErr)
		}
		return "", fmt.Errorf("repair: merge %s: %v: %w", branch, err, domain.ErrConflict)
	}

	if err := s.vcs.DeleteBranch(ctx, branch, false); err != nil {
		s.log.Warn("delete merged branch", "branch", branch, "error", err)
	}
	s.log.Info("merged and deleted branch", "branch", branch)
	return fmt.Sprintf("Merged %s into %s", branch, s.trunk), nil
}

// RejectAndCleanup discards the pending feature branch.
func (s *RepairService) RejectAndCleanup(ctx context.Context, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, err := s.featureBranch(ctx)
	if err != nil {
		return "", err
	}

	if err := s.vcs.Checkout(ctx, s.trunk); err != nil {
		return "", fmt.Errorf("repair: checkout %s: %w", s.trunk, err)
	}
	if err := s.vcs.DeleteBranch(ctx, branch, true); err != nil {
		return "", fmt.Errorf("repair: delete %s: %w", branch, err)
	}

	s.log.Info("rejected and deleted branch", "branch", branch, "reason", reason)
	return fmt.Sprintf("Rejected fix on %s", branch), nil
}

// PendingFixSummary describes the fix waiting for approval, or nil when the
// working tree sits on trunk.
func (s *RepairService) PendingFixSummary(ctx context.Context) (*FixSummary, error) {
	branch, err := s.vcs.CurrentBranch(ctx)
	if err != nil || branch == s.trunk || branch == "main" || branch == "master" {
		return nil, nil //nolint:nilerr // unknown branch means nothing pending
	}

	status, err := s.vcs.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("repair: status: %w", err)
	}
	diff, err := s.vcs.BranchDiff(ctx, s.trunk)
	if err != nil {
		return nil, fmt.Errorf("repair: branch diff: %w", err)
	}

	return &FixSummary{
		Branch: branch,
		Status: status.Short,
		Diff:   truncateString(diff, pendingDiffCap),
	}, nil
}

// featureBranch returns the current branch, or a wrapped domain.ErrNotFound
// when the tree sits on trunk.
func (s *RepairService) featureBranch(ctx context.Context) (string, error) {
	branch, err := s.vcs.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("repair: current branch: %w", err)
	}
	if branch == s.trunk || branch == "main" || branch == "master" {
		return "", fmt.Errorf("repair: no feature branch: %w", domain.ErrNotFound)
	}
	return branch, nil
}

// cleanupBranch returns to trunk and force-deletes the broken feature
// branch left behind by a crashed session.
func (s *RepairService) cleanupBranch(ctx context.Context) {
	branch, err := s.vcs.CurrentBranch(ctx)
	if err != nil || branch == s.trunk || branch == "main" || branch == "master" {
		return
	}
	if err := s.vcs.Checkout(ctx, s.trunk); err != nil {
		s.log.Warn("cleanup checkout", "error", err)
		return
	}
	if err := s.vcs.DeleteBranch(ctx, branch, true); err != nil {
		s.log.Warn("cleanup delete branch", "branch", branch, "error", err)
		return
	}
	s.log.Info("cleaned up branch", "branch", branch)
}

func (s *RepairService) persistSeen(ctx context.Context) error {
	data, err := json.Marshal(s.seen)
	if err != nil {
		return fmt.Errorf("repair: marshal seen set: %w", err)
	}
	if err := s.store.SetState(ctx, seenStateKey, string(data)); err != nil {
		return fmt.Errorf("repair: persist seen set: %w", err)
	}
	return nil
}

// formatErrors renders error records into the prompt section the model
// diagnoses from.
func formatErrors(records []domtel.ErrorRecord) string {
	sections := make([]string, 0, len(records))
	for i, rec := range records {
		excType, excMsg := "?", "?"
		traceback := "(no traceback)"
		if rec.Error != nil {
			excType = rec.Error.Type
			excMsg = rec.Error.Message
			if len(rec.Error.Traceback) > 0 {
				tb := rec.Error.Traceback
				if len(tb) > 5 {
					tb = tb[len(tb)-5:]
				}
				traceback = strings.Join(tb, "")
			}
		}
		sections = append(sections, fmt.Sprintf(
			"### Error %d\n- Time: %s\n- File: %s:%d\n- Type: %s\n- Message: %s\n- Log message: %s\n```\n%s```",
			i+1, rec.TS, rec.File, rec.Line, excType, excMsg, rec.Msg, traceback))
	}
	return strings.Join(sections, "\n\n")
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
