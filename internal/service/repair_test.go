package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mendhq/mend/internal/domain"
	"github.com/mendhq/mend/internal/domain/tasklog"
	domtel "github.com/mendhq/mend/internal/domain/telemetry"
	"github.com/mendhq/mend/internal/port/llm"
	"github.com/mendhq/mend/internal/port/vcs"
	"github.com/mendhq/mend/internal/sandbox"
)

// --- fakes ---

type taskRecord struct {
	name    string
	status  string
	summary string
	errMsg  string
}

type fakeStore struct {
	mu        sync.Mutex
	state     map[string]string
	tasks     []taskRecord
	apiCalls  []tasklog.APICall
	hourCalls int
	leaseBusy bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: map[string]string{}}
}

func (f *fakeStore) LogTaskStart(_ context.Context, name string, _ map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskRecord{name: name, status: tasklog.StatusStarted})
	return int64(len(f.tasks)), nil
}

func (f *fakeStore) LogTaskEnd(_ context.Context, id int64, status, summary, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 1 || int(id) > len(f.tasks) {
		return nil
	}
	rec := &f.tasks[id-1]
	rec.status, rec.summary, rec.errMsg = status, summary, errMsg
	return nil
}

func (f *fakeStore) GetRecentTasks(context.Context, int) ([]tasklog.Entry, error) {
	return nil, nil
}

func (f *fakeStore) GetTaskStats(context.Context, time.Duration) (tasklog.Stats, error) {
	return tasklog.Stats{}, nil
}

func (f *fakeStore) GetDailySummary(context.Context) (tasklog.DailySummary, error) {
	return tasklog.DailySummary{}, nil
}

func (f *fakeStore) LogAPICall(_ context.Context, call tasklog.APICall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiCalls = append(f.apiCalls, call)
	return nil
}

func (f *fakeStore) GetAPICallsLastHour(context.Context) (int, error) {
	return f.hourCalls, nil
}

func (f *fakeStore) GetState(_ context.Context, key, def string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, found := f.state[key]; found {
		return v, nil
	}
	return def, nil
}

func (f *fakeStore) SetState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = value
	return nil
}

func (f *fakeStore) AcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	return !f.leaseBusy, nil
}

func (f *fakeStore) ReleaseLease(context.Context, string, string) error { return nil }

type fakeReader struct {
	records []domtel.ErrorRecord
}

func (f *fakeReader) Recent(context.Context, int) ([]domtel.ErrorRecord, error) {
	return f.records, nil
}

type fakeLLM struct {
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type fakeVCS struct {
	branch string
	calls  []string
	merge  error
}

func (f *fakeVCS) CurrentBranch(context.Context) (string, error) { return f.branch, nil }

func (f *fakeVCS) CreateBranch(_ context.Context, name string) error {
	f.calls = append(f.calls, "create "+name)
	f.branch = name
	return nil
}

func (f *fakeVCS) Checkout(_ context.Context, branch string) error {
	f.calls = append(f.calls, "checkout "+branch)
	f.branch = branch
	return nil
}

func (f *fakeVCS) Stash(context.Context) error {
	f.calls = append(f.calls, "stash")
	return nil
}

func (f *fakeVCS) CommitAll(_ context.Context, msg string) error {
	f.calls = append(f.calls, "commit "+msg)
	return nil
}

func (f *fakeVCS) MergeNoFF(_ context.Context, branch, _ string) error {
	f.calls = append(f.calls, "merge "+branch)
	return f.merge
}

func (f *fakeVCS) AbortMerge(context.Context) error {
	f.calls = append(f.calls, "abort-merge")
	return nil
}

func (f *fakeVCS) DeleteBranch(_ context.Context, branch string, force bool) error {
	f.calls = append(f.calls, fmt.Sprintf("delete %s force=%v", branch, force))
	return nil
}

func (f *fakeVCS) Status(context.Context) (vcs.Status, error) {
	return vcs.Status{Branch: f.branch, Short: ""}, nil
}

func (f *fakeVCS) Diff(context.Context, bool) (string, error) { return "", nil }

func (f *fakeVCS) BranchDiff(context.Context, string) (string, error) {
	return "diff --git a/x b/x", nil
}

// --- helpers ---

func errorRecord(excType, file string, line int) domtel.ErrorRecord {
	return domtel.ErrorRecord{
		TS:    "2026-03-01T10:00:00Z",
		Level: "ERROR",
		File:  file,
		Line:  line,
		Msg:   "something broke",
		Error: &domtel.ErrorDetail{Type: excType, Message: "boom"},
	}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: "text", Text: text}},
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func toolResponse(id, name string, input any) *llm.Response {
	raw, _ := json.Marshal(input)
	return &llm.Response{
		Content: []llm.ContentBlock{
			{Type: "tool_use", ID: id, Name: name, Input: raw},
		},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func newTestRepair(t *testing.T, store *fakeStore, reader *fakeReader, model *fakeLLM, v *fakeVCS) *RepairService {
	t.Helper()
	sb, err := sandbox.New(sandbox.Options{
		Root:          t.TempDir(),
		TrunkBranch:   "main",
		BranchPrefix:  "fix/",
		TestCommand:   "true",
		TestTimeout:   time.Minute,
		SyntaxCommand: "true",
		SyntaxTimeout: 10 * time.Second,
	}, v)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	svc, err := NewRepairService(context.Background(), RepairDeps{
		Store:       store,
		Telemetry:   reader,
		LLM:         model,
		VCS:         v,
		Sandbox:     sb,
		Logger:      slog.New(slog.DiscardHandler),
		APIKey:      "test-key",
		TrunkBranch: "main",
		WindowSize:  30,
		MaxRounds:   15,
		MaxErrors:   5,
		SeenLimit:   200,
		LeaseTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRepairService: %v", err)
	}
	return svc
}

// --- tests ---

func TestNewRepairServiceRequiresAPIKey(t *testing.T) {
	_, err := NewRepairService(context.Background(), RepairDeps{
		Store:  newFakeStore(),
		Logger: slog.New(slog.DiscardHandler),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckAndRepairNoErrors(t *testing.T) {
	store := newFakeStore()
	model := &fakeLLM{}
	svc := newTestRepair(t, store, &fakeReader{}, model, &fakeVCS{branch: "main"})

	result, err := svc.CheckAndRepair(context.Background())
	if err != nil || result != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", result, err)
	}
	if len(model.requests) != 0 {
		t.Error("LLM called with no errors present")
	}
}

func TestCheckAndRepairCleanFix(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{records: []domtel.ErrorRecord{
		errorRecord("TypeError", "app/handler.go", 42),
	}}
	v := &fakeVCS{branch: "main"}
	model := &fakeLLM{responses: []*llm.Response{
		toolResponse("t1", "git_create_branch", map[string]string{"branch_name": "null-check"}),
		toolResponse("t2", "write_file", map[string]string{"path": "app/handler.go", "content": "fixed\n"}),
		toolResponse("t3", "git_commit", map[string]string{"message": "fix nil deref"}),
		textResponse(`Done. {"fixed": true, "files_changed": ["app/handler.go"], "description": "added nil check"}`),
	}}
	svc := newTestRepair(t, store, reader, model, v)

	result, err := svc.CheckAndRepair(context.Background())
	if err != nil {
		t.Fatalf("CheckAndRepair: %v", err)
	}
	if result == nil || !result.Fixed {
		t.Fatalf("result = %+v", result)
	}
	if result.Description != "added nil check" {
		t.Errorf("description = %q", result.Description)
	}

	// seen set persisted before diagnosing
	raw := store.state[seenStateKey]
	var seen []string
	if err := json.Unmarshal([]byte(raw), &seen); err != nil || len(seen) != 1 {
		t.Errorf("persisted seen set = %q", raw)
	}

	// one API call logged per round
	if len(store.apiCalls) != 4 {
		t.Errorf("api calls logged = %d, want 4", len(store.apiCalls))
	}
	for _, call := range store.apiCalls {
		if call.Provider != "anthropic" || call.TokensUsed != 150 {
			t.Errorf("api call = %+v", call)
		}
	}

	// task logged as success
	last := store.tasks[len(store.tasks)-1]
	if last.name != repairTaskName || last.status != tasklog.StatusSuccess {
		t.Errorf("task record = %+v", last)
	}

	// branch was created and committed on
	if v.branch != "fix/null-check" {
		t.Errorf("branch = %q", v.branch)
	}
}

func TestCheckAndRepairSkipsSeenErrors(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{records: []domtel.ErrorRecord{
		errorRecord("TypeError", "app/handler.go", 42),
	}}
	model := &fakeLLM{responses: []*llm.Response{
		textResponse(`{"fixed": false, "reason": "nothing to do"}`),
	}}
	svc := newTestRepair(t, store, reader, model, &fakeVCS{branch: "main"})

	ctx := context.Background()
	if _, err := svc.CheckAndRepair(ctx); err != nil {
		t.Fatal(err)
	}
	firstCalls := len(model.requests)

	result, err := svc.CheckAndRepair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Fatalf("second run result = %+v, want nil", result)
	}
	if len(model.requests) != firstCalls {
		t.Error("LLM called again for already-seen errors")
	}
}

func TestCheckAndRepairRoundLimit(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{records: []domtel.ErrorRecord{
		errorRecord("ValueError", "app/x.go", 7),
	}}
	var responses []*llm.Response
	for range 15 {
		responses = append(responses, toolResponse("t", "git_status", map[string]string{}))
	}
	model := &fakeLLM{responses: responses}
	svc := newTestRepair(t, store, reader, model, &fakeVCS{branch: "main"})

	result, err := svc.CheckAndRepair(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Fixed {
		t.Fatal("round-limited session reported fixed")
	}
	if !strings.Contains(result.Reason, "maximum tool rounds") {
		t.Errorf("reason = %q", result.Reason)
	}

	last := store.tasks[len(store.tasks)-1]
	if last.status != tasklog.StatusNeedsReview {
		t.Errorf("task status = %q, want needs_review", last.status)
	}
}

func TestCheckAndRepairCrashCleansBranch(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{records: []domtel.ErrorRecord{
		errorRecord("KeyError", "app/y.go", 9),
	}}
	v := &fakeVCS{branch: "fix/broken"} // session left a branch behind
	model := &fakeLLM{err: errors.New("api down")}
	svc := newTestRepair(t, store, reader, model, v)

	result, err := svc.CheckAndRepair(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Fixed || !strings.Contains(result.Reason, "crashed") {
		t.Fatalf("result = %+v", result)
	}

	wantTail := []string{"checkout main", "delete fix/broken force=true"}
	if len(v.calls) < 2 {
		t.Fatalf("calls = %v", v.calls)
	}
	got := v.calls[len(v.calls)-2:]
	for i := range wantTail {
		if got[i] != wantTail[i] {
			t.Errorf("cleanup calls = %v, want tail %v", v.calls, wantTail)
		}
	}

	last := store.tasks[len(store.tasks)-1]
	if last.status != tasklog.StatusError {
		t.Errorf("task status = %q, want error", last.status)
	}
}

func TestCheckAndRepairLeaseBusy(t *testing.T) {
	store := newFakeStore()
	store.leaseBusy = true
	reader := &fakeReader{records: []domtel.ErrorRecord{
		errorRecord("TypeError", "a.go", 1),
	}}
	svc := newTestRepair(t, store, reader, &fakeLLM{}, &fakeVCS{branch: "main"})

	_, err := svc.CheckAndRepair(context.Background())
	if !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	// busy lease must not mark errors as handled
	if _, persisted := store.state[seenStateKey]; persisted {
		t.Error("seen set persisted despite busy lease")
	}
}

func TestCheckAndRepairBatchCap(t *testing.T) {
	store := newFakeStore()
	var records []domtel.ErrorRecord
	for i := range 8 {
		records = append(records, errorRecord("TypeError", fmt.Sprintf("f%d.go", i), i))
	}
	reader := &fakeReader{records: records}
	model := &fakeLLM{responses: []*llm.Response{
		textResponse(`{"fixed": false, "reason": "looked at them"}`),
	}}
	svc := newTestRepair(t, store, reader, model, &fakeVCS{branch: "main"})

	if _, err := svc.CheckAndRepair(context.Background()); err != nil {
		t.Fatal(err)
	}

	// only 5 errors go to the model, but all 8 are marked seen
	prompt := model.requests[0].Messages[0].Content[0].Text
	if !strings.Contains(prompt, "### Error 5") || strings.Contains(prompt, "### Error 6") {
		t.Errorf("prompt error count wrong:\n%s", prompt)
	}
	var seen []string
	_ = json.Unmarshal([]byte(store.state[seenStateKey]), &seen)
	if len(seen) != 8 {
		t.Errorf("seen set size = %d, want 8", len(seen))
	}
}

func TestApproveAndMerge(t *testing.T) {
	v := &fakeVCS{branch: "fix/x"}
	svc := newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, v)

	msg, err := svc.ApproveAndMerge(context.Background())
	if err != nil {
		t.Fatalf("ApproveAndMerge: %v", err)
	}
	if !strings.Contains(msg, "Merged fix/x") {
		t.Errorf("message = %q", msg)
	}
	want := []string{"checkout main", "merge fix/x", "delete fix/x force=false"}
	for i := range want {
		if v.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", v.calls, want)
		}
	}
}

func TestApproveOnTrunkIsNoOp(t *testing.T) {
	v := &fakeVCS{branch: "main"}
	svc := newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, v)

	_, err := svc.ApproveAndMerge(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(v.calls) != 0 {
		t.Errorf("git touched on trunk approve: %v", v.calls)
	}
}

func TestApproveMergeConflict(t *testing.T) {
	v := &fakeVCS{branch: "fix/x", merge: errors.New("CONFLICT")}
	svc := newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, v)

	_, err := svc.ApproveAndMerge(context.Background())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	want := []string{"checkout main", "merge fix/x", "abort-merge", "checkout fix/x"}
	if len(v.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", v.calls, want)
	}
	for i := range want {
		if v.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, v.calls[i], want[i])
		}
	}
	if v.branch != "fix/x" {
		t.Errorf("branch after conflict = %q, want fix/x", v.branch)
	}
}

func TestRejectAndCleanup(t *testing.T) {
	v := &fakeVCS{branch: "fix/x"}
	svc := newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, v)

	msg, err := svc.RejectAndCleanup(context.Background(), "not convincing")
	if err != nil {
		t.Fatalf("RejectAndCleanup: %v", err)
	}
	if !strings.Contains(msg, "Rejected fix on fix/x") {
		t.Errorf("message = %q", msg)
	}
	want := []string{"checkout main", "delete fix/x force=true"}
	for i := range want {
		if v.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", v.calls, want)
		}
	}
}

func TestPendingFixSummary(t *testing.T) {
	ctx := context.Background()

	svc := newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, &fakeVCS{branch: "main"})
	summary, err := svc.PendingFixSummary(ctx)
	if err != nil || summary != nil {
		t.Fatalf("trunk summary = (%v, %v), want (nil, nil)", summary, err)
	}

	svc = newTestRepair(t, newFakeStore(), &fakeReader{}, &fakeLLM{}, &fakeVCS{branch: "fix/x"})
	summary, err = svc.PendingFixSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary == nil || summary.Branch != "fix/x" || !strings.Contains(summary.Diff, "diff --git") {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSeenSetLoadedFromStore(t *testing.T) {
	store := newFakeStore()
	rec := errorRecord("TypeError", "app/handler.go", 42)
	fp := domtel.Fingerprint(rec)
	store.state[seenStateKey] = fmt.Sprintf(`["%s"]`, fp)

	reader := &fakeReader{records: []domtel.ErrorRecord{rec}}
	model := &fakeLLM{}
	svc := newTestRepair(t, store, reader, model, &fakeVCS{branch: "main"})

	result, err := svc.CheckAndRepair(context.Background())
	if err != nil || result != nil {
		t.Fatalf("expected (nil, nil) for persisted fingerprint, got (%v, %v)", result, err)
	}
	if len(model.requests) != 0 {
		t.Error("LLM called for fingerprint loaded from store")
	}
}
