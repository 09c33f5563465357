package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	domrepair "github.com/mendhq/mend/internal/domain/repair"
	"github.com/mendhq/mend/internal/port/database"
	"github.com/mendhq/mend/internal/port/notifier"
	"github.com/mendhq/mend/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// repairRunner is the slice of the repair service the handlers consume.
type repairRunner interface {
	CheckAndRepair(ctx context.Context) (*domrepair.Result, error)
	ApproveAndMerge(ctx context.Context) (string, error)
	RejectAndCleanup(ctx context.Context, reason string) (string, error)
	PendingFixSummary(ctx context.Context) (*service.FixSummary, error)
}

// taskScheduler is the slice of the scheduler the handlers consume.
type taskScheduler interface {
	Trigger(name string) error
	Status() []service.TaskStatus
}

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	repair repairRunner
	sched  taskScheduler
	store  database.Store
	notify notifier.Notifier

	baseURL      string
	apiCallLimit int // hourly budget for manual repair runs, 0 disables
}

// NewHandlers creates the handler set.
func NewHandlers(repair repairRunner, sched taskScheduler, store database.Store, notify notifier.Notifier, baseURL string, apiCallLimit int) *Handlers {
	return &Handlers{
		repair:       repair,
		sched:        sched,
		store:        store,
		notify:       notify,
		baseURL:      baseURL,
		apiCallLimit: apiCallLimit,
	}
}

// RunRepair triggers a repair cycle synchronously. Manual runs are subject
// to the hourly API call budget so a stuck caller cannot drain it.
func (h *Handlers) RunRepair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	calls, err := h.store.GetAPICallsLastHour(ctx)
	if err != nil {
		writeDomainError(w, err, "api call count unavailable")
		return
	}
	if h.apiCallLimit > 0 && calls >= h.apiCallLimit {
		writeError(w, http.StatusTooManyRequests, "API call limit reached, try again later")
		return
	}

	result, err := h.repair.CheckAndRepair(ctx)
	if err != nil {
		writeDomainError(w, err, "repair check failed")
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_new_errors"})
		return
	}

	if result.Fixed {
		summary, sumErr := h.repair.PendingFixSummary(ctx)
		if sumErr == nil && summary != nil {
			desc := result.Description
			if desc == "" {
				desc = "auto-fix"
			}
			h.send(ctx, service.ApprovalNotification(summary, desc, h.baseURL))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "fix_proposed",
			"result":  result,
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "needs_review",
		"result": result,
	})
}

// ApproveRepair merges the pending fix branch into trunk.
func (h *Handlers) ApproveRepair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	branch := ""
	if summary, err := h.repair.PendingFixSummary(ctx); err == nil && summary != nil {
		branch = summary.Branch
	}

	msg, err := h.repair.ApproveAndMerge(ctx)
	if err != nil {
		h.send(ctx, service.ResultNotification(branch, "failed", err.Error()))
		writeDomainError(w, err, "no pending fix to approve")
		return
	}

	h.send(ctx, service.ResultNotification(branch, "merged", msg))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// RejectRepair discards the pending fix branch.
func (h *Handlers) RejectRepair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if body.Reason == "" {
		body.Reason = "rejected by user"
	}

	branch := ""
	if summary, err := h.repair.PendingFixSummary(ctx); err == nil && summary != nil {
		branch = summary.Branch
	}

	msg, err := h.repair.RejectAndCleanup(ctx, body.Reason)
	if err != nil {
		writeDomainError(w, err, "no pending fix to reject")
		return
	}

	h.send(ctx, service.ResultNotification(branch, "rejected", body.Reason))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// RepairStatus reports whether a fix branch is waiting for review.
func (h *Handlers) RepairStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.repair.PendingFixSummary(r.Context())
	if err != nil {
		writeDomainError(w, err, "repair status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_pending_fix": summary != nil,
		"summary":         summary,
	})
}

// Health reports liveness plus today's activity summary.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	today, err := h.store.GetDailySummary(r.Context())
	if err != nil {
		writeDomainError(w, err, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "today": today})
}

// ListTasks returns recent task log entries, newest first.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	tasks, err := h.store.GetRecentTasks(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "tasks unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// TaskStats returns per-task status counts over the last 24 hours.
func (h *Handlers) TaskStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.store.GetTaskStats(ctx, 24*time.Hour)
	if err != nil {
		writeDomainError(w, err, "stats unavailable")
		return
	}
	calls, err := h.store.GetAPICallsLastHour(ctx)
	if err != nil {
		writeDomainError(w, err, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":               stats,
		"api_calls_last_hour": calls,
	})
}

// ScheduleStatus lists the scheduler's tasks with their run times.
func (h *Handlers) ScheduleStatus(w http.ResponseWriter, _ *http.Request) {
	jobs := h.sched.Status()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// RunScheduledTask triggers one scheduled task by name in the background.
func (h *Handlers) RunScheduledTask(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "task")
	if err := h.sched.Trigger(name); err != nil {
		writeDomainError(w, err, "unknown task: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "triggered", "task": name})
}

func (h *Handlers) send(ctx context.Context, n notifier.Notification) {
	if h.notify == nil {
		return
	}
	if err := h.notify.Send(ctx, n); err != nil {
		slog.Warn("notification failed", "source", n.Source, "error", err)
	}
}
