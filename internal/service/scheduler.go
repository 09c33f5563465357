package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mendhq/mend/internal/domain"
	"github.com/mendhq/mend/internal/domain/tasklog"
	"github.com/mendhq/mend/internal/port/database"
	"github.com/mendhq/mend/internal/port/notifier"
)

// Task names the scheduler knows.
const (
	TaskRepairCheck = "repair_check"
	TaskDailyReport = "daily_report"
	TaskHealthCheck = "health_check"
)

// SchedulerDeps wires the collaborators a Scheduler needs.
type SchedulerDeps struct {
	Store    database.Store
	Repair   *RepairService
	Notifier notifier.Notifier
	Logger   *slog.Logger

	BaseURL      string // external URL used in approve/reject links
	APICallLimit int    // hourly budget checked by health_check

	RepairCheckInterval time.Duration
	DailyReportInterval time.Duration
	HealthCheckInterval time.Duration
}

type scheduledTask struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// Scheduler runs the periodic tasks: repair checks, the daily report, and
// the health check. A zero interval disables a task; every run is recorded
// in the task log.
type Scheduler struct {
	store  database.Store
	repair *RepairService
	notify notifier.Notifier
	log    *slog.Logger

	baseURL      string
	apiCallLimit int

	tasks []scheduledTask

	mu      sync.Mutex
	lastRun map[string]time.Time
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TaskStatus describes one scheduled task for the control surface.
type TaskStatus struct {
	Name     string     `json:"name"`
	Interval string     `json:"interval"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// NewScheduler builds a Scheduler from its dependencies.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	s := &Scheduler{
		store:        deps.Store,
		repair:       deps.Repair,
		notify:       deps.Notifier,
		log:          deps.Logger,
		baseURL:      deps.BaseURL,
		apiCallLimit: deps.APICallLimit,
		lastRun:      make(map[string]time.Time),
	}
	s.tasks = []scheduledTask{
		{TaskRepairCheck, deps.RepairCheckInterval, s.runRepairCheck},
		{TaskDailyReport, deps.DailyReportInterval, s.runDailyReport},
		{TaskHealthCheck, deps.HealthCheckInterval, s.runHealthCheck},
	}
	return s
}

// Start launches one ticker goroutine per enabled task.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, task := range s.tasks {
		if task.interval <= 0 {
			s.log.Info("task disabled", "task", task.name)
			continue
		}

		s.wg.Add(1)
		go func(task scheduledTask) {
			defer s.wg.Done()
			ticker := time.NewTicker(task.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.Run(ctx, task.name); err != nil {
						s.log.Error("scheduled task failed", "task", task.name, "error", err)
					}
				}
			}
		}(task)
		s.log.Info("task scheduled", "task", task.name, "interval", task.interval)
	}
	s.log.Info("scheduler started")
}

// Stop cancels the tickers and waits for in-flight runs to finish. Manual
// triggers arriving after Stop are refused so no goroutine joins the
// WaitGroup once Wait has begun.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Run executes one named task synchronously. Unknown names return a wrapped
// domain.ErrNotFound.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	for _, task := range s.tasks {
		if task.name != name {
			continue
		}
		s.mu.Lock()
		s.lastRun[name] = time.Now()
		s.mu.Unlock()
		return task.run(ctx)
	}
	return fmt.Errorf("unknown task %q: %w", name, domain.ErrNotFound)
}

// Trigger validates the task name and runs it in the background, for the
// manual HTTP trigger.
func (s *Scheduler) Trigger(name string) error {
	known := false
	for _, task := range s.tasks {
		if task.name == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown task %q: %w", name, domain.ErrNotFound)
	}

	// the stopped check and wg.Add share the mutex so a trigger cannot
	// join the WaitGroup after Stop started waiting on it
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is stopped: %w", domain.ErrConflict)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("manual trigger", "task", name)
	go func() {
		defer s.wg.Done()
		if err := s.Run(context.Background(), name); err != nil {
			s.log.Error("triggered task failed", "task", name, "error", err)
		}
	}()
	return nil
}

// Status reports every known task with its interval and run times.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		st := TaskStatus{Name: task.name, Interval: task.interval.String()}
		if last, ran := s.lastRun[task.name]; ran {
			lastCopy := last
			st.LastRun = &lastCopy
			if task.interval > 0 {
				next := last.Add(task.interval)
				st.NextRun = &next
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// runRepairCheck runs one repair cycle and routes the outcome through the
// notifier; no outcome is silently dropped.
func (s *Scheduler) runRepairCheck(ctx context.Context) error {
	taskID, err := s.store.LogTaskStart(ctx, TaskRepairCheck, nil)
	if err != nil {
		s.log.Warn("log task start", "error", err)
	}

	result, err := s.repair.CheckAndRepair(ctx)
	switch {
	case errors.Is(err, domain.ErrSessionActive):
		s.logTaskEnd(ctx, taskID, tasklog.StatusSuccess, "repair session already in progress", "")
		return nil
	case err != nil:
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return err
	case result == nil:
		s.logTaskEnd(ctx, taskID, tasklog.StatusSuccess, "No new errors", "")
		return nil
	}

	if result.Fixed {
		summary, sumErr := s.repair.PendingFixSummary(ctx)
		if sumErr != nil || summary == nil {
			s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", "fix reported but no pending branch")
			return fmt.Errorf("repair_check: fix reported but no pending branch")
		}

		desc := result.Description
		if desc == "" {
			desc = "auto-fix"
		}
		s.send(ctx, ApprovalNotification(summary, desc, s.baseURL))
		s.logTaskEnd(ctx, taskID, tasklog.StatusSuccess, "Fix proposed on "+summary.Branch, "")
		return nil
	}

	reason := result.Reason
	if reason == "" {
		reason = "unknown"
	}
	// a round-limited session keeps its branch for review
	branch := "(none)"
	if summary, _ := s.repair.PendingFixSummary(ctx); summary != nil {
		branch = summary.Branch
	}
	s.send(ctx, ResultNotification(branch, "needs_review", reason))
	s.logTaskEnd(ctx, taskID, tasklog.StatusNeedsReview, "Could not auto-fix: "+truncateString(reason, 200), "")
	return nil
}

// runDailyReport aggregates today's activity into the state store and log.
func (s *Scheduler) runDailyReport(ctx context.Context) error {
	taskID, err := s.store.LogTaskStart(ctx, TaskDailyReport, nil)
	if err != nil {
		s.log.Warn("log task start", "error", err)
	}

	summary, err := s.store.GetDailySummary(ctx)
	if err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("daily_report: %w", err)
	}
	stats, err := s.store.GetTaskStats(ctx, 24*time.Hour)
	if err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("daily_report: %w", err)
	}

	report := fmt.Sprintf(
		"--- Daily Agent Report ---\nTasks: %d total, %d success, %d errors\nAPI calls: %d (tokens: %d)\nTask breakdown: %s",
		summary.TasksTotal, summary.TasksSuccess, summary.TasksErrors,
		summary.APICalls, summary.APITokens, formatStats(stats))

	s.log.Info("daily report", "tasks", summary.TasksTotal, "api_calls", summary.APICalls)
	if err := s.store.SetState(ctx, "last_daily_report", report); err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("daily_report: %w", err)
	}

	s.logTaskEnd(ctx, taskID, tasklog.StatusSuccess, truncateString(report, resultSummaryCap), "")
	return nil
}

// runHealthCheck records liveness state and warns when the hourly API
// budget is close to spent.
func (s *Scheduler) runHealthCheck(ctx context.Context) error {
	taskID, err := s.store.LogTaskStart(ctx, TaskHealthCheck, nil)
	if err != nil {
		s.log.Warn("log task start", "error", err)
	}

	apiCalls, err := s.store.GetAPICallsLastHour(ctx)
	if err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("health_check: %w", err)
	}
	if s.apiCallLimit > 0 && apiCalls > s.apiCallLimit*8/10 {
		s.log.Warn("API call rate high", "calls", apiCalls, "limit", s.apiCallLimit)
	}

	if err := s.store.SetState(ctx, "health_status", "ok"); err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("health_check: %w", err)
	}
	if err := s.store.SetState(ctx, "running_jobs", strconv.Itoa(len(s.tasks))); err != nil {
		s.logTaskEnd(ctx, taskID, tasklog.StatusError, "", err.Error())
		return fmt.Errorf("health_check: %w", err)
	}

	s.log.Debug("health check ok", "jobs", len(s.tasks), "api_calls_last_hour", apiCalls)
	s.logTaskEnd(ctx, taskID, tasklog.StatusSuccess, "", "")
	return nil
}

func (s *Scheduler) logTaskEnd(ctx context.Context, id int64, status, summary, errMsg string) {
	if err := s.store.LogTaskEnd(ctx, id, status, summary, errMsg); err != nil {
		s.log.Warn("log task end", "error", err)
	}
}

func (s *Scheduler) send(ctx context.Context, n notifier.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Send(ctx, n); err != nil {
		s.log.Warn("notification failed", "source", n.Source, "error", err)
	}
}

func formatStats(stats tasklog.Stats) string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, name := range names {
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%v", name, stats[name])
	}
	if out == "" {
		return "(none)"
	}
	return out
}
