// Package tasklog defines the durable bookkeeping entities owned by the
// state store: task executions, external API call accounting, and the
// small key/value agent state.
package tasklog

import "time"

// Status values for a task log entry.
const (
	StatusStarted     = "started"
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusNeedsReview = "needs_review"
)

// Entry is one task execution record. Created on start, mutated once on
// completion; a process crash can leave an entry open forever, which is
// recoverable only by external inspection.
type Entry struct {
	ID              int64          `json:"id"`
	TaskName        string         `json:"task_name"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	ResultSummary   string         `json:"result_summary,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// APICall is one append-only external provider call record, used to compute
// the rolling hourly rate limit.
type APICall struct {
	Provider     string    `json:"provider"`
	CalledAt     time.Time `json:"called_at"`
	TokensUsed   int       `json:"tokens_used"`
	CostEstimate float64   `json:"cost_estimate"`
	TaskName     string    `json:"task_name,omitempty"`
}

// Stats maps task name to per-status execution counts over a window.
type Stats map[string]map[string]int

// DailySummary aggregates today's activity for reporting.
type DailySummary struct {
	TasksTotal   int `json:"tasks_total"`
	TasksSuccess int `json:"tasks_success"`
	TasksErrors  int `json:"tasks_errors"`
	APICalls     int `json:"api_calls"`
	APITokens    int `json:"api_tokens"`
}
