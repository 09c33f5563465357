// Package database defines the state store port (interface).
package database

import (
	"context"
	"time"

	"github.com/mendhq/mend/internal/domain/tasklog"
)

// Store is the port interface for the durable state store.
type Store interface {
	// Task log
	LogTaskStart(ctx context.Context, name string, metadata map[string]any) (int64, error)
	LogTaskEnd(ctx context.Context, id int64, status, resultSummary, errorMessage string) error
	GetRecentTasks(ctx context.Context, limit int) ([]tasklog.Entry, error)
	GetTaskStats(ctx context.Context, since time.Duration) (tasklog.Stats, error)
	GetDailySummary(ctx context.Context) (tasklog.DailySummary, error)

	// API call accounting
	LogAPICall(ctx context.Context, call tasklog.APICall) error
	GetAPICallsLastHour(ctx context.Context) (int, error)

	// Agent state KV
	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Session lease
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}
