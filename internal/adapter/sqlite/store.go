package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/domain/tasklog"
	"github.com/mendhq/mend/internal/port/database"
)

// timeFormat is how timestamps are stored. Fixed-width fraction and UTC
// only, so lexicographic order matches chronological order, which the
// range queries rely on. RFC3339Nano would drop trailing fractional zeros
// and break that ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// Store implements database.Store on an SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time // for testing
}

var _ database.Store = (*Store)(nil)

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// write runs fn inside a transaction that commits on success and rolls back
// on any error. If the failure indicates the schema is gone (the backing
// file was deleted or truncated externally), the schema is re-initialized
// once and the original error is still returned; the caller retries on its
// next scheduled cycle.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.recoverSchema(ctx, fmt.Errorf("begin: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.recoverSchema(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return s.recoverSchema(ctx, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) recoverSchema(ctx context.Context, err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		slog.Warn("store schema missing, re-initializing", "error", err)
		// Clear the applied-version bookkeeping so goose reapplies the
		// schema; every statement is IF NOT EXISTS, so surviving tables
		// and their data are untouched.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM goose_db_version`)
		if mErr := RunMigrations(ctx, s.db); mErr != nil {
			slog.Error("schema re-init failed", "error", mErr)
		}
	}
	return err
}

// --- Task log ---

func (s *Store) LogTaskStart(ctx context.Context, name string, metadata map[string]any) (int64, error) {
	if name == "" {
		return 0, errors.New("task name is required")
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	var id int64
	err = s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO task_log (task_name, status, started_at, metadata) VALUES (?, 'started', ?, ?)`,
			name, formatTime(s.now()), string(meta))
		if err != nil {
			return fmt.Errorf("log task start: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *Store) LogTaskEnd(ctx context.Context, id int64, status, resultSummary, errorMessage string) error {
	now := s.now()
	return s.write(ctx, func(tx *sql.Tx) error {
		var startedAt string
		err := tx.QueryRowContext(ctx, `SELECT started_at FROM task_log WHERE id = ?`, id).Scan(&startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			// unknown id is deliberately a no-op
			return nil
		}
		if err != nil {
			return fmt.Errorf("log task end: %w", err)
		}

		var duration sql.NullFloat64
		if started, perr := time.Parse(timeFormat, startedAt); perr == nil {
			duration = sql.NullFloat64{Float64: now.Sub(started).Seconds(), Valid: true}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE task_log SET status = ?, finished_at = ?, duration_seconds = ?, result_summary = ?, error_message = ? WHERE id = ?`,
			status, formatTime(now), duration, nullable(resultSummary), nullable(errorMessage), id)
		if err != nil {
			return fmt.Errorf("log task end: %w", err)
		}
		return nil
	})
}

func (s *Store) GetRecentTasks(ctx context.Context, limit int) ([]tasklog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_name, status, started_at, finished_at, duration_seconds, result_summary, error_message, metadata
		 FROM task_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()

	var entries []tasklog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) GetTaskStats(ctx context.Context, since time.Duration) (tasklog.Stats, error) {
	cutoff := formatTime(s.now().Add(-since))
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_name, status, COUNT(*) FROM task_log WHERE started_at > ? GROUP BY task_name, status`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := tasklog.Stats{}
	for rows.Next() {
		var name, status string
		var count int
		if err := rows.Scan(&name, &status, &count); err != nil {
			return nil, fmt.Errorf("task stats scan: %w", err)
		}
		if stats[name] == nil {
			stats[name] = map[string]int{}
		}
		stats[name][status] = count
	}
	return stats, rows.Err()
}

func (s *Store) GetDailySummary(ctx context.Context) (tasklog.DailySummary, error) {
	now := s.now().UTC()
	midnight := formatTime(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))

	var out tasklog.DailySummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		 FROM task_log WHERE started_at > ?`, midnight).
		Scan(&out.TasksTotal, &out.TasksSuccess, &out.TasksErrors)
	if err != nil {
		return out, fmt.Errorf("daily summary tasks: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0) FROM api_calls WHERE called_at > ?`, midnight).
		Scan(&out.APICalls, &out.APITokens)
	if err != nil {
		return out, fmt.Errorf("daily summary api: %w", err)
	}
	return out, nil
}

// --- API call accounting ---

func (s *Store) LogAPICall(ctx context.Context, call tasklog.APICall) error {
	calledAt := call.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO api_calls (provider, called_at, tokens_used, cost_estimate, task_name) VALUES (?, ?, ?, ?, ?)`,
			call.Provider, formatTime(calledAt), call.TokensUsed, call.CostEstimate, nullable(call.TaskName))
		if err != nil {
			return fmt.Errorf("log api call: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAPICallsLastHour(ctx context.Context) (int, error) {
	cutoff := formatTime(s.now().Add(-time.Hour))
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_calls WHERE called_at > ?`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("api calls last hour: %w", err)
	}
	return count, nil
}

// --- Agent state KV ---

func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("set state %s: %w", key, err)
		}
		return nil
	})
}

// --- Session lease ---

type leaseRecord struct {
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expires_at"`
}

// AcquireLease takes the advisory lease stored under key. It succeeds when
// the lease is free, expired, or already held by the same holder; it returns
// false (without error) when another live holder has it.
func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("acquire lease %s: %w", key, err)
		}

		if err == nil {
			var cur leaseRecord
			if jsonErr := json.Unmarshal([]byte(raw), &cur); jsonErr == nil && cur.Holder != holder {
				if exp, perr := time.Parse(timeFormat, cur.ExpiresAt); perr == nil && now.Before(exp) {
					return nil // held by a live other holder
				}
			}
		}

		rec, err := json.Marshal(leaseRecord{Holder: holder, ExpiresAt: formatTime(now.Add(ttl))})
		if err != nil {
			return fmt.Errorf("marshal lease: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(rec), formatTime(now))
		if err != nil {
			return fmt.Errorf("acquire lease %s: %w", key, err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease frees the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release lease %s: %w", key, err)
		}

		var cur leaseRecord
		if jsonErr := json.Unmarshal([]byte(raw), &cur); jsonErr == nil && cur.Holder != holder {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		return nil
	})
}

// --- helpers ---

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (tasklog.Entry, error) {
	var (
		e          tasklog.Entry
		startedAt  string
		finishedAt sql.NullString
		duration   sql.NullFloat64
		summary    sql.NullString
		errMsg     sql.NullString
		meta       sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TaskName, &e.Status, &startedAt, &finishedAt, &duration, &summary, &errMsg, &meta); err != nil {
		return e, fmt.Errorf("scan task entry: %w", err)
	}

	if t, err := time.Parse(timeFormat, startedAt); err == nil {
		e.StartedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(timeFormat, finishedAt.String); err == nil {
			e.FinishedAt = &t
		}
	}
	if duration.Valid {
		d := duration.Float64
		e.DurationSeconds = &d
	}
	e.ResultSummary = summary.String
	e.ErrorMessage = errMsg.String
	if meta.Valid && meta.String != "" && meta.String != "null" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return e, nil
}
