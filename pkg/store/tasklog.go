package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskLog is one recorded task run.
type TaskLog struct {
	ID              int64          `json:"id"`
	TaskName        string         `json:"task_name"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Status          string         `json:"status"`
	RecordsExpected int64          `json:"records_expected"`
	RecordsFetched  int64          `json:"records_fetched"`
	RecordsSaved    int64          `json:"records_saved"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// TaskRecorder measures one task run. It snapshots the row counts of
// the tables the task writes to at start, and on finish reports
// records_saved as the sum of positive deltas, so a concurrent
// writer's rows never count against a failed run as negative savings.
type TaskRecorder struct {
	store       *Store
	taskName    string
	tables      []string
	startedAt   time.Time
	startCounts map[string]int64

	Expected int64
	Fetched  int64
	Details  map[string]any
}

// StartTask begins recording a run of taskName that writes the given
// tables.
func (s *Store) StartTask(ctx context.Context, taskName string, tables ...string) (*TaskRecorder, error) {
	r := &TaskRecorder{
		store:       s,
		taskName:    taskName,
		tables:      tables,
		startedAt:   time.Now(),
		startCounts: make(map[string]int64, len(tables)),
		Details:     make(map[string]any),
	}
	for _, t := range tables {
		n, err := s.TableCount(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskName, err)
		}
		r.startCounts[t] = n
	}
	return r, nil
}

// Finish writes the task_logs row. A nil runErr records success; any
// other error records failure with its message. Row-count errors at
// finish time degrade to a zero delta rather than masking runErr.
func (r *TaskRecorder) Finish(ctx context.Context, runErr error) error {
	finishedAt := time.Now()

	var saved int64
	for _, t := range r.tables {
		n, err := r.store.TableCount(ctx, t)
		if err != nil {
			r.store.log.Warn().Err(err).Str("table", t).Msg("post-run count failed")
			continue
		}
		if delta := n - r.startCounts[t]; delta > 0 {
			saved += delta
		}
	}

	status := "success"
	var errMsg *string
	if runErr != nil {
		status = "failed"
		msg := runErr.Error()
		errMsg = &msg
	}

	var details *string
	if len(r.Details) > 0 {
		raw, err := json.Marshal(r.Details)
		if err == nil {
			s := string(raw)
			details = &s
		}
	}

	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO task_logs
		(task_name, started_at, finished_at, duration_seconds, status,
		 records_expected, records_fetched, records_saved, error_message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)`,
		r.taskName, r.startedAt, finishedAt, finishedAt.Sub(r.startedAt).Seconds(),
		status, r.Expected, r.Fetched, saved, errMsg, details)
	if err != nil {
		return fmt.Errorf("record task %s: %w", r.taskName, err)
	}
	return nil
}

// RecentTaskLogs returns the newest runs, optionally filtered by task
// name ("" matches all).
func (s *Store) RecentTaskLogs(ctx context.Context, taskName string, limit int) ([]TaskLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_name, started_at, finished_at, duration_seconds, status,
		       records_expected, records_fetched, records_saved,
		       COALESCE(error_message, ''), COALESCE(details, '{}'::jsonb)
		FROM task_logs
		WHERE $1 = '' OR task_name = $1
		ORDER BY started_at DESC
		LIMIT $2`, taskName, limit)
	if err != nil {
		return nil, fmt.Errorf("recent task logs: %w", err)
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var tl TaskLog
		var details []byte
		if err := rows.Scan(&tl.ID, &tl.TaskName, &tl.StartedAt, &tl.FinishedAt,
			&tl.DurationSeconds, &tl.Status, &tl.RecordsExpected, &tl.RecordsFetched,
			&tl.RecordsSaved, &tl.ErrorMessage, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &tl.Details)
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}
