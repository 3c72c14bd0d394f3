package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Run statuses written to the runs table.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunSummary is the outcome of one pipeline run.
type RunSummary struct {
	RunID      string
	FinishedAt time.Time
	Status     string
	Processed  int64
	Failed     int64
	Err        error
}

// RunStore records the start and end of every pipeline run.
type RunStore struct {
	pool  execer
	start string
	end   string
}

// NewRunStore wraps pool. An empty table defaults to "pipeline_runs".
func NewRunStore(pool execer, table string) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, "pipeline_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{
		pool: pool,
		start: fmt.Sprintf(`INSERT INTO %s (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, table),
		end: fmt.Sprintf(`UPDATE %s
SET finished_at = $1, status = $2, processed = $3, failed = $4, error_message = $5
WHERE id = $6`, table),
	}, nil
}

// StartRun inserts a running row for runID.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	if _, err := s.pool.Exec(ctx, s.start, runID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// CompleteRun records the outcome of a run.
func (s *RunStore) CompleteRun(ctx context.Context, sum RunSummary) error {
	var errMsg *string
	if sum.Err != nil {
		msg := sum.Err.Error()
		errMsg = &msg
	}
	status := sum.Status
	if status == "" {
		status = RunSucceeded
		if sum.Err != nil {
			status = RunFailed
		}
	}
	tag, err := s.pool.Exec(ctx, s.end, sum.FinishedAt, status, sum.Processed, sum.Failed, errMsg, sum.RunID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", sum.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: no such run", sum.RunID)
	}
	return nil
}
