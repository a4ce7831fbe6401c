// ABOUTME: Sync run log: one row per mailbox or calendar pass
// ABOUTME: Records counts, status, and errors so account status can report recent activity
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/harperreed/crmsync/models"
)

// Run statuses.
const (
	RunStatusOK        = "ok"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// SyncRun is the outcome of one sync pass.
type SyncRun struct {
	RunID       string
	WorkspaceID string
	UserID      string
	Service     string
	Status      string
	TotalSynced int
	Created     int
	Updated     int
	Failed      int
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RecordRun stores a finished pass. Recording the same run id again replaces it.
func (s *Store) RecordRun(ctx context.Context, run *SyncRun) error {
	if run.RunID == "" || run.Service == "" {
		return fmt.Errorf("%w: run id and service are required", ErrInvalidEntity)
	}
	if err := (models.Scope{WorkspaceID: run.WorkspaceID}).Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, workspace_id, user_id, service, status, total_synced, created, updated, failed, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			total_synced = excluded.total_synced,
			created = excluded.created,
			updated = excluded.updated,
			failed = excluded.failed,
			error_message = excluded.error_message,
			finished_at = excluded.finished_at
	`, run.RunID, run.WorkspaceID, run.UserID, run.Service, run.Status,
		run.TotalSynced, run.Created, run.Updated, run.Failed, run.Error,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run of service for scope's user.
func (s *Store) LastRun(ctx context.Context, scope models.Scope, service string) (*SyncRun, error) {
	runs, err := s.queryRuns(ctx, scope, service, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// RecentRuns returns scope's runs, newest first. A workspace-level scope sees
// every user's runs.
func (s *Store) RecentRuns(ctx context.Context, scope models.Scope, limit int) ([]*SyncRun, error) {
	return s.queryRuns(ctx, scope, "", limit)
}

func (s *Store) queryRuns(ctx context.Context, scope models.Scope, service string, limit int) ([]*SyncRun, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultLimit
	}

	query := `
		SELECT run_id, workspace_id, user_id, service, status, total_synced, created, updated, failed, error_message, started_at, finished_at
		FROM sync_runs
		WHERE workspace_id = ?`
	args := []any{scope.WorkspaceID}
	if scope.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, scope.UserID)
	}
	if service != "" {
		query += ` AND service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY finished_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]*SyncRun, 0)
	for rows.Next() {
		var run SyncRun
		err := rows.Scan(
			&run.RunID,
			&run.WorkspaceID,
			&run.UserID,
			&run.Service,
			&run.Status,
			&run.TotalSynced,
			&run.Created,
			&run.Updated,
			&run.Failed,
			&run.Error,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}
