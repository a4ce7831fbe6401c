// ABOUTME: Persists the outcome of each sync pass to the run log
// ABOUTME: Logging a run never changes the pass result; store failures are only logged
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/db"
)

// Run log service names.
const (
	RunServiceMail           = "gmail"
	RunServiceCalendarImport = "calendar_import"
	RunServiceCalendarExport = "calendar_export"
)

func recordRun(ctx context.Context, store *db.Store, service string, started, finished time.Time, result *Result, passErr error) {
	if result == nil || result.Scope.WorkspaceID == "" {
		return
	}
	run := &db.SyncRun{
		RunID:       result.RunID,
		WorkspaceID: result.Scope.WorkspaceID,
		UserID:      result.Scope.UserID,
		Service:     service,
		Status:      db.RunStatusOK,
		TotalSynced: result.TotalSynced,
		Created:     result.Created,
		Updated:     result.Updated,
		Failed:      result.Failed,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	switch {
	case errors.Is(passErr, context.Canceled), errors.Is(passErr, context.DeadlineExceeded):
		run.Status = db.RunStatusCancelled
		run.Error = passErr.Error()
	case passErr != nil:
		run.Status = db.RunStatusFailed
		run.Error = passErr.Error()
	}

	// The pass context may already be cancelled.
	if err := store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", run.RunID).Msg("failed to record sync run")
	}
}
