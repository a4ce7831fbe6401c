// ABOUTME: Sync MCP tool handlers
// ABOUTME: Implements sync_mailbox and sync_calendar for one connected account, and sync_status over the run log
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/sync"
)

type SyncHandlers struct {
	store    *db.Store
	mailbox  *sync.MailboxSync
	calendar *sync.CalendarSync
}

// NewSyncHandlers takes the engines for configured providers; either may be nil.
func NewSyncHandlers(store *db.Store, mailbox *sync.MailboxSync, calendar *sync.CalendarSync) *SyncHandlers {
	return &SyncHandlers{store: store, mailbox: mailbox, calendar: calendar}
}

type SyncInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace of the connected account (required)"`
	UserID      string `json:"user_id" jsonschema:"User who owns the connected account (required)"`
}

type SyncOutput struct {
	Success     bool   `json:"success"`
	RunID       string `json:"run_id,omitempty"`
	TotalSynced int    `json:"totalSynced"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Failed      int    `json:"failed"`
	Incremental bool   `json:"incremental,omitempty"`
	Error       string `json:"error,omitempty"`
}

// syncOutput reports pass failures in the output rather than as tool errors.
func syncOutput(result *sync.Result, err error) SyncOutput {
	var output SyncOutput
	if result != nil {
		output.RunID = result.RunID
		output.TotalSynced = result.TotalSynced
		output.Created = result.Created
		output.Updated = result.Updated
		output.Failed = result.Failed
		output.Incremental = result.Incremental
	}
	if err != nil {
		output.Error = err.Error()
		return output
	}
	output.Success = true
	return output
}

func (h *SyncHandlers) SyncMailbox(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (*mcp.CallToolResult, SyncOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, SyncOutput{}, err
	}
	if h.mailbox == nil {
		return nil, SyncOutput{Error: ErrNotConfigured.Error()}, nil
	}
	result, err := h.mailbox.Sync(ctx, scope)
	return nil, syncOutput(result, err), nil
}

type SyncCalendarInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace of the connected account (required)"`
	UserID      string `json:"user_id" jsonschema:"User who owns the connected account (required)"`
	Direction   string `json:"direction,omitempty" jsonschema:"import, export, or both (default import)"`
}

type SyncCalendarOutput struct {
	Import *SyncOutput `json:"import,omitempty"`
	Export *SyncOutput `json:"export,omitempty"`
}

func (h *SyncHandlers) SyncCalendar(ctx context.Context, _ *mcp.CallToolRequest, input SyncCalendarInput) (*mcp.CallToolResult, SyncCalendarOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, SyncCalendarOutput{}, err
	}

	var doImport, doExport bool
	switch input.Direction {
	case "", "import":
		doImport = true
	case "export":
		doExport = true
	case "both":
		doImport, doExport = true, true
	default:
		return nil, SyncCalendarOutput{}, fmt.Errorf("invalid direction: %s (valid: import, export, both)", input.Direction)
	}

	var output SyncCalendarOutput
	if h.calendar == nil {
		failed := SyncOutput{Error: ErrNotConfigured.Error()}
		output.Import = &failed
		return nil, output, nil
	}
	if doImport {
		result, err := h.calendar.Import(ctx, scope)
		out := syncOutput(result, err)
		output.Import = &out
	}
	if doExport {
		result, err := h.calendar.SyncToExternal(ctx, scope)
		out := syncOutput(result, err)
		output.Export = &out
	}
	return nil, output, nil
}

type SyncStatusInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace to inspect (required)"`
	UserID      string `json:"user_id" jsonschema:"User whose runs to list (required)"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum runs (default 10)"`
}

type SyncRunOutput struct {
	RunID       string `json:"run_id"`
	UserID      string `json:"user_id,omitempty"`
	Service     string `json:"service"`
	Status      string `json:"status"`
	TotalSynced int    `json:"totalSynced"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	FinishedAt  string `json:"finished_at"`
}

type SyncStatusOutput struct {
	Runs []SyncRunOutput `json:"runs"`
}

func (h *SyncHandlers) SyncStatus(ctx context.Context, _ *mcp.CallToolRequest, input SyncStatusInput) (*mcp.CallToolResult, SyncStatusOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, SyncStatusOutput{}, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	runs, err := h.store.RecentRuns(ctx, scope, limit)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to load sync runs: %w", err)
	}

	output := SyncStatusOutput{Runs: make([]SyncRunOutput, 0, len(runs))}
	for _, run := range runs {
		output.Runs = append(output.Runs, SyncRunOutput{
			RunID:       run.RunID,
			UserID:      run.UserID,
			Service:     run.Service,
			Status:      run.Status,
			TotalSynced: run.TotalSynced,
			Failed:      run.Failed,
			Error:       run.Error,
			FinishedAt:  run.FinishedAt.Format(time.RFC3339),
		})
	}
	return nil, output, nil
}
