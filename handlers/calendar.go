// ABOUTME: Calendar MCP tool handlers
// ABOUTME: Implements export_event, unexport_event and free_busy against the connected calendar
package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

type CalendarHandlers struct {
	calendar *sync.CalendarSync
}

func NewCalendarHandlers(calendar *sync.CalendarSync) *CalendarHandlers {
	return &CalendarHandlers{calendar: calendar}
}

type ExportEventInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace of the event (required)"`
	UserID      string `json:"user_id" jsonschema:"User whose calendar receives the event (required)"`
	EventID     string `json:"event_id" jsonschema:"ID of the internal calendar_event entity (required)"`
}

type ExportEventOutput struct {
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	ExternalID string `json:"external_id,omitempty"`
	HTMLLink   string `json:"html_link,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *CalendarHandlers) ExportEvent(ctx context.Context, _ *mcp.CallToolRequest, input ExportEventInput) (*mcp.CallToolResult, ExportEventOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, ExportEventOutput{}, err
	}
	if input.EventID == "" {
		return nil, ExportEventOutput{}, fmt.Errorf("event_id is required")
	}

	output := ExportEventOutput{EventID: input.EventID}
	if h.calendar == nil {
		output.Error = ErrNotConfigured.Error()
		return nil, output, nil
	}

	exported, err := h.calendar.Export(ctx, scope, input.EventID)
	if err != nil {
		output.Error = err.Error()
		return nil, output, nil
	}
	output.Success = true
	output.ExternalID = exported.String(models.AttrExternalID)
	output.HTMLLink = exported.String(models.AttrHTMLLink)
	return nil, output, nil
}

type UnexportEventInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace of the event (required)"`
	UserID      string `json:"user_id" jsonschema:"User whose calendar holds the exported copy (required)"`
	EventID     string `json:"event_id" jsonschema:"ID of the internal calendar_event entity (required)"`
}

type UnexportEventOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *CalendarHandlers) UnexportEvent(ctx context.Context, _ *mcp.CallToolRequest, input UnexportEventInput) (*mcp.CallToolResult, UnexportEventOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, UnexportEventOutput{}, err
	}
	if input.EventID == "" {
		return nil, UnexportEventOutput{}, fmt.Errorf("event_id is required")
	}
	if h.calendar == nil {
		return nil, UnexportEventOutput{Error: ErrNotConfigured.Error()}, nil
	}
	if err := h.calendar.Unexport(ctx, scope, input.EventID); err != nil {
		return nil, UnexportEventOutput{Error: err.Error()}, nil
	}
	return nil, UnexportEventOutput{Success: true}, nil
}

type FreeBusyInput struct {
	WorkspaceID  string   `json:"workspace_id" jsonschema:"Workspace of the connected calendar (required)"`
	UserID       string   `json:"user_id" jsonschema:"User whose calendar credentials are used (required)"`
	Participants []string `json:"participants" jsonschema:"Email addresses to check"`
	From         string   `json:"from" jsonschema:"Start of the range in RFC3339 (required)"`
	To           string   `json:"to" jsonschema:"End of the range in RFC3339 (required)"`
}

type BusyPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type ParticipantBusy struct {
	Email string       `json:"email"`
	Busy  []BusyPeriod `json:"busy"`
}

type FreeBusyOutput struct {
	Participants []ParticipantBusy `json:"participants"`
}

func (h *CalendarHandlers) FreeBusy(ctx context.Context, _ *mcp.CallToolRequest, input FreeBusyInput) (*mcp.CallToolResult, FreeBusyOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, FreeBusyOutput{}, err
	}
	from, err := time.Parse(time.RFC3339, input.From)
	if err != nil {
		return nil, FreeBusyOutput{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, input.To)
	if err != nil {
		return nil, FreeBusyOutput{}, fmt.Errorf("invalid to: %w", err)
	}
	if !to.After(from) {
		return nil, FreeBusyOutput{}, fmt.Errorf("to must be after from")
	}
	if h.calendar == nil {
		return nil, FreeBusyOutput{}, ErrNotConfigured
	}

	busy, err := h.calendar.FreeBusy(ctx, scope, input.Participants, from, to)
	if err != nil {
		return nil, FreeBusyOutput{}, fmt.Errorf("failed to query free/busy: %w", err)
	}

	emails := make([]string, 0, len(busy))
	for email := range busy {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	output := FreeBusyOutput{Participants: make([]ParticipantBusy, 0, len(emails))}
	for _, email := range emails {
		periods := make([]BusyPeriod, 0, len(busy[email]))
		for _, iv := range busy[email] {
			periods = append(periods, BusyPeriod{
				Start: iv.Start.Format(time.RFC3339),
				End:   iv.End.Format(time.RFC3339),
			})
		}
		output.Participants = append(output.Participants, ParticipantBusy{Email: email, Busy: periods})
	}
	return nil, output, nil
}
