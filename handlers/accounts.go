// ABOUTME: Account MCP tool handlers
// ABOUTME: Implements account_auth_url, connect_account and disconnect_account for Gmail and Calendar
package handlers

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

type AccountHandlers struct {
	mail     *sync.CredentialManager
	calendar *sync.CredentialManager
}

// NewAccountHandlers takes one credential manager per provider; either may be
// nil when that provider is not configured.
func NewAccountHandlers(mail, calendar *sync.CredentialManager) *AccountHandlers {
	return &AccountHandlers{mail: mail, calendar: calendar}
}

func (h *AccountHandlers) manager(provider string) (*sync.CredentialManager, error) {
	var creds *sync.CredentialManager
	switch provider {
	case models.SourceGmail, "mail", "":
		creds = h.mail
	case models.SourceGoogleCalendar, "calendar":
		creds = h.calendar
	default:
		return nil, fmt.Errorf("invalid provider: %s (valid: gmail, google_calendar)", provider)
	}
	if creds == nil {
		return nil, ErrNotConfigured
	}
	return creds, nil
}

type AuthURLInput struct {
	Provider string `json:"provider,omitempty" jsonschema:"Provider to connect (gmail or google_calendar, default gmail)"`
	State    string `json:"state" jsonschema:"Opaque state echoed back to the OAuth redirect (required)"`
}

type AuthURLOutput struct {
	URL string `json:"url"`
}

func (h *AccountHandlers) AuthURL(_ context.Context, _ *mcp.CallToolRequest, input AuthURLInput) (*mcp.CallToolResult, AuthURLOutput, error) {
	if input.State == "" {
		return nil, AuthURLOutput{}, fmt.Errorf("state is required")
	}
	creds, err := h.manager(input.Provider)
	if err != nil {
		return nil, AuthURLOutput{}, err
	}
	return nil, AuthURLOutput{URL: creds.AuthCodeURL(input.State)}, nil
}

type ConnectAccountInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace the account belongs to (required)"`
	UserID      string `json:"user_id" jsonschema:"User who owns the account (required)"`
	Provider    string `json:"provider,omitempty" jsonschema:"gmail or google_calendar (default gmail)"`
	Code        string `json:"code" jsonschema:"One-time OAuth authorization code (required)"`
}

type ConnectAccountOutput struct {
	Success       bool   `json:"success"`
	Provider      string `json:"provider"`
	Email         string `json:"email,omitempty"`
	MessagesTotal int64  `json:"messages_total,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *AccountHandlers) ConnectAccount(ctx context.Context, _ *mcp.CallToolRequest, input ConnectAccountInput) (*mcp.CallToolResult, ConnectAccountOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, ConnectAccountOutput{}, err
	}
	if input.Code == "" {
		return nil, ConnectAccountOutput{}, fmt.Errorf("code is required")
	}
	creds, err := h.manager(input.Provider)
	if err != nil {
		return nil, ConnectAccountOutput{}, err
	}

	output := ConnectAccountOutput{Provider: creds.Provider().Name}
	profile, err := creds.Connect(ctx, scope, input.Code)
	if err != nil {
		output.Error = err.Error()
		return nil, output, nil
	}

	output.Success = true
	output.Email = profile.Email
	output.MessagesTotal = profile.MessagesTotal
	return nil, output, nil
}

type DisconnectAccountInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace the account belongs to (required)"`
	UserID      string `json:"user_id" jsonschema:"User who owns the account (required)"`
	Provider    string `json:"provider,omitempty" jsonschema:"gmail or google_calendar (default gmail)"`
}

type DisconnectAccountOutput struct {
	Success bool `json:"success"`
}

func (h *AccountHandlers) DisconnectAccount(ctx context.Context, _ *mcp.CallToolRequest, input DisconnectAccountInput) (*mcp.CallToolResult, DisconnectAccountOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, DisconnectAccountOutput{}, err
	}
	creds, err := h.manager(input.Provider)
	if err != nil {
		return nil, DisconnectAccountOutput{}, err
	}
	if err := creds.Disconnect(ctx, scope); err != nil {
		return nil, DisconnectAccountOutput{}, fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil, DisconnectAccountOutput{Success: true}, nil
}
