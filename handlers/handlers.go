// ABOUTME: Shared helpers for MCP tool handlers
// ABOUTME: Principal scope parsing and the JSON shape entities are returned in
package handlers

import (
	"errors"
	"time"

	"github.com/harperreed/crmsync/models"
)

// ErrNotConfigured is returned by tools whose provider has no OAuth client configured.
var ErrNotConfigured = errors.New("google OAuth credentials not configured")

// userScopeOf builds the caller's scope. Tool callers always act as a user;
// the workspace-level scope belongs to the background engines.
func userScopeOf(workspaceID, userID string) (models.Scope, error) {
	scope := models.Scope{WorkspaceID: workspaceID, UserID: userID}
	if err := scope.Validate(); err != nil {
		return models.Scope{}, err
	}
	if userID == "" {
		return models.Scope{}, errors.New("user_id is required")
	}
	return scope, nil
}

type EntityOutput struct {
	ID            string              `json:"id"`
	WorkspaceID   string              `json:"workspace_id"`
	UserID        string              `json:"user_id,omitempty"`
	Type          string              `json:"type"`
	Title         string              `json:"title"`
	Attributes    map[string]any      `json:"attributes"`
	Relationships map[string][]string `json:"relationships,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

// tokenAttributes never leave the server.
var tokenAttributes = []string{models.AttrAccessToken, models.AttrRefreshToken, models.AttrTokenType}

func entityToOutput(e *models.Entity) EntityOutput {
	attrs := e.Attributes
	if e.Type.IsAccount() {
		redacted := make(map[string]any, len(tokenAttributes))
		for _, key := range tokenAttributes {
			redacted[key] = nil
		}
		attrs = models.MergeMaps(e.Attributes, redacted)
	}
	return EntityOutput{
		ID:            e.ID,
		WorkspaceID:   e.WorkspaceID,
		UserID:        e.UserID,
		Type:          string(e.Type),
		Title:         e.Title(),
		Attributes:    attrs,
		Relationships: e.Relationships,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     e.UpdatedAt.Format(time.RFC3339),
	}
}
