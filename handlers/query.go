// ABOUTME: Query MCP tool handlers
// ABOUTME: Implements search_entities and get_entity over one principal's scope
package handlers

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

type QueryHandlers struct {
	store *db.Store
}

func NewQueryHandlers(store *db.Store) *QueryHandlers {
	return &QueryHandlers{store: store}
}

type SearchEntitiesInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace to search (required)"`
	UserID      string `json:"user_id" jsonschema:"Caller; results are this user's records plus shared ones (required)"`
	Query       string `json:"query,omitempty" jsonschema:"Full-text query; omit to list by type"`
	Type        string `json:"type,omitempty" jsonschema:"Entity type filter (email, calendar_event, contact, company, deal)"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum results (default 10)"`
}

type SearchEntitiesOutput struct {
	Entities []EntityOutput `json:"entities"`
}

func (h *QueryHandlers) SearchEntities(ctx context.Context, _ *mcp.CallToolRequest, input SearchEntitiesInput) (*mcp.CallToolResult, SearchEntitiesOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, SearchEntitiesOutput{}, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	entityType := models.EntityType(input.Type)
	if input.Query == "" && entityType == "" {
		return nil, SearchEntitiesOutput{}, fmt.Errorf("query or type is required")
	}

	var entities []*models.Entity
	if input.Query != "" {
		entities, err = h.store.Search(ctx, scope, input.Query, limit)
	} else {
		entities, err = h.store.Find(ctx, models.Criteria{Scope: scope, Type: entityType, Limit: limit})
	}
	if err != nil {
		return nil, SearchEntitiesOutput{}, fmt.Errorf("failed to search: %w", err)
	}

	output := SearchEntitiesOutput{Entities: make([]EntityOutput, 0, len(entities))}
	for _, e := range entities {
		if entityType != "" && e.Type != entityType {
			continue
		}
		output.Entities = append(output.Entities, entityToOutput(e))
	}
	return nil, output, nil
}

type GetEntityInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"Workspace of the entity (required)"`
	UserID      string `json:"user_id" jsonschema:"Caller the entity must be visible to (required)"`
	ID          string `json:"id" jsonschema:"Entity ID (required)"`
}

func (h *QueryHandlers) GetEntity(ctx context.Context, _ *mcp.CallToolRequest, input GetEntityInput) (*mcp.CallToolResult, EntityOutput, error) {
	scope, err := userScopeOf(input.WorkspaceID, input.UserID)
	if err != nil {
		return nil, EntityOutput{}, err
	}
	if input.ID == "" {
		return nil, EntityOutput{}, fmt.Errorf("id is required")
	}
	entity, err := h.store.FindByID(ctx, scope, input.ID)
	if err != nil {
		return nil, EntityOutput{}, fmt.Errorf("failed to get entity: %w", err)
	}
	return nil, entityToOutput(entity), nil
}
