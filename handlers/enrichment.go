// ABOUTME: Enrichment MCP tool handlers
// ABOUTME: Implements run_enrichment and score_health over one workspace or all of them
package handlers

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/crmsync/enrich"
)

type EnrichmentHandlers struct {
	engine *enrich.Engine
}

func NewEnrichmentHandlers(engine *enrich.Engine) *EnrichmentHandlers {
	return &EnrichmentHandlers{engine: engine}
}

type RunEnrichmentInput struct {
	WorkspaceID string `json:"workspace_id,omitempty" jsonschema:"Limit the sweep to one workspace (default all)"`
	SkipHealth  bool   `json:"skip_health,omitempty" jsonschema:"Skip company health scoring after the sweep"`
}

type RunEnrichmentOutput struct {
	RunID            string `json:"run_id"`
	Workspaces       int    `json:"workspaces"`
	Processed        int    `json:"processed"`
	Failed           int    `json:"failed"`
	ContactsCreated  int    `json:"contacts_created"`
	CompaniesCreated int    `json:"companies_created"`
	IntentsDetected  int    `json:"intents_detected"`
	HealthScored     int    `json:"health_scored"`
	HealthUpdated    int    `json:"health_updated"`
	HealthAlerts     int    `json:"health_alerts"`
}

func (h *EnrichmentHandlers) RunEnrichment(ctx context.Context, _ *mcp.CallToolRequest, input RunEnrichmentInput) (*mcp.CallToolResult, RunEnrichmentOutput, error) {
	var (
		sweep *enrich.SweepResult
		err   error
	)
	if input.WorkspaceID != "" {
		sweep, err = h.engine.SweepWorkspace(ctx, input.WorkspaceID)
	} else {
		sweep, err = h.engine.Sweep(ctx)
	}
	if err != nil {
		return nil, RunEnrichmentOutput{}, fmt.Errorf("enrichment sweep failed: %w", err)
	}

	output := RunEnrichmentOutput{
		RunID:            sweep.RunID,
		Workspaces:       sweep.Workspaces,
		Processed:        sweep.Processed,
		Failed:           sweep.Failed,
		ContactsCreated:  sweep.ContactsCreated,
		CompaniesCreated: sweep.CompaniesCreated,
		IntentsDetected:  sweep.IntentsDetected,
	}
	if input.SkipHealth {
		return nil, output, nil
	}

	health, err := h.scoreHealth(ctx, input.WorkspaceID)
	if err != nil {
		return nil, output, fmt.Errorf("health scoring failed: %w", err)
	}
	output.HealthScored = health.Scored
	output.HealthUpdated = health.Updated
	output.HealthAlerts = health.Alerts
	return nil, output, nil
}

type ScoreHealthInput struct {
	WorkspaceID string `json:"workspace_id,omitempty" jsonschema:"Limit scoring to one workspace (default all)"`
}

type ScoreHealthOutput struct {
	Scored  int `json:"scored"`
	Updated int `json:"updated"`
	Alerts  int `json:"alerts"`
	Failed  int `json:"failed"`
}

func (h *EnrichmentHandlers) ScoreHealth(ctx context.Context, _ *mcp.CallToolRequest, input ScoreHealthInput) (*mcp.CallToolResult, ScoreHealthOutput, error) {
	health, err := h.scoreHealth(ctx, input.WorkspaceID)
	if err != nil {
		return nil, ScoreHealthOutput{}, fmt.Errorf("health scoring failed: %w", err)
	}
	return nil, ScoreHealthOutput{
		Scored:  health.Scored,
		Updated: health.Updated,
		Alerts:  health.Alerts,
		Failed:  health.Failed,
	}, nil
}

func (h *EnrichmentHandlers) scoreHealth(ctx context.Context, workspaceID string) (*enrich.HealthResult, error) {
	if workspaceID != "" {
		return h.engine.ScoreHealth(ctx, workspaceID)
	}
	return h.engine.ScoreAllHealth(ctx)
}
