// ABOUTME: Enrichment and query CLI commands
// ABOUTME: Runs the enrichment sweep, company health scoring, and full-text search over stored entities
package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/harperreed/crmsync/enrich"
	"github.com/harperreed/crmsync/models"
)

type EnrichCmd struct {
	Workspace  string `name:"workspace" short:"w" help:"Limit the sweep to one workspace (default all)." env:"CRMSYNC_WORKSPACE"`
	SkipHealth bool   `name:"skip-health" help:"Skip company health scoring."`
}

func (c *EnrichCmd) Run(ctx context.Context, globals *Globals) error {
	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var sweep *enrich.SweepResult
	if c.Workspace != "" {
		sweep, err = app.Enrich.SweepWorkspace(ctx, c.Workspace)
	} else {
		sweep, err = app.Enrich.Sweep(ctx)
	}
	if err != nil {
		return fmt.Errorf("enrichment sweep failed: %w", err)
	}
	fmt.Printf("Enrichment run %s\n", sweep.RunID)
	fmt.Printf("  → %d processed, %d failed across %d workspace(s)\n", sweep.Processed, sweep.Failed, sweep.Workspaces)
	fmt.Printf("  → %d contacts and %d companies created, %d deal intents\n",
		sweep.ContactsCreated, sweep.CompaniesCreated, sweep.IntentsDetected)

	if c.SkipHealth {
		return nil
	}
	health, err := scoreHealth(ctx, app.Enrich, c.Workspace)
	if err != nil {
		return err
	}
	printHealth(health)
	return nil
}

type HealthCmd struct {
	Workspace string `name:"workspace" short:"w" help:"Limit scoring to one workspace (default all)." env:"CRMSYNC_WORKSPACE"`
}

func (c *HealthCmd) Run(ctx context.Context, globals *Globals) error {
	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	health, err := scoreHealth(ctx, app.Enrich, c.Workspace)
	if err != nil {
		return err
	}
	printHealth(health)
	return nil
}

func scoreHealth(ctx context.Context, engine *enrich.Engine, workspace string) (*enrich.HealthResult, error) {
	var (
		result *enrich.HealthResult
		err    error
	)
	if workspace != "" {
		result, err = engine.ScoreHealth(ctx, workspace)
	} else {
		result, err = engine.ScoreAllHealth(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("health scoring failed: %w", err)
	}
	return result, nil
}

func printHealth(h *enrich.HealthResult) {
	fmt.Printf("  → health: %d scored, %d changed, %d alerts, %d failed\n", h.Scored, h.Updated, h.Alerts, h.Failed)
}

type SearchCmd struct {
	ScopeFlags
	Query string `arg:"" help:"Search terms."`
	Type  string `name:"type" short:"t" help:"Only show entities of this type."`
	Limit int    `name:"limit" short:"n" help:"Maximum results." default:"20"`
}

func (c *SearchCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.Scope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	results, err := app.Store.Search(ctx, scope, c.Query, c.Limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tTITLE\tID")
	shown := 0
	for _, e := range results {
		if c.Type != "" && e.Type != models.EntityType(c.Type) {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Type, e.Title(), e.ID)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Println("No results.")
	}
	return nil
}
