// ABOUTME: Sync CLI commands: mailbox and calendar passes, event export, and free/busy lookup
// ABOUTME: Each command runs one pass for a single connected account and prints its summary
package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harperreed/crmsync/config"
	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

type SyncCmd struct {
	Mail     SyncMailCmd     `cmd:"" help:"Import new Gmail messages."`
	Calendar SyncCalendarCmd `cmd:"" help:"Import calendar events and export local ones."`
}

type SyncMailCmd struct {
	ScopeFlags
}

func (c *SyncMailCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if app.Mailbox == nil {
		return config.ErrMissingOAuthCredentials
	}

	fmt.Println("Syncing Gmail...")
	result, err := app.Mailbox.Sync(ctx, scope)
	printResult("mail", result)
	if err != nil {
		return fmt.Errorf("mailbox sync failed: %w", err)
	}
	return nil
}

type SyncCalendarCmd struct {
	ScopeFlags
	ImportOnly bool `name:"import-only" help:"Skip exporting local events."`
}

func (c *SyncCalendarCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if app.Calendar == nil {
		return config.ErrMissingOAuthCredentials
	}

	fmt.Println("Syncing Google Calendar...")
	result, err := app.Calendar.Import(ctx, scope)
	printResult("import", result)
	if err != nil {
		return fmt.Errorf("calendar import failed: %w", err)
	}
	if c.ImportOnly {
		return nil
	}

	result, err = app.Calendar.SyncToExternal(ctx, scope)
	printResult("export", result)
	if err != nil {
		return fmt.Errorf("calendar export failed: %w", err)
	}
	return nil
}

func printResult(label string, r *sync.Result) {
	if r == nil {
		return
	}
	mode := "full"
	if r.Incremental {
		mode = "incremental"
	}
	fmt.Printf("  → %s (%s): %d synced, %d created, %d updated, %d failed\n",
		label, mode, r.TotalSynced, r.Created, r.Updated, r.Failed)
}

type ExportCmd struct {
	ScopeFlags
	EventID string `arg:"" help:"Internal calendar event id."`
	Remove  bool   `help:"Delete the exported copy instead."`
}

func (c *ExportCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if app.Calendar == nil {
		return config.ErrMissingOAuthCredentials
	}

	if c.Remove {
		if err := app.Calendar.Unexport(ctx, scope, c.EventID); err != nil {
			return fmt.Errorf("failed to remove exported event: %w", err)
		}
		fmt.Printf("✓ Removed exported copy of %s\n", c.EventID)
		return nil
	}

	exported, err := app.Calendar.Export(ctx, scope, c.EventID)
	if err != nil {
		return fmt.Errorf("failed to export event: %w", err)
	}
	fmt.Printf("✓ Exported %q as %s\n", exported.Title(), exported.String(models.AttrExternalID))
	if link := exported.String(models.AttrHTMLLink); link != "" {
		fmt.Printf("  %s\n", link)
	}
	return nil
}

type FreeBusyCmd struct {
	ScopeFlags
	Participants []string      `arg:"" help:"Email addresses to check."`
	From         time.Time     `help:"Start of the range (RFC3339, default now)."`
	For          time.Duration `name:"for" help:"Length of the range." default:"24h"`
}

func (c *FreeBusyCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if app.Calendar == nil {
		return config.ErrMissingOAuthCredentials
	}

	from := c.From
	if from.IsZero() {
		from = time.Now().Truncate(time.Minute)
	}
	busy, err := app.Calendar.FreeBusy(ctx, scope, c.Participants, from, from.Add(c.For))
	if err != nil {
		return fmt.Errorf("free/busy lookup failed: %w", err)
	}
	fmt.Print(formatBusy(busy))
	return nil
}

func formatBusy(busy map[string][]sync.Interval) string {
	emails := make([]string, 0, len(busy))
	for email := range busy {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	var b strings.Builder
	for _, email := range emails {
		periods := busy[email]
		if len(periods) == 0 {
			fmt.Fprintf(&b, "%s: free\n", email)
			continue
		}
		fmt.Fprintf(&b, "%s:\n", email)
		for _, p := range periods {
			fmt.Fprintf(&b, "  busy %s to %s\n", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
		}
	}
	return b.String()
}
