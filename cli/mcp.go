// ABOUTME: MCP server subcommand
// ABOUTME: Serves the sync, calendar, enrichment, and query tools over stdio
package cli

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/handlers"
)

type MCPCmd struct{}

func (c *MCPCmd) Run(ctx context.Context, globals *Globals) error {
	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	zerolog.Ctx(ctx).Info().Str("version", globals.Version).Msg("starting MCP server")
	return newMCPServer(app, globals.Version).Run(ctx, &mcp.StdioTransport{})
}

func newMCPServer(app *App, version string) *mcp.Server {
	accountHandlers := handlers.NewAccountHandlers(app.MailCreds, app.CalendarCreds)
	syncHandlers := handlers.NewSyncHandlers(app.Store, app.Mailbox, app.Calendar)
	calendarHandlers := handlers.NewCalendarHandlers(app.Calendar)
	enrichmentHandlers := handlers.NewEnrichmentHandlers(app.Enrich)
	queryHandlers := handlers.NewQueryHandlers(app.Store)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "crmsync",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "account_auth_url",
		Description: "Get the Google consent URL for connecting a Gmail or Calendar account",
	}, accountHandlers.AuthURL)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connect_account",
		Description: "Exchange an OAuth authorization code and store the account credentials for a user",
	}, accountHandlers.ConnectAccount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "disconnect_account",
		Description: "Disconnect a user's Gmail or Calendar account and drop its tokens",
	}, accountHandlers.DisconnectAccount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_mailbox",
		Description: "Import new Gmail messages for a connected account",
	}, syncHandlers.SyncMailbox)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_calendar",
		Description: "Import calendar events and optionally export local events for a connected account",
	}, syncHandlers.SyncCalendar)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "List recent mailbox and calendar sync runs with their counts and errors",
	}, syncHandlers.SyncStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "export_event",
		Description: "Create or update a local calendar event in the user's Google Calendar",
	}, calendarHandlers.ExportEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "unexport_event",
		Description: "Delete the Google Calendar copy of a local event",
	}, calendarHandlers.UnexportEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "free_busy",
		Description: "Get busy periods for a set of participants in a time range",
	}, calendarHandlers.FreeBusy)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_enrichment",
		Description: "Derive contacts, companies, sentiment and deal intent from unprocessed emails and events, then score company health",
	}, enrichmentHandlers.RunEnrichment)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "score_health",
		Description: "Recompute company health scores from contact recency and open deals",
	}, enrichmentHandlers.ScoreHealth)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_entities",
		Description: "Full-text search over emails, events, contacts, companies and deals",
	}, queryHandlers.SearchEntities)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity",
		Description: "Get a single entity by ID",
	}, queryHandlers.GetEntity)

	return server
}
