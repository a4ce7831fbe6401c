// ABOUTME: Entry point for the crmsync CLI, daemon, and MCP server
// ABOUTME: Parses commands with kong, loads .env, and puts the process logger on the context
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/harperreed/crmsync/cli"
	"github.com/harperreed/crmsync/config"
	"github.com/harperreed/crmsync/logging"
)

var (
	version = "dev"
	app     struct {
		config.Config `embed:""`

		AuthURL    cli.AuthURLCmd    `cmd:"" name:"auth-url" help:"Print the Google consent URL for a provider"`
		Connect    cli.ConnectCmd    `cmd:"" help:"Connect a Gmail or Calendar account"`
		Disconnect cli.DisconnectCmd `cmd:"" help:"Disconnect an account and drop its tokens"`
		Status     cli.StatusCmd     `cmd:"" help:"Show connected accounts and last sync times"`
		Sync       cli.SyncCmd       `cmd:"" help:"Run a sync pass for one account"`
		Export     cli.ExportCmd     `cmd:"" help:"Export a local event to Google Calendar"`
		FreeBusy   cli.FreeBusyCmd   `cmd:"" name:"freebusy" help:"Show busy periods for participants"`
		Enrich     cli.EnrichCmd     `cmd:"" help:"Derive contacts, companies and deal intent from synced data"`
		Health     cli.HealthCmd     `cmd:"" help:"Recompute company health scores"`
		Search     cli.SearchCmd     `cmd:"" help:"Search stored entities"`
		Daemon     cli.DaemonCmd     `cmd:"" help:"Sync every connected account and enrich on an interval"`
		MCP        cli.MCPCmd        `cmd:"" name:"mcp" help:"Start the MCP server on stdio"`

		Debug   bool `help:"Enable debug logging." env:"CRMSYNC_DEBUG"`
		Version kong.VersionFlag
	}
)

func main() {
	// .env must be loaded before kong reads env-bound flags.
	envErr := config.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&app,
		kong.Name("crmsync"),
		kong.Description("Mail and calendar sync with CRM enrichment."),
		kong.Vars{
			"version": version,
		})

	logger := logging.Setup(app.Debug)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("failed to load .env")
	}
	ctx = logger.WithContext(ctx)
	cmd.BindTo(ctx, (*context.Context)(nil))

	err := cmd.Run(&cli.Globals{Debug: app.Debug, Version: version, Config: &app.Config})
	cmd.FatalIfErrorf(err)
}
