// ABOUTME: Shared CLI plumbing: globals passed to every command and the wired application
// ABOUTME: Opens the store and builds credential managers, sync engines, and the enrichment engine from config
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/config"
	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/enrich"
	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

type Globals struct {
	Debug   bool
	Version string
	Config  *config.Config
}

// ScopeFlags identify the principal a command acts for.
type ScopeFlags struct {
	Workspace string `name:"workspace" short:"w" help:"Workspace id." env:"CRMSYNC_WORKSPACE" required:""`
	User      string `name:"user" short:"u" help:"User id." env:"CRMSYNC_USER"`
}

func (s ScopeFlags) Scope() (models.Scope, error) {
	scope := models.Scope{WorkspaceID: s.Workspace, UserID: s.User}
	return scope, scope.Validate()
}

// UserScope is Scope for commands that act on one user's account.
func (s ScopeFlags) UserScope() (models.Scope, error) {
	scope, err := s.Scope()
	if err != nil {
		return scope, err
	}
	if scope.UserID == "" {
		return scope, sync.ErrUserRequired
	}
	return scope, nil
}

// App holds the wired services. MailCreds, CalendarCreds and the sync engines
// are nil when no OAuth client is configured.
type App struct {
	Store         *db.Store
	MailCreds     *sync.CredentialManager
	CalendarCreds *sync.CredentialManager
	Mailbox       *sync.MailboxSync
	Calendar      *sync.CalendarSync
	Enrich        *enrich.Engine

	closeDB func() error
}

// openApp opens the database at the configured path and wires every engine.
func openApp(ctx context.Context, cfg *config.Config) (*App, error) {
	path := cfg.DatabasePath()
	database, err := db.OpenDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("path", path).Msg("database opened")

	app, err := newApp(cfg, db.NewStore(database))
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	app.closeDB = database.Close
	return app, nil
}

func newApp(cfg *config.Config, store *db.Store) (*App, error) {
	app := &App{Store: store}

	app.Enrich = enrich.NewEngine(store,
		enrich.WithBatchSize(cfg.EnrichBatchSize),
		enrich.WithSentimentStep(cfg.SentimentStep),
		enrich.WithHealthThreshold(cfg.HealthThreshold),
	)

	common := []sync.Option{
		sync.WithInsertHooks(enrich.NewAutoCreator(app.Enrich)),
		sync.WithCallTimeout(cfg.CallTimeout),
	}

	gmail, err := sync.GmailProvider(cfg)
	switch {
	case errors.Is(err, config.ErrMissingOAuthCredentials):
		return app, nil
	case err != nil:
		return nil, err
	}
	app.MailCreds = sync.NewCredentialManager(store, gmail)
	app.Mailbox = sync.NewMailboxSync(store, app.MailCreds, append(common,
		sync.WithBatchSize(cfg.MailBatchSize),
		sync.WithRateLimiter(sync.NewRateLimiter(sync.RateLimitConfig{
			RequestsPerSecond: cfg.GmailRPS,
			BurstSize:         cfg.GmailBurst,
		})),
	)...)

	calendar, err := sync.CalendarProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	app.CalendarCreds = sync.NewCredentialManager(store, calendar)
	app.Calendar = sync.NewCalendarSync(store, app.CalendarCreds, append(common,
		sync.WithWindow(cfg.CalendarDaysBack, cfg.CalendarDaysForward),
		sync.WithRateLimiter(sync.NewRateLimiter(sync.RateLimitConfig{
			RequestsPerSecond: cfg.CalendarRPS,
			BurstSize:         cfg.CalendarBurst,
		})),
	)...)

	return app, nil
}

func (a *App) Close() error {
	if a.closeDB == nil {
		return nil
	}
	return a.closeDB()
}

// credentials picks the manager for a provider name.
func (a *App) credentials(provider string) (*sync.CredentialManager, error) {
	var creds *sync.CredentialManager
	switch provider {
	case models.SourceGmail, "mail":
		creds = a.MailCreds
	case models.SourceGoogleCalendar, "calendar":
		creds = a.CalendarCreds
	default:
		return nil, fmt.Errorf("invalid provider: %s (valid: gmail, google_calendar)", provider)
	}
	if creds == nil {
		return nil, config.ErrMissingOAuthCredentials
	}
	return creds, nil
}
