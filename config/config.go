// ABOUTME: Runtime configuration bound from flags, environment, and an optional .env file
// ABOUTME: Provides XDG default paths, engine tuning knobs, and the Google OAuth client config
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// AppName names the XDG data directory.
const AppName = "crmsync"

// ErrMissingOAuthCredentials is returned when no Google client id/secret is configured.
var ErrMissingOAuthCredentials = errors.New("google OAuth credentials not configured. Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables")

// Config is embedded into the CLI so kong fills it from flags and env vars.
type Config struct {
	DB string `name:"db" help:"Path to the SQLite database." env:"CRMSYNC_DB" type:"path"`

	GoogleClientID     string `name:"google-client-id" help:"Google OAuth client id." env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `name:"google-client-secret" help:"Google OAuth client secret." env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL        string `name:"redirect-url" help:"OAuth redirect URL." env:"CRMSYNC_REDIRECT_URL" default:"http://localhost:8080/oauth/callback"`
	TokenURL           string `name:"token-url" help:"Override the OAuth token endpoint." env:"CRMSYNC_TOKEN_URL" hidden:""`

	MailBatchSize       int           `name:"mail-batch" help:"Messages fetched per mailbox sync pass." env:"CRMSYNC_MAIL_BATCH" default:"50"`
	CalendarDaysBack    int           `name:"calendar-days-back" help:"Days of past events imported." env:"CRMSYNC_CALENDAR_DAYS_BACK" default:"30"`
	CalendarDaysForward int           `name:"calendar-days-forward" help:"Days of future events imported." env:"CRMSYNC_CALENDAR_DAYS_FORWARD" default:"90"`
	CallTimeout         time.Duration `name:"call-timeout" help:"Timeout applied to each provider call." env:"CRMSYNC_CALL_TIMEOUT" default:"30s"`
	EnrichBatchSize     int           `name:"enrich-batch" help:"Entities processed per enrichment sweep." env:"CRMSYNC_ENRICH_BATCH" default:"100"`
	SentimentStep       int           `name:"sentiment-step" help:"Score change per sentiment keyword." env:"CRMSYNC_SENTIMENT_STEP" default:"2"`
	HealthThreshold     int           `name:"health-threshold" help:"Health score below which an alert is logged." env:"CRMSYNC_HEALTH_THRESHOLD" default:"40"`
	Interval            time.Duration `name:"interval" help:"Daemon tick interval." env:"CRMSYNC_INTERVAL" default:"15m"`

	GmailRPS      float64 `name:"gmail-rps" help:"Gmail requests per second." env:"CRMSYNC_GMAIL_RPS" default:"2"`
	GmailBurst    int     `name:"gmail-burst" help:"Gmail request burst." env:"CRMSYNC_GMAIL_BURST" default:"5"`
	CalendarRPS   float64 `name:"calendar-rps" help:"Calendar requests per second." env:"CRMSYNC_CALENDAR_RPS" default:"5"`
	CalendarBurst int     `name:"calendar-burst" help:"Calendar request burst." env:"CRMSYNC_CALENDAR_BURST" default:"10"`
}

// Default returns a config with the same values the CLI defaults to.
func Default() *Config {
	return &Config{
		RedirectURL:         "http://localhost:8080/oauth/callback",
		MailBatchSize:       50,
		CalendarDaysBack:    30,
		CalendarDaysForward: 90,
		CallTimeout:         30 * time.Second,
		EnrichBatchSize:     100,
		SentimentStep:       2,
		HealthThreshold:     40,
		Interval:            15 * time.Minute,
		GmailRPS:            2,
		GmailBurst:          5,
		CalendarRPS:         5,
		CalendarBurst:       10,
	}
}

// LoadEnv reads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// DefaultDBPath returns the XDG-compliant database location.
func DefaultDBPath() string {
	return filepath.Join(xdg.DataHome, AppName, AppName+".db")
}

// DatabasePath returns the configured database path or the XDG default.
func (c *Config) DatabasePath() string {
	if c.DB != "" {
		return c.DB
	}
	return DefaultDBPath()
}

// OAuth builds the Google OAuth2 client config for the given scopes.
func (c *Config) OAuth(scopes ...string) (*oauth2.Config, error) {
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return nil, ErrMissingOAuthCredentials
	}

	endpoint := google.Endpoint
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}

	return &oauth2.Config{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}, nil
}
