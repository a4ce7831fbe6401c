// ABOUTME: Account CLI commands: OAuth connect, disconnect, auth URL, and connection status with recent runs
// ABOUTME: Connect runs a local callback server, opens the browser, and exchanges the returned code
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/crmsync/models"
)

type AuthURLCmd struct {
	Provider string `arg:"" optional:"" enum:"gmail,google_calendar" default:"gmail" help:"Provider to authorize (gmail, google_calendar)."`
	State    string `help:"State parameter echoed back to the redirect URL." default:"crmsync"`
}

func (c *AuthURLCmd) Run(ctx context.Context, globals *Globals) error {
	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	creds, err := app.credentials(c.Provider)
	if err != nil {
		return err
	}
	fmt.Println(creds.AuthCodeURL(c.State))
	return nil
}

type ConnectCmd struct {
	ScopeFlags
	Provider  string `arg:"" optional:"" enum:"gmail,google_calendar" default:"gmail" help:"Provider to connect (gmail, google_calendar)."`
	Code      string `help:"Authorization code; skips the browser flow."`
	NoBrowser bool   `name:"no-browser" help:"Print the URL instead of opening a browser."`
}

func (c *ConnectCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	creds, err := app.credentials(c.Provider)
	if err != nil {
		return err
	}

	code := c.Code
	if code == "" {
		code, err = awaitAuthCode(ctx, globals.Config.RedirectURL, creds.AuthCodeURL, !c.NoBrowser)
		if err != nil {
			return fmt.Errorf("OAuth flow failed: %w", err)
		}
	}

	profile, err := creds.Connect(ctx, scope, code)
	if err != nil {
		return fmt.Errorf("failed to connect account: %w", err)
	}

	fmt.Printf("\n✓ Connected %s account %s\n", c.Provider, profile.Email)
	if profile.MessagesTotal > 0 {
		fmt.Printf("  %d messages in mailbox\n", profile.MessagesTotal)
	}
	fmt.Printf("\nRun 'crmsync sync %s -w %s -u %s' to import.\n", syncTarget(c.Provider), scope.WorkspaceID, scope.UserID)
	return nil
}

func syncTarget(provider string) string {
	if provider == models.SourceGoogleCalendar {
		return "calendar"
	}
	return "mail"
}

// awaitAuthCode serves the redirect URL locally until the provider calls back
// with a code carrying the expected state.
func awaitAuthCode(ctx context.Context, redirectURL string, authURL func(state string) string, browser bool) (string, error) {
	redirect, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	state := uuid.NewString()

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errChan <- errors.New("state mismatch in OAuth callback")
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errChan <- fmt.Errorf("no authorization code received: %s", query.Get("error"))
			return
		}
		_, _ = fmt.Fprintf(w, "Authorization successful! You can close this window.")
		codeChan <- code
	})

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	link := authURL(state)
	fmt.Printf("\nIf the browser doesn't open, visit this URL:\n%s\n\n", link)
	if browser {
		_ = openBrowser(link)
	}

	select {
	case code := <-codeChan:
		return code, nil
	case err := <-errChan:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// openBrowser attempts to open URL in default browser
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start()
}

type DisconnectCmd struct {
	ScopeFlags
	Provider string `arg:"" optional:"" enum:"gmail,google_calendar" default:"gmail" help:"Provider to disconnect (gmail, google_calendar)."`
}

func (c *DisconnectCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	creds, err := app.credentials(c.Provider)
	if err != nil {
		return err
	}
	if err := creds.Disconnect(ctx, scope); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	fmt.Printf("✓ Disconnected %s for %s/%s\n", c.Provider, scope.WorkspaceID, scope.UserID)
	return nil
}

type StatusCmd struct {
	ScopeFlags
	Runs int `help:"Number of recent sync runs to show." default:"5"`
}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	scope, err := c.UserScope()
	if err != nil {
		return err
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	for _, provider := range []string{models.SourceGmail, models.SourceGoogleCalendar} {
		creds, err := app.credentials(provider)
		if err != nil {
			return err
		}
		account, err := creds.Account(ctx, scope)
		if err != nil {
			fmt.Printf("%-16s not connected\n", provider)
			continue
		}
		fmt.Printf("%-16s %s\n", provider, accountStatus(account, time.Now()))
	}

	runs, err := app.Store.RecentRuns(ctx, scope, c.Runs)
	if err != nil {
		return fmt.Errorf("failed to load sync runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Println("\nRecent runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVICE\tSTATUS\tSYNCED\tFAILED\tFINISHED")
	for _, run := range runs {
		status := run.Status
		if run.Error != "" {
			status += ": " + run.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", run.Service, status, run.TotalSynced, run.Failed, formatTimeSince(run.FinishedAt, time.Now()))
	}
	return w.Flush()
}

func accountStatus(account *models.Entity, now time.Time) string {
	email := account.String(models.AttrEmail)
	if !account.Bool(models.AttrConnected) {
		if reason := account.MetaString(models.MetaAuthError); reason != "" {
			return fmt.Sprintf("%s disconnected (%s)", email, reason)
		}
		return email + " disconnected"
	}
	last, ok := account.Time(models.AttrLastSyncAt)
	if !ok {
		return email + " connected, never synced"
	}
	return fmt.Sprintf("%s connected, last synced %s", email, formatTimeSince(last, now))
}

// formatTimeSince renders the age of t relative to now.
func formatTimeSince(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour") + " ago"
	default:
		return plural(int(d.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
