// ABOUTME: Tests for CLI wiring and output helpers
// ABOUTME: Covers app construction with and without OAuth config, scope flags, status and free/busy rendering
package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/crmsync/config"
	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

func TestNewAppWithoutOAuth(t *testing.T) {
	app, err := newApp(config.Default(), newTestStore(t))
	require.NoError(t, err)

	assert.NotNil(t, app.Enrich)
	assert.Nil(t, app.MailCreds)
	assert.Nil(t, app.Mailbox)
	assert.Nil(t, app.Calendar)

	_, err = app.credentials("gmail")
	assert.ErrorIs(t, err, config.ErrMissingOAuthCredentials)
	assert.NoError(t, app.Close())
}

func TestNewAppWithOAuth(t *testing.T) {
	cfg := config.Default()
	cfg.GoogleClientID = "client-id"
	cfg.GoogleClientSecret = "client-secret"

	app, err := newApp(cfg, newTestStore(t))
	require.NoError(t, err)

	assert.NotNil(t, app.Mailbox)
	assert.NotNil(t, app.Calendar)

	mail, err := app.credentials("gmail")
	require.NoError(t, err)
	assert.Equal(t, models.SourceGmail, mail.Provider().Name)

	cal, err := app.credentials("calendar")
	require.NoError(t, err)
	assert.Equal(t, models.TypeCalendarAccount, cal.Provider().AccountType)

	_, err = app.credentials("outlook")
	assert.Error(t, err)

	assert.NotPanics(t, func() { newMCPServer(app, "test") })
}

func TestScopeFlags(t *testing.T) {
	scope, err := ScopeFlags{Workspace: "ws-1"}.Scope()
	require.NoError(t, err)
	assert.Equal(t, models.Scope{WorkspaceID: "ws-1"}, scope)

	_, err = ScopeFlags{Workspace: "ws-1"}.UserScope()
	assert.ErrorIs(t, err, sync.ErrUserRequired)

	_, err = ScopeFlags{User: "alice"}.Scope()
	assert.ErrorIs(t, err, models.ErrMissingWorkspace)

	scope, err = ScopeFlags{Workspace: "ws-1", User: "alice"}.UserScope()
	require.NoError(t, err)
	assert.Equal(t, "alice", scope.UserID)
}

func TestFormatTimeSince(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ago      time.Duration
		expected string
	}{
		{name: "just now", ago: 30 * time.Second, expected: "just now"},
		{name: "1 minute ago", ago: time.Minute, expected: "1 minute ago"},
		{name: "5 minutes ago", ago: 5 * time.Minute, expected: "5 minutes ago"},
		{name: "1 hour ago", ago: time.Hour, expected: "1 hour ago"},
		{name: "3 hours ago", ago: 3 * time.Hour, expected: "3 hours ago"},
		{name: "1 day ago", ago: 24 * time.Hour, expected: "1 day ago"},
		{name: "5 days ago", ago: 5 * 24 * time.Hour, expected: "5 days ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatTimeSince(now.Add(-tt.ago), now))
		})
	}
}

func TestAccountStatus(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		attrs    map[string]any
		meta     map[string]any
		expected string
	}{
		{
			name:     "never synced",
			attrs:    map[string]any{models.AttrEmail: "alice@example.com", models.AttrConnected: true},
			expected: "alice@example.com connected, never synced",
		},
		{
			name: "synced",
			attrs: map[string]any{
				models.AttrEmail:      "alice@example.com",
				models.AttrConnected:  true,
				models.AttrLastSyncAt: models.FormatTime(now.Add(-2 * time.Hour)),
			},
			expected: "alice@example.com connected, last synced 2 hours ago",
		},
		{
			name:     "revoked",
			attrs:    map[string]any{models.AttrEmail: "alice@example.com", models.AttrConnected: false},
			meta:     map[string]any{models.MetaAuthError: "invalid_grant"},
			expected: "alice@example.com disconnected (invalid_grant)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := &models.Entity{Type: models.TypeEmailAccount, Attributes: tt.attrs, Metadata: tt.meta}
			assert.Equal(t, tt.expected, accountStatus(account, now))
		})
	}
}

func TestFormatBusy(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	out := formatBusy(map[string][]sync.Interval{
		"zed@example.com":  nil,
		"jane@example.com": {{Start: start, End: start.Add(time.Hour)}},
	})

	assert.Equal(t,
		"jane@example.com:\n  busy 2026-05-04T09:00:00Z to 2026-05-04T10:00:00Z\nzed@example.com: free\n",
		out)
}
