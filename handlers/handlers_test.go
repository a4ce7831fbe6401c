// ABOUTME: Tests for the MCP tool handlers against a real SQLite store
// ABOUTME: Covers query, enrichment, account, sync and free/busy handlers including validation paths
package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/enrich"
	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

var alice = models.Scope{WorkspaceID: "ws-1", UserID: "alice"}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

func testProvider() sync.Provider {
	return sync.Provider{
		Name:        models.SourceGmail,
		AccountType: models.TypeEmailAccount,
		OAuth: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://localhost/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "http://localhost/auth",
				TokenURL: "http://localhost/token",
			},
		},
	}
}

func seedCompany(t *testing.T, store *db.Store, name, domain string) *models.Entity {
	t.Helper()
	company := &models.Entity{
		ID:          models.CompanyID(alice.WorkspaceID, domain),
		WorkspaceID: alice.WorkspaceID,
		Type:        models.TypeCompany,
		Attributes:  map[string]any{models.AttrName: name, models.AttrDomain: domain},
	}
	require.NoError(t, store.Create(context.Background(), company))
	return company
}

func TestSearchEntities(t *testing.T) {
	store := newTestStore(t)
	h := NewQueryHandlers(store)
	ctx := context.Background()

	acme := seedCompany(t, store, "Acme Corp", "acme.com")
	seedCompany(t, store, "Globex", "globex.com")

	_, out, err := h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "alice", Query: "acme"})
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, acme.ID, out.Entities[0].ID)
	assert.Equal(t, "company", out.Entities[0].Type)

	_, out, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "alice", Type: "company"})
	require.NoError(t, err)
	assert.Len(t, out.Entities, 2)

	_, out, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "alice", Query: "acme", Type: "contact"})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)

	_, out, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-2", UserID: "alice", Query: "acme"})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
}

func TestSearchEntitiesHidesOtherUsersMail(t *testing.T) {
	store := newTestStore(t)
	h := NewQueryHandlers(store)
	ctx := context.Background()

	email := &models.Entity{
		ID:          models.EmailID(alice, models.SourceGmail, "m1"),
		WorkspaceID: alice.WorkspaceID,
		UserID:      alice.UserID,
		Type:        models.TypeEmail,
		Attributes:  map[string]any{models.AttrSubject: "Quarterly pricing", models.AttrBody: "confidential"},
		Metadata:    map[string]any{models.MetaSource: models.SourceGmail},
	}
	require.NoError(t, store.Create(ctx, email))

	_, out, err := h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "alice", Query: "pricing"})
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, email.ID, out.Entities[0].ID)

	_, out, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "bob", Query: "pricing"})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)

	_, out, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "bob", Type: "email"})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)

	_, _, err = h.SearchEntities(ctx, nil, SearchEntitiesInput{WorkspaceID: "ws-1", Query: "pricing"})
	assert.Error(t, err, "a caller without a user id cannot read the whole workspace")

	_, _, err = h.GetEntity(ctx, nil, GetEntityInput{WorkspaceID: "ws-1", ID: email.ID})
	assert.Error(t, err)
}

func TestSearchEntitiesValidation(t *testing.T) {
	h := NewQueryHandlers(newTestStore(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		input SearchEntitiesInput
	}{
		{name: "missing workspace", input: SearchEntitiesInput{UserID: "alice", Query: "acme"}},
		{name: "missing user", input: SearchEntitiesInput{WorkspaceID: "ws-1", Query: "acme"}},
		{name: "no query or type", input: SearchEntitiesInput{WorkspaceID: "ws-1", UserID: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.SearchEntities(ctx, nil, tt.input)
			assert.Error(t, err)
		})
	}
}

func TestGetEntityRedactsTokens(t *testing.T) {
	store := newTestStore(t)
	h := NewQueryHandlers(store)
	ctx := context.Background()

	account := &models.Entity{
		ID:          models.AccountID(alice, models.TypeEmailAccount),
		WorkspaceID: alice.WorkspaceID,
		UserID:      alice.UserID,
		Type:        models.TypeEmailAccount,
		Attributes: map[string]any{
			models.AttrEmail:        "alice@example.com",
			models.AttrAccessToken:  "secret-access",
			models.AttrRefreshToken: "secret-refresh",
			models.AttrTokenType:    "Bearer",
		},
	}
	require.NoError(t, store.Create(ctx, account))

	_, out, err := h.GetEntity(ctx, nil, GetEntityInput{WorkspaceID: "ws-1", UserID: "alice", ID: account.ID})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", out.Attributes[models.AttrEmail])
	assert.NotContains(t, out.Attributes, models.AttrAccessToken)
	assert.NotContains(t, out.Attributes, models.AttrRefreshToken)
	assert.NotContains(t, out.Attributes, models.AttrTokenType)

	stored, err := store.FindByID(ctx, alice, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-access", stored.String(models.AttrAccessToken))

	_, _, err = h.GetEntity(ctx, nil, GetEntityInput{WorkspaceID: "ws-1", UserID: "bob", ID: account.ID})
	assert.Error(t, err)
}

func TestRunEnrichment(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	engine := enrich.NewEngine(store, enrich.WithClock(func() time.Time { return now }))
	h := NewEnrichmentHandlers(engine)
	ctx := context.Background()

	email := &models.Entity{
		ID:          models.EmailID(alice, models.SourceGmail, "m1"),
		WorkspaceID: alice.WorkspaceID,
		UserID:      alice.UserID,
		Type:        models.TypeEmail,
		Attributes: map[string]any{
			models.AttrFrom:    map[string]any{"name": "Jane Doe", "email": "jane@acme.com"},
			models.AttrSubject: "Pricing",
			models.AttrBody:    "Can you send the pricing proposal?",
			models.AttrDate:    models.FormatTime(now.Add(-time.Hour)),
		},
		Metadata: map[string]any{models.MetaSource: models.SourceGmail},
	}
	require.NoError(t, store.Create(ctx, email))

	_, out, err := h.RunEnrichment(ctx, nil, RunEnrichmentInput{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.ContactsCreated)
	assert.Equal(t, 1, out.CompaniesCreated)
	assert.Equal(t, 1, out.IntentsDetected)
	assert.Equal(t, 1, out.HealthScored)
	assert.NotEmpty(t, out.RunID)

	_, out, err = h.RunEnrichment(ctx, nil, RunEnrichmentInput{SkipHealth: true})
	require.NoError(t, err)
	assert.Zero(t, out.Processed)
	assert.Zero(t, out.HealthScored)

	_, health, err := h.ScoreHealth(ctx, nil, ScoreHealthInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, health.Scored)
	assert.Zero(t, health.Updated)
}

func TestAccountHandlers(t *testing.T) {
	store := newTestStore(t)
	creds := sync.NewCredentialManager(store, testProvider())
	h := NewAccountHandlers(creds, nil)
	ctx := context.Background()

	_, out, err := h.AuthURL(ctx, nil, AuthURLInput{State: "xyz"})
	require.NoError(t, err)
	assert.Contains(t, out.URL, "state=xyz")
	assert.Contains(t, out.URL, "access_type=offline")

	_, _, err = h.AuthURL(ctx, nil, AuthURLInput{Provider: "google_calendar", State: "xyz"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = h.AuthURL(ctx, nil, AuthURLInput{Provider: "outlook", State: "xyz"})
	assert.Error(t, err)

	_, _, err = h.ConnectAccount(ctx, nil, ConnectAccountInput{WorkspaceID: "ws-1", Code: "abc"})
	assert.Error(t, err)

	_, _, err = h.DisconnectAccount(ctx, nil, DisconnectAccountInput{WorkspaceID: "ws-1", UserID: "alice"})
	assert.Error(t, err)
}

func TestSyncMailboxNotConnected(t *testing.T) {
	store := newTestStore(t)
	creds := sync.NewCredentialManager(store, testProvider())
	h := NewSyncHandlers(store, sync.NewMailboxSync(store, creds), nil)
	ctx := context.Background()

	_, out, err := h.SyncMailbox(ctx, nil, SyncInput{WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, sync.ErrNotConnected.Error())
	assert.Zero(t, out.TotalSynced)

	_, _, err = h.SyncMailbox(ctx, nil, SyncInput{WorkspaceID: "ws-1"})
	assert.Error(t, err)

	_, _, err = h.SyncStatus(ctx, nil, SyncStatusInput{WorkspaceID: "ws-1"})
	assert.Error(t, err)

	_, status, err := h.SyncStatus(ctx, nil, SyncStatusInput{WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, out.RunID, status.Runs[0].RunID)
	assert.Equal(t, "alice", status.Runs[0].UserID)
	assert.Equal(t, sync.RunServiceMail, status.Runs[0].Service)
	assert.Equal(t, db.RunStatusFailed, status.Runs[0].Status)

	_, cal, err := h.SyncCalendar(ctx, nil, SyncCalendarInput{WorkspaceID: "ws-1", UserID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, cal.Import)
	assert.False(t, cal.Import.Success)
	assert.Equal(t, ErrNotConfigured.Error(), cal.Import.Error)

	_, _, err = h.SyncCalendar(ctx, nil, SyncCalendarInput{WorkspaceID: "ws-1", UserID: "alice", Direction: "sideways"})
	assert.Error(t, err)
}

func TestFreeBusyValidation(t *testing.T) {
	h := NewCalendarHandlers(nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   FreeBusyInput
		wantErr error
	}{
		{
			name:  "missing user",
			input: FreeBusyInput{WorkspaceID: "ws-1", From: "2026-05-01T09:00:00Z", To: "2026-05-01T17:00:00Z"},
		},
		{
			name:  "bad from",
			input: FreeBusyInput{WorkspaceID: "ws-1", UserID: "alice", From: "tomorrow", To: "2026-05-01T17:00:00Z"},
		},
		{
			name:  "inverted range",
			input: FreeBusyInput{WorkspaceID: "ws-1", UserID: "alice", From: "2026-05-01T17:00:00Z", To: "2026-05-01T09:00:00Z"},
		},
		{
			name:    "not configured",
			input:   FreeBusyInput{WorkspaceID: "ws-1", UserID: "alice", From: "2026-05-01T09:00:00Z", To: "2026-05-01T17:00:00Z"},
			wantErr: ErrNotConfigured,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.FreeBusy(ctx, nil, tt.input)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestExportEventNotConfigured(t *testing.T) {
	h := NewCalendarHandlers(nil)
	_, out, err := h.ExportEvent(context.Background(), nil, ExportEventInput{WorkspaceID: "ws-1", UserID: "alice", EventID: "evt-1"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "evt-1", out.EventID)
	assert.Equal(t, ErrNotConfigured.Error(), out.Error)
}
