// ABOUTME: Tests for the credential lifecycle against a fake OAuth token endpoint
// ABOUTME: Covers connect, refresh of expired tokens, revocation, isolation, and disconnect
package sync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/crmsync/models"
)

var alice = models.Scope{WorkspaceID: "ws-1", UserID: "alice"}

func newGmailCreds(t *testing.T) (*CredentialManager, *tokenEndpoint) {
	t.Helper()
	te, oauth := newTokenEndpoint(t)
	store := newTestStore(t)
	return NewCredentialManager(store, testProvider(models.SourceGmail, models.TypeEmailAccount, oauth, "alice@example.com")), te
}

func TestConnect(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()

	profile, err := creds.Connect(ctx, alice, "one-time-code")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Email)
	assert.Equal(t, []string{"authorization_code"}, te.calls())

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.AccountID(alice, models.TypeEmailAccount), account.ID)
	assert.Equal(t, "alice", account.UserID)
	assert.True(t, account.Bool(models.AttrConnected))
	assert.Equal(t, "fresh-access", account.String(models.AttrAccessToken))
	assert.Equal(t, "fresh-refresh", account.String(models.AttrRefreshToken))
	assert.Equal(t, "alice@example.com", account.String(models.AttrEmail))
	total, ok := account.Float(models.AttrMessagesTotal)
	assert.True(t, ok)
	assert.InDelta(t, 42, total, 0.001)

	// Reconnecting updates the same record.
	_, err = creds.Connect(ctx, alice, "second-code")
	require.NoError(t, err)
	accounts, err := creds.store.Find(ctx, models.Criteria{Scope: alice, Type: models.TypeEmailAccount})
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestConnectRequiresUser(t *testing.T) {
	creds, _ := newGmailCreds(t)

	_, err := creds.Connect(context.Background(), models.Scope{WorkspaceID: "ws-1"}, "code")
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestGetValidClientUsesStoredToken(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(time.Hour))

	client, err := creds.GetValidClient(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", client.Token.AccessToken)
	assert.NotNil(t, client.HTTP)
	assert.Equal(t, alice, client.Scope())
	assert.Empty(t, te.calls())
}

func TestGetValidClientRefreshesExpiredToken(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(-time.Hour))
	te.respond(http.StatusOK, map[string]any{
		"access_token": "refreshed-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	client, err := creds.GetValidClient(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", client.Token.AccessToken)
	assert.Equal(t, []string{"refresh_token"}, te.calls())

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", account.String(models.AttrAccessToken))
	assert.Equal(t, "stored-refresh", account.String(models.AttrRefreshToken), "refresh token is kept when the endpoint does not rotate it")
	expiry, ok := account.Time(models.AttrExpiresAt)
	require.True(t, ok)
	assert.True(t, expiry.After(time.Now().Add(50*time.Minute)))
	assert.True(t, account.Bool(models.AttrConnected))

	// The refreshed token is now valid; no second exchange.
	_, err = creds.GetValidClient(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, te.calls(), 1)
}

func TestGetValidClientRevokedRefreshToken(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(-time.Hour))
	te.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant"})

	_, err := creds.GetValidClient(ctx, alice)
	assert.ErrorIs(t, err, ErrAuthExpired)

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.False(t, account.Bool(models.AttrConnected))
	assert.NotEmpty(t, account.MetaString(models.MetaAuthError))

	// Once disconnected the manager refuses without calling the endpoint again.
	_, err = creds.GetValidClient(ctx, alice)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, te.calls(), 1)
}

func TestGetValidClientWithoutRefreshToken(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()
	account := seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(-time.Hour))
	_, err := creds.store.Update(ctx, alice, account.ID, models.Patch{Attributes: map[string]any{models.AttrRefreshToken: nil}})
	require.NoError(t, err)

	_, err = creds.GetValidClient(ctx, alice)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Empty(t, te.calls())

	account, err = creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.False(t, account.Bool(models.AttrConnected))
	assert.Contains(t, account.MetaString(models.MetaAuthError), "no refresh token")
}

func TestGetValidClientTokenEndpointDown(t *testing.T) {
	creds, te := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(-time.Hour))
	te.respond(http.StatusServiceUnavailable, map[string]any{"error": "backend_error"})

	_, err := creds.GetValidClient(ctx, alice)
	assert.ErrorIs(t, err, ErrTransientProvider)
	assert.NotErrorIs(t, err, ErrAuthExpired)

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.True(t, account.Bool(models.AttrConnected))
}

func TestGetValidClientIsolation(t *testing.T) {
	creds, _ := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		scope models.Scope
		want  error
	}{
		{name: "other user same workspace", scope: models.Scope{WorkspaceID: "ws-1", UserID: "bob"}, want: ErrNotConnected},
		{name: "same user other workspace", scope: models.Scope{WorkspaceID: "ws-2", UserID: "alice"}, want: ErrNotConnected},
		{name: "workspace principal", scope: models.Scope{WorkspaceID: "ws-1"}, want: ErrUserRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := creds.GetValidClient(ctx, tt.scope)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDisconnect(t *testing.T) {
	creds, _ := newGmailCreds(t)
	ctx := context.Background()
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(time.Hour))

	require.NoError(t, creds.Disconnect(ctx, alice))

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	assert.False(t, account.Bool(models.AttrConnected))
	assert.Empty(t, account.String(models.AttrAccessToken))
	assert.Empty(t, account.String(models.AttrRefreshToken))
	assert.Equal(t, "alice@example.com", account.String(models.AttrEmail))

	_, err = creds.GetValidClient(ctx, alice)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, creds.Disconnect(ctx, models.Scope{WorkspaceID: "ws-1", UserID: "nobody"}), ErrNotConnected)
}

func TestRecordSyncAndConnectedScopes(t *testing.T) {
	creds, _ := newGmailCreds(t)
	ctx := context.Background()
	bob := models.Scope{WorkspaceID: "ws-2", UserID: "bob"}
	seedAccount(t, creds.store, alice, models.TypeEmailAccount, "alice@example.com", time.Now().Add(time.Hour))
	seedAccount(t, creds.store, bob, models.TypeEmailAccount, "bob@example.com", time.Now().Add(time.Hour))

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	creds.SetClock(func() time.Time { return fixed })
	require.NoError(t, creds.RecordSync(ctx, alice, "9876"))

	account, err := creds.Account(ctx, alice)
	require.NoError(t, err)
	last, ok := account.Time(models.AttrLastSyncAt)
	require.True(t, ok)
	assert.True(t, fixed.Equal(last))
	assert.Equal(t, "9876", account.MetaString(models.MetaHistoryID))

	scopes, err := creds.ConnectedScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Scope{alice, bob}, scopes)

	require.NoError(t, creds.Disconnect(ctx, bob))
	scopes, err = creds.ConnectedScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Scope{alice}, scopes)
}

func TestAuthCodeURL(t *testing.T) {
	creds, _ := newGmailCreds(t)

	url := creds.AuthCodeURL("state-123")
	assert.Contains(t, url, "state=state-123")
	assert.Contains(t, url, "access_type=offline")
}
