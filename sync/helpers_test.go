// ABOUTME: Shared fixtures for sync tests: temp store, fake OAuth endpoint, seeded accounts
// ABOUTME: Provider fakes live next to the engine tests that use them
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return db.NewStore(database)
}

// tokenEndpoint is a fake OAuth token endpoint recording the grants it sees.
type tokenEndpoint struct {
	mu     gosync.Mutex
	grants []string
	status int
	body   map[string]any
}

func (te *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	te.mu.Lock()
	te.grants = append(te.grants, r.PostForm.Get("grant_type"))
	status, body := te.status, te.body
	te.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (te *tokenEndpoint) calls() []string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return append([]string(nil), te.grants...)
}

func (te *tokenEndpoint) respond(status int, body map[string]any) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.status, te.body = status, body
}

func newTokenEndpoint(t *testing.T) (*tokenEndpoint, *oauth2.Config) {
	t.Helper()
	te := &tokenEndpoint{body: map[string]any{
		"access_token":  "fresh-access",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "fresh-refresh",
	}}
	server := httptest.NewServer(te)
	t.Cleanup(server.Close)

	return te, &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   server.URL + "/auth",
			TokenURL:  server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func testProvider(name string, accountType models.EntityType, oauth *oauth2.Config, email string) Provider {
	return Provider{
		Name:        name,
		AccountType: accountType,
		OAuth:       oauth,
		Profile: func(ctx context.Context, client *http.Client) (*Profile, error) {
			return &Profile{Email: email, MessagesTotal: 42, ThreadsTotal: 7}, nil
		},
	}
}

// seedAccount stores a connected account with the given token state.
func seedAccount(t *testing.T, store *db.Store, scope models.Scope, accountType models.EntityType, email string, expiresAt time.Time) *models.Entity {
	t.Helper()
	account := &models.Entity{
		ID:          models.AccountID(scope, accountType),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Type:        accountType,
		Attributes: map[string]any{
			models.AttrEmail:        email,
			models.AttrAccessToken:  "stored-access",
			models.AttrRefreshToken: "stored-refresh",
			models.AttrTokenType:    "Bearer",
			models.AttrExpiresAt:    models.FormatTime(expiresAt),
			models.AttrConnected:    true,
		},
	}
	require.NoError(t, store.Create(context.Background(), account))
	return account
}

// fastOptions disables rate limiting and retry delays.
func fastOptions() []Option {
	return []Option{
		WithRateLimiter(NewRateLimiter(RateLimitConfig{})),
		WithRetry(func() backoff.BackOff { return &backoff.ZeroBackOff{} }, 2),
	}
}
