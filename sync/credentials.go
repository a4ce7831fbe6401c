// ABOUTME: Credential Manager: per-(workspace, user, provider) OAuth token lifecycle
// ABOUTME: Exchanges codes, refreshes expired tokens, and flips the connected flag on revocation
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = time.Minute

// Client is an authenticated provider client for one scope, built per call
// from the stored token state.
type Client struct {
	HTTP    *http.Client
	Token   *oauth2.Token
	Account *models.Entity
}

// Scope returns the scope the client was issued for.
func (c *Client) Scope() models.Scope {
	return c.Account.Scope()
}

// CredentialManager owns the account entity for one provider. Sync engines
// read tokens through it and never write token fields themselves.
type CredentialManager struct {
	store    *db.Store
	provider Provider
	now      func() time.Time
}

// NewCredentialManager creates a manager for provider backed by store.
func NewCredentialManager(store *db.Store, provider Provider) *CredentialManager {
	return &CredentialManager{
		store:    store,
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for expiry checks.
func (m *CredentialManager) SetClock(now func() time.Time) {
	m.now = now
}

// Provider returns the provider this manager serves.
func (m *CredentialManager) Provider() Provider {
	return m.provider
}

// AuthCodeURL returns the consent URL for this provider.
func (m *CredentialManager) AuthCodeURL(state string) string {
	return m.provider.AuthCodeURL(state)
}

// Connect exchanges a one-time authorization code, fetches the provider
// profile, and upserts the account entity for scope.
func (m *CredentialManager) Connect(ctx context.Context, scope models.Scope, code string) (*Profile, error) {
	if err := validateAccountScope(scope); err != nil {
		return nil, err
	}

	token, err := m.provider.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	profile, err := m.provider.Profile(ctx, staticClient(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s profile: %w", m.provider.Name, err)
	}

	attrs := tokenAttributes(token)
	attrs[models.AttrProvider] = m.provider.Name
	attrs[models.AttrEmail] = profile.Email
	attrs[models.AttrConnected] = true
	if profile.MessagesTotal > 0 || profile.ThreadsTotal > 0 {
		attrs[models.AttrMessagesTotal] = profile.MessagesTotal
		attrs[models.AttrThreadsTotal] = profile.ThreadsTotal
	}
	if profile.TimeZone != "" {
		attrs[models.AttrTimeZone] = profile.TimeZone
	}

	account := &models.Entity{
		ID:          models.AccountID(scope, m.provider.AccountType),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Type:        m.provider.AccountType,
		Attributes:  attrs,
		Metadata: map[string]any{
			models.MetaSource:         m.provider.Name,
			models.MetaDisconnectedAt: nil,
			models.MetaAuthError:      nil,
		},
	}
	if _, _, err := m.store.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to save %s account: %w", m.provider.Name, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("workspace_id", scope.WorkspaceID).
		Str("user_id", scope.UserID).
		Str("provider", m.provider.Name).
		Str("email", profile.Email).
		Msg("account connected")

	return profile, nil
}

// Account loads the account entity for scope. A missing account is
// ErrNotConnected.
func (m *CredentialManager) Account(ctx context.Context, scope models.Scope) (*models.Entity, error) {
	if err := validateAccountScope(scope); err != nil {
		return nil, err
	}

	account, err := m.store.FindByID(ctx, scope, models.AccountID(scope, m.provider.AccountType))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	// A shared record under the account id would leak one user's tokens to another.
	if account.UserID != scope.UserID || account.Type != m.provider.AccountType {
		return nil, db.ErrScopeViolation
	}
	return account, nil
}

// GetValidClient returns a client carrying a valid access token for scope,
// refreshing and persisting a new token pair when the stored one has expired.
// A rejected refresh marks the account disconnected and returns ErrAuthExpired.
func (m *CredentialManager) GetValidClient(ctx context.Context, scope models.Scope) (*Client, error) {
	account, err := m.Account(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !account.Bool(models.AttrConnected) {
		return nil, ErrNotConnected
	}

	token := storedToken(account)
	if token.AccessToken != "" && m.now().Add(expirySkew).Before(token.Expiry) {
		return &Client{HTTP: staticClient(ctx, token), Token: token, Account: account}, nil
	}

	if token.RefreshToken == "" {
		if markErr := m.MarkDisconnected(ctx, scope, errors.New("no refresh token stored")); markErr != nil {
			zerolog.Ctx(ctx).Error().Err(markErr).Str("workspace_id", scope.WorkspaceID).Msg("failed to mark account disconnected")
		}
		return nil, ErrAuthExpired
	}

	refreshed, err := m.provider.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken}).Token()
	if err != nil {
		if isRevoked(err) {
			if markErr := m.MarkDisconnected(ctx, scope, err); markErr != nil {
				zerolog.Ctx(ctx).Error().Err(markErr).Str("workspace_id", scope.WorkspaceID).Msg("failed to mark account disconnected")
			}
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("%w: token refresh: %v", ErrTransientProvider, err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	updated, err := m.store.Update(ctx, scope, account.ID, models.Patch{Attributes: tokenAttributes(refreshed)})
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("workspace_id", scope.WorkspaceID).
		Str("user_id", scope.UserID).
		Str("provider", m.provider.Name).
		Time("expires_at", refreshed.Expiry).
		Msg("access token refreshed")

	return &Client{HTTP: staticClient(ctx, refreshed), Token: refreshed, Account: updated}, nil
}

// Disconnect marks the account inactive and drops its tokens. Previously
// synced entities are left alone.
func (m *CredentialManager) Disconnect(ctx context.Context, scope models.Scope) error {
	account, err := m.Account(ctx, scope)
	if err != nil {
		return err
	}

	_, err = m.store.Update(ctx, scope, account.ID, models.Patch{
		Attributes: map[string]any{
			models.AttrConnected:    false,
			models.AttrAccessToken:  nil,
			models.AttrRefreshToken: nil,
			models.AttrExpiresAt:    nil,
		},
		Metadata: map[string]any{models.MetaDisconnectedAt: models.FormatTime(m.now())},
	})
	if err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}
	return nil
}

// MarkDisconnected flips connected to false after an irrecoverable auth
// failure, recording the cause.
func (m *CredentialManager) MarkDisconnected(ctx context.Context, scope models.Scope, cause error) error {
	meta := map[string]any{models.MetaDisconnectedAt: models.FormatTime(m.now())}
	if cause != nil {
		meta[models.MetaAuthError] = cause.Error()
	}

	_, err := m.store.Update(ctx, scope, models.AccountID(scope, m.provider.AccountType), models.Patch{
		Attributes: map[string]any{models.AttrConnected: false},
		Metadata:   meta,
	})
	if err != nil {
		return fmt.Errorf("failed to mark account disconnected: %w", err)
	}

	zerolog.Ctx(ctx).Warn().
		Str("workspace_id", scope.WorkspaceID).
		Str("user_id", scope.UserID).
		Str("provider", m.provider.Name).
		AnErr("cause", cause).
		Msg("account disconnected")
	return nil
}

// RecordSync stamps lastSyncAt and, when non-empty, the incremental cursor.
func (m *CredentialManager) RecordSync(ctx context.Context, scope models.Scope, cursor string) error {
	patch := models.Patch{Attributes: map[string]any{models.AttrLastSyncAt: models.FormatTime(m.now())}}
	if cursor != "" {
		patch.Metadata = map[string]any{models.MetaHistoryID: cursor}
	}

	if _, err := m.store.Update(ctx, scope, models.AccountID(scope, m.provider.AccountType), patch); err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return nil
}

// ConnectedScopes lists every (workspace, user) holding a connected account
// for this provider.
func (m *CredentialManager) ConnectedScopes(ctx context.Context) ([]models.Scope, error) {
	scopes, err := m.store.ListScopes(ctx, m.provider.AccountType)
	if err != nil {
		return nil, err
	}

	connected := make([]models.Scope, 0, len(scopes))
	for _, scope := range scopes {
		if scope.UserID == "" {
			continue
		}
		account, err := m.Account(ctx, scope)
		if err != nil {
			continue
		}
		if account.Bool(models.AttrConnected) {
			connected = append(connected, scope)
		}
	}
	return connected, nil
}

func validateAccountScope(scope models.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if scope.UserID == "" {
		return ErrUserRequired
	}
	return nil
}

func storedToken(account *models.Entity) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  account.String(models.AttrAccessToken),
		RefreshToken: account.String(models.AttrRefreshToken),
		TokenType:    account.String(models.AttrTokenType),
	}
	if expiry, ok := account.Time(models.AttrExpiresAt); ok {
		token.Expiry = expiry
	}
	return token
}

func tokenAttributes(token *oauth2.Token) map[string]any {
	attrs := map[string]any{
		models.AttrAccessToken: token.AccessToken,
		models.AttrTokenType:   token.Type(),
	}
	if token.RefreshToken != "" {
		attrs[models.AttrRefreshToken] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		attrs[models.AttrExpiresAt] = models.FormatTime(token.Expiry)
	}
	return attrs
}

func staticClient(ctx context.Context, token *oauth2.Token) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
}

// isRevoked reports whether a refresh failure came from the token endpoint
// rejecting the grant, as opposed to the endpoint being unreachable or failing.
func isRevoked(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.Response == nil {
		return true
	}
	code := rerr.Response.StatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
