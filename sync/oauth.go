// ABOUTME: Google provider definitions for the credential lifecycle
// ABOUTME: Binds OAuth scopes, account entity type, and the profile lookup for Gmail and Calendar
package sync

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/harperreed/crmsync/config"
	"github.com/harperreed/crmsync/models"
)

// Profile is the lightweight account summary fetched on connect.
type Profile struct {
	Email         string `json:"email"`
	MessagesTotal int64  `json:"messagesTotal,omitempty"`
	ThreadsTotal  int64  `json:"threadsTotal,omitempty"`
	HistoryID     uint64 `json:"historyId,omitempty"`
	TimeZone      string `json:"timeZone,omitempty"`
}

// ProfileFunc fetches the provider profile with an authenticated client.
type ProfileFunc func(ctx context.Context, client *http.Client) (*Profile, error)

// Provider describes one OAuth-backed data source.
type Provider struct {
	Name        string
	AccountType models.EntityType
	OAuth       *oauth2.Config
	Profile     ProfileFunc
}

// AuthCodeURL returns the consent URL that yields an authorization code with
// offline access, so a refresh token is issued.
func (p Provider) AuthCodeURL(state string) string {
	return p.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// GmailProvider is the read-only Gmail source.
func GmailProvider(cfg *config.Config) (Provider, error) {
	oauth, err := cfg.OAuth(gmail.GmailReadonlyScope)
	if err != nil {
		return Provider{}, err
	}
	return Provider{
		Name:        models.SourceGmail,
		AccountType: models.TypeEmailAccount,
		OAuth:       oauth,
		Profile:     gmailProfile,
	}, nil
}

// CalendarProviderConfig is the read-write Google Calendar source.
func CalendarProviderConfig(cfg *config.Config) (Provider, error) {
	oauth, err := cfg.OAuth(calendar.CalendarScope)
	if err != nil {
		return Provider{}, err
	}
	return Provider{
		Name:        models.SourceGoogleCalendar,
		AccountType: models.TypeCalendarAccount,
		OAuth:       oauth,
		Profile:     calendarProfile,
	}, nil
}

func gmailProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	profile, err := service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	return &Profile{
		Email:         profile.EmailAddress,
		MessagesTotal: profile.MessagesTotal,
		ThreadsTotal:  profile.ThreadsTotal,
		HistoryID:     profile.HistoryId,
	}, nil
}

func calendarProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	primary, err := service.Calendars.Get(primaryCalendarID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get primary calendar: %w", err)
	}

	// The primary calendar id is the account address.
	return &Profile{Email: primary.Id, TimeZone: primary.TimeZone}, nil
}
