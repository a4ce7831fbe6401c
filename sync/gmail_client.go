// ABOUTME: Gmail API access behind a narrow MailProvider interface
// ABOUTME: Lists recent ids, walks history since a cursor, and fetches full messages
package sync

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// MailProvider is the subset of the Gmail API a sync pass consumes.
type MailProvider interface {
	// Profile returns the mailbox address and its current history cursor.
	Profile(ctx context.Context) (*Profile, error)
	// ListMessageIDs returns at most max ids matching query, most recent first.
	ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error)
	// ListHistory returns messages added or relabelled since startHistoryID,
	// oldest change first, stopping at the first whole record that reaches max
	// ids. An expired cursor is ErrHistoryExpired.
	ListHistory(ctx context.Context, startHistoryID uint64, max int64) (*HistoryPage, error)
	// GetMessage fetches one message with headers, body parts, and labels.
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
}

// HistoryPage is one bounded read of the mailbox history.
type HistoryPage struct {
	IDs []string
	// LastHistoryID is the id of the last history record read.
	LastHistoryID uint64
	// More is set when records after LastHistoryID were left unread.
	More bool
}

// MailProviderFactory builds a MailProvider around an authenticated client.
type MailProviderFactory func(ctx context.Context, client *http.Client) (MailProvider, error)

type gmailProvider struct {
	service *gmail.Service
}

// NewGmailProvider creates a MailProvider backed by the Gmail API.
func NewGmailProvider(ctx context.Context, client *http.Client) (MailProvider, error) {
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &gmailProvider{service: service}, nil
}

func (g *gmailProvider) Profile(ctx context.Context) (*Profile, error) {
	profile, err := g.service.Users.GetProfile("me").Context(ctx).Do()
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

func (g *gmailProvider) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	response, err := g.service.Users.Messages.List("me").
		Q(query).
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	ids := make([]string, 0, len(response.Messages))
	for _, ref := range response.Messages {
		ids = append(ids, ref.Id)
	}
	return ids, nil
}

func (g *gmailProvider) ListHistory(ctx context.Context, startHistoryID uint64, max int64) (*HistoryPage, error) {
	seen := make(map[string]bool)
	page := &HistoryPage{IDs: make([]string, 0)}
	pageToken := ""

	for {
		call := g.service.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
			MaxResults(max).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		response, err := call.Do()
		if err != nil {
			if IsNotFound(err) {
				return nil, fmt.Errorf("%w: %v", ErrHistoryExpired, err)
			}
			return nil, fmt.Errorf("failed to fetch history: %w", err)
		}

		for i, record := range response.History {
			for _, message := range historyMessages(record) {
				if message == nil || seen[message.Id] {
					continue
				}
				seen[message.Id] = true
				page.IDs = append(page.IDs, message.Id)
			}
			page.LastHistoryID = record.Id
			if int64(len(page.IDs)) >= max {
				page.More = i < len(response.History)-1 || response.NextPageToken != ""
				return page, nil
			}
		}

		pageToken = response.NextPageToken
		if pageToken == "" {
			return page, nil
		}
	}
}

func historyMessages(record *gmail.History) []*gmail.Message {
	messages := make([]*gmail.Message, 0, len(record.MessagesAdded)+len(record.LabelsAdded)+len(record.LabelsRemoved))
	for _, added := range record.MessagesAdded {
		messages = append(messages, added.Message)
	}
	for _, added := range record.LabelsAdded {
		messages = append(messages, added.Message)
	}
	for _, removed := range record.LabelsRemoved {
		messages = append(messages, removed.Message)
	}
	return messages
}

func (g *gmailProvider) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	message, err := g.service.Users.Messages.Get("me", id).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return message, nil
}
