// ABOUTME: Google Calendar API access behind a narrow CalendarProvider interface
// ABOUTME: Windowed event listing, event insert/update/delete, and free/busy queries
package sync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	primaryCalendarID = "primary"
	maxEventResults   = 250
)

// Interval is one busy period.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarProvider is the subset of the Calendar API the engine consumes.
type CalendarProvider interface {
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	FreeBusy(ctx context.Context, participants []string, from, to time.Time) (map[string][]Interval, error)
}

// CalendarProviderFactory builds a CalendarProvider around an authenticated client.
type CalendarProviderFactory func(ctx context.Context, client *http.Client) (CalendarProvider, error)

type googleCalendarProvider struct {
	service *calendar.Service
}

// NewGoogleCalendarProvider creates a CalendarProvider backed by Google Calendar.
func NewGoogleCalendarProvider(ctx context.Context, client *http.Client) (CalendarProvider, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &googleCalendarProvider{service: service}, nil
}

func (g *googleCalendarProvider) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	var events []*calendar.Event
	pageToken := ""

	for {
		call := g.service.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(maxEventResults).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		response, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}
		events = append(events, response.Items...)

		pageToken = response.NextPageToken
		if pageToken == "" {
			return events, nil
		}
	}
}

func (g *googleCalendarProvider) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := g.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return created, nil
}

func (g *googleCalendarProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := g.service.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	return updated, nil
}

func (g *googleCalendarProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

func (g *googleCalendarProvider) FreeBusy(ctx context.Context, participants []string, from, to time.Time) (map[string][]Interval, error) {
	items := make([]*calendar.FreeBusyRequestItem, 0, len(participants))
	for _, p := range participants {
		items = append(items, &calendar.FreeBusyRequestItem{Id: p})
	}

	response, err := g.service.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   items,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to query free/busy: %w", err)
	}

	busy := make(map[string][]Interval, len(response.Calendars))
	for id, cal := range response.Calendars {
		intervals := make([]Interval, 0, len(cal.Busy))
		for _, period := range cal.Busy {
			start, err := time.Parse(time.RFC3339, period.Start)
			if err != nil {
				return nil, fmt.Errorf("%w: busy start %q", ErrParse, period.Start)
			}
			end, err := time.Parse(time.RFC3339, period.End)
			if err != nil {
				return nil, fmt.Errorf("%w: busy end %q", ErrParse, period.End)
			}
			intervals = append(intervals, Interval{Start: start, End: end})
		}
		busy[id] = intervals
	}
	return busy, nil
}
