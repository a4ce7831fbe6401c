// ABOUTME: Conversion between Google Calendar events and calendar_event entity attributes
// ABOUTME: Handles timed and all-day events, attendees, and the export fingerprint
package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/crmsync/models"
)

const allDayLayout = "2006-01-02"

// eventAttributes converts a provider event into calendar_event attributes.
func eventAttributes(ev *calendar.Event, calendarID string) (map[string]any, error) {
	if ev == nil || ev.Id == "" {
		return nil, fmt.Errorf("%w: event without id", ErrParse)
	}

	start, allDay, err := eventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s start: %v", ErrParse, ev.Id, err)
	}
	end, _, err := eventTime(ev.End)
	if err != nil {
		end = start
	}

	attrs := map[string]any{
		models.AttrExternalID:  ev.Id,
		models.AttrCalendarID:  calendarID,
		models.AttrTitle:       ev.Summary,
		models.AttrDescription: ev.Description,
		models.AttrLocation:    ev.Location,
		models.AttrStatus:      ev.Status,
		models.AttrHTMLLink:    ev.HtmlLink,
		models.AttrStart:       models.FormatTime(start),
		models.AttrEnd:         models.FormatTime(end),
		models.AttrAllDay:      allDay,
		models.AttrAttendees:   attendeeValues(ev.Attendees),
	}
	if ev.Organizer != nil {
		attrs[models.AttrOrganizer] = map[string]any{
			"name":  ev.Organizer.DisplayName,
			"email": models.NormalizeEmail(ev.Organizer.Email),
		}
	}
	return attrs, nil
}

func eventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		return parsed, false, err
	}
	if t.Date != "" {
		parsed, err := time.Parse(allDayLayout, t.Date)
		return parsed, true, err
	}
	return time.Time{}, false, fmt.Errorf("missing time")
}

func attendeeValues(attendees []*calendar.EventAttendee) []any {
	out := make([]any, 0, len(attendees))
	for _, a := range attendees {
		if a == nil || a.Email == "" {
			continue
		}
		out = append(out, map[string]any{
			"name":           a.DisplayName,
			"email":          models.NormalizeEmail(a.Email),
			"responseStatus": a.ResponseStatus,
		})
	}
	return out
}

// eventFromEntity builds the provider payload for an internal event.
func eventFromEntity(e *models.Entity) (*calendar.Event, error) {
	start, ok := e.Time(models.AttrStart)
	if !ok {
		return nil, fmt.Errorf("%w: event %s has no start", ErrParse, e.ID)
	}
	end, ok := e.Time(models.AttrEnd)
	if !ok || end.Before(start) {
		end = start.Add(time.Hour)
	}

	ev := &calendar.Event{
		Summary:     e.String(models.AttrTitle),
		Description: e.String(models.AttrDescription),
		Location:    e.String(models.AttrLocation),
	}
	if e.Bool(models.AttrAllDay) {
		ev.Start = &calendar.EventDateTime{Date: start.Format(allDayLayout)}
		ev.End = &calendar.EventDateTime{Date: end.Format(allDayLayout)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)}
	}

	for _, email := range attendeeEmails(e) {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ev, nil
}

// attendeeEmails returns the attendee addresses of an event entity.
func attendeeEmails(e *models.Entity) []string {
	list, _ := e.Attributes[models.AttrAttendees].([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch a := item.(type) {
		case map[string]any:
			if email, _ := a["email"].(string); email != "" {
				out = append(out, models.NormalizeEmail(email))
			}
		case string:
			out = append(out, models.NormalizeEmail(a))
		}
	}
	return out
}

// exportFingerprint identifies the exported content of an event; a changed
// fingerprint means the external copy is stale.
func exportFingerprint(e *models.Entity) string {
	return models.DeterministicID("calendar_export",
		e.String(models.AttrTitle),
		e.String(models.AttrDescription),
		e.String(models.AttrLocation),
		e.String(models.AttrStart),
		e.String(models.AttrEnd),
		strconv.FormatBool(e.Bool(models.AttrAllDay)),
		strings.Join(attendeeEmails(e), ","),
	)
}
