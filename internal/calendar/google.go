// Package calendar inserts validated events into Google Calendar.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/nhle/mailpilot/internal/model"
)

// Inserter creates calendar events. Satisfied by *GoogleCalendar and by
// test fakes.
type Inserter interface {
	InsertEvent(ctx context.Context, ev model.ValidatedEvent) (string, error)
}

// GoogleCalendar talks to the Google Calendar API with a stored OAuth token.
type GoogleCalendar struct {
	service    *gcal.Service
	calendarID string
}

// NewGoogleCalendar builds a client from an OAuth token previously saved as
// JSON at tokenPath. calendarID may be empty for the primary calendar.
func NewGoogleCalendar(ctx context.Context, tokenPath, calendarID string) (*GoogleCalendar, error) {
	raw, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("reading calendar token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("parsing calendar token: %w", err)
	}

	svc, err := gcal.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(&token)))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}

	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleCalendar{service: svc, calendarID: calendarID}, nil
}

// InsertEvent creates the event and returns its ID.
func (g *GoogleCalendar) InsertEvent(ctx context.Context, ev model.ValidatedEvent) (string, error) {
	event := &gcal.Event{
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		Start: &gcal.EventDateTime{
			DateTime: ev.StartISO,
			TimeZone: ev.Timezone,
		},
		End: &gcal.EventDateTime{
			DateTime: ev.EndISO,
			TimeZone: ev.Timezone,
		},
	}

	created, err := g.service.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("inserting calendar event %q: %w", ev.Summary, err)
	}
	return created.Id, nil
}
