// Package event validates extracted calendar event candidates before they
// are allowed anywhere near a real calendar.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/parse"
)

// Validation limits. Candidates outside these bounds are rejected rather
// than clamped.
const (
	DefaultDurationMinutes = 60
	MaxDurationHours       = 8
	MaxPastDays            = 7
	MaxFutureDays          = 365
)

// Rejection reasons returned by Validate.
const (
	ReasonEmptySummary        = "empty-summary"
	ReasonUnparseableStart    = "unparseable-start"
	ReasonUnparseableEnd      = "unparseable-end"
	ReasonEndBeforeStart      = "end-before-start"
	ReasonDurationOutOfBounds = "duration-out-of-bounds"
	ReasonTooFarInPast        = "too-far-in-past"
	ReasonTooFarInFuture      = "too-far-in-future"
)

// RejectionError reports why a candidate was rejected.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return "event rejected: " + e.Reason
	}
	return fmt.Sprintf("event rejected: %s (%s)", e.Reason, e.Detail)
}

func reject(reason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// Validator checks event candidates against a time window anchored at now.
type Validator struct {
	// Location resolves candidates with no usable timezone of their own.
	Location *time.Location

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewValidator(loc *time.Location) *Validator {
	if loc == nil {
		loc = time.Local
	}
	return &Validator{Location: loc, Now: time.Now}
}

// Validate turns a candidate into a ValidatedEvent, or returns a
// RejectionError naming why the candidate cannot be trusted. contextText is
// the message body the candidate came from; it supplies a meeting link as a
// location fallback and evidence links for the description.
func (v *Validator) Validate(c model.EventCandidate, contextText string) (*model.ValidatedEvent, error) {
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		return nil, reject(ReasonEmptySummary, "")
	}

	loc := v.resolveLocation(c.Timezone)

	start, err := parseWhen(c.Start, loc)
	if err != nil {
		return nil, reject(ReasonUnparseableStart, c.Start)
	}

	var end time.Time
	if strings.TrimSpace(c.End) != "" {
		end, err = parseWhen(c.End, loc)
		if err != nil {
			return nil, reject(ReasonUnparseableEnd, c.End)
		}
	} else {
		minutes := c.DurationMinutes
		if minutes <= 0 {
			minutes = DefaultDurationMinutes
		}
		end = start.Add(time.Duration(minutes) * time.Minute)
	}

	if !end.After(start) {
		return nil, reject(ReasonEndBeforeStart, "")
	}
	if end.Sub(start) > MaxDurationHours*time.Hour {
		return nil, reject(ReasonDurationOutOfBounds, end.Sub(start).String())
	}

	now := v.Now().In(loc)
	if start.Before(now.AddDate(0, 0, -MaxPastDays)) {
		return nil, reject(ReasonTooFarInPast, start.Format(time.RFC3339))
	}
	if start.After(now.AddDate(0, 0, MaxFutureDays)) {
		return nil, reject(ReasonTooFarInFuture, start.Format(time.RFC3339))
	}

	location := strings.TrimSpace(c.Location)
	if location == "" && contextText != "" {
		location = parse.FirstMeetingLink(contextText)
	}

	description := strings.TrimSpace(strings.Join(c.Evidence, "\n"))
	if contextText != "" {
		if links := parse.MeetingLinks(contextText); len(links) > 0 {
			if description != "" {
				description += "\n\n"
			}
			description += "Links:\n" + strings.Join(links, "\n")
		}
	}

	return &model.ValidatedEvent{
		Summary:     summary,
		StartISO:    start.Format(time.RFC3339),
		EndISO:      end.Format(time.RFC3339),
		Timezone:    loc.String(),
		Location:    location,
		Description: description,
	}, nil
}

// resolveLocation loads the candidate's timezone hint, falling back to the
// validator's configured location when the hint is absent or unknown.
func (v *Validator) resolveLocation(hint string) *time.Location {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return v.Location
	}
	loc, err := time.LoadLocation(hint)
	if err != nil {
		return v.Location
	}
	return loc
}

// parseWhen accepts RFC 3339 timestamps as well as the looser date formats
// language models emit. Naive timestamps are interpreted in loc.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return dateparse.ParseIn(s, loc)
}
