// Package calendar provides the calendar capability consumed by the assistant tools.
package calendar

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrAuthRequired reports a missing or rejected calendar credential.
	ErrAuthRequired = errors.New("calendar access requires authentication")
	ErrNotFound     = errors.New("calendar event not found")
)

// Credential identifies the caller to the calendar backend. Token is an OAuth access token.
type Credential struct {
	UserID string
	Token  string
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
}

type EventInput struct {
	Title       string
	Start       time.Time
	End         time.Time
	Description string
	Location    string
}

// EventPatch carries optional updates; nil fields are left unchanged.
type EventPatch struct {
	Title       *string
	Start       *time.Time
	End         *time.Time
	Description *string
	Location    *string
}

func (p EventPatch) Apply(ev Event) Event {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Start != nil {
		ev.Start = *p.Start
	}
	if p.End != nil {
		ev.End = *p.End
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	return ev
}

// Service is the CRUD surface the tools need. Implementations must be safe for concurrent use.
type Service interface {
	ListEvents(ctx context.Context, cred Credential, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, cred Credential, in EventInput) (Event, error)
	UpdateEvent(ctx context.Context, cred Credential, eventID string, patch EventPatch) (Event, error)
	DeleteEvent(ctx context.Context, cred Credential, eventID string) error
}

// ValidateRange checks that end is after start.
func ValidateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return errors.New("start and end are required")
	}
	if !end.After(start) {
		return errors.New("end must be after start")
	}
	return nil
}

// Overlaps reports whether ev intersects [start, end).
func Overlaps(ev Event, start, end time.Time) bool {
	return ev.Start.Before(end) && ev.End.After(start)
}
