package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Google talks to Google Calendar with the caller's OAuth access token.
type Google struct {
	calendarID string
	maxResults int64
	endpoint   string
	httpClient *http.Client
}

type GoogleOptions struct {
	CalendarID string
	MaxResults int
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient is used as the base transport below the OAuth layer.
	HTTPClient *http.Client
}

func NewGoogle(opts GoogleOptions) *Google {
	id := strings.TrimSpace(opts.CalendarID)
	if id == "" {
		id = "primary"
	}
	max := int64(opts.MaxResults)
	if max <= 0 {
		max = 50
	}
	return &Google{
		calendarID: id,
		maxResults: max,
		endpoint:   strings.TrimSpace(opts.Endpoint),
		httpClient: opts.HTTPClient,
	}
}

func (g *Google) service(ctx context.Context, cred Credential) (*gcal.Service, error) {
	if cred.Empty() {
		return nil, ErrAuthRequired
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cred.Token), TokenType: "Bearer"})
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return gcal.NewService(ctx, opts...)
}

func (g *Google) ListEvents(ctx context.Context, cred Credential, start, end time.Time) ([]Event, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	res, err := svc.Events.List(g.calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(g.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapGoogleError(err)
	}
	out := make([]Event, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil || item.Status == "cancelled" {
			continue
		}
		out = append(out, fromGoogleEvent(item))
	}
	return out, nil
}

func (g *Google) CreateEvent(ctx context.Context, cred Credential, in EventInput) (Event, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Event{}, errors.New("title is required")
	}
	if err := ValidateRange(in.Start, in.End); err != nil {
		return Event{}, err
	}
	svc, err := g.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	created, err := svc.Events.Insert(g.calendarID, &gcal.Event{
		Summary:     strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Location:    strings.TrimSpace(in.Location),
		Start:       &gcal.EventDateTime{DateTime: in.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: in.End.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return Event{}, mapGoogleError(err)
	}
	return fromGoogleEvent(created), nil
}

func (g *Google) UpdateEvent(ctx context.Context, cred Credential, eventID string, patch EventPatch) (Event, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Event{}, errors.New("eventId is required")
	}
	svc, err := g.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	body := &gcal.Event{}
	if patch.Title != nil {
		body.Summary = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		body.Description = *patch.Description
		if body.Description == "" {
			body.NullFields = append(body.NullFields, "Description")
		}
	}
	if patch.Location != nil {
		body.Location = *patch.Location
		if body.Location == "" {
			body.NullFields = append(body.NullFields, "Location")
		}
	}
	if patch.Start != nil {
		body.Start = &gcal.EventDateTime{DateTime: patch.Start.Format(time.RFC3339)}
	}
	if patch.End != nil {
		body.End = &gcal.EventDateTime{DateTime: patch.End.Format(time.RFC3339)}
	}
	updated, err := svc.Events.Patch(g.calendarID, eventID, body).Context(ctx).Do()
	if err != nil {
		return Event{}, mapGoogleError(err)
	}
	return fromGoogleEvent(updated), nil
}

func (g *Google) DeleteEvent(ctx context.Context, cred Credential, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return errors.New("eventId is required")
	}
	svc, err := g.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapGoogleError(err)
	}
	return nil
}

func mapGoogleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthRequired, strings.TrimSpace(gerr.Message))
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	default:
		return err
	}
}

func fromGoogleEvent(item *gcal.Event) Event {
	if item == nil {
		return Event{}
	}
	return Event{
		ID:          item.Id,
		Title:       item.Summary,
		Start:       parseGoogleTime(item.Start),
		End:         parseGoogleTime(item.End),
		Description: item.Description,
		Location:    item.Location,
		HTMLLink:    item.HtmlLink,
	}
}

func parseGoogleTime(dt *gcal.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t
		}
	}
	// All-day events only carry a date.
	if dt.Date != "" {
		if t, err := time.Parse("2006-01-02", dt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
