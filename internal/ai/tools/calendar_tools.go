package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/aria-agent/internal/calendar"
)

type rangeArgs struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type createEventArgs struct {
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type updateEventArgs struct {
	EventID     string  `json:"eventId"`
	Title       *string `json:"title"`
	Start       *string `json:"start"`
	End         *string `json:"end"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
}

type deleteEventArgs struct {
	EventID string `json:"eventId"`
}

type dateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RegisterCalendarTools installs the calendar CRUD and availability tools backed by svc.
func RegisterCalendarTools(r *Registry, svc calendar.Service) error {
	if svc == nil {
		return errors.New("nil calendar service")
	}
	h := calendarTools{svc: svc}
	for _, t := range []struct {
		def     Def
		handler Handler
	}{
		{calendarDef("get_calendar_events", "Get existing events from the user's calendar for a specific time period.", rangeSchema), h.getEvents},
		{calendarDef("create_calendar_event", "Create a new event in the user's calendar.", createSchema), h.createEvent},
		{calendarDef("update_calendar_event", "Update an existing calendar event. Only the provided fields change.", updateSchema), h.updateEvent},
		{calendarDef("delete_calendar_event", "Delete an event from the user's calendar.", deleteSchema), h.deleteEvent},
		{calendarDef("check_calendar_availability", "Check whether the user is free during a time slot.", rangeSchema), h.checkAvailability},
	} {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func calendarDef(name, desc, schema string) Def {
	return Def{Name: name, Description: desc, InputSchema: json.RawMessage(schema)}
}

const (
	rangeSchema = `{"type":"object","properties":{
"start":{"type":"string","description":"Start time (ISO 8601)"},
"end":{"type":"string","description":"End time (ISO 8601)"}},
"required":["start","end"]}`
	createSchema = `{"type":"object","properties":{
"title":{"type":"string","description":"Event title"},
"start":{"type":"string","description":"Start time (ISO 8601)"},
"end":{"type":"string","description":"End time (ISO 8601)"},
"description":{"type":"string","description":"Event description"},
"location":{"type":"string","description":"Event location"}},
"required":["title","start","end"]}`
	updateSchema = `{"type":"object","properties":{
"eventId":{"type":"string","description":"ID of the event to update"},
"title":{"type":"string"},
"start":{"type":"string","description":"Start time (ISO 8601)"},
"end":{"type":"string","description":"End time (ISO 8601)"},
"description":{"type":"string"},
"location":{"type":"string"}},
"required":["eventId"]}`
	deleteSchema = `{"type":"object","properties":{
"eventId":{"type":"string","description":"ID of the event to delete"}},
"required":["eventId"]}`
)

type calendarTools struct {
	svc calendar.Service
}

func credentialFor(ec ExecutionContext) calendar.Credential {
	return calendar.Credential{UserID: ec.Meta.UserID, Token: ec.Meta.CalendarToken}
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// parseTime accepts RFC 3339 and the zone-less forms models tend to emit; zone-less values are
// interpreted in the user's timezone.
func parseTime(field, raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", ErrInvalidArguments, field)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s must be an ISO 8601 timestamp", ErrInvalidArguments, field)
}

func (c calendarTools) parseRange(args json.RawMessage, ec ExecutionContext) (time.Time, time.Time, error) {
	var in rangeArgs
	if err := decodeArgs(args, &in); err != nil {
		return time.Time{}, time.Time{}, err
	}
	loc := ec.User.TimeLocation()
	start, err := parseTime("start", in.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime("end", in.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end must be after start", ErrInvalidArguments)
	}
	return start, end, nil
}

func mapCalendarErr(err error) error {
	if !errors.Is(err, calendar.ErrAuthRequired) {
		return err
	}
	msg := "Calendar access requires authentication"
	if detail := strings.TrimPrefix(err.Error(), calendar.ErrAuthRequired.Error()); strings.TrimSpace(detail) != "" {
		msg += detail
	}
	return &AuthError{Msg: msg}
}

func (c calendarTools) getEvents(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
	start, end, err := c.parseRange(args, ec)
	if err != nil {
		return nil, err
	}
	cred := credentialFor(ec)
	events, err := c.svc.ListEvents(ctx, cred, start, end)
	if err != nil {
		return nil, mapCalendarErr(err)
	}
	return map[string]any{
		"events":      events,
		"totalEvents": len(events),
		"dateRange":   dateRange{Start: start, End: end},
	}, nil
}

func (c calendarTools) createEvent(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
	var in createEventArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArguments)
	}
	loc := ec.User.TimeLocation()
	start, err := parseTime("start", in.Start, loc)
	if err != nil {
		return nil, err
	}
	end, err := parseTime("end", in.End, loc)
	if err != nil {
		return nil, err
	}
	cred := credentialFor(ec)
	ev, err := c.svc.CreateEvent(ctx, cred, calendar.EventInput{
		Title:       in.Title,
		Start:       start,
		End:         end,
		Description: in.Description,
		Location:    in.Location,
	})
	if err != nil {
		return nil, mapCalendarErr(err)
	}
	return ev, nil
}

func (c calendarTools) updateEvent(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
	var in updateEventArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.EventID) == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidArguments)
	}
	loc := ec.User.TimeLocation()
	patch := calendar.EventPatch{Title: in.Title, Description: in.Description, Location: in.Location}
	if in.Start != nil {
		t, err := parseTime("start", *in.Start, loc)
		if err != nil {
			return nil, err
		}
		patch.Start = &t
	}
	if in.End != nil {
		t, err := parseTime("end", *in.End, loc)
		if err != nil {
			return nil, err
		}
		patch.End = &t
	}
	cred := credentialFor(ec)
	ev, err := c.svc.UpdateEvent(ctx, cred, in.EventID, patch)
	if err != nil {
		return nil, mapCalendarErr(err)
	}
	return ev, nil
}

func (c calendarTools) deleteEvent(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
	var in deleteEventArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.EventID) == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidArguments)
	}
	cred := credentialFor(ec)
	if err := c.svc.DeleteEvent(ctx, cred, in.EventID); err != nil {
		return nil, mapCalendarErr(err)
	}
	return map[string]any{"deleted": true, "eventId": in.EventID}, nil
}

// checkAvailability reports a credential failure as an error rather than as a busy slot; the
// model must not tell the user they are unavailable when the calendar could not be read.
func (c calendarTools) checkAvailability(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
	start, end, err := c.parseRange(args, ec)
	if err != nil {
		return nil, err
	}
	cred := credentialFor(ec)
	events, err := c.svc.ListEvents(ctx, cred, start, end)
	if err != nil {
		return nil, mapCalendarErr(err)
	}
	conflicts := make([]calendar.Event, 0, len(events))
	for _, ev := range events {
		if calendar.Overlaps(ev, start, end) {
			conflicts = append(conflicts, ev)
		}
	}
	return map[string]any{
		"available":         len(conflicts) == 0,
		"conflictingEvents": conflicts,
		"timeSlot":          dateRange{Start: start, End: end},
	}, nil
}
