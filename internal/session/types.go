package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Meta identifies the caller of a chat request.
//
// CalendarToken is the caller's calendar OAuth access token. It is never persisted or logged.
type Meta struct {
	UserID        string `json:"user_id"`
	CalendarToken string `json:"-"`
}

const (
	HeaderUserID        = "X-Aria-User"
	HeaderCalendarToken = "X-Calendar-Token"
)

// FromRequest reads the caller identity from request headers. A bearer Authorization header is
// accepted as the calendar token when X-Calendar-Token is absent.
func FromRequest(r *http.Request) Meta {
	if r == nil {
		return Meta{}
	}
	m := Meta{
		UserID:        strings.TrimSpace(r.Header.Get(HeaderUserID)),
		CalendarToken: strings.TrimSpace(r.Header.Get(HeaderCalendarToken)),
	}
	if m.CalendarToken == "" {
		if v := strings.TrimSpace(r.Header.Get("Authorization")); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			m.CalendarToken = strings.TrimSpace(v[7:])
		}
	}
	return m
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Location struct {
	City        string       `json:"city,omitempty"`
	Country     string       `json:"country,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Preferences struct {
	WeatherUnit string `json:"weatherUnit,omitempty"`
	TimeFormat  string `json:"timeFormat,omitempty"`
}

// UserContext is the ambient context a client sends along with a user turn.
type UserContext struct {
	Location    *Location    `json:"location,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

func (u *UserContext) City() string {
	if u == nil || u.Location == nil {
		return ""
	}
	city := strings.TrimSpace(u.Location.City)
	if city == "" {
		return ""
	}
	if c := strings.TrimSpace(u.Location.Country); c != "" {
		return city + ", " + c
	}
	return city
}

func (u *UserContext) WeatherUnit() string {
	if u == nil || u.Preferences == nil {
		return ""
	}
	return strings.TrimSpace(u.Preferences.WeatherUnit)
}

// TimeLocation resolves the user's timezone, falling back to UTC.
func (u *UserContext) TimeLocation() *time.Location {
	if u == nil || strings.TrimSpace(u.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(u.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// ContextSuffix renders the bracketed context block appended to outgoing user messages so the
// model can resolve relative dates like "today at 6 PM".
func (u *UserContext) ContextSuffix(now time.Time) string {
	if u == nil {
		return ""
	}
	local := now.In(u.TimeLocation())
	parts := make([]string, 0, 5)
	if city := u.City(); city != "" {
		parts = append(parts, "User location: "+city)
	}
	if tz := strings.TrimSpace(u.Timezone); tz != "" {
		parts = append(parts, "User timezone: "+tz)
	}
	layout := "Monday, January 2, 2006 3:04 PM"
	if u.Preferences != nil && u.Preferences.TimeFormat == "24h" {
		layout = "Monday, January 2, 2006 15:04"
	}
	parts = append(parts,
		"Current time: "+local.Format(layout),
		"ISO time: "+local.Format(time.RFC3339),
		"24h time: "+local.Format("15:04"),
	)
	return fmt.Sprintf("\n\n[CURRENT CONTEXT: %s]", strings.Join(parts, "; "))
}
