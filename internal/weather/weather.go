// Package weather provides the weather lookup capability used by the get_weather tool.
package weather

import (
	"context"
	"errors"
	"strings"
)

var ErrLocationRequired = errors.New("location is required")

type Unit string

const (
	Celsius    Unit = "celsius"
	Fahrenheit Unit = "fahrenheit"
)

func ParseUnit(raw string) Unit {
	if strings.EqualFold(strings.TrimSpace(raw), string(Fahrenheit)) {
		return Fahrenheit
	}
	return Celsius
}

type Query struct {
	Location string
	Unit     Unit
}

type Forecast struct {
	Day       string `json:"day"`
	High      int    `json:"high"`
	Low       int    `json:"low"`
	Condition string `json:"condition"`
	Icon      string `json:"icon"`
}

type Report struct {
	Location    string     `json:"location"`
	Temperature int        `json:"temperature"`
	Unit        Unit       `json:"unit"`
	Condition   string     `json:"condition"`
	Icon        string     `json:"icon"`
	Humidity    int        `json:"humidity"`
	WindSpeed   int        `json:"windSpeed"`
	Forecast    []Forecast `json:"forecast"`
}

type Provider interface {
	Lookup(ctx context.Context, q Query) (Report, error)
}

var conditionIcons = map[string]string{
	"sunny":         "☀️",
	"clear":         "☀️",
	"partly cloudy": "⛅",
	"cloudy":        "☁️",
	"clouds":        "☁️",
	"rainy":         "🌧️",
	"rain":          "🌧️",
	"drizzle":       "🌦️",
	"thunderstorm":  "⛈️",
	"snow":          "❄️",
	"mist":          "🌫️",
	"fog":           "🌫️",
}

func iconFor(condition string) string {
	if icon, ok := conditionIcons[strings.ToLower(strings.TrimSpace(condition))]; ok {
		return icon
	}
	return "🌡️"
}

func celsiusTo(unit Unit, c float64) int {
	if unit == Fahrenheit {
		c = c*9/5 + 32
	}
	if c < 0 {
		return int(c - 0.5)
	}
	return int(c + 0.5)
}
