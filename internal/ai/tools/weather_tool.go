package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/floegence/aria-agent/internal/weather"
)

const weatherSchema = `{"type":"object","properties":{
"location":{"type":"string","description":"City name, or \"current\" for the user's location"}}}`

// RegisterWeatherTool installs get_weather. defaultLocation is used when neither the call nor the
// user context names a place.
func RegisterWeatherTool(r *Registry, p weather.Provider, defaultLocation string) error {
	if p == nil {
		return errors.New("nil weather provider")
	}
	def := Def{
		Name:        "get_weather",
		Description: "Get the current weather and a 5 day forecast for a location.",
		InputSchema: json.RawMessage(weatherSchema),
	}
	return r.Register(def, func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error) {
		var in struct {
			Location string `json:"location"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		loc := strings.TrimSpace(in.Location)
		if loc == "" || strings.EqualFold(loc, "current") {
			loc = ec.User.City()
		}
		if loc == "" {
			loc = strings.TrimSpace(defaultLocation)
		}
		return p.Lookup(ctx, weather.Query{Location: loc, Unit: weather.ParseUnit(ec.User.WeatherUnit())})
	})
}
