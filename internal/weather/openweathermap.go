package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultOWMBaseURL = "https://api.openweathermap.org/data/2.5"

// OpenWeatherMap queries the OpenWeatherMap current weather and 5 day forecast endpoints.
type OpenWeatherMap struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (o *OpenWeatherMap) Lookup(ctx context.Context, q Query) (Report, error) {
	loc := strings.TrimSpace(q.Location)
	if loc == "" {
		return Report{}, ErrLocationRequired
	}
	if strings.TrimSpace(o.APIKey) == "" {
		return Report{}, errors.New("weather api key is not configured")
	}
	unit := q.Unit
	if unit == "" {
		unit = Celsius
	}

	current, err := o.get(ctx, "weather", loc)
	if err != nil {
		return Report{}, err
	}
	cond := current.Get("weather.0.main").String()
	out := Report{
		Location:    firstNonEmpty(current.Get("name").String(), loc),
		Temperature: celsiusTo(unit, current.Get("main.temp").Float()),
		Unit:        unit,
		Condition:   cond,
		Icon:        iconFor(cond),
		Humidity:    int(current.Get("main.humidity").Int()),
		WindSpeed:   int(current.Get("wind.speed").Float() + 0.5),
	}

	forecast, err := o.get(ctx, "forecast", loc)
	if err != nil {
		// Current conditions are still useful on their own.
		return out, nil
	}
	out.Forecast = dailyForecast(forecast, unit)
	return out, nil
}

func (o *OpenWeatherMap) get(ctx context.Context, endpoint string, location string) (gjson.Result, error) {
	base := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if base == "" {
		base = defaultOWMBaseURL
	}
	vals := url.Values{}
	vals.Set("q", location)
	vals.Set("units", "metric")
	vals.Set("appid", strings.TrimSpace(o.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+endpoint+"?"+vals.Encode(), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = resp.Status
		}
		return gjson.Result{}, fmt.Errorf("weather lookup failed: %s", msg)
	}
	return gjson.ParseBytes(body), nil
}

// dailyForecast folds 3-hour forecast slots into per-day highs and lows.
func dailyForecast(res gjson.Result, unit Unit) []Forecast {
	type day struct {
		label     string
		high, low float64
		condition string
	}
	days := make([]*day, 0, 6)
	byKey := map[string]*day{}
	res.Get("list").ForEach(func(_, slot gjson.Result) bool {
		ts := time.Unix(slot.Get("dt").Int(), 0).UTC()
		key := ts.Format("2006-01-02")
		temp := slot.Get("main.temp").Float()
		d, ok := byKey[key]
		if !ok {
			d = &day{label: ts.Format("Mon"), high: temp, low: temp, condition: slot.Get("weather.0.main").String()}
			byKey[key] = d
			days = append(days, d)
		}
		if temp > d.high {
			d.high = temp
		}
		if temp < d.low {
			d.low = temp
		}
		return true
	})
	out := make([]Forecast, 0, 5)
	for _, d := range days {
		if len(out) == 5 {
			break
		}
		out = append(out, Forecast{
			Day:       d.label,
			High:      celsiusTo(unit, d.high),
			Low:       celsiusTo(unit, d.low),
			Condition: d.condition,
			Icon:      iconFor(d.condition),
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
