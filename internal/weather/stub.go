package weather

import (
	"context"
	"hash/fnv"
	"strings"
	"time"
)

var stubConditions = []string{"Sunny", "Partly Cloudy", "Cloudy", "Rainy", "Drizzle"}

// Stub produces plausible weather without a network call. Output is stable for a given
// location and calendar day.
type Stub struct {
	Now func() time.Time
}

func (s Stub) Lookup(ctx context.Context, q Query) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	loc := strings.TrimSpace(q.Location)
	if loc == "" {
		return Report{}, ErrLocationRequired
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	unit := q.Unit
	if unit == "" {
		unit = Celsius
	}

	seed := stubSeed(loc, now)
	next := func(n uint32) int {
		seed = seed*1664525 + 1013904223
		return int((seed >> 8) % n)
	}

	baseC := float64(8 + next(20))
	cond := stubConditions[next(uint32(len(stubConditions)))]
	out := Report{
		Location:    loc,
		Temperature: celsiusTo(unit, baseC),
		Unit:        unit,
		Condition:   cond,
		Icon:        iconFor(cond),
		Humidity:    30 + next(60),
		WindSpeed:   2 + next(25),
	}
	for i := 1; i <= 5; i++ {
		high := baseC + float64(next(7)) - 2
		low := high - float64(4+next(6))
		c := stubConditions[next(uint32(len(stubConditions)))]
		out.Forecast = append(out.Forecast, Forecast{
			Day:       now.AddDate(0, 0, i).Format("Mon"),
			High:      celsiusTo(unit, high),
			Low:       celsiusTo(unit, low),
			Condition: c,
			Icon:      iconFor(c),
		})
	}
	return out, nil
}

func stubSeed(location string, now time.Time) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(location)))
	_, _ = h.Write([]byte(now.Format("2006-01-02")))
	return h.Sum32()
}
