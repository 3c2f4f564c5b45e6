package appmon

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	MinZoneOffsetMinutes = -720
	MaxZoneOffsetMinutes = 840
)

// ChartQuery selects one event series at one granularity
type ChartQuery struct {
	Key         Key
	Granularity Granularity
	Since       time.Time
	// ZoneOffsetMinutes is the caller's UTC offset. Month and year buckets
	// start at local midnight under this offset.
	ZoneOffsetMinutes int
}

// Validate checks the query parameters
func (q ChartQuery) Validate() error {
	if q.Key.Instance == "" || q.Key.Event == "" {
		return fmt.Errorf("%w: instance and event are required", ErrInvalidQuery)
	}
	if q.ZoneOffsetMinutes < MinZoneOffsetMinutes || q.ZoneOffsetMinutes > MaxZoneOffsetMinutes {
		return fmt.Errorf("%w: zone offset %d out of range [%d, %d]",
			ErrInvalidQuery, q.ZoneOffsetMinutes, MinZoneOffsetMinutes, MaxZoneOffsetMinutes)
	}
	if q.Granularity < Raw || q.Granularity > Year {
		return fmt.Errorf("%w: unknown granularity %s", ErrInvalidQuery, q.Granularity)
	}
	return nil
}

// Chart answers a chart query. Raw, hour and day series are read as stored;
// month and year series are folded from day rows in the caller's zone.
func Chart(ctx context.Context, store Store, q ChartQuery) ([]Point, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Granularity.Stored() {
		return store.Rows(ctx, q.Key, q.Granularity, q.Since)
	}
	days, err := store.Rows(ctx, q.Key, Day, q.Since)
	if err != nil {
		return nil, err
	}
	return foldDays(days, q.Granularity, q.ZoneOffsetMinutes), nil
}

// foldDays sums day rows into local month or year buckets. Each bucket is
// reported at the UTC instant of its local start.
func foldDays(days []Point, g Granularity, offsetMinutes int) []Point {
	zone := time.FixedZone(zoneName(offsetMinutes), offsetMinutes*60)
	sums := make(map[time.Time]Point)
	for _, d := range days {
		local := d.Time.In(zone)
		month := local.Month()
		if g == Year {
			month = time.January
		}
		start := time.Date(local.Year(), month, 1, 0, 0, 0, 0, zone).UTC()
		p := sums[start]
		p.Time = start
		p.Value += d.Value
		p.Errors += d.Errors
		sums[start] = p
	}

	points := make([]Point, 0, len(sums))
	for _, p := range sums {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points
}

func zoneName(offsetMinutes int) string {
	sign := '+'
	if offsetMinutes < 0 {
		sign = '-'
		offsetMinutes = -offsetMinutes
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, offsetMinutes/60, offsetMinutes%60)
}
