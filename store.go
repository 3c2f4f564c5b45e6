package appmon

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key identifies one event series in the store
type Key struct {
	Domain   string
	Instance string
	Event    string
}

func (k Key) String() string {
	return k.Domain + ":" + k.Instance + ":" + k.Event
}

// Granularity selects the bucket size of a chart series
type Granularity int

const (
	Raw Granularity = iota
	Hour
	Day
	Month
	Year
)

func (g Granularity) String() string {
	switch g {
	case Raw:
		return "raw"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// Stored reports whether rows of this granularity exist physically
func (g Granularity) Stored() bool {
	return g == Raw || g == Hour || g == Day
}

// ParseGranularity maps a name to a Granularity. Empty means raw.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return Raw, nil
	case "hour", "hourly":
		return Hour, nil
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	case "year", "yearly":
		return Year, nil
	}
	return 0, fmt.Errorf("%w: unknown granularity %q", ErrInvalidQuery, s)
}

// Point is one element of a chart series. Value counts occurrences and
// Errors counts the failed ones in the same bucket.
type Point struct {
	Time   time.Time `json:"time"`
	Value  uint64    `json:"value"`
	Errors uint64    `json:"errors"`
}

// FlushRecord is the outcome of draining one counter at At
type FlushRecord struct {
	At     time.Time
	Total  uint64
	Delta  uint64
	Errors uint64
}

// Store persists event counts in time buckets.
//
// Apply replaces the last total and merges Delta and Errors additively into
// the raw, hourly and daily buckets containing At, all or nothing. Writes for
// the same Key are serialised by the store; writes for distinct keys proceed
// concurrently. Write failures wrap ErrStoreWrite.
type Store interface {
	GetLast(ctx context.Context, key Key) (total uint64, ok bool, err error)
	Apply(ctx context.Context, key Key, rec FlushRecord) error
	// Rows returns stored rows of a stored granularity at or after since,
	// ascending by bucket start.
	Rows(ctx context.Context, key Key, g Granularity, since time.Time) ([]Point, error)
}

// rawBucket truncates a flush instant to the minute in UTC
func rawBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// hourBucket returns the UTC hour containing t
func hourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// dayBucket returns the UTC midnight starting the day of t
func dayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// bucketOf truncates t to a stored granularity
func bucketOf(g Granularity, t time.Time) time.Time {
	switch g {
	case Hour:
		return hourBucket(t)
	case Day:
		return dayBucket(t)
	default:
		return rawBucket(t)
	}
}
