package appmon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Each key owns its own lock so
// merges for one key serialise while distinct keys never contend.
type MemoryStore struct {
	series sync.Map // Key -> *memorySeries
}

type memorySeries struct {
	mutex   sync.Mutex
	last    uint64
	lastAt  time.Time
	hasLast bool
	buckets map[Granularity]map[time.Time]Point
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) get(key Key) *memorySeries {
	if v, ok := s.series.Load(key); ok {
		return v.(*memorySeries)
	}
	v, _ := s.series.LoadOrStore(key, &memorySeries{
		buckets: map[Granularity]map[time.Time]Point{
			Raw:  {},
			Hour: {},
			Day:  {},
		},
	})
	return v.(*memorySeries)
}

// GetLast implements Store interface
func (s *MemoryStore) GetLast(ctx context.Context, key Key) (uint64, bool, error) {
	v, ok := s.series.Load(key)
	if !ok {
		return 0, false, nil
	}
	ser := v.(*memorySeries)
	ser.mutex.Lock()
	defer ser.mutex.Unlock()
	return ser.last, ser.hasLast, nil
}

// Apply implements Store interface. The whole record is applied under the
// series lock.
func (s *MemoryStore) Apply(ctx context.Context, key Key, rec FlushRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	ser := s.get(key)
	ser.mutex.Lock()
	defer ser.mutex.Unlock()

	ser.last = rec.Total
	ser.lastAt = rec.At.UTC()
	ser.hasLast = true
	for _, g := range []Granularity{Raw, Hour, Day} {
		bucket := bucketOf(g, rec.At)
		p := ser.buckets[g][bucket]
		p.Time = bucket
		p.Value += rec.Delta
		p.Errors += rec.Errors
		ser.buckets[g][bucket] = p
	}
	return nil
}

// Rows implements Store interface
func (s *MemoryStore) Rows(ctx context.Context, key Key, g Granularity, since time.Time) ([]Point, error) {
	if !g.Stored() {
		return nil, fmt.Errorf("%w: %s rows are not stored", ErrInvalidQuery, g)
	}
	v, ok := s.series.Load(key)
	if !ok {
		return nil, nil
	}
	ser := v.(*memorySeries)
	ser.mutex.Lock()
	points := make([]Point, 0, len(ser.buckets[g]))
	for t, p := range ser.buckets[g] {
		if !t.Before(since) {
			points = append(points, p)
		}
	}
	ser.mutex.Unlock()

	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

var _ Store = (*MemoryStore)(nil)
