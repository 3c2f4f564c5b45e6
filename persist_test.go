package appmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// failingStore fails every write
type failingStore struct {
	*MemoryStore
}

func (failingStore) Apply(ctx context.Context, key Key, rec FlushRecord) error {
	return errors.Join(ErrStoreWrite, errors.New("connection refused"))
}

// clock is a settable time source
type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func TestPersistIdleFlushWritesNothing(t *testing.T) {
	store := NewMemoryStore()
	counters := NewCounterSet("d")
	counters.Counter("serverA", "activity")
	p := NewCounterPersist(store, counters, PersistOptions{})

	n, err := p.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no counter written, got %d", n)
	}
	key := Key{Domain: "d", Instance: "serverA", Event: "activity"}
	if _, ok, _ := store.GetLast(context.Background(), key); ok {
		t.Fatalf("expected no last row after idle flush")
	}
	rows, _ := store.Rows(context.Background(), key, Hour, time.Time{})
	if len(rows) != 0 {
		t.Fatalf("expected no hourly rows, got %v", rows)
	}
}

func TestPersistHourlyDeltasRollUpToDay(t *testing.T) {
	store := NewMemoryStore()
	counters := NewCounterSet("d")
	c := counters.Counter("serverA", "activity")
	clk := &clock{}
	p := NewCounterPersist(store, counters, PersistOptions{Now: clk.Now})
	ctx := context.Background()

	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for hour, delta := range []int{5, 0, 3} {
		for i := 0; i < delta; i++ {
			c.Count()
		}
		clk.t = day.Add(time.Duration(hour)*time.Hour + 30*time.Minute)
		if _, err := p.Flush(ctx); err != nil {
			t.Fatalf("flush hour %d: %v", hour, err)
		}
	}

	key := c.Key()
	hourly, err := Chart(ctx, store, ChartQuery{Key: key, Granularity: Hour, Since: day})
	if err != nil {
		t.Fatalf("hour chart: %v", err)
	}
	wantHourly := []Point{
		{Time: day, Value: 5},
		{Time: day.Add(2 * time.Hour), Value: 3},
	}
	if diff := cmp.Diff(wantHourly, hourly); diff != "" {
		t.Fatalf("hourly rows mismatch (-want +got):\n%s", diff)
	}

	daily, err := Chart(ctx, store, ChartQuery{Key: key, Granularity: Day, Since: day})
	if err != nil {
		t.Fatalf("day chart: %v", err)
	}
	if diff := cmp.Diff([]Point{{Time: day, Value: 8}}, daily); diff != "" {
		t.Fatalf("daily rows mismatch (-want +got):\n%s", diff)
	}

	total, ok, err := store.GetLast(ctx, key)
	if err != nil || !ok || total != 8 {
		t.Fatalf("expected last total 8, got %d (ok=%v, err=%v)", total, ok, err)
	}
}

func TestPersistStoreFailureLosesDelta(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	reg := prometheus.NewRegistry()
	metrics, err := NewSelfMetrics("test", reg)
	if err != nil {
		t.Fatalf("self metrics: %v", err)
	}
	counters := NewCounterSet("d")
	c := counters.Counter("serverA", "activity")
	store := failingStore{NewMemoryStore()}
	p := NewCounterPersist(store, counters, PersistOptions{
		Logger:  zap.New(core),
		Metrics: metrics,
	})

	for i := 0; i < 4; i++ {
		c.Count()
	}
	if _, err := p.Flush(context.Background()); !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("expected ErrStoreWrite, got %v", err)
	}
	key := c.Key()
	if _, ok, _ := store.GetLast(context.Background(), key); ok {
		t.Fatalf("expected no last row after a failed flush")
	}
	for _, g := range []Granularity{Raw, Hour, Day} {
		if rows, _ := store.Rows(context.Background(), key, g, time.Time{}); len(rows) != 0 {
			t.Fatalf("expected no %s rows after a failed flush, got %v", g, rows)
		}
	}
	if got := c.Pending(); got != 0 {
		t.Fatalf("expected lost delta not to be re-queued, pending %d", got)
	}

	entries := logs.FilterMessage("Failed to persist event count, delta lost").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if lost := entries[0].ContextMap()["lost"]; lost != uint64(4) {
		t.Fatalf("expected lost=4 in log, got %v", lost)
	}
	if got := testutil.ToFloat64(metrics.lost.WithLabelValues("serverA", "activity")); got != 4 {
		t.Fatalf("expected 4 lost events in metrics, got %v", got)
	}

	if n, err := p.Flush(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected next idle flush to be clean, got %d, %v", n, err)
	}
}

func TestPersistInitializeRestoresTotals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{Domain: "d", Instance: "serverA", Event: "activity"}
	if err := store.Apply(ctx, key, FlushRecord{At: time.Now(), Total: 40, Delta: 40}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	counters := NewCounterSet("d")
	c := counters.Counter("serverA", "activity")
	p := NewCounterPersist(store, counters, PersistOptions{})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := c.Total(); got != 40 {
		t.Fatalf("expected restored total 40, got %d", got)
	}

	c.Count()
	c.Count()
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	total, _, _ := store.GetLast(ctx, key)
	if total != 42 {
		t.Fatalf("expected persisted total 42, got %d", total)
	}
}

func TestPersistStopFlushesRemainder(t *testing.T) {
	store := NewMemoryStore()
	counters := NewCounterSet("d")
	p := NewCounterPersist(store, counters, PersistOptions{Interval: time.Hour})
	p.Start()

	counters.Count("serverA", "activity")
	p.Stop()

	total, ok, err := store.GetLast(context.Background(), Key{Domain: "d", Instance: "serverA", Event: "activity"})
	if err != nil || !ok || total != 1 {
		t.Fatalf("expected final flush to persist 1, got %d (ok=%v, err=%v)", total, ok, err)
	}
}

func TestPersistWritesErrorTallies(t *testing.T) {
	store := NewMemoryStore()
	counters := NewCounterSet("d")
	c := counters.Counter("serverA", "activity")
	at := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	p := NewCounterPersist(store, counters, PersistOptions{Now: func() time.Time { return at }})
	ctx := context.Background()

	c.Count()
	c.Count()
	c.Count()
	c.Error()
	if n, err := p.Flush(ctx); err != nil || n != 1 {
		t.Fatalf("expected one counter written, got %d, %v", n, err)
	}
	// an interval with errors only is still written
	c.Error()
	if n, err := p.Flush(ctx); err != nil || n != 1 {
		t.Fatalf("expected error-only interval to be written, got %d, %v", n, err)
	}

	hourly, err := store.Rows(ctx, c.Key(), Hour, time.Time{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	want := []Point{{Time: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), Value: 3, Errors: 2}}
	if diff := cmp.Diff(want, hourly); diff != "" {
		t.Fatalf("hourly rows mismatch (-want +got):\n%s", diff)
	}
	if total, _, _ := store.GetLast(ctx, c.Key()); total != 3 {
		t.Fatalf("expected last total 3, got %d", total)
	}
}

func TestMemoryStoreSerialisesSameKeyMerges(t *testing.T) {
	const (
		keys    = 4
		writers = 8
		perKey  = 500
	)
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		key := Key{Domain: "d", Instance: "serverA", Event: fmt.Sprintf("event%d", k)}
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perKey; i++ {
					if err := store.Apply(ctx, key, FlushRecord{At: at, Total: uint64(i), Delta: 1, Errors: 1}); err != nil {
						t.Errorf("apply %s: %v", key, err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		key := Key{Domain: "d", Instance: "serverA", Event: fmt.Sprintf("event%d", k)}
		for _, g := range []Granularity{Raw, Hour, Day} {
			rows, err := store.Rows(ctx, key, g, time.Time{})
			if err != nil {
				t.Fatalf("rows: %v", err)
			}
			if len(rows) != 1 || rows[0].Value != writers*perKey || rows[0].Errors != writers*perKey {
				t.Fatalf("%s %s: expected one bucket with %d, got %v", key, g, writers*perKey, rows)
			}
		}
	}
}

func TestPersistConcurrentCountAndFlushConserveTotals(t *testing.T) {
	const (
		workers = 8
		perWork = 2000
	)
	store := NewMemoryStore()
	counters := NewCounterSet("d")
	at := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	p := NewCounterPersist(store, counters, PersistOptions{
		Concurrency: 2,
		Now:         func() time.Time { return at },
	})
	ctx := context.Background()

	var counting sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		counting.Add(1)
		go func() {
			defer counting.Done()
			event := fmt.Sprintf("event%d", w%2)
			for i := 0; i < perWork; i++ {
				c := counters.Counter("serverA", event)
				c.Count()
				if i%10 == 0 {
					c.Error()
				}
			}
		}()
	}

	done := make(chan struct{})
	flushed := make(chan error, 1)
	go func() {
		for {
			select {
			case <-done:
				flushed <- nil
				return
			default:
			}
			if _, err := p.Flush(ctx); err != nil {
				flushed <- err
				return
			}
		}
	}()
	counting.Wait()
	close(done)
	if err := <-flushed; err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("final flush: %v", err)
	}

	perEvent := uint64(workers / 2 * perWork)
	for _, event := range []string{"event0", "event1"} {
		key := Key{Domain: "d", Instance: "serverA", Event: event}
		total, ok, err := store.GetLast(ctx, key)
		if err != nil || !ok || total != perEvent {
			t.Fatalf("%s: expected stored total %d, got %d (ok=%v, err=%v)", event, perEvent, total, ok, err)
		}
		daily, err := store.Rows(ctx, key, Day, time.Time{})
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		if len(daily) != 1 || daily[0].Value != perEvent || daily[0].Errors != perEvent/10 {
			t.Fatalf("%s: expected day row %d with %d errors, got %v", event, perEvent, perEvent/10, daily)
		}
		if got := counters.Counter("serverA", event).Total(); got != perEvent {
			t.Fatalf("%s: expected live total %d, got %d", event, perEvent, got)
		}
	}
}
