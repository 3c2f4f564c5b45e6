package appmon

import (
	"sync"
	"testing"
)

func TestEventCounterDrainScenario(t *testing.T) {
	c := NewEventCounter("d", "serverA", "activity")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Count()
		}()
	}
	wg.Wait()

	if got := c.Drain(); got != 3 {
		t.Fatalf("expected first drain to return 3, got %d", got)
	}
	if got := c.Drain(); got != 0 {
		t.Fatalf("expected second drain to return 0, got %d", got)
	}
	if got := c.Total(); got != 3 {
		t.Fatalf("expected total 3 after drains, got %d", got)
	}
}

func TestEventCounterConcurrentCountAndDrainConservesOccurrences(t *testing.T) {
	const (
		workers = 8
		perWork = 5000
	)
	c := NewEventCounter("d", "i", "e")

	var (
		wg      sync.WaitGroup
		drained uint64
		done    = make(chan struct{})
		drainer sync.WaitGroup
	)
	drainer.Add(1)
	go func() {
		defer drainer.Done()
		for {
			select {
			case <-done:
				return
			default:
				drained += c.Drain()
			}
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				c.Count()
			}
		}()
	}
	wg.Wait()
	close(done)
	drainer.Wait()
	drained += c.Drain()

	if drained != workers*perWork {
		t.Fatalf("expected %d drained occurrences, got %d", workers*perWork, drained)
	}
}

func TestEventCounterDrainsErrorsSeparately(t *testing.T) {
	c := NewEventCounter("d", "i", "e")
	c.Count()
	c.Error()
	c.Error()

	snap := c.Snapshot()
	if snap["errors"] != uint64(2) {
		t.Fatalf("expected 2 errors in snapshot, got %v", snap["errors"])
	}
	if snap["delta"] != uint64(1) {
		t.Fatalf("expected delta 1, got %v", snap["delta"])
	}
	if got := c.Drain(); got != 1 {
		t.Fatalf("errors must not be drained as occurrences, got %d", got)
	}
	if got := c.DrainErrors(); got != 2 {
		t.Fatalf("expected 2 drained errors, got %d", got)
	}
	if got := c.DrainErrors(); got != 0 {
		t.Fatalf("expected errors reset after drain, got %d", got)
	}
	if got := c.Errors(); got != 2 {
		t.Fatalf("expected cumulative errors to survive the drain, got %d", got)
	}
}

func TestEventCounterRestoreAddsBase(t *testing.T) {
	c := NewEventCounter("d", "i", "e")
	c.Count()
	c.Restore(41)
	if got := c.Total(); got != 42 {
		t.Fatalf("expected total 42, got %d", got)
	}
	if got := c.Pending(); got != 1 {
		t.Fatalf("restore must not touch pending, got %d", got)
	}
}

func TestCounterSetReturnsSameCounter(t *testing.T) {
	s := NewCounterSet("d")

	var wg sync.WaitGroup
	counters := make([]*EventCounter, 16)
	for i := range counters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counters[i] = s.Counter("serverA", "activity")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(counters); i++ {
		if counters[i] != counters[0] {
			t.Fatalf("expected a single counter per key, got distinct at index %d", i)
		}
	}
	if s.Lookup("serverA", "missing") != nil {
		t.Fatalf("expected nil for unknown counter")
	}
}

func TestCounterSetAllIsOrdered(t *testing.T) {
	s := NewCounterSet("d")
	s.Count("b", "z")
	s.Count("a", "y")
	s.Count("a", "x")

	var got []string
	for _, c := range s.All() {
		got = append(got, c.Instance()+"/"+c.Event())
	}
	want := []string{"a/x", "a/y", "b/z"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
