package appmon

import (
	"sort"
	"sync"
	"sync/atomic"
)

// EventCounter is a lock-free tally of discrete occurrences between flushes.
//
// Count and Error may be called from any number of goroutines. Drain is
// reserved for the flush path.
type EventCounter struct {
	domain   string
	instance string
	event    string

	pending       atomic.Uint64
	pendingErrors atomic.Uint64
	errors        atomic.Uint64

	// total is the cumulative count: the restored base plus every Count since
	total atomic.Uint64
}

// NewEventCounter creates a counter for one (domain, instance, event)
func NewEventCounter(domain, instance, event string) *EventCounter {
	return &EventCounter{domain: domain, instance: instance, event: event}
}

func (c *EventCounter) Domain() string   { return c.domain }
func (c *EventCounter) Instance() string { return c.instance }
func (c *EventCounter) Event() string    { return c.event }

// Key returns the store key of this counter
func (c *EventCounter) Key() Key {
	return Key{Domain: c.domain, Instance: c.instance, Event: c.event}
}

// Count records one occurrence
func (c *EventCounter) Count() {
	c.pending.Add(1)
	c.total.Add(1)
}

// Error records one failed occurrence. Errors are tallied apart from Count:
// a failed occurrence that should also be counted needs both calls.
func (c *EventCounter) Error() {
	c.pendingErrors.Add(1)
	c.errors.Add(1)
}

// Drain returns the occurrences since the previous drain and resets to zero
// in one atomic step.
func (c *EventCounter) Drain() uint64 {
	return c.pending.Swap(0)
}

// DrainErrors returns the errors since the previous drain and resets them
func (c *EventCounter) DrainErrors() uint64 {
	return c.pendingErrors.Swap(0)
}

// Pending returns the occurrences not yet drained
func (c *EventCounter) Pending() uint64 {
	return c.pending.Load()
}

// Errors returns the errors recorded since the process started
func (c *EventCounter) Errors() uint64 {
	return c.errors.Load()
}

// Total returns the cumulative count including the restored base
func (c *EventCounter) Total() uint64 {
	return c.total.Load()
}

// Restore adds a base total loaded from the store at startup
func (c *EventCounter) Restore(base uint64) {
	c.total.Add(base)
}

// Snapshot is the derived payload read by event readers
func (c *EventCounter) Snapshot() map[string]any {
	return map[string]any{
		"event":  c.event,
		"total":  c.total.Load(),
		"delta":  c.pending.Load(),
		"errors": c.errors.Load(),
	}
}

// CounterSet holds the event counters of one domain keyed by instance and event
type CounterSet struct {
	domain   string
	counters map[string]*EventCounter
	mutex    sync.RWMutex
}

// NewCounterSet creates an empty counter set
func NewCounterSet(domain string) *CounterSet {
	return &CounterSet{
		domain:   domain,
		counters: make(map[string]*EventCounter),
	}
}

func counterKey(instance, event string) string {
	return instance + ":" + event
}

// Counter returns the counter for instance and event, creating it when absent
func (s *CounterSet) Counter(instance, event string) *EventCounter {
	key := counterKey(instance, event)
	s.mutex.RLock()
	counter, exists := s.counters[key]
	s.mutex.RUnlock()

	if !exists {
		s.mutex.Lock()
		if counter, exists = s.counters[key]; !exists {
			counter = NewEventCounter(s.domain, instance, event)
			s.counters[key] = counter
		}
		s.mutex.Unlock()
	}
	return counter
}

// Lookup returns an existing counter or nil
func (s *CounterSet) Lookup(instance, event string) *EventCounter {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.counters[counterKey(instance, event)]
}

// Count increments the counter for instance and event
func (s *CounterSet) Count(instance, event string) {
	s.Counter(instance, event).Count()
}

// All returns every counter ordered by instance then event
func (s *CounterSet) All() []*EventCounter {
	s.mutex.RLock()
	all := make([]*EventCounter, 0, len(s.counters))
	for _, c := range s.counters {
		all = append(all, c)
	}
	s.mutex.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].instance != all[j].instance {
			return all[i].instance < all[j].instance
		}
		return all[i].event < all[j].event
	})
	return all
}
