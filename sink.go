package appmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrDeliveryDropped is returned by a sink that gave up on a delivery
// instead of blocking the poll loop.
var ErrDeliveryDropped = errors.New("delivery dropped")

// Sink receives emitted samples. Publish must return promptly; the manager
// bounds every call with its sink timeout.
type Sink interface {
	Publish(ctx context.Context, instance, signal string, sample *Sample) error
}

// Subscription is one dashboard client attached to a ChannelSink
type Subscription struct {
	C <-chan *Sample

	ch   chan *Sample
	sink *ChannelSink
	id   int
	once sync.Once
}

// Close detaches the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.sink.mutex.Lock()
		delete(s.sink.subs, s.id)
		s.sink.mutex.Unlock()
		close(s.ch)
	})
}

// ChannelSink fans samples out to subscribers through FIFO channels. A
// subscriber whose buffer stays full past the publish deadline misses that
// one sample.
type ChannelSink struct {
	mutex   sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Uint64
}

// NewChannelSink creates a sink with no subscribers
func NewChannelSink() *ChannelSink {
	return &ChannelSink{subs: make(map[int]*Subscription)}
}

// Subscribe attaches a subscriber with the given buffer size
func (c *ChannelSink) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Sample, buffer)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	sub := &Subscription{C: ch, ch: ch, sink: c, id: c.nextID}
	c.subs[sub.id] = sub
	c.nextID++
	return sub
}

// Publish implements Sink interface
func (c *ChannelSink) Publish(ctx context.Context, instance, signal string, sample *Sample) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var dropped int
	for _, sub := range c.subs {
		select {
		case sub.ch <- sample:
			continue
		default:
		}
		select {
		case sub.ch <- sample:
		case <-ctx.Done():
			dropped++
			c.dropped.Add(1)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %s/%s to %d subscriber(s)", ErrDeliveryDropped, instance, signal, dropped)
	}
	return nil
}

// Dropped returns the number of deliveries given up so far
func (c *ChannelSink) Dropped() uint64 {
	return c.dropped.Load()
}

// Subscribers returns the current subscriber count
func (c *ChannelSink) Subscribers() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.subs)
}

// MultiSink publishes to every sink in order and joins their errors
type MultiSink []Sink

// Publish implements Sink interface
func (m MultiSink) Publish(ctx context.Context, instance, signal string, sample *Sample) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, instance, signal, sample); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
