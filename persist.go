package appmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PersistOptions configures a CounterPersist
type PersistOptions struct {
	// Interval between flushes, 0 means 5m
	Interval time.Duration
	// Concurrency bounds how many counters flush at once, 0 means 4
	Concurrency int
	// ShutdownTimeout bounds the final flush on Stop, 0 means 10s
	ShutdownTimeout time.Duration

	Logger  *zap.Logger
	Metrics *SelfMetrics
	Now     func() time.Time
}

// CounterPersist periodically drains event counters into the store.
//
// A drained delta whose write fails is lost for that cycle; the failure is
// logged at error level and counted, never retried. The store applies a
// flush as a whole, so a lost delta is missing from every bucket alike.
type CounterPersist struct {
	store    Store
	counters *CounterSet
	opts     PersistOptions
	logger   *zap.Logger

	flushMutex  sync.Mutex
	totalsMutex sync.Mutex
	totals      map[Key]uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewCounterPersist creates a persist task for every counter in counters
func NewCounterPersist(store Store, counters *CounterSet, opts PersistOptions) *CounterPersist {
	opts.Interval = pickDuration(opts.Interval, 5*time.Minute)
	opts.ShutdownTimeout = pickDuration(opts.ShutdownTimeout, 10*time.Second)
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CounterPersist{
		store:    store,
		counters: counters,
		opts:     opts,
		logger:   logger,
		totals:   make(map[Key]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize restores the cumulative totals of every known counter from the store
func (p *CounterPersist) Initialize(ctx context.Context) error {
	for _, c := range p.counters.All() {
		if _, err := p.base(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// base returns the last persisted total of c, loading it on first use
func (p *CounterPersist) base(ctx context.Context, c *EventCounter) (uint64, error) {
	key := c.Key()
	p.totalsMutex.Lock()
	total, ok := p.totals[key]
	p.totalsMutex.Unlock()
	if ok {
		return total, nil
	}

	total, _, err := p.store.GetLast(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("restore event count %s: %w", key, err)
	}
	p.totalsMutex.Lock()
	p.totals[key] = total
	p.totalsMutex.Unlock()
	c.Restore(total)

	p.logger.Debug("Restored event count",
		zap.String("instance", key.Instance), zap.String("event", key.Event), zap.Uint64("total", total))
	return total, nil
}

// Flush drains every counter and writes non-zero deltas. It returns the
// number of counters written and the joined write errors.
func (p *CounterPersist) Flush(ctx context.Context) (int, error) {
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()

	now := p.opts.Now()
	var (
		g       errgroup.Group
		mutex   sync.Mutex
		errs    []error
		written int
	)
	g.SetLimit(p.opts.Concurrency)
	for _, c := range p.counters.All() {
		c := c
		g.Go(func() error {
			ok, err := p.flushOne(ctx, c, now)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				written++
			}
			return nil
		})
	}
	_ = g.Wait()
	return written, errors.Join(errs...)
}

func (p *CounterPersist) flushOne(ctx context.Context, c *EventCounter, now time.Time) (bool, error) {
	drained := c.Drain()
	failed := c.DrainErrors()
	if drained == 0 && failed == 0 {
		return false, nil
	}
	key := c.Key()

	err := p.write(ctx, c, FlushRecord{At: now, Delta: drained, Errors: failed})
	if err != nil {
		p.opts.Metrics.addFlushError(key.Instance, key.Event, drained)
		p.logger.Error("Failed to persist event count, delta lost",
			zap.String("domain", key.Domain),
			zap.String("instance", key.Instance),
			zap.String("event", key.Event),
			zap.Uint64("lost", drained),
			zap.Uint64("lost_errors", failed),
			zap.Error(err))
		return false, err
	}
	p.opts.Metrics.addFlushed(key.Instance, key.Event, drained)
	return true, nil
}

func (p *CounterPersist) write(ctx context.Context, c *EventCounter, rec FlushRecord) error {
	key := c.Key()
	base, err := p.base(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	rec.Total = base + rec.Delta

	if err := p.store.Apply(ctx, key, rec); err != nil {
		return err
	}
	p.totalsMutex.Lock()
	p.totals[key] = rec.Total
	p.totalsMutex.Unlock()
	return nil
}

// Start launches the periodic flush loop
func (p *CounterPersist) Start() {
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := p.Flush(p.ctx); err != nil {
					p.logger.Debug("Flush finished with errors", zap.Error(err))
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the flush loop and flushes what is left
func (p *CounterPersist) Stop() {
	p.cancel()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
	defer cancel()
	if _, err := p.Flush(ctx); err != nil {
		p.logger.Error("Failed to save last event counts", zap.Error(err))
	}
}
