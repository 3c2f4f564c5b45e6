package appmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ManagerOptions configures an ExporterManager
type ManagerOptions struct {
	// Interval between poll cycles, 0 means 1s
	Interval time.Duration
	// SinkTimeout bounds each Publish call, 0 means 500ms
	SinkTimeout time.Duration

	Logger  *zap.Logger
	Metrics *SelfMetrics
}

// ExporterManager owns the readers of one monitored instance and drives their
// poll cycle.
type ExporterManager struct {
	instance string
	registry *Registry
	sink     Sink
	opts     ManagerOptions
	logger   *zap.Logger

	// pollMutex serialises every access to reader state
	pollMutex sync.Mutex
	active    []Reader
	pending   []Reader

	stopped     atomic.Bool
	started     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewExporterManager creates a manager for instance. Readers that cannot bind
// their target are retried when registry announces it.
func NewExporterManager(instance string, registry *Registry, sink Sink, opts ManagerOptions) *ExporterManager {
	opts.Interval = pickDuration(opts.Interval, time.Second)
	opts.SinkTimeout = pickDuration(opts.SinkTimeout, 500*time.Millisecond)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ExporterManager{
		instance: instance,
		registry: registry,
		sink:     sink,
		opts:     opts,
		logger:   logger.With(zap.String("instance", instance)),
		ctx:      ctx,
		cancel:   cancel,
	}
	if registry != nil {
		m.unsubscribe = registry.Subscribe(m.onTargetRegistered)
	}
	return m
}

// Instance returns the monitored instance name
func (m *ExporterManager) Instance() string {
	return m.instance
}

// Register initialises and starts r. A reader that fails is logged and left
// out of the active set; one whose target is not registered yet is parked and
// started as soon as the target appears. Register reports whether r is active.
func (m *ExporterManager) Register(r Reader) bool {
	if m.stopped.Load() {
		return false
	}
	sig := r.Signal()
	if err := m.guard(sig, "init", r.Init); err != nil {
		m.logger.Error("Reader configuration rejected",
			zap.String("signal", sig.Name()), zap.Error(err))
		return false
	}

	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()
	return m.activate(r)
}

// activate starts r. pollMutex must be held.
func (m *ExporterManager) activate(r Reader) bool {
	for _, a := range m.active {
		if a == r {
			return true
		}
	}
	sig := r.Signal()
	err := m.guard(sig, "start", func() error { return r.Start(m.ctx) })
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			if !containsReader(m.pending, r) {
				m.pending = append(m.pending, r)
			}
			m.logger.Warn("Reader source unavailable, waiting for target",
				zap.String("signal", sig.Name()), zap.String("target", sig.Target()), zap.Error(err))
		} else {
			m.pending = removeReader(m.pending, r)
			m.logger.Error("Failed to start reader",
				zap.String("signal", sig.Name()), zap.Error(err))
		}
		m.opts.Metrics.setReaders(m.instance, len(m.active), len(m.pending))
		return false
	}

	m.pending = removeReader(m.pending, r)
	m.active = append(m.active, r)
	m.opts.Metrics.setReaders(m.instance, len(m.active), len(m.pending))
	m.logger.Debug("Registered reader",
		zap.String("signal", sig.Name()), zap.Stringer("kind", r.Kind()))
	return true
}

// onTargetRegistered runs on the goroutine calling Registry.Register. When a
// poll holds the lock, for instance because a source registers a target from
// its own Snapshot, activation moves to a new goroutine and happens once that
// poll is over.
func (m *ExporterManager) onTargetRegistered(target string) {
	if m.stopped.Load() {
		return
	}
	if !m.pollMutex.TryLock() {
		go func() {
			m.pollMutex.Lock()
			defer m.pollMutex.Unlock()
			m.activateTarget(target)
		}()
		return
	}
	defer m.pollMutex.Unlock()
	m.activateTarget(target)
}

// activateTarget starts the pending readers bound to target. pollMutex must
// be held.
func (m *ExporterManager) activateTarget(target string) {
	if m.stopped.Load() {
		return
	}
	for _, r := range append([]Reader(nil), m.pending...) {
		if r.Signal().Target() == target {
			m.activate(r)
		}
	}
}

// Active returns the number of readers being polled
func (m *ExporterManager) Active() int {
	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()
	return len(m.active)
}

// Pending returns the number of readers waiting for their target
func (m *ExporterManager) Pending() int {
	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()
	return len(m.pending)
}

// Start launches the periodic poll loop
func (m *ExporterManager) Start() error {
	if m.stopped.Load() {
		return fmt.Errorf("exporter manager %q is stopped", m.instance)
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Poll(m.ctx)
			case <-m.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Poll runs one cycle over the active readers in registration order and
// publishes what they emit. It returns the number of samples published.
func (m *ExporterManager) Poll(ctx context.Context) int {
	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()

	start := time.Now()
	published := 0
	for _, r := range m.active {
		if ctx.Err() != nil {
			break
		}
		s := m.read(ctx, r, true)
		if s == nil {
			continue
		}
		// the manager may have been stopped while the sample was taken
		if m.stopped.Load() {
			break
		}
		if m.publish(ctx, s) {
			published++
		}
	}
	m.opts.Metrics.observePoll(m.instance, time.Since(start))
	return published
}

// Refresh returns a full snapshot of every active reader without change
// gating, for a dashboard client that just connected.
func (m *ExporterManager) Refresh(ctx context.Context) []*Sample {
	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()

	samples := make([]*Sample, 0, len(m.active))
	for _, r := range m.active {
		if s := m.read(ctx, r, false); s != nil {
			samples = append(samples, s)
		}
	}
	return samples
}

// read samples one reader. Errors and panics stay inside this call.
func (m *ExporterManager) read(ctx context.Context, r Reader, gated bool) (s *Sample) {
	sig := r.Signal()
	err := m.guard(sig, "sample", func() error {
		var err error
		switch r.Kind() {
		case KindMetric:
			s, err = r.Sample(ctx, gated)
		case KindStatus, KindEvent, KindLog:
			if gated && !r.HasChanged(ctx) {
				return nil
			}
			s, err = r.Sample(ctx, gated)
		default:
			err = fmt.Errorf("unsupported reader kind %s", r.Kind())
		}
		return err
	})
	if err != nil {
		m.opts.Metrics.incReaderError(m.instance, sig.Name())
		m.logger.Warn("Failed to sample reader",
			zap.String("signal", sig.Name()), zap.Error(err))
		return nil
	}
	if s != nil {
		s.Instance = m.instance
	}
	return s
}

func (m *ExporterManager) publish(ctx context.Context, s *Sample) bool {
	if m.sink == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.SinkTimeout)
	defer cancel()

	if err := m.sink.Publish(pctx, m.instance, s.Name, s); err != nil {
		if errors.Is(err, ErrDeliveryDropped) || errors.Is(err, context.DeadlineExceeded) {
			m.opts.Metrics.incDropped(m.instance)
			m.logger.Debug("Dropped sample delivery", zap.String("signal", s.Name), zap.Error(err))
		} else {
			m.logger.Warn("Failed to publish sample", zap.String("signal", s.Name), zap.Error(err))
		}
		return false
	}
	m.opts.Metrics.incPublished(m.instance, s.Kind)
	return true
}

// guard runs fn and converts a panic into an error
func (m *ExporterManager) guard(sig Signal, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reader %s panicked during %s: %v", sig.Name(), op, rec)
		}
	}()
	return fn()
}

// Stop cancels future poll cycles and shuts every reader down
func (m *ExporterManager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.wg.Wait()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.Shutdown()
}

// Shutdown stops every reader, continuing past individual failures
func (m *ExporterManager) Shutdown() {
	m.pollMutex.Lock()
	defer m.pollMutex.Unlock()

	for _, r := range append(m.active, m.pending...) {
		sig := r.Signal()
		err := m.guard(sig, "stop", func() error {
			r.Stop()
			return nil
		})
		if err != nil {
			m.logger.Warn("Failed to stop reader", zap.String("signal", sig.Name()), zap.Error(err))
		}
	}
	m.active = nil
	m.pending = nil
	m.opts.Metrics.setReaders(m.instance, 0, 0)
}

func containsReader(list []Reader, r Reader) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

func removeReader(list []Reader, r Reader) []Reader {
	out := list[:0]
	for _, x := range list {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
