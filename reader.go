package appmon

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Reader samples one live source for one signal.
//
// On a gated poll, metric readers apply their growth filter inside Sample while
// status, event and log readers are asked HasChanged first and commit the
// change in Sample. An ungated Sample is a full snapshot for a new client and
// leaves change state alone, except that metric readers still record the
// emitted value. Reader state is guarded by the poll lock of its
// ExporterManager.
type Reader interface {
	Kind() Kind
	Signal() Signal
	Init() error
	Start(ctx context.Context) error
	Stop()
	HasChanged(ctx context.Context) bool
	Sample(ctx context.Context, gated bool) (*Sample, error)
}

// Source is a live handle resolved by target name
type Source interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (map[string]any, error)

// Snapshot implements Source interface
func (f SourceFunc) Snapshot(ctx context.Context) (map[string]any, error) {
	return f(ctx)
}

// GrowthFilter admits a value only when it is strictly greater than the value
// recorded at the previous emission.
type GrowthFilter struct {
	last int64
	seen bool
}

// Admit reports whether v passes the filter. It does not record v.
func (g *GrowthFilter) Admit(v int64) bool {
	return !g.seen || v > g.last
}

// Record stores v as the value of the latest emission
func (g *GrowthFilter) Record(v int64) {
	g.last = v
	g.seen = true
}

// Last returns the recorded value and whether one exists
func (g *GrowthFilter) Last() (int64, bool) {
	return g.last, g.seen
}

// ChangeTracker compares only the tracked fields of successive snapshots
type ChangeTracker struct {
	fields []string
	last   map[string]any
}

// NewChangeTracker creates a tracker over the given field names
func NewChangeTracker(fields ...string) *ChangeTracker {
	return &ChangeTracker{fields: append([]string(nil), fields...)}
}

// Changed reports whether any tracked field differs from the last commit
func (c *ChangeTracker) Changed(data map[string]any) bool {
	if c.last == nil {
		return true
	}
	for _, f := range c.fields {
		if !reflect.DeepEqual(c.last[f], data[f]) {
			return true
		}
	}
	return false
}

// Commit records the tracked fields of data as emitted
func (c *ChangeTracker) Commit(data map[string]any) {
	last := make(map[string]any, len(c.fields))
	for _, f := range c.fields {
		last[f] = data[f]
	}
	c.last = last
}

// baseReader carries the lifecycle shared by every reader kind
type baseReader struct {
	signal   Signal
	registry *Registry
	source   Source
	format   string
	now      func() time.Time
}

func newBaseReader(signal Signal, registry *Registry) baseReader {
	format, _ := signal.StringParam("format")
	return baseReader{
		signal:   signal,
		registry: registry,
		format:   format,
		now:      time.Now,
	}
}

func (b *baseReader) Signal() Signal { return b.signal }

func (b *baseReader) checkTarget() error {
	if b.signal.Name() == "" {
		return fmt.Errorf("%w: signal name cannot be empty", ErrConfiguration)
	}
	if b.signal.Target() == "" {
		return fmt.Errorf("%w: signal %q has no target", ErrConfiguration, b.signal.Name())
	}
	return nil
}

func (b *baseReader) bind() error {
	if b.registry == nil {
		return fmt.Errorf("%w: no registry for target %q", ErrSourceUnavailable, b.signal.Target())
	}
	src, err := b.registry.Resolve(b.signal.Target())
	if err != nil {
		return err
	}
	b.source = src
	return nil
}

func (b *baseReader) Stop() {
	b.source = nil
}

func (b *baseReader) snapshot(ctx context.Context) (map[string]any, error) {
	if b.source == nil {
		return nil, fmt.Errorf("%w: signal %q is not started", ErrSourceUnavailable, b.signal.Name())
	}
	data, err := b.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", b.signal.Target(), err)
	}
	return data, nil
}

func (b *baseReader) newSample(kind Kind, fallback string, data map[string]any) *Sample {
	return &Sample{
		Kind:  kind,
		Name:  b.signal.Name(),
		Title: b.signal.Title(),
		Value: formatValue(b.format, fallback, data),
		Data:  data,
		Time:  b.now(),
	}
}

// MetricReader samples a numeric source and applies the growth filter to
// its primary field.
type MetricReader struct {
	baseReader
	field  string
	growth GrowthFilter
}

// NewMetricReader creates a metric reader. The signal needs a target and a
// "field" parameter naming the primary numeric value.
func NewMetricReader(signal Signal, registry *Registry) *MetricReader {
	return &MetricReader{baseReader: newBaseReader(signal, registry)}
}

func (r *MetricReader) Kind() Kind { return KindMetric }

// Init implements Reader interface
func (r *MetricReader) Init() error {
	if err := r.checkTarget(); err != nil {
		return err
	}
	field, err := r.signal.RequireString("field")
	if err != nil {
		return err
	}
	r.field = field
	return nil
}

// Start implements Reader interface
func (r *MetricReader) Start(ctx context.Context) error {
	return r.bind()
}

// HasChanged reports whether the primary value differs from the last emission
func (r *MetricReader) HasChanged(ctx context.Context) bool {
	data, err := r.snapshot(ctx)
	if err != nil {
		return false
	}
	v, ok := toInt64(data[r.field])
	last, seen := r.growth.Last()
	return ok && (!seen || v != last)
}

// Sample implements Reader interface
func (r *MetricReader) Sample(ctx context.Context, gated bool) (*Sample, error) {
	data, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := toInt64(data[r.field])
	if !ok {
		return nil, fmt.Errorf("signal %q: primary field %q is not numeric", r.signal.Name(), r.field)
	}
	if gated && !r.growth.Admit(v) {
		return nil, nil
	}
	r.growth.Record(v)
	return r.newSample(KindMetric, r.field, data), nil
}

// StatusReader emits a stateful snapshot whenever a tracked field changes.
type StatusReader struct {
	baseReader
	tracker *ChangeTracker
	pending map[string]any
}

// NewStatusReader creates a status reader. Tracked fields come from the
// "tracked" parameter.
func NewStatusReader(signal Signal, registry *Registry) *StatusReader {
	return &StatusReader{baseReader: newBaseReader(signal, registry)}
}

func (r *StatusReader) Kind() Kind { return KindStatus }

// Init implements Reader interface
func (r *StatusReader) Init() error {
	if err := r.checkTarget(); err != nil {
		return err
	}
	fields := r.signal.ListParam("tracked")
	if len(fields) == 0 {
		return fmt.Errorf("%w: status signal %q is missing required parameter %q",
			ErrConfiguration, r.signal.Name(), "tracked")
	}
	r.tracker = NewChangeTracker(fields...)
	return nil
}

// Start implements Reader interface
func (r *StatusReader) Start(ctx context.Context) error {
	return r.bind()
}

// Stop implements Reader interface
func (r *StatusReader) Stop() {
	r.baseReader.Stop()
	r.pending = nil
}

// HasChanged implements Reader interface
func (r *StatusReader) HasChanged(ctx context.Context) bool {
	data, err := r.snapshot(ctx)
	if err != nil {
		return false
	}
	if !r.tracker.Changed(data) {
		return false
	}
	r.pending = data
	return true
}

// Sample implements Reader interface. Only a gated sample commits the
// tracked fields.
func (r *StatusReader) Sample(ctx context.Context, gated bool) (*Sample, error) {
	data, err := takePending(ctx, &r.baseReader, &r.pending, gated)
	if err != nil {
		return nil, err
	}
	if gated {
		r.tracker.Commit(data)
	}
	fallback := ""
	if fields := r.tracker.fields; len(fields) > 0 {
		fallback = fields[0]
	}
	return r.newSample(KindStatus, fallback, data), nil
}

// takePending returns the snapshot stashed by HasChanged on a gated poll and
// a fresh one otherwise. An ungated read keeps the stash for the next poll.
func takePending(ctx context.Context, b *baseReader, pending *map[string]any, gated bool) (map[string]any, error) {
	if gated && *pending != nil {
		data := *pending
		*pending = nil
		return data, nil
	}
	return b.snapshot(ctx)
}

// EventReader emits the derived payload of an EventCounter whenever one of
// its tracked fields changes.
type EventReader struct {
	baseReader
	counter *EventCounter
	tracker *ChangeTracker
	pending map[string]any
}

// NewEventReader creates an event reader over counter. A nil counter leaves
// the reader unable to start.
func NewEventReader(signal Signal, counter *EventCounter) *EventReader {
	return &EventReader{baseReader: newBaseReader(signal, nil), counter: counter}
}

func (r *EventReader) Kind() Kind { return KindEvent }

// Init implements Reader interface
func (r *EventReader) Init() error {
	if r.signal.Name() == "" {
		return fmt.Errorf("%w: signal name cannot be empty", ErrConfiguration)
	}
	fields := r.signal.ListParam("tracked")
	if len(fields) == 0 {
		fields = []string{"total", "errors"}
	}
	r.tracker = NewChangeTracker(fields...)
	return nil
}

// Start implements Reader interface
func (r *EventReader) Start(ctx context.Context) error {
	if r.counter == nil {
		return fmt.Errorf("%w: no event counter for signal %q", ErrSourceUnavailable, r.signal.Name())
	}
	r.source = SourceFunc(func(context.Context) (map[string]any, error) {
		return r.counter.Snapshot(), nil
	})
	return nil
}

// Stop implements Reader interface
func (r *EventReader) Stop() {
	r.baseReader.Stop()
	r.pending = nil
}

// HasChanged implements Reader interface
func (r *EventReader) HasChanged(ctx context.Context) bool {
	data, err := r.snapshot(ctx)
	if err != nil || !r.tracker.Changed(data) {
		return false
	}
	r.pending = data
	return true
}

// Sample implements Reader interface. Only a gated sample commits the
// tracked fields.
func (r *EventReader) Sample(ctx context.Context, gated bool) (*Sample, error) {
	data, err := takePending(ctx, &r.baseReader, &r.pending, gated)
	if err != nil {
		return nil, err
	}
	if gated {
		r.tracker.Commit(data)
	}
	return r.newSample(KindEvent, "total", data), nil
}

// NewReader builds the reader matching the signal's kind. An event signal
// counts the event named by its target, or by its name when the target is
// empty, and creates that counter when it does not exist yet.
func NewReader(signal Signal, registry *Registry, counters *CounterSet, instance string) Reader {
	switch signal.Kind() {
	case KindStatus:
		return NewStatusReader(signal, registry)
	case KindEvent:
		var counter *EventCounter
		if counters != nil {
			event := signal.Target()
			if event == "" {
				event = signal.Name()
			}
			counter = counters.Counter(instance, event)
		}
		return NewEventReader(signal, counter)
	case KindLog:
		return NewLogReader(signal)
	default:
		return NewMetricReader(signal, registry)
	}
}

var (
	_ Reader = (*MetricReader)(nil)
	_ Reader = (*StatusReader)(nil)
	_ Reader = (*EventReader)(nil)
	_ Reader = (*LogReader)(nil)
)
