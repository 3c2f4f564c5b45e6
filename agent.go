package appmon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Agent wires the engine for one domain: a source registry, event counters
// with their persist task, one exporter manager per instance and the sinks.
type Agent struct {
	config   Config
	logger   *zap.Logger
	registry *Registry
	counters *CounterSet
	store    Store
	persist  *CounterPersist
	sink     *ChannelSink
	publish  Sink
	remote   *RemoteWriteSink
	issuer   *TokenIssuer
	metrics  *SelfMetrics
	gatherer prometheus.Gatherer

	managers map[string]*ExporterManager
	order    []string
}

// NewAgent creates an agent persisting counts into store
func NewAgent(config Config, store Store) (*Agent, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrConfiguration)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := config.Registerer
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	metrics, err := NewSelfMetrics(config.MetricsNamespace, reg)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:   config,
		logger:   logger,
		registry: NewRegistry(),
		counters: NewCounterSet(config.Domain),
		store:    store,
		sink:     NewChannelSink(),
		metrics:  metrics,
		gatherer: gatherer,
		managers: make(map[string]*ExporterManager),
	}
	RegisterRuntimeSources(a.registry)

	var sink Sink = a.sink
	if config.RemoteWrite.URL != "" {
		rwc := config.RemoteWrite
		if rwc.Logger == nil {
			rwc.Logger = logger
		}
		if a.remote, err = NewRemoteWriteSink(rwc); err != nil {
			return nil, err
		}
		sink = MultiSink{a.sink, a.remote}
	}
	a.publish = sink

	if config.Token.Secret != "" {
		if a.issuer, err = NewTokenIssuer(config.Token.Secret); err != nil {
			return nil, err
		}
	}

	for _, inst := range config.Instances {
		for _, event := range inst.Events {
			a.counters.Counter(inst.Name, event)
		}
		a.managers[inst.Name] = NewExporterManager(inst.Name, a.registry, sink, ManagerOptions{
			Interval:    config.PollInterval,
			SinkTimeout: config.SinkTimeout,
			Logger:      logger,
			Metrics:     metrics,
		})
		a.order = append(a.order, inst.Name)
	}

	a.persist = NewCounterPersist(store, a.counters, PersistOptions{
		Interval:    config.FlushInterval,
		Concurrency: config.FlushConcurrency,
		Logger:      logger,
		Metrics:     metrics,
	})
	return a, nil
}

// Start restores counter totals, registers every configured signal and
// launches the poll, flush and remote write loops.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.persist.Initialize(ctx); err != nil {
		return err
	}

	for _, inst := range a.config.Instances {
		m := a.managers[inst.Name]
		for _, sc := range inst.Signals {
			sig, err := sc.Signal()
			if err != nil {
				a.logger.Error("Skipping signal", zap.String("instance", inst.Name), zap.Error(err))
				continue
			}
			m.Register(NewReader(sig, a.registry, a.counters, inst.Name))
		}
		if err := m.Start(); err != nil {
			return err
		}
	}

	a.persist.Start()
	if a.remote != nil {
		a.remote.Start()
	}

	a.logger.Info("appmon agent started",
		zap.String("domain", a.config.Domain),
		zap.Int("instances", len(a.order)),
		zap.Duration("poll_interval", a.config.PollInterval),
		zap.Duration("flush_interval", a.config.FlushInterval))
	return nil
}

// Stop stops every manager, flushes the counters and the remote write sink
func (a *Agent) Stop() {
	for _, name := range a.order {
		a.managers[name].Stop()
	}
	a.persist.Stop()
	if a.remote != nil {
		a.remote.Stop()
	}
	a.logger.Info("appmon agent stopped", zap.String("domain", a.config.Domain))
}

func (a *Agent) Registry() *Registry           { return a.registry }
func (a *Agent) Counters() *CounterSet         { return a.counters }
func (a *Agent) Store() Store                  { return a.store }
func (a *Agent) Sink() *ChannelSink            { return a.sink }
func (a *Agent) Persist() *CounterPersist      { return a.persist }
func (a *Agent) Issuer() *TokenIssuer          { return a.issuer }
func (a *Agent) Gatherer() prometheus.Gatherer { return a.gatherer }

// Manager returns the exporter manager of instance, or nil
func (a *Agent) Manager(instance string) *ExporterManager {
	return a.managers[instance]
}

// Count records one occurrence of event on instance
func (a *Agent) Count(instance, event string) {
	a.counters.Count(instance, event)
}

// Chart answers a chart query within the agent's domain
func (a *Agent) Chart(ctx context.Context, instance, event string, g Granularity, since time.Time, offsetMinutes int) ([]Point, error) {
	return Chart(ctx, a.store, ChartQuery{
		Key:               Key{Domain: a.config.Domain, Instance: instance, Event: event},
		Granularity:       g,
		Since:             since,
		ZoneOffsetMinutes: offsetMinutes,
	})
}

// Middleware counts requests served by next as event on instance and
// broadcasts one activity sample per request.
func (a *Agent) Middleware(instance, event string, next http.Handler) http.Handler {
	return ObserveRequests(a.counters.Counter(instance, event), a.publish, a.config.SinkTimeout, a.logger, next)
}

// Router returns the chart and refresh endpoints. They are token gated when
// a token secret is configured.
func (a *Agent) Router() *httprouter.Router {
	router := httprouter.New()
	chart := ChartHandler(a.config.Domain, a.store, a.logger)
	refresh := RefreshHandler(a.Manager, a.logger)
	router.GET("/chart/:instance/:event", a.gate(chart))
	router.GET("/refresh/:instance", a.gate(refresh))
	return router
}

func (a *Agent) gate(h httprouter.Handle) httprouter.Handle {
	if a.issuer == nil {
		return h
	}
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		RequireToken(a.issuer, a.logger, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			h(w, req, ps)
		})).ServeHTTP(w, req)
	}
}
