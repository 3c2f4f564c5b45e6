package appmon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// RemoteWriteConfig configures a RemoteWriteSink
type RemoteWriteConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`

	// Series naming: namespace_subsystem_signal_field
	Namespace    string            `yaml:"namespace"`
	Subsystem    string            `yaml:"subsystem"`
	ServiceName  string            `yaml:"service_name"`
	InstanceIP   string            `yaml:"instance_ip"`
	CustomLabels map[string]string `yaml:"custom_labels"`

	Logger *zap.Logger `yaml:"-"`

	// DNS resolver options for re-resolving the remote write host
	DNSEnable          bool          `yaml:"dns_enable"`
	DNSCacheTTL        time.Duration `yaml:"dns_cache_ttl"`
	DNSRefreshInterval time.Duration `yaml:"dns_refresh_interval"`
	DNSTimeout         time.Duration `yaml:"dns_timeout"`
	DNSUDPServers      []string      `yaml:"dns_udp_servers"`   // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string      `yaml:"dns_tls_servers"`   // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string      `yaml:"dns_doh_endpoints"` // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// RemoteWriteSink forwards the numeric fields of published samples to a
// Prometheus remote write endpoint. Publish only records the latest value;
// a background loop writes pending series on each interval.
type RemoteWriteSink struct {
	config RemoteWriteConfig
	logger *zap.Logger

	clientMutex sync.RWMutex
	client      *promwrite.Client

	mutex   sync.Mutex
	pending map[string]promwrite.TimeSeries

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resolver *hostResolver
}

// NewRemoteWriteSink creates a sink writing to config.URL
func NewRemoteWriteSink(config RemoteWriteConfig) (*RemoteWriteSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: remote write URL cannot be empty", ErrConfiguration)
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: remote write URL: %v", ErrConfiguration, err)
	}
	if config.ServiceName == "" {
		config.ServiceName = "appmon"
	}
	if config.InstanceIP == "" {
		config.InstanceIP, _ = os.Hostname()
	}
	config.Interval = pickDuration(config.Interval, 15*time.Second)
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteWriteSink{
		config:  config,
		logger:  logger,
		client:  promwrite.NewClient(config.URL),
		pending: make(map[string]promwrite.TimeSeries),
		ctx:     ctx,
		cancel:  cancel,
		resolver: &hostResolver{
			host:            u.Hostname(),
			enabled:         config.DNSEnable,
			cacheTTL:        pickDuration(config.DNSCacheTTL, 10*time.Minute),
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      append([]string(nil), config.DNSUDPServers...),
			tlsServers:      append([]string(nil), config.DNSTLSServers...),
			dohEndpoints:    append([]string(nil), config.DNSDoHEndpoints...),
		},
	}, nil
}

// Publish implements Sink interface. It never blocks on the network.
func (s *RemoteWriteSink) Publish(ctx context.Context, instance, signal string, sample *Sample) error {
	series := s.convert(sample)
	s.mutex.Lock()
	for _, ts := range series {
		s.pending[seriesKey(ts.Labels)] = ts
	}
	s.mutex.Unlock()
	return nil
}

// convert maps the numeric fields of a sample to time series
func (s *RemoteWriteSink) convert(sample *Sample) []promwrite.TimeSeries {
	prefix := sanitizeMetricName(strings.Trim(s.config.Namespace+"_"+s.config.Subsystem, "_"))
	var result []promwrite.TimeSeries
	for _, field := range sortedKeys(sample.Data) {
		value, ok := toFloat64(sample.Data[field])
		if !ok {
			continue
		}
		name := sanitizeMetricName(sample.Name + "_" + field)
		if prefix != "" {
			name = prefix + "_" + name
		}

		labels := make([]promwrite.Label, 0, 5+len(s.config.CustomLabels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: name},
			promwrite.Label{Name: "instance", Value: s.config.InstanceIP},
			promwrite.Label{Name: "_target_", Value: s.config.ServiceName},
			promwrite.Label{Name: "app_instance", Value: sample.Instance},
			promwrite.Label{Name: "kind", Value: sample.Kind.String()},
		)
		for k, v := range s.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		at := sample.Time
		if at.IsZero() {
			at = time.Now()
		}
		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{Time: at, Value: value},
		})
	}
	return result
}

// Start launches the write loop and, when enabled, the DNS refresh loop
func (s *RemoteWriteSink) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Flush(s.ctx); err != nil {
					s.logger.Error("Failed to write samples", zap.Error(err))
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()

	r := s.resolver
	if r.enabled && r.host != "" && net.ParseIP(r.host) == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(r.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.refreshDNS(false)
				case <-s.ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop ends the loops and writes what is pending
func (s *RemoteWriteSink) Stop() {
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("Failed to write final samples", zap.Error(err))
	}
}

// Flush writes every pending series. Series that fail to write are kept
// unless a newer value replaced them meanwhile.
func (s *RemoteWriteSink) Flush(ctx context.Context) error {
	s.mutex.Lock()
	batch := s.pending
	s.pending = make(map[string]promwrite.TimeSeries)
	s.mutex.Unlock()

	if len(batch) == 0 {
		return nil
	}
	req := &promwrite.WriteRequest{TimeSeries: make([]promwrite.TimeSeries, 0, len(batch))}
	for _, ts := range batch {
		req.TimeSeries = append(req.TimeSeries, ts)
	}

	wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.currentClient().Write(wctx, req)
	if err != nil && s.refreshDNS(true) {
		_, err = s.currentClient().Write(wctx, req)
	}
	if err != nil {
		s.mutex.Lock()
		for k, ts := range batch {
			if _, newer := s.pending[k]; !newer {
				s.pending[k] = ts
			}
		}
		s.mutex.Unlock()
		return fmt.Errorf("writing time series failed: %w", err)
	}
	return nil
}

func (s *RemoteWriteSink) currentClient() *promwrite.Client {
	s.clientMutex.RLock()
	defer s.clientMutex.RUnlock()
	return s.client
}

// refreshDNS re-resolves the remote write host and recreates the client when
// the address set changed or when forced.
func (s *RemoteWriteSink) refreshDNS(force bool) bool {
	ips, changed, ok := s.resolver.refresh(s.ctx, force)
	if !ok {
		return false
	}
	if changed || force {
		s.clientMutex.Lock()
		s.client = promwrite.NewClient(s.config.URL)
		s.clientMutex.Unlock()
		s.logger.Info("Refreshed remote write client after DNS update",
			zap.String("host", s.resolver.host), zap.Strings("ips", ips))
		return true
	}
	return false
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// hostResolver tracks the address set of the remote write host
type hostResolver struct {
	mutex sync.Mutex

	host            string
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string

	resolved    []string
	lastResolve time.Time
	cache       *dnsCacheEntry
}

// refresh resolves the host. It reports the address set, whether it changed
// and whether a resolution happened at all.
func (r *hostResolver) refresh(ctx context.Context, force bool) ([]string, bool, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.host == "" || net.ParseIP(r.host) != nil {
		return nil, false, false
	}
	// Throttle resolves
	if !force && time.Since(r.lastResolve) < time.Minute {
		return nil, false, false
	}

	var (
		ips []string
		err error
	)
	if !force && r.cache != nil && time.Now().Before(r.cache.ttl) {
		ips = r.cache.ips
	} else if r.enabled {
		ips, err = r.resolveFastest(ctx)
	} else {
		var sysIPs []net.IP
		sysIPs, err = net.LookupIP(r.host)
		for _, ip := range sysIPs {
			ips = append(ips, ip.String())
		}
	}
	r.lastResolve = time.Now()
	if err != nil || len(ips) == 0 {
		return nil, false, false
	}
	if r.enabled {
		r.cache = &dnsCacheEntry{ips: ips, ttl: time.Now().Add(r.cacheTTL)}
	}

	sort.Strings(ips)
	changed := !stringSlicesEqual(ips, r.resolved)
	r.resolved = ips
	return ips, changed, true
}

// resolveFastest queries all configured resolvers concurrently and returns first success
func (r *hostResolver) resolveFastest(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	lookups := make([]func() ([]string, error), 0, 1+len(r.udpServers)+len(r.tlsServers)+len(r.dohEndpoints))
	for _, srv := range r.udpServers {
		srv := srv
		lookups = append(lookups, func() ([]string, error) { return exchangeA(ctx, "udp", r.host, srv) })
	}
	for _, srv := range r.tlsServers {
		srv := srv
		lookups = append(lookups, func() ([]string, error) { return exchangeA(ctx, "tcp-tls", r.host, srv) })
	}
	for _, ep := range r.dohEndpoints {
		ep := ep
		lookups = append(lookups, func() ([]string, error) { return resolveDoH(ctx, r.host, ep) })
	}
	// System resolver as fallback
	lookups = append(lookups, func() ([]string, error) {
		netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", r.host)
		ips := make([]string, 0, len(netIPs))
		for _, ip := range netIPs {
			ips = append(ips, ip.String())
		}
		return ips, err
	})

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		lookup := lookup
		go func() {
			ips, err := lookup()
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", r.host)
	}
	return nil, firstErr
}

// exchangeA asks one DNS server for A records over udp or tcp-tls
func exchangeA(ctx context.Context, network, host, server string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns query to %s failed: %v", network, server, err)
	}
	return answerIPs(resp), nil
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var msg dns.Msg
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh rcode: %d", msg.Rcode)
	}
	return answerIPs(&msg), nil
}

func answerIPs(msg *dns.Msg) []string {
	ips := make([]string, 0, len(msg.Answer))
	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seriesKey(labels []promwrite.Label) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(',')
	}
	return b.String()
}

func sanitizeMetricName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ Sink = (*RemoteWriteSink)(nil)
