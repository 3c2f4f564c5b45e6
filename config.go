package appmon

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config defines the configuration for the monitoring engine
type Config struct {
	// Domain identifies this deployment in the counter store
	Domain string `yaml:"domain"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	FlushConcurrency int           `yaml:"flush_concurrency"`
	SinkTimeout      time.Duration `yaml:"sink_timeout"`

	Instances []InstanceConfig `yaml:"instances"`

	Token       TokenConfig       `yaml:"token"`
	Database    DatabaseConfig    `yaml:"database"`
	HTTP        HTTPConfig        `yaml:"http"`
	RemoteWrite RemoteWriteConfig `yaml:"remote_write"`

	MetricsNamespace string `yaml:"metrics_namespace"`

	// Optional logger
	Logger *zap.Logger `yaml:"-"`
	// Optional registerer for self metrics; a private registry is used when nil
	Registerer prometheus.Registerer `yaml:"-"`
}

// InstanceConfig lists the signals and counted events of one monitored instance
type InstanceConfig struct {
	Name    string         `yaml:"name"`
	Events  []string       `yaml:"events"`
	Signals []SignalConfig `yaml:"signals"`
}

// SignalConfig is the file form of a Signal
type SignalConfig struct {
	Name       string         `yaml:"name"`
	Title      string         `yaml:"title"`
	Kind       string         `yaml:"kind"`
	Target     string         `yaml:"target"`
	Leading    bool           `yaml:"leading"`
	Parameters map[string]any `yaml:"parameters"`
}

// Signal converts the file form into an immutable descriptor
func (c SignalConfig) Signal() (Signal, error) {
	kind, err := ParseKind(c.Kind)
	if err != nil {
		return Signal{}, fmt.Errorf("signal %q: %w", c.Name, err)
	}
	return NewSignal(kind, c.Name, c.Title, c.Target, c.Parameters, c.Leading), nil
}

// TokenConfig configures the access token issuer
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// DatabaseConfig selects the SQL counter store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
	Migrate     bool   `yaml:"migrate"`
}

// HTTPConfig configures the chart and metrics endpoints of cmd/appmon
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	cfg := Config{Domain: "default"}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML configuration file, applies defaults and validates it
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML configuration, applies defaults and validates it
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.PollInterval = pickDuration(c.PollInterval, time.Second)
	c.FlushInterval = pickDuration(c.FlushInterval, 5*time.Minute)
	c.SinkTimeout = pickDuration(c.SinkTimeout, 500*time.Millisecond)
	c.Token.TTL = pickDuration(c.Token.TTL, DefaultTokenTTL)
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = 4
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.TablePrefix == "" {
		c.Database.TablePrefix = "appmon_event_count"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8089"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "appmon"
	}
}

// Validate checks names and kinds of every configured instance and signal
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("%w: domain cannot be empty", ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("%w: instance name cannot be empty", ErrConfiguration)
		}
		if seen[inst.Name] {
			return fmt.Errorf("%w: duplicate instance %q", ErrConfiguration, inst.Name)
		}
		seen[inst.Name] = true

		signals := make(map[string]bool, len(inst.Signals))
		for _, sc := range inst.Signals {
			if sc.Name == "" {
				return fmt.Errorf("%w: instance %q has a signal without name", ErrConfiguration, inst.Name)
			}
			if signals[sc.Name] {
				return fmt.Errorf("%w: instance %q has duplicate signal %q", ErrConfiguration, inst.Name, sc.Name)
			}
			signals[sc.Name] = true
			if _, err := ParseKind(sc.Kind); err != nil {
				return fmt.Errorf("instance %q signal %q: %w", inst.Name, sc.Name, err)
			}
		}
	}
	return nil
}
