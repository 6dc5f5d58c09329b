package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// NATSConfig holds the host and observer subjects.
type NATSConfig struct {
	URL           string `yaml:"url"`
	FlowSubject   string `yaml:"flow_subject"`
	DNSSubject    string `yaml:"dns_subject"`
	ReportSubject string `yaml:"report_subject"`
	EventSubject  string `yaml:"event_subject"`
}

// APIConfig holds the HTTP consumer API settings.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	DefaultLimit  int    `yaml:"default_limit"`
	EventBuffer   int    `yaml:"event_buffer"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

// RPCConfig holds the gRPC control plane settings.
type RPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PipelineConfig tunes the host boundary.
type PipelineConfig struct {
	DNSQueueSize    int    `yaml:"dns_queue_size"`
	ClosedRetention string `yaml:"closed_retention"`
	PruneInterval   string `yaml:"prune_interval"`
}

// RuleConfig is one policy rule.
type RuleConfig struct {
	Name      string   `yaml:"name"`
	Action    string   `yaml:"action"`
	Hosts     []string `yaml:"hosts"`
	Ports     []uint16 `yaml:"ports"`
	Processes []string `yaml:"processes"`
	Protocol  string   `yaml:"protocol"`
	Direction string   `yaml:"direction"`
}

// PolicyConfig selects the decider.
type PolicyConfig struct {
	Default string       `yaml:"default"`
	Rules   []RuleConfig `yaml:"rules"`
}

// ResolversConfig locates the flow enrichment sources.
type ResolversConfig struct {
	ServicesFile     string `yaml:"services_file"`
	LocationsFile    string `yaml:"locations_file"`
	ProcRoot         string `yaml:"proc_root"`
	ProcessCacheTTL  string `yaml:"process_cache_ttl"`
	ProcessCacheSize int    `yaml:"process_cache_size"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// JSONLConfig holds the flow log file settings.
type JSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// SinkConfig holds the closed-flow persistence settings.
type SinkConfig struct {
	Writers       []string         `yaml:"writers"`
	BatchSize     int              `yaml:"batch_size"`
	FlushInterval string           `yaml:"flush_interval"`
	ChannelSize   int              `yaml:"channel_size"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
	JSONL         JSONLConfig      `yaml:"jsonl"`
}

// SnapshotConfig holds the on-disk flow table snapshot settings.
type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootPath string `yaml:"root_path"`
	Interval string `yaml:"interval"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`
	API       APIConfig       `yaml:"api"`
	RPC       RPCConfig       `yaml:"rpc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Policy    PolicyConfig    `yaml:"policy"`
	Resolvers ResolversConfig `yaml:"resolvers"`
	Sink      SinkConfig      `yaml:"sink"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")
	setDefault(&c.Log.MaxSizeMB, 100)
	setDefault(&c.Log.MaxBackups, 5)
	setDefault(&c.Log.MaxAgeDays, 28)

	setDefault(&c.NATS.URL, "nats://127.0.0.1:4222")
	setDefault(&c.NATS.FlowSubject, "flowwarden.host.flows")
	setDefault(&c.NATS.DNSSubject, "flowwarden.host.dns")
	setDefault(&c.NATS.ReportSubject, "flowwarden.host.reports")
	setDefault(&c.NATS.EventSubject, "flowwarden.events")

	setDefault(&c.API.ListenAddr, ":8080")
	setDefault(&c.API.DefaultLimit, 100)
	setDefault(&c.API.EventBuffer, 256)
	setDefault(&c.RPC.ListenAddr, ":50051")
	setDefault(&c.Metrics.Path, "/metrics")

	setDefault(&c.Pipeline.DNSQueueSize, 1024)
	setDefault(&c.Pipeline.ClosedRetention, "10m")
	setDefault(&c.Pipeline.PruneInterval, "1m")

	setDefault(&c.Policy.Default, "allow")

	setDefault(&c.Resolvers.ProcRoot, "/proc")
	setDefault(&c.Resolvers.ProcessCacheTTL, "5m")
	setDefault(&c.Resolvers.ProcessCacheSize, 4096)

	setDefault(&c.Sink.BatchSize, 500)
	setDefault(&c.Sink.FlushInterval, "5s")
	setDefault(&c.Sink.ChannelSize, 4096)
	setDefault(&c.Sink.ClickHouse.Port, 9000)
	setDefault(&c.Sink.ClickHouse.Database, "default")
	setDefault(&c.Sink.ClickHouse.Table, "flows")
	setDefault(&c.Sink.ClickHouse.Username, "default")
	setDefault(&c.Sink.JSONL.MaxSizeMB, 100)
	setDefault(&c.Sink.JSONL.MaxBackups, 10)

	setDefault(&c.Snapshot.RootPath, "./snapshots")
	setDefault(&c.Snapshot.Interval, "1m")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate reports every setting that cannot be used as given.
func (c *Config) Validate() error {
	var errs []error

	for name, d := range map[string]string{
		"pipeline.closed_retention":   c.Pipeline.ClosedRetention,
		"pipeline.prune_interval":     c.Pipeline.PruneInterval,
		"resolvers.process_cache_ttl": c.Resolvers.ProcessCacheTTL,
		"sink.flush_interval":         c.Sink.FlushInterval,
		"snapshot.interval":           c.Snapshot.Interval,
	} {
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", name, d))
		}
	}

	if c.Pipeline.DNSQueueSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.dns_queue_size must be positive"))
	}
	if c.Sink.BatchSize < 1 || c.Sink.ChannelSize < 1 {
		errs = append(errs, fmt.Errorf("sink.batch_size and sink.channel_size must be positive"))
	}
	if !isAction(c.Policy.Default) {
		errs = append(errs, fmt.Errorf("policy.default must be allow, deny or defer, got %q", c.Policy.Default))
	}
	for i, r := range c.Policy.Rules {
		if !isAction(r.Action) {
			errs = append(errs, fmt.Errorf("policy.rules[%d] (%s): unknown action %q", i, r.Name, r.Action))
		}
		switch r.Protocol {
		case "", "tcp", "udp":
		default:
			errs = append(errs, fmt.Errorf("policy.rules[%d] (%s): unknown protocol %q", i, r.Name, r.Protocol))
		}
		switch r.Direction {
		case "", "any", "inbound", "outbound":
		default:
			errs = append(errs, fmt.Errorf("policy.rules[%d] (%s): unknown direction %q", i, r.Name, r.Direction))
		}
	}
	for _, w := range c.Sink.Writers {
		if w == "jsonl" && c.Sink.JSONL.Path == "" {
			errs = append(errs, fmt.Errorf("sink.jsonl.path is required by the jsonl writer"))
		}
		if w == "clickhouse" && c.Sink.ClickHouse.Host == "" {
			errs = append(errs, fmt.Errorf("sink.clickhouse.host is required by the clickhouse writer"))
		}
	}

	return errors.Join(errs...)
}

func isAction(s string) bool {
	switch s {
	case "allow", "deny", "defer":
		return true
	}
	return false
}

// Duration parses a duration field that Validate already accepted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
