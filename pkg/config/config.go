// Package config loads the netopt configuration file, applies NETOPT_*
// environment overrides and seeds the policy store from a watched file.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/telemetry"
)

// Config holds the global configuration for netopt.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Store      StoreConfig      `yaml:"store"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Controller ControllerConfig `yaml:"controller"`
	Flows      FlowsConfig      `yaml:"flows"`
	Feed       FeedConfig       `yaml:"feed"`
	Southbound SouthboundConfig `yaml:"southbound"`
	Policies   PoliciesConfig   `yaml:"policies"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string                       `yaml:"admin_address"`
	ShutdownTimeout time.Duration                `yaml:"shutdown_timeout"`
	RateLimit       governance.RateLimiterConfig `yaml:"rate_limit"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Pretty bool   `yaml:"pretty"`
}

// StoreConfig selects the policy store backend.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // memory or postgres
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// MonitorConfig configures probing and the network model.
type MonitorConfig struct {
	Interval        time.Duration     `yaml:"interval"`
	ProbeTimeout    time.Duration     `yaml:"probe_timeout"`
	Concurrency     int               `yaml:"concurrency"`
	ProbePort       int               `yaml:"probe_port"`
	ProbeLinks      bool              `yaml:"probe_links"`
	PortStats       bool              `yaml:"port_stats"`
	MeasurementTTL  time.Duration     `yaml:"measurement_ttl"`
	SampleRetention time.Duration     `yaml:"sample_retention"`
	Endpoints       []domain.Endpoint `yaml:"endpoints"`
}

// ControllerConfig configures the optimization loop.
type ControllerConfig struct {
	Interval               time.Duration `yaml:"interval"`
	LatencyThresholdMs     float64       `yaml:"latency_threshold_ms"`
	CongestionThresholdBps float64       `yaml:"congestion_threshold_bps"`
	CooldownTicks          int           `yaml:"cooldown_ticks"`
	DefaultLinkCost        float64       `yaml:"default_link_cost"`
	PolicyTTL              time.Duration `yaml:"policy_ttl"`
	StoreTimeout           time.Duration `yaml:"store_timeout"`
	FlowTTLSeconds         int           `yaml:"flow_ttl_seconds"`
	ReroutePriority        int           `yaml:"reroute_priority"`
	QoSPriority            int           `yaml:"qos_priority"`
	QoSQueueID             int           `yaml:"qos_queue_id"`
	Concurrency            int           `yaml:"concurrency"`
}

// FlowsConfig configures the flow lifecycle manager.
type FlowsConfig struct {
	DefaultTTL    time.Duration          `yaml:"default_ttl"`
	ReapInterval  time.Duration          `yaml:"reap_interval"`
	RemoveTimeout time.Duration          `yaml:"remove_timeout"`
	Retry         governance.RetryConfig `yaml:"retry"`
}

// FeedConfig configures the status feed and its external sinks.
type FeedConfig struct {
	Capacity    int           `yaml:"capacity"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
	NATS        NATSConfig    `yaml:"nats"`
	Kafka       KafkaConfig   `yaml:"kafka"`
}

// NATSConfig enables the NATS sink when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SouthboundConfig configures the SDN controller adapter. With no ONOS URL
// the topology comes from StaticTopologyFile and flows are only logged.
type SouthboundConfig struct {
	ONOS               ONOSConfig    `yaml:"onos"`
	SyncInterval       time.Duration `yaml:"sync_interval"`
	SyncTimeout        time.Duration `yaml:"sync_timeout"`
	StaticTopologyFile string        `yaml:"static_topology_file"`
}

// ONOSConfig holds the ONOS REST credentials.
type ONOSConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	AppID    string        `yaml:"app_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PoliciesConfig locates the policy seed file and Rego modules.
type PoliciesConfig struct {
	SeedFile        string            `yaml:"seed_file"`
	Watch           bool              `yaml:"watch"`
	RegoDir         string            `yaml:"rego_dir"`
	RegoEntrypoint  string            `yaml:"rego_entrypoint"`
	FailurePosture  string            `yaml:"failure_posture"`
	PostureByDomain map[string]string `yaml:"posture_by_domain"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":8181",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       governance.RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 20},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Driver: "memory"},
		Monitor: MonitorConfig{
			Interval:       10 * time.Second,
			ProbeTimeout:   2 * time.Second,
			Concurrency:    8,
			ProbePort:      22,
			MeasurementTTL: 30 * time.Second,
		},
		Controller: ControllerConfig{
			Interval:               5 * time.Second,
			LatencyThresholdMs:     50,
			CongestionThresholdBps: 80e6,
			CooldownTicks:          1,
			DefaultLinkCost:        1,
			PolicyTTL:              5 * time.Second,
			StoreTimeout:           3 * time.Second,
			FlowTTLSeconds:         60,
			ReroutePriority:        40000,
			QoSPriority:            30000,
			QoSQueueID:             1,
			Concurrency:            8,
		},
		Flows: FlowsConfig{
			DefaultTTL:    60 * time.Second,
			ReapInterval:  5 * time.Second,
			RemoveTimeout: 5 * time.Second,
			Retry:         governance.DefaultRetryConfig(),
		},
		Feed: FeedConfig{
			Capacity:    1024,
			SinkTimeout: 5 * time.Second,
			NATS:        NATSConfig{SubjectPrefix: "netopt.status"},
			Kafka:       KafkaConfig{WriteTimeout: 5 * time.Second},
		},
		Southbound: SouthboundConfig{
			ONOS:         ONOSConfig{AppID: "org.polisai.netopt", Timeout: 5 * time.Second},
			SyncInterval: 30 * time.Second,
			SyncTimeout:  10 * time.Second,
		},
		Policies: PoliciesConfig{Watch: true, FailurePosture: "fail-open"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("NETOPT_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("NETOPT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("NETOPT_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("NETOPT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("NETOPT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("NETOPT_STORE_DRIVER"); val != "" {
		cfg.Store.Driver = val
	}
	if val := os.Getenv("NETOPT_STORE_DSN"); val != "" {
		cfg.Store.DSN = val
	}

	if val := os.Getenv("NETOPT_ONOS_URL"); val != "" {
		cfg.Southbound.ONOS.URL = val
	}
	if val := os.Getenv("NETOPT_ONOS_USER"); val != "" {
		cfg.Southbound.ONOS.Username = val
	}
	if val := os.Getenv("NETOPT_ONOS_PASSWORD"); val != "" {
		cfg.Southbound.ONOS.Password = val
	}

	if val := os.Getenv("NETOPT_NATS_URL"); val != "" {
		cfg.Feed.NATS.URL = val
	}
	if val := os.Getenv("NETOPT_KAFKA_BROKERS"); val != "" {
		cfg.Feed.Kafka.Brokers = splitList(val)
	}
	if val := os.Getenv("NETOPT_KAFKA_TOPIC"); val != "" {
		cfg.Feed.Kafka.Topic = val
	}

	if val := os.Getenv("NETOPT_POLICY_FILE"); val != "" {
		cfg.Policies.SeedFile = val
	}

	if val := os.Getenv("NETOPT_LATENCY_THRESHOLD_MS"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return &domain.ConfigError{Field: "NETOPT_LATENCY_THRESHOLD_MS", Reason: err.Error()}
		}
		cfg.Controller.LatencyThresholdMs = f
	}
	if val := os.Getenv("NETOPT_CONGESTION_THRESHOLD_BPS"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return &domain.ConfigError{Field: "NETOPT_CONGESTION_THRESHOLD_BPS", Reason: err.Error()}
		}
		cfg.Controller.CongestionThresholdBps = f
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor configuration: %w", err)
	}
	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("controller configuration: %w", err)
	}
	if err := c.Feed.Validate(); err != nil {
		return fmt.Errorf("feed configuration: %w", err)
	}
	if err := c.Southbound.Validate(); err != nil {
		return fmt.Errorf("southbound configuration: %w", err)
	}
	if err := c.Policies.Validate(); err != nil {
		return fmt.Errorf("policies configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":8181"
	}
	if _, _, err := net.SplitHostPort(c.AdminAddress); err != nil {
		return &domain.ConfigError{Field: "server.admin_address", Reason: err.Error()}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return &domain.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)}
	}

	switch strings.ToLower(c.Format) {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = "text"
	default:
		return &domain.ConfigError{Field: "logging.format", Reason: fmt.Sprintf("unsupported format %q", c.Format)}
	}
	return nil
}

// Validate checks the store driver and DSN.
func (c *StoreConfig) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", "memory":
		c.Driver = "memory"
	case "postgres", "postgresql":
		c.Driver = "postgres"
		if strings.TrimSpace(c.DSN) == "" {
			return &domain.ConfigError{Field: "store.dsn", Reason: "required for postgres driver"}
		}
	default:
		return &domain.ConfigError{Field: "store.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Driver)}
	}
	return nil
}

// Validate checks statically configured endpoints.
func (c *MonitorConfig) Validate() error {
	if c.Concurrency < 0 {
		return &domain.ConfigError{Field: "monitor.concurrency", Reason: "must not be negative"}
	}
	for i, ep := range c.Endpoints {
		if net.ParseIP(ep.IP) == nil {
			return &domain.ConfigError{Field: fmt.Sprintf("monitor.endpoints[%d].ip", i), Reason: fmt.Sprintf("invalid address %q", ep.IP)}
		}
		if ep.Role != domain.RoleServer && ep.Role != domain.RoleClient {
			return &domain.ConfigError{Field: fmt.Sprintf("monitor.endpoints[%d].role", i), Reason: fmt.Sprintf("unknown role %q", ep.Role)}
		}
	}
	return nil
}

// Validate rejects negative thresholds.
func (c *ControllerConfig) Validate() error {
	if c.LatencyThresholdMs < 0 {
		return &domain.ConfigError{Field: "controller.latency_threshold_ms", Reason: "must not be negative"}
	}
	if c.CongestionThresholdBps < 0 {
		return &domain.ConfigError{Field: "controller.congestion_threshold_bps", Reason: "must not be negative"}
	}
	if c.CooldownTicks < 0 {
		return &domain.ConfigError{Field: "controller.cooldown_ticks", Reason: "must not be negative"}
	}
	if c.StoreTimeout < 0 {
		return &domain.ConfigError{Field: "controller.store_timeout", Reason: "must not be negative"}
	}
	return nil
}

// Validate requires a topic whenever Kafka brokers are configured.
func (c *FeedConfig) Validate() error {
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return &domain.ConfigError{Field: "feed.kafka.topic", Reason: "required when brokers are set"}
	}
	return nil
}

// Validate checks the ONOS URL when one is configured.
func (c *SouthboundConfig) Validate() error {
	if c.ONOS.URL == "" {
		return nil
	}
	u, err := url.Parse(c.ONOS.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &domain.ConfigError{Field: "southbound.onos.url", Reason: fmt.Sprintf("invalid url %q", c.ONOS.URL)}
	}
	return nil
}

// Validate checks posture names.
func (c *PoliciesConfig) Validate() error {
	switch c.FailurePosture {
	case "", "fail-open", "fail-closed":
	default:
		return &domain.ConfigError{Field: "policies.failure_posture", Reason: fmt.Sprintf("unsupported posture %q", c.FailurePosture)}
	}
	return nil
}
