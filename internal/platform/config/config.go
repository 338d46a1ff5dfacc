package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. QUOTER_HTTP_PORT.
const EnvPrefix = "QUOTER"

// Source kinds accepted in the sources section.
var sourceKinds = map[string]bool{
	"constant_product": true,
	"weighted":         true,
	"stable_swap":      true,
	"concentrated":     true,
}

// Config holds all configuration for the quoter
type Config struct {
	Ethereum      EthereumConfig      `mapstructure:"ethereum"`
	Sources       []SourceConfig      `mapstructure:"sources"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Tokens        []TokenConfig       `mapstructure:"tokens"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// EthereumConfig holds Ethereum connection configuration
type EthereumConfig struct {
	WebSocketURLs       []string        `mapstructure:"websocket_urls"`
	RPCEndpoints        []RPCEndpoint   `mapstructure:"rpc_endpoints"`
	CallTimeout         time.Duration   `mapstructure:"call_timeout"`
	HealthCheckInterval time.Duration   `mapstructure:"health_check_interval"`
	BatchSize           int             `mapstructure:"batch_size"`
	PollInterval        time.Duration   `mapstructure:"poll_interval"`
	MaxWSFailures       int             `mapstructure:"max_ws_failures"`
	Reconnect           ReconnectConfig `mapstructure:"reconnect"`
}

// RPCEndpoint represents an Ethereum RPC endpoint
type RPCEndpoint struct {
	URL               string  `mapstructure:"url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 disables rate limiting
	Burst             int     `mapstructure:"burst"`
}

// ReconnectConfig holds WebSocket reconnection settings
type ReconnectConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	Jitter     float64       `mapstructure:"jitter"`
}

// SourceConfig declares one liquidity source.
type SourceConfig struct {
	Name    string   `mapstructure:"name"`
	Kind    string   `mapstructure:"kind"`
	Factory string   `mapstructure:"factory"`
	Vault   string   `mapstructure:"vault"`
	Pools   []string `mapstructure:"pools"`
	// FeeBps overrides the constant product fee; 0 means 30.
	FeeBps         uint32   `mapstructure:"fee_bps"`
	FeeTiers       []uint32 `mapstructure:"fee_tiers"`
	TickWordRadius int      `mapstructure:"tick_word_radius"`
}

// CacheConfig holds the state cache settings
type CacheConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// SnapshotTTL is how long snapshots stay in the shared Redis store.
	SnapshotTTL  time.Duration `mapstructure:"snapshot_ttl"`
	MetadataSize int           `mapstructure:"metadata_size"`
}

// OrchestratorConfig bounds concurrent state fetches
type OrchestratorConfig struct {
	MaxInFlight int64         `mapstructure:"max_in_flight"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// RegistryConfig holds pool health and discovery settings
type RegistryConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryCooldown time.Duration `mapstructure:"recovery_cooldown"`
	DiscoveryTTL     time.Duration `mapstructure:"discovery_ttl"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	MaxReorgDepth    uint64        `mapstructure:"max_reorg_depth"`
}

// MaintenanceConfig holds the per-head refresh settings
type MaintenanceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	RecentWindow time.Duration `mapstructure:"recent_window"`
	UpdateSize   int           `mapstructure:"update_size"`
	ProbeEvery   int           `mapstructure:"probe_every"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Addresses lists one node, or every seed node of a cluster.
	Addresses []string `mapstructure:"addresses"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	KeyPrefix string   `mapstructure:"key_prefix"`
	PoolSize  int      `mapstructure:"pool_size"`
}

// AnalyticsConfig holds the local quote history settings
type AnalyticsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
	// NotifyStatuses limits published quote events to these outcomes; empty means all.
	NotifyStatuses []string `mapstructure:"notify_statuses"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
	// File adds a rotated log file next to stdout when Path is set.
	File LogFileConfig `mapstructure:"file"`
}

// LogFileConfig holds log file rotation settings
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Exporter     string `mapstructure:"exporter"` // prometheus or otlp
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load loads configuration from file and environment variables. Environment
// variables use the QUOTER prefix with dots replaced by underscores.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Ethereum defaults
	v.SetDefault("ethereum.websocket_urls", []string{})
	v.SetDefault("ethereum.call_timeout", "10s")
	v.SetDefault("ethereum.health_check_interval", "30s")
	v.SetDefault("ethereum.batch_size", 100)
	v.SetDefault("ethereum.poll_interval", "12s")
	v.SetDefault("ethereum.max_ws_failures", 3)
	v.SetDefault("ethereum.reconnect.base_delay", "500ms")
	v.SetDefault("ethereum.reconnect.max_backoff", "30s")
	v.SetDefault("ethereum.reconnect.jitter", 0.2)

	// State cache defaults
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.fetch_timeout", "10s")
	v.SetDefault("cache.snapshot_ttl", "5m")
	v.SetDefault("cache.metadata_size", 4096)

	v.SetDefault("orchestrator.max_in_flight", 32)
	v.SetDefault("orchestrator.pool_timeout", "2s")

	v.SetDefault("registry.failure_threshold", 3)
	v.SetDefault("registry.recovery_cooldown", "1m")
	v.SetDefault("registry.discovery_ttl", "10m")
	v.SetDefault("registry.discovery_timeout", "15s")
	v.SetDefault("registry.max_reorg_depth", 64)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.recent_window", "1m")
	v.SetDefault("maintenance.update_size", 200)
	v.SetDefault("maintenance.probe_every", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "quoter:")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("analytics.enabled", false)
	v.SetDefault("analytics.path", "./data/quotes.db")
	v.SetDefault("analytics.retention", "168h")
	v.SetDefault("analytics.workers", 1)
	v.SetDefault("analytics.queue_size", 1024)

	// AWS defaults
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sns_topic_arn", "")
	v.SetDefault("aws.notify_statuses", []string{})

	// Observability defaults
	v.SetDefault("observability.service_name", "native-liquidity-quoter")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.file.path", "")
	v.SetDefault("observability.logging.file.max_size_mb", 100)
	v.SetDefault("observability.logging.file.max_backups", 5)
	v.SetDefault("observability.logging.file.max_age_days", 14)
	v.SetDefault("observability.logging.file.compress", true)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.exporter", "prometheus")
	v.SetDefault("observability.metrics.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.metrics.insecure", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.request_timeout", "10s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Ethereum.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}
	for i, ep := range c.Ethereum.RPCEndpoints {
		if ep.URL == "" {
			return fmt.Errorf("rpc endpoint %d: url is required", i)
		}
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one liquidity source is required")
	}
	names := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		names[src.Name] = true
	}

	for _, tok := range c.Tokens {
		if tok.Symbol == "" || !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("invalid token %q: symbol and hex address are required", tok.Symbol)
		}
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be > 0")
	}
	if c.Orchestrator.MaxInFlight <= 0 {
		return fmt.Errorf("orchestrator max_in_flight must be > 0")
	}
	if c.Registry.FailureThreshold <= 0 {
		return fmt.Errorf("registry failure_threshold must be > 0")
	}

	// Redis validation
	if c.Redis.Enabled && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis address is required")
	}

	if c.Analytics.Enabled && c.Analytics.Path == "" {
		return fmt.Errorf("analytics path is required")
	}

	// AWS validation
	if c.AWS.SNSTopicARN != "" && c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required")
	}

	// Observability validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	switch c.Observability.Metrics.Exporter {
	case "prometheus", "otlp":
	default:
		return fmt.Errorf("invalid metrics exporter: %s", c.Observability.Metrics.Exporter)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}

	return nil
}

func (s SourceConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !sourceKinds[s.Kind] {
		return fmt.Errorf("%s: unknown kind %q", s.Name, s.Kind)
	}
	for _, addr := range append([]string{s.Factory, s.Vault}, s.Pools...) {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", s.Name, addr)
		}
	}
	if s.Kind == "weighted" && s.Vault == "" {
		return fmt.Errorf("%s: weighted sources need the vault address", s.Name)
	}
	if s.Factory == "" && len(s.Pools) == 0 {
		return fmt.Errorf("%s: either factory or pools is required", s.Name)
	}
	return nil
}
