package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
ethereum:
  websocket_urls: ["wss://node.example/ws"]
  rpc_endpoints:
    - url: https://node.example
      requests_per_second: 25
      burst: 5
sources:
  - name: uniswap-v2
    kind: constant_product
    factory: "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"
  - name: balancer
    kind: weighted
    vault: "0xBA12222222228d8Ba445958a75a0704d566BF2C8"
    pools: ["0x5c6Ee304399DBdB9C8Ef030aB642B10820DB8F56"]
tokens:
  - symbol: CRV
    address: "0xD533a949740bb3306d119CC777fa900bA034cd52"
    decimals: 18
cache:
  capacity: 500
  fetch_timeout: 3s
observability:
  logging:
    level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Sources) != 2 || cfg.Sources[1].Kind != "weighted" {
		t.Fatalf("unexpected sources: %+v", cfg.Sources)
	}
	if ep := cfg.Ethereum.RPCEndpoints[0]; ep.RequestsPerSecond != 25 || ep.Burst != 5 {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
	if cfg.Cache.Capacity != 500 || cfg.Cache.FetchTimeout != 3*time.Second {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("log level: got %s", cfg.Observability.Logging.Level)
	}

	// defaults
	if cfg.Orchestrator.MaxInFlight != 32 || cfg.Orchestrator.PoolTimeout != 2*time.Second {
		t.Errorf("orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Registry.FailureThreshold != 3 || cfg.Registry.MaxReorgDepth != 64 {
		t.Errorf("registry defaults: %+v", cfg.Registry)
	}
	if cfg.HTTP.Port != 8080 || cfg.Observability.Logging.Format != "json" {
		t.Errorf("http/logging defaults: %+v %+v", cfg.HTTP, cfg.Observability.Logging)
	}
	if cfg.Analytics.Retention != 168*time.Hour {
		t.Errorf("analytics retention: got %s", cfg.Analytics.Retention)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUOTER_HTTP_PORT", "9999")
	t.Setenv("QUOTER_CACHE_FETCH_TIMEOUT", "750ms")
	t.Setenv("QUOTER_REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("http port: got %d", cfg.HTTP.Port)
	}
	if cfg.Cache.FetchTimeout != 750*time.Millisecond {
		t.Errorf("fetch timeout: got %s", cfg.Cache.FetchTimeout)
	}
	if !cfg.Redis.Enabled {
		t.Error("redis should be enabled from env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func validConfig() Config {
	return Config{
		Ethereum: EthereumConfig{RPCEndpoints: []RPCEndpoint{{URL: "https://node.example"}}},
		Sources: []SourceConfig{
			{Name: "uniswap-v2", Kind: "constant_product", Factory: "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"},
		},
		Cache:        CacheConfig{Capacity: 10},
		Orchestrator: OrchestratorConfig{MaxInFlight: 4},
		Registry:     RegistryConfig{FailureThreshold: 3},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Metrics: MetricsConfig{Exporter: "prometheus"},
		},
		HTTP: HTTPConfig{Port: 8080},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		errPart string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no endpoints", func(c *Config) { c.Ethereum.RPCEndpoints = nil }, "RPC endpoint"},
		{"no sources", func(c *Config) { c.Sources = nil }, "liquidity source"},
		{"unknown kind", func(c *Config) { c.Sources[0].Kind = "orderbook" }, "unknown kind"},
		{"bad pool address", func(c *Config) { c.Sources[0].Pools = []string{"0x12"} }, "invalid address"},
		{"weighted without vault", func(c *Config) {
			c.Sources[0] = SourceConfig{Name: "bal", Kind: "weighted", Pools: []string{"0x5c6Ee304399DBdB9C8Ef030aB642B10820DB8F56"}}
		}, "vault"},
		{"no factory or pools", func(c *Config) { c.Sources[0].Factory = "" }, "factory or pools"},
		{"duplicate names", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, "duplicate"},
		{"bad token", func(c *Config) { c.Tokens = []TokenConfig{{Symbol: "X", Address: "zz"}} }, "invalid token"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "capacity"},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true }, "redis address"},
		{"bad log level", func(c *Config) { c.Observability.Logging.Level = "trace" }, "log level"},
		{"bad exporter", func(c *Config) { c.Observability.Metrics.Exporter = "statsd" }, "exporter"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "http port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errPart == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}
}
