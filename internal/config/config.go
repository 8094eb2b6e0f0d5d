// Package config loads the relay configuration from an optional config.yaml
// and RELAY_-prefixed environment variables, env taking precedence.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/memchat-relay/internal/domain"
	"github.com/tjfontaine/memchat-relay/internal/memory"
	"github.com/tjfontaine/memchat-relay/internal/prompt"
	"github.com/tjfontaine/memchat-relay/internal/resilience"
	"github.com/tjfontaine/memchat-relay/internal/retrieval"
)

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	LLM       LLMConfig        `koanf:"llm"`
	Memory    MemoryConfig     `koanf:"memory"`
	Retrieval retrieval.Config `koanf:"retrieval"`
	Prompt    PromptConfig     `koanf:"prompt"`
	Pricing   PricingConfig    `koanf:"pricing"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	Stream    StreamConfig     `koanf:"stream"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type LLMConfig struct {
	APIKey       string `koanf:"api_key"`
	BaseURL      string `koanf:"base_url"`
	DefaultModel string `koanf:"default_model"`
	MaxTokens    int    `koanf:"max_tokens"`
}

type MemoryConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	SearchTimeoutMs      int `koanf:"search_timeout_ms"`
	CrossRegionLatencyMs int `koanf:"cross_region_latency_ms"`
	SearchTimeoutCapMs   int `koanf:"search_timeout_cap_ms"`
	CacheTTLSeconds      int `koanf:"cache_ttl_seconds"`
	CacheSize            int `koanf:"cache_size"`

	Breaker BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold"`
	OpenTimeoutMs    int `koanf:"open_timeout_ms"`
	HalfOpenProbes   int `koanf:"half_open_probes"`
}

type PromptConfig struct {
	SystemText string         `koanf:"system_text"`
	Budgets    prompt.Budgets `koanf:"budgets"`
}

type PricingConfig struct {
	DBPath string        `koanf:"db_path"`
	Models []PricingSeed `koanf:"models"`
}

// PricingSeed is one pricing row loaded from config and upserted at startup.
type PricingSeed struct {
	Model              string  `koanf:"model"`
	InputPerMtok       float64 `koanf:"input_per_mtok"`
	OutputPerMtok      float64 `koanf:"output_per_mtok"`
	CachedInputPerMtok float64 `koanf:"cached_input_per_mtok"`
}

type TelemetryConfig struct {
	DBPath string `koanf:"db_path"`
}

type StreamConfig struct {
	HeartbeatIntervalMs int `koanf:"heartbeat_interval_ms"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (when present) and the environment.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads the named YAML file (when present) and the environment.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.LLM.APIKey = substituteEnvVars(cfg.LLM.APIKey)
	cfg.Memory.APIKey = substituteEnvVars(cfg.Memory.APIKey)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.Memory.SearchTimeoutMs == 0 {
		c.Memory.SearchTimeoutMs = 500
	}
	if c.Memory.CrossRegionLatencyMs == 0 {
		c.Memory.CrossRegionLatencyMs = 150
	}
	if c.Memory.SearchTimeoutCapMs == 0 {
		c.Memory.SearchTimeoutCapMs = 700
	}
	if c.Memory.CacheTTLSeconds == 0 {
		c.Memory.CacheTTLSeconds = 60
	}
	if c.Memory.CacheSize == 0 {
		c.Memory.CacheSize = 1024
	}
	if c.Memory.Breaker.FailureThreshold == 0 {
		c.Memory.Breaker.FailureThreshold = 5
	}
	if c.Memory.Breaker.OpenTimeoutMs == 0 {
		c.Memory.Breaker.OpenTimeoutMs = 60_000
	}
	if c.Memory.Breaker.HalfOpenProbes == 0 {
		c.Memory.Breaker.HalfOpenProbes = 3
	}
	if c.Stream.HeartbeatIntervalMs == 0 {
		c.Stream.HeartbeatIntervalMs = 10_000
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval = retrieval.DefaultConfig()
	}
	c.Retrieval = c.Retrieval.Normalize()
	if c.Prompt.SystemText == "" {
		c.Prompt.SystemText = "You are a helpful assistant with long-term memory of prior conversations."
	}
	if c.Prompt.Budgets.System == 0 {
		c.Prompt.Budgets = prompt.DefaultBudgets()
	}
	if c.Pricing.DBPath == "" {
		c.Pricing.DBPath = "./data/pricing.db"
	}
	if c.Telemetry.DBPath == "" {
		c.Telemetry.DBPath = "./data/telemetry.db"
	}
}

// FallbackConfig converts the memory settings for the fallback service.
func (c MemoryConfig) FallbackConfig() memory.FallbackConfig {
	return memory.FallbackConfig{
		SearchTimeout:      time.Duration(c.SearchTimeoutMs) * time.Millisecond,
		CrossRegionLatency: time.Duration(c.CrossRegionLatencyMs) * time.Millisecond,
		SearchTimeoutCap:   time.Duration(c.SearchTimeoutCapMs) * time.Millisecond,
		CacheTTL:           time.Duration(c.CacheTTLSeconds) * time.Second,
		CacheSize:          c.CacheSize,
	}
}

// BreakerConfig converts the breaker settings.
func (c BreakerConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		OpenTimeout:      time.Duration(c.OpenTimeoutMs) * time.Millisecond,
		HalfOpenProbes:   c.HalfOpenProbes,
	}
}

// HeartbeatInterval converts the stream settings.
func (c StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SeedRows converts the configured pricing table for startup seeding.
func (c PricingConfig) SeedRows() []domain.ModelPricing {
	rows := make([]domain.ModelPricing, 0, len(c.Models))
	for _, m := range c.Models {
		rows = append(rows, domain.ModelPricing{
			Model:              m.Model,
			InputPerMtok:       m.InputPerMtok,
			OutputPerMtok:      m.OutputPerMtok,
			CachedInputPerMtok: m.CachedInputPerMtok,
		})
	}
	return rows
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
