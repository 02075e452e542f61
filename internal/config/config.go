// Package config handles loading and validating Luthien's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the Luthien control plane.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Policy    PolicyConfig              `koanf:"policy"`
	Storage   StorageConfig             `koanf:"storage"`
	Bus       BusConfig                 `koanf:"bus"`
	Auth      AuthConfig                `koanf:"auth"`
	Judge     JudgeConfig               `koanf:"judge"`
	Stream    StreamConfig              `koanf:"stream"`
	Telemetry TelemetryConfig           `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"`
	AdminKey     string        `koanf:"admin_key"`
}

// ProviderConfig holds the settings for a single backend LLM provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`

	// Backend selects which upstream.Client implementation this
	// provider's models are served by: "openai" for any
	// OpenAI-compatible /chat/completions endpoint, "anthropic" for an
	// Anthropic-native /v1/messages endpoint. Defaults to "openai".
	Backend string `koanf:"backend"`
}

// PolicyConfig selects the active policy. internal/policyhotswap never
// reads this itself — it only consumes the policy.Policy built from
// these fields by cmd/luthien/main.go's policy-class registry, since Go
// can't dynamically import a class by string. That registry builds the
// policy from this config file only; it does not read the policy_config
// table.
type PolicyConfig struct {
	// Class is a key of cmd/luthien's policy-class registry (e.g.
	// "all_caps"), standing in for a "module:Class" reference; no
	// dynamic import takes place.
	Class string `koanf:"class"`
	// RawConfig is passed verbatim to the selected policy's
	// constructor; its shape is policy-specific.
	RawConfig map[string]any `koanf:"config"`

	// Source names one of the four resolver modes: db, file,
	// db-fallback-file, file-fallback-db. It is loaded and defaulted but
	// not consulted by cmd/luthien when building the policy.
	Source string `koanf:"source"`
}

// Policy source modes.
const (
	PolicySourceDB             = "db"
	PolicySourceFile           = "file"
	PolicySourceDBFallbackFile = "db-fallback-file"
	PolicySourceFileFallbackDB = "file-fallback-db"
)

// StorageConfig configures the durable sqlite store and the transaction
// chunk ring buffers.
type StorageConfig struct {
	// DatabaseURL is the sqlite file path.
	DatabaseURL string `koanf:"database_url"`
	// ChunkBufferCap bounds the ingress/egress ring buffers per
	// transaction.
	ChunkBufferCap int `koanf:"chunk_buffer_cap"`
}

// BusConfig configures the pub/sub fan-out. Luthien's bus is
// in-process, so BusURL is carried only for collaborators that expect
// a bus address in their environment; it is otherwise unused.
type BusConfig struct {
	BusURL string `koanf:"bus_url"`
}

// AuthConfig mirrors the auth_config table's shape; the
// credential-cache collaborator itself is out of scope, but the config
// surface for it is carried so a future collaborator has somewhere to
// read from.
type AuthConfig struct {
	Mode                string        `koanf:"mode"`
	ValidateCredentials bool          `koanf:"validate_credentials"`
	ValidCacheTTL       time.Duration `koanf:"valid_cache_ttl"`
	InvalidCacheTTL     time.Duration `koanf:"invalid_cache_ttl"`
}

// JudgeConfig configures the judge LLM used by the ToolCallJudge
// policy, resolved at startup into an upstream.LLMJudge.
// DogfoodSafety does not use it.
type JudgeConfig struct {
	Provider     string  `koanf:"provider"` // key into Config.Providers
	Model        string  `koanf:"model"`
	Instructions string  `koanf:"instructions"`
	MaxTokens    int     `koanf:"max_tokens"`
	Temperature  float64 `koanf:"temperature"`
}

// StreamConfig holds the dispatcher timeout and egress queue
// tunables.
type StreamConfig struct {
	PolicyTimeout    time.Duration `koanf:"policy_timeout"`
	QueueSendTimeout time.Duration `koanf:"queue_send_timeout"`
}

// TelemetryConfig controls the OTLP trace exporter. When disabled,
// every span the orchestrator starts is a no-op.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
	// Endpoint is the OTLP collector host:port; empty falls back to the
	// exporter's own OTEL_EXPORTER_OTLP_ENDPOINT handling.
	Endpoint string `koanf:"endpoint"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LUTHIEN_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LUTHIEN_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LUTHIEN_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LUTHIEN_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	// Expand ${VAR_NAME} placeholders in provider API keys and the
	// admin key so secrets can stay out of the config file.
	for name, p := range cfg.Providers {
		p.APIKey = expandEnvPlaceholder(p.APIKey)
		if p.Backend == "" {
			p.Backend = "openai"
		}
		cfg.Providers[name] = p
	}
	cfg.Server.AdminKey = expandEnvPlaceholder(cfg.Server.AdminKey)

	return &cfg, nil
}

// expandEnvPlaceholder resolves a "${VAR_NAME}" config value against
// the process environment; any other value passes through unchanged.
func expandEnvPlaceholder(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

const (
	defaultMaxBodyBytes     = 10 << 20 // 10 MiB
	defaultChunkBufferCap   = 256
	defaultPolicyTimeout    = 30 * time.Second
	defaultQueueSendTimeout = 5 * time.Second
	defaultValidCacheTTL    = 5 * time.Minute
	defaultInvalidCacheTTL  = 30 * time.Second
)

// applyDefaults fills in tunables left unset by the config file and
// environment, right after Unmarshal, so zero-value checks don't
// scatter through the rest of the codebase.
func applyDefaults(cfg *Config) {
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Storage.ChunkBufferCap == 0 {
		cfg.Storage.ChunkBufferCap = defaultChunkBufferCap
	}
	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = "luthien.db"
	}
	if cfg.Stream.PolicyTimeout == 0 {
		cfg.Stream.PolicyTimeout = defaultPolicyTimeout
	}
	if cfg.Stream.QueueSendTimeout == 0 {
		cfg.Stream.QueueSendTimeout = defaultQueueSendTimeout
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.ValidCacheTTL == 0 {
		cfg.Auth.ValidCacheTTL = defaultValidCacheTTL
	}
	if cfg.Auth.InvalidCacheTTL == 0 {
		cfg.Auth.InvalidCacheTTL = defaultInvalidCacheTTL
	}
	if cfg.Policy.Source == "" {
		cfg.Policy.Source = PolicySourceFile
	}
}
