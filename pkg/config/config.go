// Package config provides unified configuration for the codexgate gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (CODEXGATE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Worker        WorkerConfig        `yaml:"worker"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 0 (streams are long)
	// MaxBodySize is in bytes. default: 10 MiB
	MaxBodySize     int64         `yaml:"max_body_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 15s
}

// WorkerConfig describes the worker process and the transport talking to it.
type WorkerConfig struct {
	Command          string            `yaml:"command"` // default: "codex"
	Args             []string          `yaml:"args"`    // default: ["app-server"]
	Env              map[string]string `yaml:"env"`
	Cwd              string            `yaml:"cwd"`
	MaxConcurrency   int               `yaml:"max_concurrency"`   // default: 4
	RequestTimeout   time.Duration     `yaml:"request_timeout"`   // default: 10m
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"` // default: 30s
	CompletionGrace  time.Duration     `yaml:"completion_grace"`
	Restart          RestartConfig     `yaml:"restart"`
}

// RestartConfig bounds the exponential backoff between worker restarts.
type RestartConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"` // default: 500ms
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // default: 30s
	StableAfter    time.Duration `yaml:"stable_after"`    // default: 1m
}

// GatewayConfig holds request handling settings.
type GatewayConfig struct {
	DefaultModel         string        `yaml:"default_model"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"` // default: 2m
	KillOnDisconnect     bool          `yaml:"kill_on_disconnect"`
	DisableInternalTools bool          `yaml:"disable_internal_tools"`
	SandboxMode          string        `yaml:"sandbox_mode"`
	ApprovalPolicy       string        `yaml:"approval_policy"` // default: "never"
	StrictTools          bool          `yaml:"strict_tools"`
	RepairJSON           bool          `yaml:"repair_json"` // default: true
	ToolCallTags         ToolCallTags  `yaml:"tool_call_tags"`
	MaxInputItems        int           `yaml:"max_input_items"` // default: 1000
	MaxTools             int           `yaml:"max_tools"`       // default: 128
}

// ToolCallTags delimit inline tool calls in model text.
type ToolCallTags struct {
	Open  string `yaml:"open"`  // default: "<tool_call>"
	Close string `yaml:"close"` // default: "</tool_call>"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string   `yaml:"key" json:"key"`
	KeyFile     string   `yaml:"key_file" json:"key_file"`
	Subject     string   `yaml:"subject" json:"subject"`
	ServiceTier string   `yaml:"service_tier" json:"service_tier"`
	Scopes      []string `yaml:"scopes" json:"scopes"`
}

// JWTConfig configures bearer token validation. One of Secret, PublicKey
// or JWKSURL is required for type=jwt.
type JWTConfig struct {
	Secret        string        `yaml:"secret"`
	SecretFile    string        `yaml:"secret_file"`
	PublicKeyFile string        `yaml:"public_key_file"` // PEM encoded RSA key
	JWKSURL       string        `yaml:"jwks_url"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	UserClaim     string        `yaml:"user_claim"`
	TierClaim     string        `yaml:"tier_claim"`
	ScopesClaim   string        `yaml:"scopes_claim"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	// PublicKey is filled from PublicKeyFile during loading.
	PublicKey []byte `yaml:"-"`
}

// RateLimitConfig configures per-subject token buckets. Zero
// RequestsPerMinute disables limiting for the tier.
type RateLimitConfig struct {
	RequestsPerMinute int                   `yaml:"requests_per_minute"`
	Burst             int                   `yaml:"burst"`
	Tiers             map[string]TierConfig `yaml:"tiers"`
}

// TierConfig overrides the limit for one service tier.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Enabled reports whether any limit is configured.
func (r RateLimitConfig) Enabled() bool {
	if r.RequestsPerMinute > 0 {
		return true
	}
	for _, t := range r.Tiers {
		if t.RequestsPerMinute > 0 {
			return true
		}
	}
	return false
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig feeds debug.Init.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			MaxBodySize:     10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Worker: WorkerConfig{
			Command:          "codex",
			Args:             []string{"app-server"},
			MaxConcurrency:   4,
			RequestTimeout:   10 * time.Minute,
			HandshakeTimeout: 30 * time.Second,
			Restart: RestartConfig{
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     30 * time.Second,
				StableAfter:    time.Minute,
			},
		},
		Gateway: GatewayConfig{
			IdleTimeout:    2 * time.Minute,
			ApprovalPolicy: "never",
			RepairJSON:     true,
			ToolCallTags: ToolCallTags{
				Open:  "<tool_call>",
				Close: "</tool_call>",
			},
			MaxInputItems: 1000,
			MaxTools:      128,
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
