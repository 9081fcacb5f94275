package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, CODEXGATE_CONFIG env, ./config.yaml, /etc/codexgate/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile returns the first config file found, or "" when there
// is none.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("CODEXGATE_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/codexgate/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses path into cfg. Fields absent from the file keep their
// current values. Unknown keys are rejected.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps CODEXGATE_* variables onto config fields. Values
// that fail to parse are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	envString("CODEXGATE_WORKER_COMMAND", &cfg.Worker.Command)
	if v := os.Getenv("CODEXGATE_WORKER_ARGS"); v != "" {
		cfg.Worker.Args = strings.Fields(v)
	}
	envString("CODEXGATE_WORKER_CWD", &cfg.Worker.Cwd)
	envString("CODEXGATE_DEFAULT_MODEL", &cfg.Gateway.DefaultModel)
	envString("CODEXGATE_SANDBOX_MODE", &cfg.Gateway.SandboxMode)
	envString("CODEXGATE_APPROVAL_POLICY", &cfg.Gateway.ApprovalPolicy)
	envString("CODEXGATE_AUTH_TYPE", &cfg.Auth.Type)
	envString("CODEXGATE_JWT_SECRET", &cfg.Auth.JWT.Secret)
	envString("CODEXGATE_JWKS_URL", &cfg.Auth.JWT.JWKSURL)
	envString("CODEXGATE_DEBUG", &cfg.Logging.Debug)
	envString("CODEXGATE_LOG_LEVEL", &cfg.Logging.Level)
	envString("CODEXGATE_LOG_FORMAT", &cfg.Logging.Format)

	envInt("CODEXGATE_PORT", &cfg.Server.Port)
	envInt("CODEXGATE_MAX_CONCURRENCY", &cfg.Worker.MaxConcurrency)
	envInt("CODEXGATE_RATE_LIMIT_RPM", &cfg.Auth.RateLimit.RequestsPerMinute)

	envDuration("CODEXGATE_REQUEST_TIMEOUT", &cfg.Worker.RequestTimeout)
	envDuration("CODEXGATE_IDLE_TIMEOUT", &cfg.Gateway.IdleTimeout)

	envBool("CODEXGATE_DISABLE_INTERNAL_TOOLS", &cfg.Gateway.DisableInternalTools)
	envBool("CODEXGATE_KILL_ON_DISCONNECT", &cfg.Gateway.KillOnDisconnect)
	envBool("CODEXGATE_STRICT_TOOLS", &cfg.Gateway.StrictTools)
	envBool("CODEXGATE_METRICS_ENABLED", &cfg.Observability.Metrics.Enabled)

	// CODEXGATE_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("CODEXGATE_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			slog.Warn("ignoring CODEXGATE_API_KEYS", "error", err)
		} else if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "env", name, "value", v)
		return
	}
	*dst = n
}

// envDuration accepts Go durations ("90s") and bare milliseconds ("90000").
func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	slog.Warn("ignoring invalid duration", "env", name, "value", v)
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid boolean", "env", name, "value", v)
		return
	}
	*dst = b
}

func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences fills a value field from its _file sibling when the
// value is empty.
func resolveFileReferences(cfg *Config) error {
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		if k.KeyFile != "" && k.Key == "" {
			val, err := readSecretFile(k.KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			k.Key = val
		}
	}

	jwt := &cfg.Auth.JWT
	if jwt.SecretFile != "" && jwt.Secret == "" {
		val, err := readSecretFile(jwt.SecretFile)
		if err != nil {
			return fmt.Errorf("auth.jwt.secret_file: %w", err)
		}
		jwt.Secret = val
	}
	if jwt.PublicKeyFile != "" {
		data, err := os.ReadFile(jwt.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("auth.jwt.public_key_file: %w", err)
		}
		jwt.PublicKey = data
	}

	return nil
}

// readSecretFile returns the file content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
