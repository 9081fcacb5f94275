package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Every problem is reported, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}

	if c.Worker.Command == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.Worker.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.max_concurrency must be >= 1, got %d", c.Worker.MaxConcurrency))
	}
	if c.Worker.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.request_timeout must be > 0, got %s", c.Worker.RequestTimeout))
	}
	if r := c.Worker.Restart; r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("worker.restart.initial_backoff (%s) exceeds max_backoff (%s)", r.InitialBackoff, r.MaxBackoff))
	}

	if c.Gateway.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("gateway.idle_timeout must not be negative, got %s", c.Gateway.IdleTimeout))
	}
	switch c.Gateway.SandboxMode {
	case "", "read-only", "workspace-write", "danger-full-access":
	default:
		errs = append(errs, fmt.Errorf("gateway.sandbox_mode must be \"read-only\", \"workspace-write\" or \"danger-full-access\", got %q", c.Gateway.SandboxMode))
	}
	switch c.Gateway.ApprovalPolicy {
	case "", "never", "on-request", "on-failure", "untrusted":
	default:
		errs = append(errs, fmt.Errorf("gateway.approval_policy must be \"never\", \"on-request\", \"on-failure\" or \"untrusted\", got %q", c.Gateway.ApprovalPolicy))
	}
	if tags := c.Gateway.ToolCallTags; (tags.Open == "") != (tags.Close == "") {
		errs = append(errs, errors.New("gateway.tool_call_tags.open and close must be set together"))
	}

	errs = append(errs, c.Auth.validate()...)

	if c.Observability.Metrics.Enabled && (c.Observability.Metrics.Path == "" || c.Observability.Metrics.Path[0] != '/') {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with '/', got %q", c.Observability.Metrics.Path))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (a *AuthConfig) validate() []error {
	var errs []error
	switch a.Type {
	case "none":
	case "apikey":
		if len(a.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range a.APIKeys {
			if k.Key == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if a.JWT.Secret == "" && len(a.JWT.PublicKey) == 0 && a.JWT.PublicKeyFile == "" && a.JWT.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwt needs one of secret, secret_file, public_key_file or jwks_url when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", a.Type))
	}

	rl := a.RateLimit
	if rl.RequestsPerMinute < 0 || rl.Burst < 0 {
		errs = append(errs, errors.New("auth.rate_limit values must not be negative"))
	}
	for name, t := range rl.Tiers {
		if t.RequestsPerMinute < 0 || t.Burst < 0 {
			errs = append(errs, fmt.Errorf("auth.rate_limit.tiers.%s values must not be negative", name))
		}
	}
	return errs
}
