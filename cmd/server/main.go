// Command server runs the codexgate Responses gateway in front of a codex
// app-server worker process.
//
// Configuration is read from a YAML file (-config, CODEXGATE_CONFIG,
// ./config.yaml or /etc/codexgate/config.yaml) and CODEXGATE_* environment
// variables. See pkg/config for every setting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/auth"
	"github.com/rhuss/codexgate/pkg/auth/apikey"
	"github.com/rhuss/codexgate/pkg/auth/jwt"
	"github.com/rhuss/codexgate/pkg/auth/noop"
	"github.com/rhuss/codexgate/pkg/config"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/engine"
	"github.com/rhuss/codexgate/pkg/observability"
	transporthttp "github.com/rhuss/codexgate/pkg/transport/http"
	"github.com/rhuss/codexgate/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	logger := slog.Default()

	tr := worker.New(worker.Options{
		MaxConcurrency:       cfg.Worker.MaxConcurrency,
		RequestTimeout:       cfg.Worker.RequestTimeout,
		HandshakeTimeout:     cfg.Worker.HandshakeTimeout,
		CompletionGrace:      cfg.Worker.CompletionGrace,
		DisableInternalTools: cfg.Gateway.DisableInternalTools,
		Logger:               logger,
	})
	defer tr.Destroy()

	sup := worker.NewSupervisor(tr, worker.SupervisorOptions{
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		Env:            envList(cfg.Worker.Env),
		Dir:            cfg.Worker.Cwd,
		InitialBackoff: cfg.Worker.Restart.InitialBackoff,
		MaxBackoff:     cfg.Worker.Restart.MaxBackoff,
		StableAfter:    cfg.Worker.Restart.StableAfter,
		Logger:         logger,
	})

	eng, err := engine.New(tr, engineConfig(cfg), engine.WithKiller(sup))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return err
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithModels(eng),
		transporthttp.WithReadiness(tr),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts,
			transporthttp.WithMetrics(cfg.Observability.Metrics.Path, promhttp.Handler()),
			transporthttp.WithHTTPMiddleware(observability.MetricsMiddleware),
		)
	}
	opts = append(opts, transporthttp.WithHTTPMiddleware(authMW))
	srv := transporthttp.NewServer(eng, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("codexgate starting",
		"port", cfg.Server.Port,
		"worker", cfg.Worker.Command,
		"max_concurrency", cfg.Worker.MaxConcurrency,
		"auth", cfg.Auth.Type,
		"default_model", cfg.Gateway.DefaultModel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func engineConfig(cfg *config.Config) engine.Config {
	g := cfg.Gateway
	return engine.Config{
		DefaultModel:         g.DefaultModel,
		IdleTimeout:          g.IdleTimeout,
		KillOnDisconnect:     g.KillOnDisconnect,
		DisableInternalTools: g.DisableInternalTools,
		SandboxMode:          g.SandboxMode,
		ApprovalPolicy:       g.ApprovalPolicy,
		Cwd:                  cfg.Worker.Cwd,
		StrictTools:          g.StrictTools,
		RepairJSON:           g.RepairJSON,
		ToolCallOpenTag:      g.ToolCallTags.Open,
		ToolCallCloseTag:     g.ToolCallTags.Close,
		Validation: api.ValidationConfig{
			MaxInputItems: g.MaxInputItems,
			MaxTools:      g.MaxTools,
		},
	}
}

// authMiddleware builds the authenticator chain and the optional rate
// limiter from the auth section.
func authMiddleware(cfg *config.Config) (func(next http.Handler) http.Handler, error) {
	var chain *auth.Chain
	switch cfg.Auth.Type {
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, apikey.Key{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					ServiceTier: k.ServiceTier,
					Scopes:      k.Scopes,
				},
			})
		}
		chain = auth.NewChain(auth.No, apikey.New(keys))
	case "jwt":
		j := cfg.Auth.JWT
		authn, err := jwt.New(jwt.Config{
			Secret:       []byte(j.Secret),
			PublicKeyPEM: j.PublicKey,
			JWKSURL:      j.JWKSURL,
			Issuer:       j.Issuer,
			Audience:     j.Audience,
			UserClaim:    j.UserClaim,
			TierClaim:    j.TierClaim,
			ScopesClaim:  j.ScopesClaim,
			CacheTTL:     j.CacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring jwt auth: %w", err)
		}
		chain = auth.NewChain(auth.No, authn)
	default:
		chain = auth.NewChain(auth.Yes, noop.Authenticator{})
	}

	var limiter auth.RateLimiter
	if rl := cfg.Auth.RateLimit; rl.Enabled() {
		tiers := make(map[string]auth.TierConfig, len(rl.Tiers))
		for name, t := range rl.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewTokenBucketLimiter(tiers, auth.TierConfig{
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	bypass := slices.Clone(auth.DefaultBypassEndpoints)
	if p := cfg.Observability.Metrics.Path; !slices.Contains(bypass, p) {
		bypass = append(bypass, p)
	}
	return auth.Middleware(chain, limiter, bypass), nil
}

// envList turns the worker env map into sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
