package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhuss/sandout/pkg/auth"
	"github.com/rhuss/sandout/pkg/auth/apikey"
	"github.com/rhuss/sandout/pkg/auth/jwt"
	"github.com/rhuss/sandout/pkg/config"
	"github.com/rhuss/sandout/pkg/sandbox"
	"github.com/rhuss/sandout/pkg/sandbox/docker"
	"github.com/rhuss/sandout/pkg/sandbox/kubernetes"
	"github.com/rhuss/sandout/pkg/sandbox/process"
	"github.com/rhuss/sandout/pkg/storage/memory"
	"github.com/rhuss/sandout/pkg/storage/postgres"
	"github.com/rhuss/sandout/pkg/storage/sqlite"
	"github.com/rhuss/sandout/pkg/transport"
)

// newStore opens the configured execution store. It returns nil for "none".
func newStore(ctx context.Context, cfg config.StorageConfig) (transport.ExecutionStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns)
		return store, nil
	case "sqlite":
		store, err := sqlite.New(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return store, nil
	case "none", "":
		slog.Info("storage disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newRuntime creates the configured sandbox runtime and a func that
// releases its resources.
func newRuntime(cfg config.SandboxConfig) (sandbox.Runtime, func(), error) {
	noop := func() {}

	switch cfg.Runtime {
	case "docker":
		rt, err := docker.New(docker.Config{
			Image:      cfg.Image,
			OCIRuntime: cfg.Docker.OCIRuntime,
			User:       cfg.Docker.User,
			Shell:      cfg.Process.Shell,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("creating docker runtime: %w", err)
		}
		return rt, func() {
			if err := rt.Close(); err != nil {
				slog.Warn("closing docker client", "error", err)
			}
		}, nil

	case "kubernetes":
		rt, err := kubernetes.New(kubernetes.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			Template:     cfg.Kubernetes.Template,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			Container:    cfg.Kubernetes.Container,
			ReadyTimeout: cfg.Kubernetes.ReadyTimeout,
			Shell:        cfg.Process.Shell,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("creating kubernetes runtime: %w", err)
		}
		return rt, noop, nil

	case "process":
		if len(cfg.Process.Wrapper) == 0 {
			slog.Warn("process runtime without wrapper runs programs unsandboxed")
		}
		return process.New(process.Config{
			Shell:   cfg.Process.Shell,
			Wrapper: cfg.Process.Wrapper,
			WorkDir: cfg.Process.WorkDir,
		}), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}
}

// newAuthChain builds the authenticator chain for auth.type.
func newAuthChain(cfg config.AuthConfig) (*auth.Chain, error) {
	switch cfg.Type {
	case "none", "":
		return auth.NewChain(), nil

	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			tier := k.ServiceTier
			if tier == "" {
				tier = "default"
			}
			keys = append(keys, apikey.Key{
				Key:      k.Key,
				Identity: auth.Identity{Subject: k.Subject, Tier: tier, Tenant: k.TenantID},
			})
		}
		return auth.NewChain(apikey.New(keys)), nil

	case "jwt":
		jcfg := jwt.Config{
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			JWKSURL:     cfg.JWT.JWKSURL,
			TenantClaim: cfg.JWT.TenantClaim,
			TierClaim:   cfg.JWT.TierClaim,
		}
		if cfg.JWT.Secret != "" {
			jcfg.Secret = []byte(cfg.JWT.Secret)
		}
		if cfg.JWT.PublicKeyFile != "" {
			key, err := jwt.LoadPublicKey(cfg.JWT.PublicKeyFile)
			if err != nil {
				return nil, err
			}
			jcfg.PublicKey = key
		}
		authn, err := jwt.New(jcfg)
		if err != nil {
			return nil, err
		}
		return auth.NewChain(authn), nil

	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}
