// Command server runs the sandout execution service.
//
// Configuration is read from a YAML file (--config, SANDOUT_CONFIG,
// ./config.yaml, /etc/sandout/config.yaml) with SANDOUT_* environment
// overrides. See pkg/config for all settings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/auth"
	"github.com/rhuss/sandout/pkg/capture"
	"github.com/rhuss/sandout/pkg/config"
	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/executor"
	"github.com/rhuss/sandout/pkg/mcpserver"
	"github.com/rhuss/sandout/pkg/observability"
	"github.com/rhuss/sandout/pkg/sandbox"
	transporthttp "github.com/rhuss/sandout/pkg/transport/http"
)

var version = "dev"

// storeHealthInterval is how often the store connection is probed.
const storeHealthInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	rt, closeRuntime, err := newRuntime(cfg.Sandbox)
	if err != nil {
		return err
	}
	defer closeRuntime()

	enc, err := capture.LookupEncoding(cfg.Capture.Encoding)
	if err != nil {
		return fmt.Errorf("capture encoding: %w", err)
	}
	reader := capture.NewReader(capture.Options{
		ByteBufferSize: cfg.Capture.ByteBufferSize,
		CharBufferSize: cfg.Capture.CharBufferSize,
		Encoding:       enc,
	})

	validation := api.DefaultValidationConfig()
	validation.MaxTimeout = cfg.Executor.MaxTimeout
	validation.MaxStdinBytes = cfg.Executor.MaxStdinBytes

	exec, err := executor.New(rt, store, reader, executor.Config{
		Image: cfg.Sandbox.Image,
		Limits: sandbox.Limits{
			MemoryMB:  cfg.Sandbox.Limits.MemoryMB,
			CPUs:      cfg.Sandbox.Limits.CPUs,
			PidsLimit: cfg.Sandbox.Limits.PidsLimit,
			Network:   cfg.Sandbox.Limits.Network,
		},
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		WaitGrace:      cfg.Executor.WaitGrace,
		Validation:     validation,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	chain, err := newAuthChain(cfg.Auth)
	if err != nil {
		return err
	}
	var limiter auth.RateLimiter
	if cfg.Auth.RateLimit.DefaultRPM > 0 || len(cfg.Auth.RateLimit.Tiers) > 0 {
		limiter = auth.NewTierLimiter(cfg.Auth.RateLimit.Tiers, cfg.Auth.RateLimit.DefaultRPM)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithHTTPMiddleware(
			observability.MetricsMiddleware,
			auth.Middleware(chain, limiter, bypassEndpoints(cfg)),
		),
	}
	if store != nil {
		opts = append(opts, transporthttp.WithHealthCheck(store.HealthCheck))
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()))
	}
	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(exec, store, version)
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpSrv.Handler()))
	}
	srv := transporthttp.NewServer(exec, store, opts...)

	slog.Info("sandout starting",
		"version", version,
		"runtime", rt.Name(),
		"image", cfg.Sandbox.Image,
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
		"mcp", cfg.MCP.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if store != nil {
		g.Go(func() error {
			monitorStore(gctx, store.HealthCheck)
			return nil
		})
	}
	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.WaitGrace)
	defer cancel()
	if werr := reader.WaitAbandoned(drainCtx); werr != nil {
		slog.Warn("abandoned reads still pending at exit", "error", werr)
	}
	return err
}

// bypassEndpoints lists the unauthenticated paths: health probes and metrics.
func bypassEndpoints(cfg *config.Config) []string {
	eps := []string{"/healthz", "/readyz"}
	if cfg.Observability.Metrics.Enabled {
		eps = append(eps, cfg.Observability.Metrics.Path)
	}
	return eps
}

// monitorStore logs store health transitions until ctx is done.
func monitorStore(ctx context.Context, check func(context.Context) error) {
	ticker := time.NewTicker(storeHealthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(checkCtx)
		cancel()

		switch {
		case err != nil && !errors.Is(err, context.Canceled) && healthy:
			slog.Error("storage unhealthy", "error", err)
			healthy = false
		case err == nil && !healthy:
			slog.Info("storage recovered")
			healthy = true
		}
	}
}
