package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vesta/internal/autoscaler"
	"github.com/oriys/vesta/internal/cache"
	"github.com/oriys/vesta/internal/config"
	"github.com/oriys/vesta/internal/controlapi"
	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/dispatch"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/events"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/metrics"
	"github.com/oriys/vesta/internal/monitor"
	"github.com/oriys/vesta/internal/observability"
	"github.com/oriys/vesta/internal/packager"
	"github.com/oriys/vesta/internal/reaper"
	"github.com/oriys/vesta/internal/runtimeapi"
	"github.com/oriys/vesta/internal/schedule"
	"github.com/oriys/vesta/internal/store"
	"github.com/oriys/vesta/internal/warmpool"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Vesta daemon",
		Long:  "Run the control API, runtime API, scheduler, autoscaler, reaper, and monitor in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Logging.RequestLogFile != "" {
		if err := logging.Default().SetOutput(cfg.Logging.RequestLogFile); err != nil {
			return fmt.Errorf("open request log: %w", err)
		}
		defer logging.Default().Close()
	}

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
	}

	dbURL := cfg.Data.DBURL
	if dbURL == "" {
		dbURL = "sqlite://" + cfg.Data.RootDir + "/vesta.db"
	}
	database, err := db.Open(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	baseStore, err := store.New(ctx, database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	registry := wrapCache(baseStore, cfg.Cache)
	defer registry.Close()

	eng, err := engine.NewDocker(engine.DockerConfig{
		Host:        cfg.Engine.Host,
		OpTimeout:   cfg.Engine.OpTimeout,
		MaxParallel: int64(cfg.Engine.MaxParallel),
	})
	if err != nil {
		return err
	}

	pkgr, err := packager.New(cfg.Data.RootDir, cfg.Engine.ImagePrefix,
		cfg.Limits.MaxCodeSizeBytes, int64(cfg.Limits.BuilderSlots), eng, registry)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	pool := warmpool.New(bus)

	runtimeAddr := net.JoinHostPort(advertiseHost(cfg), strconv.Itoa(cfg.Server.RuntimePort))
	disp := dispatch.New(dispatch.Config{
		MaxGlobalConcurrency:      cfg.Limits.MaxGlobalConcurrency,
		MaxPerFunctionConcurrency: cfg.Limits.MaxPerFunctionConcurrency,
		QueueBurstCap:             cfg.Limits.QueueBurstCap,
		RuntimeAPIAddr:            runtimeAddr,
		EngineNetwork:             cfg.Engine.NetworkName,
		DrainGrace:                cfg.Shutdown.DrainGrace,
	}, registry, pool, eng, pkgr, bus)

	if err := disp.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	scaler := autoscaler.New(disp, registry,
		time.Duration(cfg.Autoscaler.TickMs)*time.Millisecond,
		cfg.Autoscaler.ScaleFactor, cfg.Autoscaler.MinBurst,
		cfg.Limits.MaxPerFunctionConcurrency, cfg.Limits.MaxGlobalConcurrency)
	scaler.Start()

	idle := reaper.New(reaper.Config{
		SoftIdle: time.Duration(cfg.Idle.SoftMs) * time.Millisecond,
		HardIdle: time.Duration(cfg.Idle.HardMs) * time.Millisecond,
		Interval: time.Duration(cfg.Idle.ReaperIntervalMs) * time.Millisecond,
	}, pool, eng)
	idle.Start()

	mon := monitor.New(time.Duration(cfg.Idle.MonitorIntervalMs)*time.Millisecond, pool, eng, disp)
	mon.Start()

	sched := schedule.New(registry, disp)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	controlHandler := controlapi.NewServer(&controlapi.Handler{
		Registry: registry,
		Packager: pkgr,
		Disp:     disp,
		Sched:    sched,
		Defaults: cfg.Defaults,
	})
	controlSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.BindHost, strconv.Itoa(cfg.Server.ControlPort)),
		Handler: controlHandler,
	}

	runtimeMux := http.NewServeMux()
	runtimeapi.NewServer(disp).RegisterRoutes(runtimeMux)
	runtimeSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.BindHost, strconv.Itoa(cfg.Server.RuntimePort)),
		Handler: runtimeMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Op().Info("control api listening", "addr", controlSrv.Addr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logging.Op().Info("runtime api listening", "addr", runtimeSrv.Addr)
		if err := runtimeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig)
	case err := <-errCh:
		logging.Op().Error("server failed", "error", err)
	}

	// Teardown: stop the cron scheduler and the background loops, then
	// drain the dispatcher (it refuses new submissions and waits for
	// in-flight invocations while the runtime API still accepts their
	// responses), then close the listeners.
	sched.Stop()
	scaler.Stop()
	mon.Stop()
	idle.Stop()

	disp.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	controlSrv.Shutdown(shutdownCtx)
	runtimeSrv.Shutdown(shutdownCtx)
	return nil
}

// advertiseHost is the address containers dial back on. Binding to all
// interfaces still advertises the default bridge gateway.
func advertiseHost(cfg *config.Config) string {
	if cfg.Server.BindHost == "0.0.0.0" || cfg.Server.BindHost == "" {
		return "172.17.0.1"
	}
	return cfg.Server.BindHost
}

func wrapCache(base store.Registry, cfg config.CacheConfig) store.Registry {
	switch cfg.Backend {
	case "none":
		return base
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisURL, "")
		if err != nil {
			logging.Op().Warn("redis cache unavailable, falling back to memory", "error", err)
			return store.NewCachedRegistry(base, cache.NewInMemoryCache(), cfg.TTL)
		}
		return store.NewCachedRegistry(base, c, cfg.TTL)
	default:
		return store.NewCachedRegistry(base, cache.NewInMemoryCache(), cfg.TTL)
	}
}
