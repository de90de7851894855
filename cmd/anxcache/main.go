package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"anxcache/internal/anxcache"
	"anxcache/internal/logging"
	"anxcache/internal/metrics"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var configPath string
	var watch bool
	flag.StringVar(&configPath, "config", getenvDefault("ANXCACHE_CONFIG", "/anxcache.yaml"), "path to anxcache.yaml")
	flag.BoolVar(&watch, "watch", getenvDefault("ANXCACHE_WATCH", "") != "", "register a new worker when the config file changes")
	flag.Parse()

	if err := run(configPath, watch); err != nil {
		fmt.Fprintf(os.Stderr, "anxcache: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := anxcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	logger, err := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Version:  cfg.Cache.Version,
		LevelVar: level,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// The recorder always exists so a reload can start exposing it.
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	storage, err := anxcache.OpenStorage(anxcache.StorageOptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	native, err := anxcache.NewNativeProxy(cfg.Server.Origin, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := anxcache.NewRegistration(anxcache.RegistrationOptions{
		Storage:    storage,
		Native:     native,
		HTTPClient: &http.Client{},
		Logger:     logger,
		Metrics:    rec,
	})
	defer reg.Close()

	// Without a worker every request is proxied natively, as in a browser
	// whose service worker failed to install.
	if _, err := reg.Register(ctx, cfg); err != nil {
		logger.Error("initial worker failed to install", slog.Any("error", err))
	}

	router := reg.Router(cfg, rec)

	if watch {
		watcher, err := anxcache.WatchConfig(ctx, configPath, func(next anxcache.Config) {
			applyReload(logger, level, router, cfg, next)
			if _, err := reg.Register(ctx, next); err != nil {
				logger.Error("reloaded worker failed to install", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Warn("config watch", slog.Any("error", err))
		})
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if every := cfg.StatsEvery(); every > 0 {
		go reg.RunStats(ctx, every)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("anxcache listening", slog.String("addr", addr), slog.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// applyReload carries the process-level settings of a new config revision.
// Listener, storage and log format stay as started.
func applyReload(logger *slog.Logger, level *slog.LevelVar, router *anxcache.Router, started, next anxcache.Config) {
	if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
		level.Set(lvl)
	}
	router.Reload(next)

	if next.Server.Port != started.Server.Port ||
		next.Cache.Backend != started.Cache.Backend ||
		next.Logging.Format != started.Logging.Format {
		logger.Warn("server.port, cache.backend and logging.format changes apply after a restart")
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
