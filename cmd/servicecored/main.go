// Command servicecored runs the service management core as a daemon:
// it loads the service configuration, registers and starts the declared
// services in dependency order, exposes Prometheus metrics and keeps
// everything supervised until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helios-os/service_core/internal/configstore"
	"github.com/helios-os/service_core/internal/manager"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "services.yaml", "Path to the service configuration file")
	metricsAddr := flag.String("metrics-addr", "", "Listen address for /metrics (overrides config)")
	envFile := flag.String("env", "", "Optional .env file to load before start")
	serviceConfigDir := flag.String("service-config-dir", "service.d", "Directory holding per-service configuration files")
	startAll := flag.Bool("start-all", true, "Start all enabled services after boot")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("load env file: %v", err)
		}
	} else {
		// Best effort; a missing .env is fine.
		_ = godotenv.Load()
	}

	logg := logger.NewDefault("servicecored")

	store := configstore.NewFileStore(*configPath)
	cfg, err := store.Load()
	if err != nil {
		logg.WithError(err).Error("load configuration")
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.Manager.MetricsAddr = *metricsAddr
	}

	collector := metrics.NewCollector(cfg.Manager.MetricsNamespace)

	m, err := manager.New(manager.Options{
		Config:         cfg.Manager,
		Metrics:        collector,
		Logger:         logg,
		ServiceConfigs: configstore.NewDirStore(*serviceConfigDir),
	})
	if err != nil {
		logg.WithError(err).Error("build manager")
		os.Exit(1)
	}

	if err := m.ApplyConfig(cfg); err != nil {
		logg.WithError(err).Error("apply configuration")
		os.Exit(1)
	}
	if err := m.Start(); err != nil {
		logg.WithError(err).Error("start manager")
		os.Exit(1)
	}

	if *startAll {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := m.StartAll(ctx); err != nil {
			logg.WithError(err).Error("start services")
		}
		cancel()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Manager.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logg.WithField("addr", cfg.Manager.MetricsAddr).Info("metrics listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.WithError(err).Error("metrics listener")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logg.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		logg.WithError(err).Warn("shutdown finished with errors")
	}
	_ = srv.Shutdown(ctx)
}
