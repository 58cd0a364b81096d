package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/aerohub/aerohub/engine"
	"github.com/aerohub/aerohub/engine/adapters/telemetryhttp"
)

func main() {
	var (
		configPath     string
		listenAddr     string
		metricsBackend string
		showVersion    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (optional; defaults are used for anything unset)")
	flag.StringVar(&listenAddr, "listen", ":8080", "Address to serve /healthz, /readyz, /metrics and the subscriber WebSocket endpoint on")
	flag.StringVar(&metricsBackend, "metrics-backend", "", "Override metrics backend: prometheus|otel|none")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("aerohub – real-time aviation intelligence hub")
		return
	}

	fc, err := loadFileConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err = applyFileConfig(cfg, fc)
	if err != nil {
		log.Fatalf("apply config: %v", err)
	}
	if metricsBackend != "" {
		cfg.MetricsBackend = metricsBackend
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetryhttp.NewHealthHandler(telemetryhttp.HealthHandlerOptions{Engine: eng, IncludeProbes: true}))
	mux.Handle("/readyz", telemetryhttp.NewReadinessHandler(telemetryhttp.HealthHandlerOptions{Engine: eng}))
	mux.Handle("/metrics", telemetryhttp.NewMetricsHandler(eng.MetricsProvider()))
	mux.Handle("/ws", eng.SubscriberHandler())

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("aerohub listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Printf("server error: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
}
