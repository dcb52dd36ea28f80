// Main package for the snapserver: a sandbox world served over UDP and
// WebSockets with delta compressed snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-snapserver/internal/config"
	"github.com/sessamekesh/spanreed-snapserver/internal/logging"
	"github.com/sessamekesh/spanreed-snapserver/pkg/game"
	"github.com/sessamekesh/spanreed-snapserver/pkg/metrics"
	"github.com/sessamekesh/spanreed-snapserver/pkg/server"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", ".", "Directory containing config.yaml")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	development := cfg.Development || os.Getenv("APP_ENV") == "development"
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFilePath, development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer shutdownRelease()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	world := game.CreateSandbox(game.SandboxParams{
		Movers:     cfg.Sandbox.Movers,
		BounceMsec: cfg.Sandbox.BounceMsec,
		Password:   cfg.Sandbox.Password,
		Logger:     logger,
	})

	serverConfig := cfg.ServerConfig()
	serverConfig.Game = world
	serverConfig.Metrics = metrics.New(registry)
	serverConfig.Logger = logger

	srv, err := server.CreateServer(serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.CreateBaseline(); err != nil {
		return fmt.Errorf("failed to create baselines: %w", err)
	}

	if cfg.UDP.Enabled {
		udp := transport.CreateUdpTransport(transport.UdpTransportParams{
			Port:   cfg.UDP.Port,
			Logger: logger,
		})
		if err := udp.Listen(); err != nil {
			return fmt.Errorf("failed to bind UDP port %d: %w", cfg.UDP.Port, err)
		}
		logger.Info("Listening for UDP clients", zap.Stringer("address", udp.LocalAddr()))
		srv.AddTransport(udp)
	}

	if cfg.Websocket.Enabled {
		srv.AddTransport(transport.CreateWebsocketTransport(transport.WebsocketTransportParams{
			ListenAddress:    cfg.WebsocketAddress(),
			ListenEndpoint:   cfg.Websocket.Endpoint,
			AllowAllHosts:    cfg.Websocket.AllowAllHosts,
			AllowlistedHosts: cfg.Websocket.AllowlistedHosts,
			Logger:           logger,
		}))
	}

	events, err := srv.CreateLifecycleListener("main", 64)
	if err != nil {
		return fmt.Errorf("failed to subscribe to client events: %w", err)
	}

	wg := sync.WaitGroup{}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Serving metrics", zap.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-shutdownCtx.Done()
			ctx, release := context.WithTimeout(context.Background(), 5*time.Second)
			defer release()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error("Failed to shut down metrics server", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case ev, ok := <-events.Events:
				if !ok {
					return
				}
				logger.Info("Client event",
					zap.Stringer("type", ev.Type),
					zap.Int("clientNum", ev.ClientNum),
					zap.String("address", ev.Address),
					zap.String("name", ev.Name),
					zap.String("reason", ev.Reason))
			}
		}
	}()

	err = srv.Start(shutdownCtx)
	shutdownRelease()
	wg.Wait()
	return err
}
