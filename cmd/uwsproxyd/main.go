// Command uwsproxyd runs the single-port reverse proxy: it terminates all
// external traffic on one listener, answers WebSocket upgrades natively, and
// forwards every other HTTP/1.1 request to a loopback backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/backend"
	"github.com/jordan-breton/uws-reverse-proxy/internal/config"
	"github.com/jordan-breton/uws-reverse-proxy/internal/edge"
	"github.com/jordan-breton/uws-reverse-proxy/internal/metrics"
	"github.com/jordan-breton/uws-reverse-proxy/internal/proxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	app := &cli.App{
		Name:  "uwsproxyd",
		Usage: "bridge a WebSocket-capable edge with a plain HTTP/1.1 backend on one port",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config overlay",
				EnvVars: []string{"UWSPROXY_CONFIG_FILE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("uwsproxyd exited with error")
	}
}

func run(c *cli.Context) error {
	if path := c.String("config"); path != "" {
		os.Setenv("UWSPROXY_CONFIG_FILE", path)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	backendOpts := backend.DefaultOptions()
	backendOpts.MaxConnectionsByHost = cfg.MaxConnectionsByHost
	backendOpts.MaxStackedBuffers = cfg.MaxStackedBuffers
	backendOpts.MaxPipelinedRequestsByConnection = cfg.MaxPipelinedRequestsByConnection
	backendOpts.MaxConcurrentDials = cfg.MaxConcurrentDials
	backendOpts.RequestTimeout = cfg.RequestTimeout
	backendOpts.ConnectionTimeout = cfg.ConnectionTimeout
	backendOpts.ReconnectionAttempts = cfg.ReconnectionAttempts
	backendOpts.ReconnectionDelay = cfg.ReconnectionDelay
	backendOpts.ConnectionWatcherInterval = cfg.ConnectionWatcherInterval
	backendOpts.KeepAlive = cfg.KeepAlive

	client := backend.New(backendOpts, log.Logger)
	defer client.Close()

	target := backend.Target{
		Host:               cfg.BackendHost,
		Port:               cfg.BackendPort,
		TLS:                cfg.BackendTLS,
		ServerName:         cfg.BackendServerName,
		InsecureSkipVerify: cfg.BackendInsecureSkipVerify,
	}

	p := proxy.New(client, proxy.Options{Metrics: m}, log.Logger)

	edgeOpts := edge.DefaultOptions()
	edgeOpts.Addr = cfg.ListenAddr
	edgeOpts.Target = target

	srv := edge.New(p, edgeOpts, log.Logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}

	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server exited unexpectedly")
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("edge server exited unexpectedly")
		}
	}()

	log.Info().Str("listen_addr", cfg.ListenAddr).Str("metrics_addr", cfg.MetricsAddr).Msg("uwsproxyd started")

	waitForShutdown(context.Background(), srv, metricsServer, cfg.GracefulShutdownTimeout)
	return nil
}

func waitForShutdown(ctx context.Context, srv *edge.Server, metricsServer *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down uwsproxyd")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("edge graceful shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics graceful shutdown failed")
	}

	log.Info().Msg("uwsproxyd stopped")
}
