package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-errorwatch/internal/api"
	"github.com/miradorstack/mirador-errorwatch/internal/config"
	"github.com/miradorstack/mirador-errorwatch/internal/detector"
	"github.com/miradorstack/mirador-errorwatch/internal/events"
	"github.com/miradorstack/mirador-errorwatch/internal/metrics"
	"github.com/miradorstack/mirador-errorwatch/internal/ratelimit"
	"github.com/miradorstack/mirador-errorwatch/internal/services"
	"github.com/miradorstack/mirador-errorwatch/internal/session"
	"github.com/miradorstack/mirador-errorwatch/internal/tools"
	"github.com/miradorstack/mirador-errorwatch/internal/utils"
)

var version = "dev"

func main() {
	var configPath string
	var mcpMode bool
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&mcpMode, "mcp", false, "Serve MCP tools over stdio alongside gRPC")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	mcpMode = mcpMode || cfg.MCP.Enabled

	// stdout carries the MCP stream
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	if mcpMode {
		logger = utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)
	}
	logger.Info("starting mirador-errorwatch", slog.String("address", cfg.Server.Address), slog.Bool("mcp", mcpMode))

	if err := run(cfg, logger, mcpMode); err != nil {
		logger.Error("mirador-errorwatch exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("mirador-errorwatch stopped")
}

func run(cfg *config.Config, logger *slog.Logger, mcpMode bool) error {
	store, err := session.NewStore(cfg.Sessions.TTL, cfg.Sessions.CleanupInterval, session.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	bus := events.NewBus(logger)
	repo, err := session.New(store, bus,
		session.WithLogger(logger),
		session.WithMaxErrorsPerSession(cfg.Sessions.MaxErrors),
	)
	if err != nil {
		return err
	}
	defer repo.Close()

	limiter, err := ratelimit.NewMultiTier(cfg.RateLimit.Tiers,
		ratelimit.WithLogger(logger),
		ratelimit.WithCleanupInterval(cfg.RateLimit.CleanupInterval),
	)
	if err != nil {
		return err
	}
	defer limiter.Close()

	det, err := newDetector(cfg.Detector, logger)
	if err != nil {
		return err
	}

	service, err := services.NewErrorService(logger, repo, limiter, det)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	activeSessions := func() float64 {
		return float64(repo.GetSessionCount(context.Background()).UnwrapOr(0))
	}
	if err := metrics.Register(prometheus.DefaultRegisterer, activeSessions); err != nil {
		return err
	}
	metrics.Subscribe(bus)

	server, err := api.NewServer(cfg.Server, logger, api.NewHandler(logger, service))
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(server.Start)

	if metricsServer != nil {
		group.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if mcpMode {
		group.Go(func() error {
			mcpServer := tools.NewServer(version, tools.New(logger, service))
			err := mcpServer.Run(gctx, &mcp.StdioTransport{})
			if err != nil && gctx.Err() == nil {
				return err
			}
			// stdin closed: the client is gone, so stop everything
			stop()
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)

		if metricsServer != nil {
			metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelMetrics()
			if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	err = group.Wait()
	latency := service.AddErrorLatency()
	logger.Info("add error latency",
		slog.Int("samples", latency.Count),
		slog.Duration("p50", latency.P50),
		slog.Duration("p95", latency.P95),
		slog.Duration("p99", latency.P99),
		slog.Duration("max", latency.Max),
	)
	return err
}

func newDetector(cfg config.DetectorConfig, logger *slog.Logger) (detector.Detector, error) {
	if cfg.FixturesPath == "" {
		logger.Warn("no detector fixtures configured; detections will be empty")
		return detector.NewFixtureDetector(logger, nil)
	}
	det, err := detector.LoadFixtures(logger, cfg.FixturesPath)
	if err != nil {
		return nil, err
	}
	logger.Info("detector fixtures loaded", slog.String("path", cfg.FixturesPath), slog.Int("pages", det.Len()))
	return det, nil
}
