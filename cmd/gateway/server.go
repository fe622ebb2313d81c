// Package main provides the gateway server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newrey/llm-gateway/api"
	"github.com/newrey/llm-gateway/config"
	"github.com/newrey/llm-gateway/internal/dispatcher"
	"github.com/newrey/llm-gateway/internal/governor"
	"github.com/newrey/llm-gateway/internal/interactionlog"
	"github.com/newrey/llm-gateway/internal/metrics"
	"github.com/newrey/llm-gateway/internal/registry"
	"github.com/newrey/llm-gateway/internal/selector"
	"github.com/newrey/llm-gateway/internal/server"
	"github.com/newrey/llm-gateway/internal/telemetry"
	"github.com/newrey/llm-gateway/internal/tokenizer"
)

// Server is the gateway's top-level process: the proxy listener, the
// metrics listener, the background scheduler, and every component they
// share.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	registry   *registry.Registry
	governor   *governor.Governor
	ilog       *interactionlog.Log
	cronRunner *cron.Cron
	watcher    *config.Watcher
	otel       *telemetry.Providers

	wg            sync.WaitGroup
	stopPublisher chan struct{}
}

// NewServer wires every component from cfg but starts nothing.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// Start builds the component graph, starts both HTTP listeners and the
// background scheduler, and returns once they're accepting connections.
func (s *Server) Start() error {
	s.registry = registry.New(s.cfg.Gateway, s.logger)
	s.ilog = interactionlog.New(s.cfg.Server.InteractionLog)

	limitsLookup := func(id string) (governor.Limits, bool) {
		p, ok := s.registry.Provider(id)
		if !ok {
			return governor.Limits{}, false
		}
		return governor.Limits{RPM: p.Limits.RPM, TPM: p.Limits.TPM, RPD: p.Limits.RPD, TPR: p.Limits.TPR}, true
	}
	s.governor = governor.New(limitsLookup, s.logger)

	collector := metrics.NewCollector("gateway", s.logger)
	sel := selector.New(s.registry, s.governor, s.logger).WithMetrics(collector)
	est := tokenizer.NewEstimator()
	disp := dispatcher.New(s.registry, sel, s.governor, est, s.ilog, s.logger, &http.Client{}).WithMetrics(collector)

	adminHandler := api.New(s.registry, s.governor, s.configPath, s.cfg.Server.InteractionLog, s.cfg.Server.StaticDir, &http.Client{Timeout: 10 * time.Second}, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/", disp)
	adminHandler.RegisterRoutes(mux)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		MetricsMiddleware(collector),
		SecurityHeaders(),
	)

	s.startUsagePublisher(collector)

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath, s.logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := watcher.Watch(context.Background(), func(cfg *config.Config) {
			s.registry.Replace(cfg.Gateway)
			s.logger.Info("gateway bindings reloaded from config file")
		}); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		s.watcher = watcher
	}

	s.startScheduler()

	if err := s.startHTTPServer(handler); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("gateway started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// startScheduler runs the Governor's two time-driven maintenance jobs:
// the daily request counter reset at local midnight, and the error-ledger
// sweep every 30 minutes.
func (s *Server) startScheduler() {
	s.cronRunner = cron.New()
	if _, err := s.cronRunner.AddFunc("0 0 * * *", func() {
		s.governor.ResetDaily()
		s.logger.Info("daily rate limit counters reset")
	}); err != nil {
		s.logger.Error("schedule reset_daily failed", zap.Error(err))
	}
	if _, err := s.cronRunner.AddFunc("@every 30m", func() {
		s.governor.SweepErrors()
		s.logger.Info("error ledger swept")
	}); err != nil {
		s.logger.Error("schedule sweep_errors failed", zap.Error(err))
	}
	s.cronRunner.Start()
}

// startUsagePublisher runs a background loop that copies the Governor's
// current RPM/TPM/RPD window sizes into the Prometheus gauges every 15
// seconds, so dashboards reflect live rate-limit headroom.
func (s *Server) startUsagePublisher(collector *metrics.Collector) {
	s.stopPublisher = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := s.governor.Snapshot()
				for providerID, usage := range snap.Providers {
					collector.SetProviderUsage(providerID, usage.RPM.Current, usage.TPM.Current, usage.RPD.Current)
				}
			case <-s.stopPublisher:
				return
			}
		}
	}()
}

func (s *Server) startHTTPServer(handler http.Handler) error {
	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr(),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until SIGINT/SIGTERM or either listener exits
// unexpectedly, then shuts every component down. An errgroup runs the
// signal watch and both listeners' error watches under one cancellation
// scope: whichever fires first cancels the group's context, and every
// other watcher returns immediately instead of leaking.
func (s *Server) WaitForShutdown() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { defer cancel(); return watchManagerErrors(gctx, s.httpManager, "http", s.logger) })
	g.Go(func() error { defer cancel(); return watchManagerErrors(gctx, s.metricsManager, "metrics", s.logger) })

	_ = g.Wait()
	s.Shutdown()
}

func watchManagerErrors(ctx context.Context, m *server.Manager, name string, log *zap.Logger) error {
	if m == nil {
		<-ctx.Done()
		return nil
	}
	select {
	case err := <-m.Errors():
		if err != nil {
			log.Error("listener exited unexpectedly", zap.String("listener", name), zap.Error(err))
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the scheduler, the usage publisher and the config watcher,
// then both listeners, the interaction log and the telemetry providers.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.cronRunner != nil {
		ctx := s.cronRunner.Stop()
		<-ctx.Done()
	}
	if s.stopPublisher != nil {
		close(s.stopPublisher)
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("config watcher shutdown error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.ilog != nil {
		if err := s.ilog.Close(); err != nil {
			s.logger.Error("interaction log close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}
