//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/D-os/libb2/internal/api/http"
	"github.com/D-os/libb2/internal/api/middleware"
	"github.com/D-os/libb2/internal/infrastructure/config"
	"github.com/D-os/libb2/internal/infrastructure/logging"
	"github.com/D-os/libb2/internal/infrastructure/monitoring"
	"github.com/D-os/libb2/kernel"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Parse flags (override env vars or the config file)
	configPath := flag.String("config", "", "YAML config file (default: environment)")
	port := flag.String("port", "", "Diagnostics server port")
	host := flag.String("host", "", "Diagnostics server host")
	dev := flag.Bool("dev", false, "Development mode (colored logs, debug level)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.ForMode(cfg.Logging.Development, cfg.Logging.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("kerneld failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	team, err := kernel.NewTeam(kernel.Options{
		Logger:           logger.Component("kernel"),
		SemSpinCount:     cfg.Kernel.SemSpinCount,
		MailboxSpinCount: cfg.Kernel.MailboxSpinCount,
		PortSendRetries:  cfg.Kernel.PortSendRetries,
		PortRetryDelay:   cfg.Kernel.PortRetryDelay,
		PollInterval:     cfg.Kernel.PollInterval,
		PortMaxMessage:   cfg.Kernel.PortMaxMessage,
	})
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	team.WithMetrics(metrics)
	defer func() {
		if err := team.Close(); err != nil {
			logger.Warn("Team close incomplete", zap.Error(err))
		}
	}()

	svc, err := newEcho(team, cfg.Echo, cfg.Kernel.PortMaxMessage, logger.Component("echo"))
	if err != nil {
		return fmt.Errorf("create echo port %q: %w", cfg.Echo.PortName, err)
	}
	echoID, err := svc.start()
	if err != nil {
		return fmt.Errorf("start echo thread: %w", err)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           newRouter(cfg, team, reg, metrics, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("Starting kerneld",
		zap.Int32("team", int32(team.ID())),
		zap.String("addr", srv.Addr),
		zap.String("echo_port", cfg.Echo.PortName),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("Diagnostics server shutdown", zap.Error(err))
		}
		if err := team.KillThread(echoID); err != nil && kernel.StatusOf(err) != kernel.ErrBadThreadID {
			logger.Warn("Failed to stop echo thread", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		status, err := team.WaitForThread(echoID)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = kernel.Status(status)
		}
		return fmt.Errorf("echo thread exited: %w", err)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, team *kernel.Team, reg *prometheus.Registry, metrics *monitoring.Metrics, logger *logging.Logger) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(cfg.CORS))
	if cfg.RateLimit.Global {
		router.Use(middleware.GlobalRateLimit(cfg.RateLimit))
	} else {
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	api.NewHandlers(team, logger.Component("diag")).Register(router)
	return router
}
