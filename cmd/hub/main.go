// Command hub launches the agent event hub service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	hubcore "github.com/coachpo/agenthub/internal/hub"
	"github.com/coachpo/agenthub/internal/infra/config"
	httpserver "github.com/coachpo/agenthub/internal/infra/server/http"
	"github.com/coachpo/agenthub/internal/observability"
	"github.com/coachpo/agenthub/internal/telemetry"
)

const (
	hubLoggerPrefix          = "hub "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 10 * time.Second
	hubShutdownTimeout       = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newHubLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	configPath := config.ResolvePath(cfgPath)
	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration loaded: path=%s env=%s", configPath, appCfg.Environment)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	h := hubcore.New(hubConfig(appCfg.Hub))
	logger.Printf("hub started: queueLimit=%d historyLimit=%d sweepInterval=%s",
		orDefault(appCfg.Hub.QueueLimit, 100),
		orDefault(appCfg.Hub.HistoryLimit, 100),
		appCfg.Hub.SweepInterval)

	apiServer := buildAPIServer(appCfg, h)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("hub API listening on %s", apiServer.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		hub:        h,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", "Path to hub configuration file (default: config/hub.yaml)")
	debug := flag.Bool("debug", false, "Emit debug-level log lines")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newHubLogger() *log.Logger {
	return log.New(os.Stdout, hubLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

// hubConfig maps the YAML hub section onto the hub's runtime configuration.
// Zero values fall through to the hub defaults.
func hubConfig(cfg config.HubConfig) hubcore.Config {
	return hubcore.Config{
		HistoryLimit:       cfg.HistoryLimit,
		QueueLimit:         cfg.QueueLimit,
		QueueTTL:           cfg.QueueTTL,
		HistoryTTL:         cfg.HistoryTTL,
		SubscriptionTTL:    cfg.SubscriptionTTL,
		SweepInterval:      cfg.SweepInterval,
		FanoutWorkers:      cfg.FanoutWorkerCount(),
		DropLogSize:        cfg.DropLogSize,
		WebhookTimeout:     cfg.Webhook.AttemptTimeout,
		WebhookRateLimit:   rate.Limit(cfg.Webhook.RatePerSecond),
		WebhookRateBurst:   cfg.Webhook.RateBurst,
		SocketWriteTimeout: cfg.Socket.WriteTimeout,
	}
}

func buildAPIServer(appCfg config.AppConfig, h *hubcore.Hub) *http.Server {
	handler := httpserver.NewHandler(h, httpserver.Config{
		AllowedOrigins:     appCfg.Server.AllowedOrigins,
		SocketWriteTimeout: appCfg.Hub.Socket.WriteTimeout,
	})
	return &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       appCfg.Server.ReadTimeout,
		WriteTimeout:      appCfg.Server.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	hub        *hubcore.Hub
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.hub != nil {
		shutdownStep("closing hub", hubShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.hub.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for hub: %w", stepCtx.Err())
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
