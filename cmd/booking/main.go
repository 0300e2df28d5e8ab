package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/panditbooking/booking/internal/api"
	"github.com/panditbooking/booking/internal/app"
	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/config"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/ws"
	"github.com/panditbooking/booking/pkg/auth"
	envconfig "github.com/panditbooking/booking/pkg/config"
	"github.com/panditbooking/booking/pkg/health"
	"github.com/panditbooking/booking/pkg/logger"
	"github.com/panditbooking/booking/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.ServiceName, os.Stdout, cfg.LogLevel)
	log.Infof("starting", map[string]interface{}{"env": cfg.AppEnv, "port": cfg.HTTPPort})

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("booking service stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("close dependencies")
		}
	}()

	notifier, err := a.NewNotifier()
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	publisher := ws.NewPublisher(a.Redis, cfg.BookingEventChannel)
	feed := ws.NewFeed(a.Redis, publisher, cfg.AllowedOrigins, log)

	// outbox 调度
	dispatcher := outbox.NewDispatcher(a.Store, outbox.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		HandlerTimeout: cfg.Outbox.HandlerTimeout,
		BackoffBase:    cfg.Outbox.BackoffBase,
		BackoffMax:     cfg.Outbox.BackoffMax,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
	}, log, a.Metrics)
	a.Orchestrator.EffectHandlers(notifier, publisher).Register(dispatcher)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL, cfg.JWTIssuer,
		string(booking.RoleCustomer), string(booking.RoleProvider), string(booking.RoleAdmin))
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	hc := health.New()
	hc.Register(health.NewPostgresChecker(a.DB))
	hc.Register(health.NewRedisChecker(a.Redis))
	hc.Register(health.NewLoopChecker("outbox", dispatcher.Loop(), loopMaxAge(cfg.Outbox.PollInterval)))

	if !envconfig.IsDevelopment(cfg.AppEnv) {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(a.Orchestrator, api.Options{
		Tokens:         tokens,
		Feed:           feed,
		Health:         hc,
		Metrics:        a.Metrics.Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		Log:            log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	hc.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-dispatcherDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	hc.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	stop()
	<-dispatcherDone
	log.Info("shutdown complete")
	return nil
}

// loopMaxAge 调度循环超过该时长没有心跳即判定为不健康
func loopMaxAge(poll time.Duration) time.Duration {
	if d := 10 * poll; d > 30*time.Second {
		return d
	}
	return 30 * time.Second
}
