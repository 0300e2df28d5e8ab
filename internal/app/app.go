// Package app 组装 cmd/booking 与 cmd/sweeper 共用的依赖
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/config"
	"github.com/panditbooking/booking/internal/directory"
	"github.com/panditbooking/booking/internal/gateway"
	"github.com/panditbooking/booking/internal/metrics"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/repository"
	"github.com/panditbooking/booking/internal/service"
	"github.com/panditbooking/booking/internal/slotlock"
	"github.com/panditbooking/booking/pkg/logger"
	commonredis "github.com/panditbooking/booking/pkg/redis"
	"github.com/panditbooking/booking/pkg/snowflake"
)

const (
	dbMaxOpenConns    = 50
	dbMaxIdleConns    = 10
	dbConnMaxLifetime = 30 * time.Minute
	dbPingTimeout     = 5 * time.Second
)

// App 进程级依赖
type App struct {
	Config       *config.Config
	Log          *logger.Logger
	DB           *sql.DB
	Redis        *redis.Client
	Store        *repository.Store
	Directory    *directory.Repository
	Gateway      gateway.Gateway
	Metrics      *metrics.Metrics
	Orchestrator *service.Orchestrator

	closers []func() error
}

// New 连接 PostgreSQL 与 Redis 并构建编排服务；失败时已打开的连接会被关闭
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("snowflake: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.onClose(db.Close)
	db.SetMaxOpenConns(dbMaxOpenConns)
	db.SetMaxIdleConns(dbMaxIdleConns)
	db.SetConnMaxLifetime(dbConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.DB = db
	log.Info("connected to postgres")

	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate bookings: %w", err)
		}
		if err := directory.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate directory: %w", err)
		}
		log.Info("schema migrated")
	}

	rcfg := commonredis.DefaultConfig
	rcfg.Addr = cfg.RedisAddr
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	rcfg.TLS = cfg.RedisTLS
	rdb, err := commonredis.NewClient(ctx, &rcfg)
	if err != nil {
		return nil, err
	}
	a.onClose(rdb.Close)
	a.Redis = rdb
	log.Info("connected to redis")

	gw, err := NewGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	a.Gateway = gw

	policy, err := cfg.RefundPolicy()
	if err != nil {
		return nil, fmt.Errorf("refund policy: %w", err)
	}

	a.Store = repository.NewStore(db, ids)
	a.Directory = directory.NewRepository(db)
	commission := cfg.CommissionPercent
	a.Orchestrator, err = service.NewOrchestrator(a.Store, a.Directory, slotlock.New(rdb), gw, service.Options{
		Commission:   &commission,
		AcceptWindow: cfg.AcceptWindow,
		SlotLockTTL:  cfg.SlotLockTTL,
		Currency:     cfg.Currency,
		RefundPolicy: policy,
		SagaStore:    commonredis.NewSagaStore(rdb, "saga:booking:", cfg.SagaLogTTL),
		Numbers:      booking.NewNumberGenerator(nil),
		Log:          log,
		Metrics:      a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 逆序关闭
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewGateway 按 PAYMENT_PROVIDER 选择适配器
func NewGateway(cfg config.GatewayConfig) (gateway.Gateway, error) {
	switch cfg.Provider {
	case "razorpay":
		return gateway.NewRazorpay(gateway.RazorpayConfig{
			BaseURL:       cfg.RazorpayBaseURL,
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			PayoutAccount: cfg.RazorpayPayoutAccount,
			Timeout:       cfg.Timeout,
		}), nil
	case "omise":
		gw, err := gateway.NewOmise(gateway.OmiseConfig{
			PublicKey: cfg.OmisePublicKey,
			SecretKey: cfg.OmiseSecretKey,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.Provider)
	}
}

// NewNotifier 按 NOTIFIER_BACKEND 选择通知通道，连接随 App 关闭
func (a *App) NewNotifier() (notify.Notifier, error) {
	return NewNotifier(a.Config.Notifier, a.Redis, a.Log, a.onClose)
}

// NewNotifier onClose 接收需要在退出时释放的连接
func NewNotifier(cfg config.NotifierConfig, rdb redis.Cmdable, log *logger.Logger, onClose func(func() error)) (notify.Notifier, error) {
	switch cfg.Backend {
	case "redis":
		return notify.NewStreamNotifier(commonredis.NewStreamClient(rdb, cfg.StreamMax), cfg.Stream), nil
	case "amqp":
		n, err := notify.DialAMQP(cfg.AMQPURL, cfg.Exchange, log)
		if err != nil {
			return nil, err
		}
		if onClose != nil {
			onClose(n.Close)
		}
		return n, nil
	case "log":
		return notify.NewLogNotifier(log), nil
	default:
		return nil, fmt.Errorf("unsupported notifier backend %q", cfg.Backend)
	}
}
