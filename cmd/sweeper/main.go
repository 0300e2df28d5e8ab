package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/panditbooking/booking/internal/app"
	"github.com/panditbooking/booking/internal/config"
	"github.com/panditbooking/booking/internal/service"
	"github.com/panditbooking/booking/pkg/logger"
)

// sweeper *service.Sweeper 的两个任务
type sweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (service.SweepResult, error)
	EnqueuePayouts(ctx context.Context, now time.Time) (service.SweepResult, error)
}

// opener 构建 sweeper，返回的 close 释放连接
type opener func(ctx context.Context) (sweeper, func() error, error)

type sweeperConfig struct {
	Once       string
	ExpireCron string
	PayoutCron string
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log := logger.NewWithLevel(cfg.ServiceName+"-sweeper", os.Stdout, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		exitFunc(2)
		return
	}

	code := runCLIFunc(ctx, os.Args[1:], cfg.Sweep, os.Stdout, os.Stderr, func(ctx context.Context) (sweeper, func() error, error) {
		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return service.NewSweeper(a.Orchestrator, a.Redis, service.SweepConfig{
			BatchSize:     cfg.Sweep.BatchSize,
			PayoutStagger: cfg.Sweep.PayoutStagger,
			LockTTL:       cfg.Sweep.LockTTL,
		}), a.Close, nil
	})
	exitFunc(code)
}

func parseFlags(args []string, defaults config.SweepConfig) (sweeperConfig, error) {
	fs := flag.NewFlagSet("sweeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg sweeperConfig
	fs.StringVar(&cfg.Once, "once", "", "run one job (expire|payout) and exit")
	fs.StringVar(&cfg.ExpireCron, "expire-cron", defaults.ExpireCron, "cron expression for the expiration sweep")
	fs.StringVar(&cfg.PayoutCron, "payout-cron", defaults.PayoutCron, "cron expression for the payout sweep")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Once = strings.ToLower(strings.TrimSpace(cfg.Once))
	switch cfg.Once {
	case "", service.JobExpire, service.JobPayout:
	default:
		return cfg, fmt.Errorf("unknown job %q, expected expire or payout", cfg.Once)
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, defaults config.SweepConfig, out, errOut io.Writer, open opener) int {
	cfg, err := parseFlags(args, defaults)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if cfg.Once != "" {
		return runOnce(ctx, cfg.Once, out, errOut, open)
	}
	return runScheduled(ctx, cfg, out, errOut, open)
}

func runOnce(ctx context.Context, job string, out, errOut io.Writer, open opener) int {
	s, closeFn, err := open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialise sweeper: %v\n", err)
		return 2
	}
	defer func() { _ = closeFn() }()
	return runJob(ctx, s, job, out, errOut)
}

func runJob(ctx context.Context, s sweeper, job string, out, errOut io.Writer) int {
	var (
		res service.SweepResult
		err error
	)
	now := time.Now().UTC()
	switch job {
	case service.JobExpire:
		res, err = s.ExpireStale(ctx, now)
	case service.JobPayout:
		res, err = s.EnqueuePayouts(ctx, now)
	}
	switch {
	case errors.Is(err, service.ErrSweepBusy):
		fmt.Fprintf(out, "%s sweep skipped: already running elsewhere\n", job)
		return 0
	case err != nil:
		fmt.Fprintf(errOut, "%s sweep failed: %v\n", job, err)
		return 1
	}
	_ = json.NewEncoder(out).Encode(res)
	if res.Failed > 0 {
		return 1
	}
	return 0
}

func runScheduled(ctx context.Context, cfg sweeperConfig, out, errOut io.Writer, open opener) int {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	expireSchedule, err := parser.Parse(cfg.ExpireCron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid expire cron expression: %v\n", err)
		return 2
	}
	payoutSchedule, err := parser.Parse(cfg.PayoutCron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid payout cron expression: %v\n", err)
		return 2
	}

	s, closeFn, err := open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialise sweeper: %v\n", err)
		return 2
	}
	defer func() { _ = closeFn() }()

	// 同一进程内上一轮未结束时跳过；跨实例互斥由 Redis 锁保证
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := func(job string) cron.Job {
		return cron.FuncJob(func() {
			if ctx.Err() != nil {
				return
			}
			if code := runJob(ctx, s, job, out, errOut); code != 0 {
				fmt.Fprintf(errOut, "scheduled %s sweep exited with code %d\n", job, code)
			}
		})
	}
	c.Schedule(expireSchedule, schedule(service.JobExpire))
	c.Schedule(payoutSchedule, schedule(service.JobPayout))

	fmt.Fprintf(out, "sweeper started: expire=%q payout=%q\n", cfg.ExpireCron, cfg.PayoutCron)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}
