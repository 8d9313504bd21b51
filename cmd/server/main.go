// Command server boots one shard process: it loads configuration,
// connects to Redis and the sandbox service, loads the task catalogue,
// wires the router and shard runtime together and runs until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/adred-codev/codearena/internal/catalogue"
	"github.com/adred-codev/codearena/internal/config"
	"github.com/adred-codev/codearena/internal/directory"
	"github.com/adred-codev/codearena/internal/logging"
	"github.com/adred-codev/codearena/internal/metrics"
	"github.com/adred-codev/codearena/internal/router"
	"github.com/adred-codev/codearena/internal/sandbox"
	"github.com/adred-codev/codearena/internal/shard"
	"github.com/adred-codev/codearena/internal/sysload"
)

const (
	shutdownGracePeriod = 30 * time.Second
	sysloadInterval     = 5 * time.Second
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a clean shutdown, 1 on any
// bootstrap failure, 2 if the shard reports a fatal runtime error.
func run() int {
	bootLogger := logging.New("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("load configuration")
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("addr", cfg.BindAddr()).
		Str("redis", cfg.RedisAddr).
		Str("sandbox", cfg.SandboxAddr).
		Msg("starting shard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := directory.New(ctx, cfg.RedisAddr, cfg.ShouldResetRedis)
	if err != nil {
		logger.Error().Err(err).Msg("connect to redis")
		return 1
	}
	defer dir.Close()

	cat, err := catalogue.Load(cfg.TasksPath)
	if err != nil {
		logger.Error().Err(err).Msg("load task catalogue")
		return 1
	}

	sbx, err := sandbox.Dial(cfg.SandboxAddr)
	if err != nil {
		logger.Error().Err(err).Msg("dial sandbox")
		return 1
	}
	defer sbx.Close()

	met := metrics.New()

	var gate shard.LoadGate
	sampler, err := sysload.New(sysloadInterval, met.ProcessCPUPct, met.ProcessRSSBytes, cfg.CPURejectPercent, cfg.MemoryRejectBytes)
	if err != nil {
		logger.Warn().Err(err).Msg("start resource sampler")
	} else {
		go sampler.Run(ctx)
		gate = sampler
	}

	shardID := uuid.New()
	sh := shard.New(shard.Config{
		ID:             shardID,
		BindAddr:       cfg.BindAddr(),
		MaxConnections: cfg.MaxConnections,
		SendQueueSize:  cfg.SendQueueSize,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      rate.Limit(cfg.RateLimitPerSec),
		RateBurst:      cfg.RateLimitBurst,
	}, dir, met, gate, logger)

	r := router.New(shardID, cfg.SandboxLanguage, cat, sbx, dir, sh, sh, met, logger)
	sh.SetRouter(r)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sh.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("shard run failed")
			return 2
		}
	}

	if err := sh.Shutdown(shutdownGracePeriod); err != nil {
		logger.Error().Err(err).Msg("shard shutdown")
		return 1
	}
	return 0
}
