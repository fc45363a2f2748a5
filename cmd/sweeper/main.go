package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/stockledger/internal/cron"
	"github.com/angelmondragon/stockledger/pkg/config"
	"github.com/angelmondragon/stockledger/pkg/db"
	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
	"github.com/angelmondragon/stockledger/pkg/migrate"
	"github.com/angelmondragon/stockledger/pkg/redis"
)

const serviceKind = "sweeper"

// mode selects how long the sweeper runs.
type mode struct {
	once bool
	job  string
}

func main() {
	var m mode
	flag.BoolVar(&m.once, "once", false, "run a single cycle and exit")
	flag.StringVar(&m.job, "job", "", "run only the named job once and exit")
	flag.Parse()

	bootLog := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		bootLog.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		bootLog.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind

	logg := logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"interval":    cfg.Inventory.SchedulerInterval.String(),
	})

	if err := run(ctx, cfg, logg, m); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sweeper stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "sweeper shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, m mode) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer closeWithLog(ctx, logg, "database", dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Configured() {
		if redisClient, err = redis.New(ctx, cfg.Redis, logg); err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		defer closeWithLog(ctx, logg, "redis", redisClient.Close)
	}

	service, err := buildScheduler(cfg, logg, dbClient, redisClient, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	switch {
	case m.job != "":
		logg.Info(logg.WithField(ctx, "job", m.job), "running single job")
		return service.RunJob(ctx, m.job)
	case m.once:
		logg.Info(ctx, "running a single sweeper cycle")
		return service.RunOnce(ctx)
	default:
		logg.Info(ctx, "starting sweeper")
		return service.Run(ctx)
	}
}

func buildScheduler(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, reg prometheus.Registerer) (*cron.Service, error) {
	engine, err := buildEngine(cfg, logg, dbClient, redisClient, reg)
	if err != nil {
		return nil, fmt.Errorf("build inventory services: %w", err)
	}
	registry, err := buildJobs(cfg, logg, dbClient, engine)
	if err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	lock, err := buildLock(cfg, redisClient)
	if err != nil {
		return nil, fmt.Errorf("scheduler lock: %w", err)
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Inventory.SchedulerInterval,
	})
}

// buildLock uses redis when available so only one sweeper replica runs a
// cycle. Without redis the lock is process local.
func buildLock(cfg *config.Config, redisClient *redis.Client) (cron.Lock, error) {
	if redisClient == nil {
		return cron.NewLocalLock(), nil
	}
	return cron.NewRedisLock(redisClient.Locker(), redisClient.LockKey(lockName(cfg.App.Env)), cfg.Inventory.SchedulerLockTTL)
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return serviceKind + ":" + env
}

func closeWithLog(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, fmt.Sprintf("error closing %s", name), err)
	}
}
