// Package main - точка входа Koda, бота ежедневных чекинов сообщества.
//
// Порядок запуска: конфигурация, логгер, хранилище, загрузка последнего
// снимка, движок прогресса, планировщик снимков, Telegram и /metrics.
// При остановке выполняется финальное ротационное сохранение.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/koda-community/koda-bot/config"
	"github.com/koda-community/koda-bot/internal/application/command"
	"github.com/koda-community/koda-bot/internal/application/progression"
	domain "github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/infrastructure/external/github"
	"github.com/koda-community/koda-bot/internal/infrastructure/external/telegram"
	"github.com/koda-community/koda-bot/internal/infrastructure/metrics"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/memdb"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/postgres"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/redis"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/snapshot"
	"github.com/koda-community/koda-bot/internal/infrastructure/scheduler"
	"github.com/koda-community/koda-bot/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/koda-community/koda-bot/internal/interface/http"
	"github.com/koda-community/koda-bot/internal/interface/http/handlers"
	router "github.com/koda-community/koda-bot/internal/interface/telegram"
	"github.com/koda-community/koda-bot/internal/interface/telegram/middleware"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLAGS
// ══════════════════════════════════════════════════════════════════════════════

// flags переопределяют значения из окружения.
type flags struct {
	saveFolder string
	logLevel   string
	templates  string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("koda-bot", pflag.ContinueOnError)
	fs.StringVar(&f.saveFolder, "save-folder", "", "snapshot folder (overrides SAVE_FOLDER)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	fs.StringVar(&f.templates, "templates", "", "reply templates directory (overrides TEMPLATES_DIR)")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func (f flags) apply(cfg *config.Config) {
	if f.saveFolder != "" {
		cfg.Persistence.Folder = f.saveFolder
	}
	if f.logLevel != "" {
		cfg.Observability.LogLevel = f.logLevel
	}
	if f.templates != "" {
		cfg.App.TemplatesDir = f.templates
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cfg)

	log := setupLogger(cfg)
	log.Info("starting Koda",
		slog.String("env", string(cfg.App.Environment)),
		slog.String("version", cfg.App.Version),
		slog.String("save_folder", cfg.Persistence.Folder),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. АРХИВ СНИМКОВ В POSTGRES (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var snapshotOpts []snapshot.Option
	if cfg.Database.Enabled {
		conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL, postgres.DefaultPoolSettings())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()

		if err := postgres.Migrate(ctx, conn); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		snapshotOpts = append(snapshotOpts, snapshot.WithArchiver(postgres.NewSnapshotArchive(conn, log), cfg.Database.ArchiveTimeout))
		health.AddCheck("postgres", handlers.NewPingCheck(conn))
		log.Info("snapshot archive enabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ И ЗАГРУЗКА СНИМКА
	// ─────────────────────────────────────────────────────────────────────────
	store := memdb.NewInMemoryStore()
	manager, err := snapshot.NewManager(store, cfg.Persistence.Folder, cfg.Persistence.FileName,
		append(snapshotOpts, snapshot.WithRecorder(collector), snapshot.WithLogger(log))...)
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}
	facade := memdb.NewInMemoryFacade(store, manager, log)

	found, err := facade.LoadDB()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	log.Info("store ready", slog.Bool("snapshot_found", found))
	health.AddCheck("store", func(context.Context) error {
		_, err := facade.ListUserIDs()
		return err
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ПРОВЕРКА ВКЛАДОВ: GITHUB + REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	ghConfig := github.DefaultClientConfig(cfg.GitHub.Token)
	ghConfig.GraphQLURL = cfg.GitHub.GraphQLURL
	ghConfig.Timeout = cfg.GitHub.Timeout
	ghConfig.RequestsPerSecond = cfg.GitHub.RateLimit
	ghConfig.Burst = cfg.GitHub.RateBurst
	ghConfig.MaxAttempts = cfg.GitHub.MaxRetries
	ghConfig.Logger = log

	var verifier domain.ActivityVerifier = github.NewClient(ghConfig)
	if cfg.Redis.Enabled {
		cache, err := redis.NewCacheFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer cache.Close()

		verifier = redis.NewCachedVerifier(verifier, cache, cfg.GitHub.CacheTTL, log)
		health.AddCheck("redis", handlers.NewPingCheck(cache))
		log.Info("verification cache enabled", slog.Duration("ttl", cfg.GitHub.CacheTTL))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ДВИЖОК ПРОГРЕССА И КОМАНДЫ
	// ─────────────────────────────────────────────────────────────────────────
	engine, err := progression.NewEngine(facade, verifier, progression.Config{
		BaseCooldown:  cfg.Checkin.BaseCooldown,
		VerifyTimeout: cfg.GitHub.VerifyTimeout,
		TemplatesDir:  cfg.App.TemplatesDir,
	}, progression.WithObserver(collector), progression.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.RebuildMembership(); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ПЛАНИРОВЩИК СНИМКОВ
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := newSnapshotScheduler(cfg, facade, collector, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. TELEGRAM
	// ─────────────────────────────────────────────────────────────────────────
	tg := telegram.NewClient(telegram.ClientConfig{
		Token:                cfg.Telegram.Token,
		BaseURL:              cfg.Telegram.BaseURL,
		PollingTimeout:       cfg.Telegram.PollingTimeout,
		MaxConcurrentUpdates: cfg.Telegram.MaxConcurrentUpdates,
		Logger:               log,
	})

	rateLimit := middleware.DefaultRateLimitConfig()
	rateLimit.RequestsPerMinute = cfg.Telegram.UserRateLimit

	r, err := router.NewRouter(router.RouterConfig{
		Prefix:    cfg.Telegram.CommandPrefix,
		Logger:    log,
		RateLimit: rateLimit,
	}, router.Dependencies{
		Checkin: command.NewCheckinHandler(engine, command.CheckinHandlerConfig{
			Reward: cfg.Checkin.XPReward,
			Logger: log,
		}),
		Stats:    command.NewStatsHandler(engine),
		Register: command.NewRegisterHandler(engine, log),
		Helper:   engine,
		Sender:   tg,
		Recorder: collector,
	})
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ЗАПУСК СЕРВИСОВ
	// ─────────────────────────────────────────────────────────────────────────
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		me, err := tg.GetMe(gctx)
		if err != nil {
			return fmt.Errorf("telegram getMe: %w", err)
		}
		log.Info("telegram bot connected", slog.String("username", me.Username))
		return tg.StartPolling(gctx, r.HandleUpdate)
	})
	if cfg.Observability.MetricsEnabled {
		srv := httpserver.NewServer(httpserver.Config{
			Addr:            cfg.Observability.MetricsAddr,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		}, httpserver.Dependencies{
			Metrics: metrics.Handler(reg),
			Health:  health,
			Logger:  log,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	log.Info("Koda is running", slog.String("prefix", cfg.Telegram.CommandPrefix))
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("service error", logger.Err(runErr))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("shutting down")
	if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		log.Warn("scheduler stop", logger.Err(err))
	}
	if err := facade.SaveDB(false); err != nil {
		log.Error("final snapshot failed", logger.Err(err))
		return errors.Join(runErr, err)
	}
	log.Info("final snapshot written")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// newSnapshotScheduler регистрирует ротационное и постоянное сохранение.
func newSnapshotScheduler(cfg *config.Config, saver jobs.Saver, collector *metrics.Collector, log *slog.Logger) (*scheduler.Scheduler, error) {
	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	sched := scheduler.NewScheduler(schedCfg)
	sched.OnJobComplete(func(result scheduler.JobResult) {
		collector.JobCompleted(result.JobName, result.Success)
	})

	short, err := scheduler.NewIntervalSchedule(cfg.Persistence.ShortInterval)
	if err != nil {
		return nil, err
	}
	long, err := scheduler.NewIntervalSchedule(cfg.Persistence.LongInterval)
	if err != nil {
		return nil, err
	}

	if err := sched.Register(jobs.NewRotatingSnapshotJob(saver, log), short); err != nil {
		return nil, err
	}
	if err := sched.Register(jobs.NewPermanentSnapshotJob(saver, log), long); err != nil {
		return nil, err
	}
	return sched, nil
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug && cfg.Observability.LogLevel == "" {
		level = slog.LevelDebug
	}

	format := logger.ParseFormat(cfg.Observability.LogFormat)
	if !cfg.IsProduction() && os.Getenv("LOG_FORMAT") == "" {
		format = logger.FormatText
	}

	log := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  level,
		Format: format,
	})
	slog.SetDefault(log)
	return log
}
