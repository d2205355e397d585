package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/api"
	"github.com/nexus-cloaker/datacenter/internal/auth"
	"github.com/nexus-cloaker/datacenter/internal/cache"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/events"
	"github.com/nexus-cloaker/datacenter/internal/integrations"
	"github.com/nexus-cloaker/datacenter/internal/logger"
	"github.com/nexus-cloaker/datacenter/internal/metrics"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/nexus-cloaker/datacenter/internal/scheduler"
	"github.com/nexus-cloaker/datacenter/internal/settings"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/nexus-cloaker/datacenter/internal/telegram"
	"github.com/nexus-cloaker/datacenter/internal/workersync"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Server port, overrides the config file")
	logLevel := flag.String("log-level", "", "Log level, overrides the config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config file, using defaults: %v\n", err)
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logFile, err := logger.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("data center stopped")
	}
	logrus.Info("data center stopped")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	backend, err := cache.NewBackend(ctx, cfg.Cache)
	if err != nil {
		logrus.WithError(err).Warn("redis unavailable, falling back to in-process cache")
		fallback := cfg.Cache
		fallback.RedisURL = ""
		if backend, err = cache.NewBackend(ctx, fallback); err != nil {
			return fmt.Errorf("initialize cache: %w", err)
		}
	}
	defer backend.Close()
	logrus.WithField("backend", backend.Kind()).Info("cache ready")

	settingsSvc, err := settings.NewService(ctx, db, cfg, backend)
	if err != nil {
		return fmt.Errorf("initialize settings: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth, settingsSvc)
	if _, err := authSvc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	rulesSvc := rules.NewService(db, nil)
	statsSvc := stats.NewService(db,
		stats.WithHostProbe(stats.NewHostProbe()),
		stats.WithLocation(cfg.Location()),
	)
	syncSvc := workersync.New(db, statsSvc, settingsSvc, rulesSvc, cfg.Sync)
	defer syncSvc.Close()

	// Live refresh for dashboards, mirrored to a broker when one is configured.
	var publisher events.Publisher
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			logrus.WithError(err).Warn("event broker unavailable, events stay local")
		} else {
			publisher = p
		}
	}
	bus := events.NewBus(events.NewHub(0, 0), publisher)
	bus.Run(ctx)
	defer func() {
		cancel()
		if err := bus.Close(); err != nil {
			logrus.WithError(err).Warn("event bus shutdown")
		}
	}()

	notifier := integrations.NewNotifier(cfg.Notify, cfg.Telegram.APIEndpoint)
	defer notifier.Wait()

	syncSvc.AddObserver(bus)
	rulesSvc.SetNotifier(rules.Notifiers{bus, syncSvc})

	deps := scheduler.Deps{
		DB:                db,
		Stats:             statsSvc,
		Sessions:          authSvc,
		Sync:              syncSvc,
		RetentionDays:     cfg.Scheduler.RetentionDays,
		SyncIntervalHours: cfg.Sync.IntervalHours,
		Backup:            cfg.Backup,
	}
	if notifier.Enabled() {
		syncSvc.AddObserver(notifier)
		deps.Alerts = notifier
	} else {
		logrus.Info("no alert channels configured")
	}
	if cfg.Backup.Enabled {
		deps.Backups = rulesSvc
	}

	apiDeps := api.Deps{
		Config:   cfg,
		DB:       db,
		Auth:     authSvc,
		Settings: settingsSvc,
		Rules:    rulesSvc,
		Stats:    statsSvc,
		Sync:     syncSvc,
		Bus:      bus,
	}
	if cfg.Metrics.Enabled {
		m := metrics.New(statsSvc, db, backend)
		m.Refresh(ctx)
		syncSvc.AddObserver(m)
		deps.Metrics = m
		apiDeps.Metrics = m.Handler()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(cfg.Scheduler, cfg.Location(), statsSvc)
		if deps.Alerts != nil {
			sched.SetAlerter(deps.Alerts)
		}
		if err := scheduler.Register(sched, scheduler.StandardJobs(deps)); err != nil {
			return fmt.Errorf("register jobs: %w", err)
		}
		sched.Start()
		apiDeps.Scheduler = sched
	}

	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		if token := settingsSvc.TelegramBotToken(ctx); token == "" {
			logrus.Warn("telegram bot enabled but no token is configured")
		} else if bot, err = telegram.New(token, cfg.Telegram.APIEndpoint, rulesSvc, statsSvc, settingsSvc); err != nil {
			logrus.WithError(err).Error("telegram bot unavailable")
			bot = nil
		} else {
			go bot.Run(ctx)
			apiDeps.Bot = bot
		}
	}

	apiServer := api.New(apiDeps)
	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := apiServer.Start(addr); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logrus.WithField("signal", sig.String()).Info("shutting down")
	case serveErr = <-errChan:
	}

	// Graceful shutdown: HTTP first, then the background loops.
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
	cancel()
	if bot != nil {
		select {
		case <-bot.Done():
		case <-shutdownCtx.Done():
			logrus.Warn("telegram bot did not stop in time")
		}
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("scheduler shutdown")
		}
	}
	return serveErr
}
