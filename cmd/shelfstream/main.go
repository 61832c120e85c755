package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shelfstream/shelfstream/internal/acquisition"
	"github.com/shelfstream/shelfstream/internal/api"
	"github.com/shelfstream/shelfstream/internal/config"
	"github.com/shelfstream/shelfstream/internal/database"
	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/logger"
	"github.com/shelfstream/shelfstream/internal/prowlarr"
	"github.com/shelfstream/shelfstream/internal/requests"
	"github.com/shelfstream/shelfstream/internal/scheduler"
	"github.com/shelfstream/shelfstream/internal/scheduler/tasks"
	"github.com/shelfstream/shelfstream/internal/settings"
	"github.com/shelfstream/shelfstream/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logs := logger.NewLogBroadcaster(1000, logger.ParseLevel(cfg.Logging.Level))
	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}, logs)
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting ShelfStream")

	if err := run(cfg, log, logs); err != nil {
		log.Error().Err(err).Msg("shelfstream stopped with error")
		log.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log *logger.Logger, logs *logger.LogBroadcaster) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Str("path", cfg.Database.Path).Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	settingsStore := settings.NewStore(db.Conn(), log.Logger)
	if cfg.Seed.Path != "" {
		if err := settingsStore.ImportSeedFile(ctx, cfg.Seed.Path); err != nil {
			return err
		}
		log.Info().Str("path", cfg.Seed.Path).Msg("seed file applied")
	}

	router := downloader.NewRouter(settingsStore, log.Logger)
	settingsStore.OnChange(func(ev settings.ChangeEvent) {
		if ev.Kind == settings.ChangeBackends {
			router.Reload()
		}
	})

	var (
		gateway indexer.Gateway = indexer.Unconfigured{}
		pc      *prowlarr.Client
	)
	if cfg.Prowlarr.Enabled() {
		pc, err = prowlarr.NewClient(prowlarr.ClientConfig{
			URL:               cfg.Prowlarr.URL,
			APIKey:            cfg.Prowlarr.APIKey,
			Timeout:           cfg.Prowlarr.Timeout,
			SkipSSLVerify:     cfg.Prowlarr.SkipSSLVerify,
			RequestsPerSecond: cfg.Prowlarr.RequestsPerSecond,
			Burst:             cfg.Prowlarr.Burst,
			Category:          cfg.Prowlarr.Category,
			Logger:            &log.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create prowlarr client: %w", err)
		}
		gateway = pc
	} else {
		log.Warn().Msg("no prowlarr url configured, searches will fail until one is set")
	}

	sched, err := scheduler.New(log.Logger, cfg.Pipeline.MaxConcurrent)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(log.Logger)
	logs.SetHub(hub)

	healthSvc := health.NewService(log.Logger)
	healthSvc.SetBroadcaster(hub)

	store := requests.NewStore(db.Conn(), log.Logger)
	orch := acquisition.NewOrchestrator(store, settingsStore, gateway, router, sched, acquisition.Config{
		MonitorInitialDelay:  cfg.Pipeline.MonitorInitialDelay,
		MonitorInterval:      cfg.Pipeline.MonitorInterval,
		MissingPollThreshold: cfg.Pipeline.MissingPollThreshold,
		RequireApproval:      cfg.Pipeline.RequireApproval,
		CategoryHint:         cfg.Pipeline.CategoryHint,
		MaxResults:           cfg.Prowlarr.MaxResults,
		MinSeeders:           cfg.Prowlarr.MinSeeders,
		SearchCategory:       cfg.Prowlarr.Category,
	}, log.Logger)
	orch.SetHandoff(acquisition.NewLogHandoff(log.Logger))
	orch.SetBroadcaster(hub)

	deps := api.Deps{
		Orchestrator: orch,
		Requests:     store,
		Settings:     settingsStore,
		Router:       router,
		Scheduler:    sched,
		Hub:          hub,
		Logs:         logs,
		Health:       healthSvc,
	}
	if pc != nil {
		deps.Indexers = pc
	}
	server := api.NewServer(deps, api.Config{
		SubmitPerMinute: cfg.Server.SubmitPerMinute,
		SubmitBurst:     cfg.Server.SubmitBurst,
	}, log.Logger)

	if err := registerTasks(sched, cfg, orch, router, pc, settingsStore, healthSvc, server, log); err != nil {
		return err
	}

	go hub.Run(ctx)

	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error().Err(err).Msg("scheduler shutdown error")
		}
	}()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover pipeline: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

func registerTasks(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	orch *acquisition.Orchestrator,
	router *downloader.Router,
	pc *prowlarr.Client,
	settingsStore *settings.Store,
	healthSvc *health.Service,
	server *api.Server,
	log *logger.Logger,
) error {
	if err := tasks.RegisterResearchTask(sched, orch, cfg.Pipeline.ResearchCron); err != nil {
		return err
	}
	if err := tasks.RegisterDownloadClientHealthTask(sched, router, healthSvc, cfg.Pipeline.HealthCheckInterval, &log.Logger); err != nil {
		return err
	}
	if pc != nil {
		if err := tasks.RegisterProwlarrHealthTask(sched, pc, settingsStore, healthSvc, &log.Logger); err != nil {
			return err
		}
	}
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "submit-limiter-cleanup",
		Name:        "Submission Limiter Cleanup",
		Description: "Forgets rate limit state of idle clients",
		Cron:        "*/10 * * * *",
		Func: func(context.Context) error {
			server.Limiter().Cleanup()
			return nil
		},
	})
}
