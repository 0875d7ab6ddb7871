package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sorafarm/internal/accounts"
	"sorafarm/internal/adapter/repo"
	"sorafarm/internal/domain"
	"sorafarm/internal/http/handlers"
	httpapi "sorafarm/internal/http/httpapi"
	"sorafarm/internal/infra"
	"sorafarm/internal/notify"
	"sorafarm/internal/queue"
	"sorafarm/internal/sora"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := infra.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	accountRepo := repo.NewAccountRepository(dbpool)
	jobRepo := repo.NewJobRepository(dbpool)

	limits := domain.AccountLimits{
		Daily:       cfg.AccountDailyLimit,
		Concurrency: cfg.AccountConcLimit,
	}
	sessionOpts := sora.SessionOptions{
		BaseURL:  cfg.SoraBaseURL,
		ProxyURL: cfg.ProxyURL,
		Logger:   logger,
	}
	prober := accounts.CredentialProber(func(ctx context.Context, cookiesJSON string) (string, error) {
		return sora.Probe(ctx, cookiesJSON, sessionOpts)
	})
	pool := accounts.NewPool(accountRepo, prober, limits, logger)

	client := sora.NewClient(sora.Options{
		BaseURL:  cfg.SoraBaseURL,
		ProxyURL: cfg.ProxyURL,
		Logger:   logger,
		Minter:   sora.NewBrowserMinter(cfg.SoraBaseURL, cfg.ProxyURL, logger),
	})

	var notifier queue.Notifier = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, logger)
	}

	jobs := queue.New(queue.Options{
		Jobs:         jobRepo,
		Pool:         pool,
		Client:       client,
		Notifier:     notifier,
		Logger:       logger,
		MaxWorkers:   cfg.MaxWorkers,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.GenerationTimeout,
	})
	if err := jobs.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start job queue")
	}

	app := handlers.NewApp(jobs, pool, jobRepo, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain job queue")
	}
	logger.Info().Msg("server stopped")
}
