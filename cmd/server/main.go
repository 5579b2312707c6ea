package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/price-watcher/internal/api"
	"github.com/0xPuncker/price-watcher/internal/config"
	"github.com/0xPuncker/price-watcher/internal/cron"
	"github.com/0xPuncker/price-watcher/internal/etl"
	"github.com/0xPuncker/price-watcher/internal/notifications"
	"github.com/0xPuncker/price-watcher/internal/provider"
	"github.com/0xPuncker/price-watcher/internal/readiness"
	"github.com/0xPuncker/price-watcher/internal/schema"
	"github.com/0xPuncker/price-watcher/internal/storage"
	"github.com/0xPuncker/price-watcher/internal/supervisor"
	assetsconfig "github.com/0xPuncker/price-watcher/pkg/config"
	"github.com/dimiro1/banner"
	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "Price Watcher" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

const statsCacheTTL = 30 * time.Second

func main() {
	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}
	configureLogger(logger, cfg.Logging)

	target, _ := cfg.Target()
	schedule, _ := cfg.Schedule.Parse()
	gracePeriod, _ := cfg.GracePeriod()
	pollInterval, maxInterval, _ := cfg.Readiness.Parse()
	readTimeout, writeTimeout := cfg.ServerTimeouts()

	assets, err := assetsconfig.LoadAssets(cfg.Provider.AssetsFile)
	if err != nil {
		logger.Fatalf("Failed to load assets: %v", err)
	}

	prices := provider.FromAssets(logger, provider.NewHTTPClient(cfg.ProviderTimeout()), assets, provider.Endpoints{
		CoinGeckoURL:   cfg.Provider.CoinGeckoURL,
		CoinPaprikaURL: cfg.Provider.CoinPaprikaURL,
		APIKey:         cfg.Provider.APIKey,
	})

	db, err := storage.Open(target, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatalf("Failed to open database pool: %v", err)
	}
	defer db.Close()
	store := storage.New(db)

	notifier := notifications.NewNotificationService(logger, newSlack(logger, cfg.Slack.WebhookURL))

	job := etl.NewJob(logger, prices, store, etl.DefaultConfig())
	scheduler, err := cron.NewScheduler(logger, job, cron.Config{
		Schedule:    schedule,
		GracePeriod: gracePeriod,
		Registerer:  prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.OnRunComplete(notifier.NotifyRunFailed)

	var ingester api.FileIngester
	if cfg.Provider.CSVFile != "" {
		ingester = etl.NewFileIngester(logger, provider.NewCSVFile(logger, cfg.Provider.CSVFile), store)
	}

	handler := api.NewHandler(logger, store, scheduler, ingester, statsCacheTTL)
	server := api.NewServer(logger, handler, api.ServerConfig{
		Port:         cfg.Server.Port,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	sup := supervisor.New(logger, supervisor.Options{
		Target:     target,
		Descriptor: schema.Default(),
		Prober: readiness.New(logger, readiness.Config{
			PollInterval: pollInterval,
			MaxInterval:  maxInterval,
			MaxAttempts:  cfg.Readiness.MaxAttempts,
		}, nil),
		Schema:    schema.New(logger, nil),
		Scheduler: scheduler,
		Server:    server,
		Notifier:  notifier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"port":     cfg.Server.Port,
		"interval": schedule.Interval.String(),
		"assets":   len(assets.Assets),
		"target":   target.String(),
	}).Info("Starting price watcher - Press Ctrl+C to stop.")
	go notifier.NotifyStartup(ctx, schedule, assets.Assets)

	err = sup.Start(ctx)
	if errors.Is(err, supervisor.ErrShutdown) {
		logger.Info("Price watcher stopped")
		return
	}

	db.Close()
	logger.Fatalf("Price watcher terminated: %v", err)
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Level)
	}

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
}

func newSlack(logger *logrus.Logger, webhookURL string) *notifications.SlackService {
	slack, err := notifications.NewSlackService(logger, webhookURL)
	if errors.Is(err, notifications.ErrNoWebhook) {
		logger.Info("Slack webhook not configured, notifications disabled")
		return nil
	}
	return slack
}
