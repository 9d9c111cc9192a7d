package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/karma-bot/internal/account"
	"github.com/xaenox/karma-bot/internal/agenda"
	"github.com/xaenox/karma-bot/internal/bot"
	"github.com/xaenox/karma-bot/internal/entitlement"
	"github.com/xaenox/karma-bot/internal/httpapi"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/ledger"
	"github.com/xaenox/karma-bot/internal/negotiation"
	"github.com/xaenox/karma-bot/internal/obligation"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/sweeper"
	"github.com/xaenox/karma-bot/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Telegram
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal("Failed to create Telegram client", zap.Error(err))
	}
	api.Debug = cfg.Telegram.Debug
	logger.Info("Authorized on account", zap.String("username", api.Self.UserName))
	channel := bot.NewChannel(api)

	// Engines
	ent := entitlement.New(store, channel, logger)
	sched := obligation.New(obligation.Config{
		FeedbackDelay:     cfg.Obligation.FeedbackDelay,
		MinDays:           cfg.Obligation.MinDays,
		MaxDays:           cfg.Obligation.MaxDays,
		ReminderTolerance: cfg.Obligation.ReminderTolerance,
	}, store, channel, logger)
	neg := negotiation.New(negotiation.Config{
		Durations:      cfg.Negotiation.Durations,
		MaxSlots:       cfg.Negotiation.MaxSlots,
		DateWindowDays: cfg.Negotiation.DateWindowDays,
		DayStart:       cfg.Negotiation.DayStart,
		DayEnd:         cfg.Negotiation.DayEnd,
		SlotStep:       cfg.Negotiation.SlotStep,
		TrialDays:      cfg.Entitlement.TrialDays,
	}, store, channel, ent, sched, logger)
	led := ledger.New(ledger.Config{
		ScoreDelta:         cfg.Ledger.ScoreDelta,
		OutcomePromptDelay: cfg.Ledger.OutcomePromptDelay,
	}, store, channel, logger)

	dispatcher := bot.NewDispatcher(bot.Services{
		Accounts:    account.New(store, cfg.Bot.AdminIDs, logger),
		Agenda:      agenda.New(store),
		Negotiation: neg,
		Obligation:  sched,
		Ledger:      led,
	}, channel, bot.DispatchConfig{
		SubscribeURL:  cfg.Entitlement.SubscribeURL,
		RetryAttempts: cfg.Bot.RetryAttempts,
		RetryBackoff:  cfg.Bot.RetryBackoff,
	}, logger)

	var parser intent.Parser = intent.CommandParser{}
	if cfg.OpenAI.Enabled {
		logger.Info("Free-text parsing enabled", zap.String("model", cfg.OpenAI.Model))
		parser = intent.NewGPTParser(intent.GPTConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}, logger)
	}

	b := bot.New(api, dispatcher, parser, bot.Options{
		RatePerSecond: cfg.Bot.RateRPS,
		RateBurst:     cfg.Bot.RateBurst,
		CallbackTTL:   cfg.Bot.CallbackTTL,
		UpdateTimeout: cfg.Telegram.UpdateTimeout,
	}, logger)

	runner := sweeper.New(logger,
		sweeper.Job{Name: "feedback_spawn", Interval: cfg.Sweeper.SpawnInterval, Run: sched.SpawnDue},
		sweeper.Job{Name: "reminders", Interval: cfg.Sweeper.ReminderInterval, Run: sched.FireReminders},
		sweeper.Job{Name: "outcome_prompts", Interval: cfg.Sweeper.PromptInterval, Run: led.PromptDue},
		sweeper.Job{Name: "trial_expiry", Interval: cfg.Sweeper.TrialInterval, Run: ent.SweepExpiredTrials},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Start(ctx) })
	g.Go(func() error { return runner.Run(ctx) })
	if cfg.HTTP.Enabled {
		server := httpapi.New(store, logger)
		g.Go(func() error { return server.Run(ctx, cfg.HTTP.Addr) })
	}

	// Start the bot
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Shut down")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
