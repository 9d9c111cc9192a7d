package bot

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/karma-bot/internal/intent"
	"go.uber.org/zap"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Sender
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Options struct {
	RatePerSecond float64
	RateBurst     int
	CallbackTTL   time.Duration
	UpdateTimeout int
}

type Bot struct {
	api        API
	dispatcher *Dispatcher
	parser     intent.Parser
	limiter    *userLimiter
	seen       *dedup
	opts       Options
	logger     *zap.Logger
}

func New(api API, dispatcher *Dispatcher, parser intent.Parser, opts Options, logger *zap.Logger) *Bot {
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = 10 * time.Minute
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = 60
	}
	return &Bot{
		api:        api,
		dispatcher: dispatcher,
		parser:     parser,
		limiter:    newUserLimiter(opts.RatePerSecond, opts.RateBurst),
		seen:       newDedup(opts.CallbackTTL),
		opts:       opts,
		logger:     logger,
	}
}

// Start long-polls for updates until ctx is canceled. Each update is
// handled on its own goroutine.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.UpdateTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update",
				zap.Any("panic", r),
				zap.Int("update_id", update.UpdateID))
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.From.IsBot {
		return
	}
	actor := Actor{ID: message.From.ID, Handle: message.From.UserName}
	if !b.limiter.Allow(actor.ID) {
		b.logger.Warn("Rate limited", zap.Int64("user_id", actor.ID))
		return
	}

	var (
		in  intent.Intent
		err error
	)
	if message.IsCommand() {
		in, err = intent.ParseCommand(message.Command(), message.CommandArguments())
	} else {
		content := message.Text
		if content == "" {
			content = message.Caption
		}
		if content == "" {
			return
		}
		in, err = b.parser.Parse(ctx, content)
	}
	if errors.Is(err, intent.ErrUnrecognized) {
		b.dispatcher.Reply(ctx, actor, "Unknown command. Use /help to see available commands.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to parse message", zap.Error(err), zap.Int64("user_id", actor.ID))
		return
	}

	b.dispatcher.Handle(ctx, actor, in)
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err), zap.String("callback_id", query.ID))
	}
	if query.From == nil {
		return
	}
	if b.seen.Seen(query.ID) {
		b.logger.Debug("Duplicate callback dropped", zap.String("callback_id", query.ID))
		return
	}

	actor := Actor{ID: query.From.ID, Handle: query.From.UserName}
	if !b.limiter.Allow(actor.ID) {
		b.logger.Warn("Rate limited", zap.Int64("user_id", actor.ID))
		return
	}

	in, err := intent.DecodeCallback(query.Data)
	if err != nil {
		b.logger.Warn("Undecodable callback",
			zap.Error(err),
			zap.Int64("user_id", actor.ID),
			zap.String("data", query.Data))
		b.dispatcher.Reply(ctx, actor, "This button is no longer valid.")
		return
	}

	b.dispatcher.Handle(ctx, actor, in)
}
