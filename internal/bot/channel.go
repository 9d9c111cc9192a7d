package bot

import (
	"context"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/notify"
)

// Sender is the part of the Telegram API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Channel delivers notifications as Telegram messages. Choices become an
// inline keyboard whose callback data carries the encoded intent.
type Channel struct {
	api Sender
}

func NewChannel(api Sender) *Channel {
	return &Channel{api: api}
}

func (c *Channel) SendMessage(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Send(tgbotapi.NewMessage(userID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Channel) PresentChoices(ctx context.Context, userID int64, prompt string, options []notify.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keyboard, err := Keyboard(options)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, prompt)
	msg.ReplyMarkup = keyboard
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send choices: %w", err)
	}
	return nil
}

// Keyboard lays options out as inline buttons. Long lists of short labels
// are packed four to a row.
func Keyboard(options []notify.Option) (tgbotapi.InlineKeyboardMarkup, error) {
	perRow := 1
	if len(options) > 6 && maxLabel(options) <= 10 {
		perRow = 4
	}

	var (
		rows [][]tgbotapi.InlineKeyboardButton
		row  []tgbotapi.InlineKeyboardButton
	)
	for _, opt := range options {
		data, err := intent.EncodeCallback(opt.Intent)
		if err != nil {
			return tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("option %q: %w", opt.Label, err)
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(opt.Label, data))
		if len(row) == perRow {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), nil
}

func maxLabel(options []notify.Option) int {
	n := 0
	for _, opt := range options {
		if l := utf8.RuneCountInString(opt.Label); l > n {
			n = l
		}
	}
	return n
}
