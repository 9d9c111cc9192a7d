// Package notify defines the outbound messaging channel used by the engines.
package notify

import (
	"context"

	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/metrics"
	"go.uber.org/zap"
)

// Option is one selectable choice. Selecting it delivers Intent back to the
// dispatcher on behalf of the recipient.
type Option struct {
	Label  string
	Intent intent.Intent
}

// Channel delivers messages to users. Implementations must be safe for
// concurrent use.
type Channel interface {
	SendMessage(ctx context.Context, userID int64, text string) error
	PresentChoices(ctx context.Context, userID int64, prompt string, options []Option) error
}

// Deliver sends text to userID, as a choice prompt when options are given.
// Failures are logged and counted; the error is returned for callers that
// need to react to it.
func Deliver(ctx context.Context, ch Channel, logger *zap.Logger, userID int64, text string, options ...Option) error {
	var err error
	if len(options) > 0 {
		err = ch.PresentChoices(ctx, userID, text, options)
	} else {
		err = ch.SendMessage(ctx, userID, text)
	}
	if err != nil {
		metrics.NotifyFailures.Inc()
		logger.Warn("Failed to notify user",
			zap.Error(err),
			zap.Int64("user_id", userID))
	}
	return err
}
