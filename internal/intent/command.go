package intent

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/xaenox/karma-bot/internal/models"
)

var ErrUnrecognized = errors.New("unrecognized command")

// Parser turns free text into an intent.
type Parser interface {
	Parse(ctx context.Context, text string) (Intent, error)
}

// ParseCommand maps a slash command name and its arguments to an intent.
func ParseCommand(command, args string) (Intent, error) {
	args = strings.TrimSpace(args)
	switch strings.ToLower(command) {
	case "start":
		return Start{}, nil
	case "register":
		return Register{}, nil
	case "timezone":
		return SetTimezone{Zone: args}, nil
	case "meeting":
		handle, description, _ := strings.Cut(args, " ")
		return Propose{
			CounterpartHandle: NormalizeHandle(handle),
			Description:       strings.TrimSpace(description),
		}, nil
	case "setrecruiter":
		return SetRole{Role: models.RoleRecruiter}, nil
	case "setjobseeker":
		return SetRole{Role: models.RoleJobSeeker}, nil
	case "company":
		return SetCompany{Name: args}, nil
	case "userinfo":
		return UserInfo{}, nil
	case "meetingstatus":
		return MeetingStatus{}, nil
	case "meetinghistory":
		return MeetingHistory{}, nil
	case "feedbackstatus":
		return FeedbackStatus{}, nil
	case "feedbackhistory":
		return FeedbackHistory{}, nil
	case "help":
		return Help{}, nil
	case "broadcast":
		return Broadcast{Text: args}, nil
	case "directmessage":
		target, text, _ := strings.Cut(args, " ")
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil || strings.TrimSpace(text) == "" {
			return DirectMessage{}, nil
		}
		return DirectMessage{ChatID: chatID, Text: strings.TrimSpace(text)}, nil
	case "reset":
		return Reset{}, nil
	}
	return nil, ErrUnrecognized
}

// NormalizeHandle strips the leading @ from a Telegram username.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// CommandParser parses "/command args" text. It is the fallback parser
// when no language model is configured.
type CommandParser struct{}

func (CommandParser) Parse(ctx context.Context, text string) (Intent, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, ErrUnrecognized
	}
	head, args, _ := strings.Cut(text[1:], " ")
	// "/meeting@KarmaCometBot" addresses the bot in group chats
	command, _, _ := strings.Cut(head, "@")
	return ParseCommand(command, args)
}
