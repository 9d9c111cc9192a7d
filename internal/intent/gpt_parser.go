package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type GPTResponse struct {
	Action      string `json:"action"`
	Handle      string `json:"handle"`
	Description string `json:"description"`
}

// GPTConfig configures the language model parser.
type GPTConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// GPTParser parses free text with a chat completion model. Slash commands
// and any model failure go through the command parser instead.
type GPTParser struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	fallback    CommandParser
	logger      *zap.Logger
}

func NewGPTParser(cfg GPTConfig, logger *zap.Logger) *GPTParser {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &GPTParser{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

const parsePrompt = `You route messages for a bot that schedules interviews between recruiters and job seekers.
Classify the message into exactly one action:
- "propose": the user wants to schedule a meeting with someone; extract the Telegram handle without @ and a short description
- "meeting_status": upcoming meetings
- "meeting_history": past meetings
- "feedback_status": upcoming feedback sessions
- "feedback_history": past feedback sessions
- "user_info": the user's own profile or score
- "help": how to use the bot
- "none": anything else

Return only a JSON object with this structure:
{
    "action": "one_of_the_actions",
    "handle": "username_or_empty",
    "description": "description_or_empty"
}

Message: %s`

func (p *GPTParser) Parse(ctx context.Context, text string) (Intent, error) {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return p.fallback.Parse(ctx, text)
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(parsePrompt, text),
				},
			},
			MaxTokens:   p.maxTokens,
			Temperature: float32(p.temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		},
	)
	if err != nil {
		p.logger.Error("Failed to get GPT response", zap.Error(err))
		return p.fallback.Parse(ctx, text)
	}
	if len(resp.Choices) == 0 {
		p.logger.Warn("GPT response has no choices")
		return p.fallback.Parse(ctx, text)
	}

	var gptResponse GPTResponse
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	response = strings.TrimSuffix(strings.TrimPrefix(response, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &gptResponse); err != nil {
		p.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return p.fallback.Parse(ctx, text)
	}

	return gptResponse.intent()
}

func (r GPTResponse) intent() (Intent, error) {
	switch r.Action {
	case "propose":
		handle := NormalizeHandle(r.Handle)
		if handle == "" {
			return nil, ErrUnrecognized
		}
		return Propose{CounterpartHandle: handle, Description: strings.TrimSpace(r.Description)}, nil
	case "meeting_status":
		return MeetingStatus{}, nil
	case "meeting_history":
		return MeetingHistory{}, nil
	case "feedback_status":
		return FeedbackStatus{}, nil
	case "feedback_history":
		return FeedbackHistory{}, nil
	case "user_info":
		return UserInfo{}, nil
	case "help":
		return Help{}, nil
	}
	return nil, ErrUnrecognized
}
