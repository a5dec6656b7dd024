package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"gwi.com/companion-bot/internal/config"
)

const (
	defaultChatModelName = "gemini-1.5-flash-latest"
	maxReplyTokens       = 300
)

var errEmptyResponse = errors.New("model returned no text")

// SystemInstruction builds the persona prompt for the companion.
func SystemInstruction(name, personality string) string {
	return fmt.Sprintf("You are %s, a %s companion chatting with the user over a messenger. "+
		"Be warm, attentive and encouraging. Ask about the user's day and remember what they told you earlier in the conversation. "+
		"Keep replies short, friendly and conversational, a few sentences at most. "+
		"Stay in character and keep the conversation respectful.", name, personality)
}

type LLMService struct {
	client            *genai.Client
	modelName         string
	systemInstruction string
	log               *zap.Logger
}

func NewLLMService(ctx context.Context, cfg config.LLMConfig, bot config.BotConfig, log *zap.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	modelName := cfg.ChatModel
	if modelName == "" {
		modelName = defaultChatModelName
	}
	return &LLMService{
		client:            client,
		modelName:         modelName,
		systemInstruction: SystemInstruction(bot.Name, bot.Personality),
		log:               log.Named("llm"),
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Error("Error closing GenAI client", zap.Error(err))
		} else {
			s.log.Info("GenAI client closed")
		}
	}
}

// GetChatCompletion sends the last entry of promptHistory, which must be a
// user turn, with the earlier entries as chat history.
func (s *LLMService) GetChatCompletion(ctx context.Context, promptHistory []*genai.Content) (string, error) {
	if len(promptHistory) == 0 {
		return "", fmt.Errorf("prompt history is empty for chat completion")
	}
	lastUserMessage := promptHistory[len(promptHistory)-1]
	if lastUserMessage.Role != roleUser {
		return "", fmt.Errorf("last message in history is not from %q, cannot proceed with chat completion", roleUser)
	}

	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(s.systemInstruction)},
	}
	model.SetMaxOutputTokens(maxReplyTokens)
	model.SetTemperature(0.8)
	model.SetTopP(0.9)

	chatSession := model.StartChat()
	chatSession.History = promptHistory[:len(promptHistory)-1]

	resp, err := chatSession.SendMessage(ctx, lastUserMessage.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errEmptyResponse
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.log.Debug("Gemini response part was not text", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}

	text := strings.TrimSpace(responseText.String())
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}
