package core

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/metrics"
)

const (
	historyTurns = 5 // recent turns sent as context

	roleUser  = "user"
	roleModel = "model"
)

// Completer is the chat completion backend. LLMService implements it.
type Completer interface {
	GetChatCompletion(ctx context.Context, promptHistory []*genai.Content) (string, error)
}

type ChatService struct {
	ledger  *ledger.Ledger
	llm     Completer
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewChatService(l *ledger.Ledger, llm Completer, m *metrics.Metrics, log *zap.Logger) *ChatService {
	return &ChatService{
		ledger:  l,
		llm:     llm,
		metrics: m,
		log:     log.Named("chat"),
	}
}

// Reply answers the user's message. On success both messages are stored in
// the user's history and ok is true. When the model fails a canned reply is
// returned instead, nothing is stored and ok is false.
func (s *ChatService) Reply(ctx context.Context, userID int64, text string) (reply string, ok bool) {
	history := s.ledger.ChatHistory(ctx, userID, historyTurns)
	// The model expects the conversation to open with a user turn.
	for len(history) > 0 && !history[0].IsUser {
		history = history[1:]
	}

	prompt := make([]*genai.Content, 0, len(history)+1)
	for _, entry := range history {
		role := roleModel
		if entry.IsUser {
			role = roleUser
		}
		prompt = append(prompt, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(entry.Message)},
		})
	}
	prompt = append(prompt, &genai.Content{
		Role:  roleUser,
		Parts: []genai.Part{genai.Text(text)},
	})

	answer, err := s.llm.GetChatCompletion(ctx, prompt)
	if err != nil {
		s.log.Warn("Completion failed, using fallback reply", zap.Int64("user_id", userID), zap.Error(err))
		s.metrics.UpstreamFailure("llm")
		return FallbackReply(text), false
	}

	s.ledger.AppendChatMessage(ctx, userID, text, true)
	s.ledger.AppendChatMessage(ctx, userID, answer, false)
	s.ledger.RecordStat(ctx, ledger.StatMessageUsed)
	return answer, true
}
