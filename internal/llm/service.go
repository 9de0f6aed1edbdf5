package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/chatstore/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultHistory = 10
	defaultTimeout = 30 * time.Second
)

const systemPrompt = `You are a helpful assistant in a chat application.
Answer the user's latest message using the conversation so far.
Reply in plain natural language, without JSON or markup around the answer.`

var ErrEmptyHistory = errors.New("llm: no user message to reply to")

// Responder produces the assistant's reply to a conversation.
type Responder interface {
	Reply(ctx context.Context, history []models.Message) (string, error)
}

type Service struct {
	llm        llms.Model
	maxHistory int
	timeout    time.Duration
}

func New(baseURL, token, model string) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm), nil
}

// NewWithModel wraps any langchaingo model.
func NewWithModel(model llms.Model) *Service {
	return &Service{llm: model, maxHistory: defaultHistory, timeout: defaultTimeout}
}

func (s *Service) Reply(ctx context.Context, history []models.Message) (string, error) {
	if len(history) == 0 || history[len(history)-1].Role != models.RoleUser {
		return "", ErrEmptyHistory
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.GenerateContent(ctx, buildPrompt(history, s.maxHistory))
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty completion")
	}

	reply := cleanReply(resp.Choices[0].Content)
	if reply == "" {
		return "", errors.New("llm: empty completion")
	}
	return reply, nil
}

// buildPrompt keeps the last limit messages of the conversation behind the
// system prompt.
func buildPrompt(history []models.Message, limit int) []llms.MessageContent {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	prompt := make([]llms.MessageContent, 0, len(history)+1)
	prompt = append(prompt, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		prompt = append(prompt, llms.TextParts(role, msg.Content))
	}
	return prompt
}

func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// Echo answers with the user's own words. Used when no model is configured.
type Echo struct{}

func (Echo) Reply(_ context.Context, history []models.Message) (string, error) {
	if len(history) == 0 || history[len(history)-1].Role != models.RoleUser {
		return "", ErrEmptyHistory
	}
	return "Echo: " + history[len(history)-1].Content, nil
}

var (
	_ Responder = (*Service)(nil)
	_ Responder = Echo{}
)
