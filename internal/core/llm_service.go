package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"hcilab.org/persona-chat/internal/config"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
)

const (
	defaultGeminiModelName = "gemini-1.5-flash-latest"
	defaultOpenAIModelName = "gpt-3.5-turbo"

	// geminiFollowUp is sent as the new user turn when the conversation ends on
	// a model turn, which Gemini cannot take as the message to answer.
	geminiFollowUp = "Respond to the instructions above."
)

// Message is one entry of the ordered list handed to the LLM.
type Message struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

type CompletionParams struct {
	MaxTokens   int
	Temperature float64
}

// Completer is the LLM capability: complete(messages, params) -> text. A failed
// call returns an error; callers do not retry.
type Completer interface {
	Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error)
}

// NewCompleter picks the provider named by cfg.LLMProvider.
func NewCompleter(ctx context.Context, cfg config.Config, log *logger.Logger) (Completer, func(), error) {
	switch cfg.LLMProvider {
	case config.ProviderMock:
		log.Info("LLM_PROVIDER=mock, using mock LLM client")
		return NewMockCompleter(), func() {}, nil
	case config.ProviderOpenAI:
		c, err := NewOpenAICompleter(ctx, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel, cfg.LLMTimeout)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	default:
		c, err := NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.LLMModel, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

type GeminiCompleter struct {
	client    *genai.Client
	modelName string
	log       *logger.Logger
}

func NewGeminiCompleter(ctx context.Context, apiKey, modelName string, log *logger.Logger, opts ...option.ClientOption) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = defaultGeminiModelName
	}
	return &GeminiCompleter{client: client, modelName: modelName, log: log.With("service", "GeminiCompleter")}, nil
}

func (s *GeminiCompleter) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("Error closing GenAI client", "error", err)
		} else {
			s.log.Info("GenAI client closed")
		}
	}
}

// Complete maps system messages onto the model's system instruction and replays
// the rest as chat history. A final user message is sent as the new turn; when
// the list ends on an assistant message every turn stays in the history with its
// own role and geminiFollowUp is sent instead.
func (s *GeminiCompleter) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	model := s.client.GenerativeModel(s.modelName)

	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case store.RoleSystem:
			system = append(system, m.Content)
		case store.RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(history) == 0 {
		return "", fmt.Errorf("prompt history is empty for chat completion")
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n"))},
		}
	}

	temp := float32(params.Temperature)
	maxTokens := int32(params.MaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	chatSession := model.StartChat()
	last := history[len(history)-1]
	parts := last.Parts
	if last.Role == "user" {
		chatSession.History = history[:len(history)-1]
	} else {
		chatSession.History = history
		parts = []genai.Part{genai.Text(geminiFollowUp)}
	}

	resp, err := chatSession.SendMessage(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.log.Debug("Gemini response part was not text", "type", fmt.Sprintf("%T", part))
		}
	}
	if responseText.Len() == 0 {
		return "", fmt.Errorf("gemini returned no text")
	}
	return responseText.String(), nil
}

// OpenAICompleter talks to the OpenAI chat completions API through eino.
type OpenAICompleter struct {
	model *openai.ChatModel
}

func NewOpenAICompleter(ctx context.Context, apiKey, baseURL, modelName string, timeout time.Duration) (*OpenAICompleter, error) {
	if modelName == "" {
		modelName = defaultOpenAIModelName
	}
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   modelName,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI chat model: %w", err)
	}
	return &OpenAICompleter{model: m}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	in := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case store.RoleSystem:
			in = append(in, schema.SystemMessage(m.Content))
		case store.RoleAssistant:
			in = append(in, schema.AssistantMessage(m.Content, nil))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}

	out, err := c.model.Generate(ctx, in,
		einomodel.WithMaxTokens(params.MaxTokens),
		einomodel.WithTemperature(float32(params.Temperature)),
	)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if out == nil {
		return "", fmt.Errorf("openai returned no message")
	}
	return out.Content, nil
}

// MockCompleter answers without a provider, for local runs and tests.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

func (m *MockCompleter) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleUser {
			return fmt.Sprintf("[MOCK] Received your message: %q.", truncate(messages[i].Content, 100)), nil
		}
	}
	return "[MOCK] This is a mock response.", nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
