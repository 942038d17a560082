package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

// OpenAIBackend opens sessions against an OpenAI-compatible chat API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

// NewOpenAIBackend creates an OpenAI-compatible backend. baseURL may be
// empty for the default endpoint.
func NewOpenAIBackend(apiKey, baseURL, model string, log *zap.Logger) (*OpenAIBackend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ai: openai: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAIBackend{client: &client, model: model, log: log}, nil
}

// Connect opens a fresh session.
func (b *OpenAIBackend) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	model := cfg.Model
	if model == "" {
		model = b.model
	}
	return &openaiSession{
		client: b.client,
		model:  model,
		system: cfg.SystemInstruction,
		log:    b.log,
	}, nil
}

type openaiSession struct {
	client *openai.Client
	model  string
	system string
	log    *zap.Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
	closed  bool
}

// Send streams one chat completion turn, accumulating deltas until the
// finish reason arrives. Directives become system messages.
func (s *openaiSession) Send(ctx context.Context, text string, directive bool) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("ai: openai: session closed")
	}
	if directive {
		s.history = append(s.history, openai.SystemMessage(text))
	} else {
		s.history = append(s.history, openai.UserMessage(text))
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+1)
	if s.system != "" {
		messages = append(messages, openai.SystemMessage(s.system))
	}
	messages = append(messages, s.history...)
	s.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: messages,
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		stream := s.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() {
			if err := stream.Close(); err != nil {
				s.log.Warn("close completion stream", zap.Error(err))
			}
		}()

		var full strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				full.WriteString(choice.Delta.Content)
				if !emit(ctx, events, Event{Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				s.appendReply(full.String())
				emit(ctx, events, Event{TurnComplete: true})
				return
			}
		}
		if err := stream.Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				emit(ctx, events, Event{Err: err})
				return
			}
			s.log.Warn("openai stream error", zap.Error(err))
			emit(ctx, events, Event{Err: fmt.Errorf("ai: openai: stream: %w", err)})
			return
		}
		// Stream ended without an explicit finish reason; treat the turn
		// as complete with whatever accumulated.
		s.appendReply(full.String())
		emit(ctx, events, Event{TurnComplete: true})
	}()
	return events, nil
}

func (s *openaiSession) appendReply(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, openai.AssistantMessage(text))
}

func (s *openaiSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.history = nil
	return nil
}
