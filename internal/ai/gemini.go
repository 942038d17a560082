package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiBackend opens Gemini-backed sessions.
type GeminiBackend struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGeminiBackend creates a Gemini backend.
func NewGeminiBackend(ctx context.Context, apiKey, model string, log *zap.Logger) (*GeminiBackend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ai: gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: gemini: create client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GeminiBackend{client: client, model: model, log: log}, nil
}

// Connect opens a fresh session holding its own conversation history.
func (b *GeminiBackend) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	model := cfg.Model
	if model == "" {
		model = b.model
	}
	config := &genai.GenerateContentConfig{}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, "system")
	}
	return &geminiSession{
		client: b.client,
		model:  model,
		config: config,
		log:    b.log,
	}, nil
}

type geminiSession struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
	log    *zap.Logger

	mu      sync.Mutex
	history []*genai.Content
	closed  bool
}

// Send streams one turn. The Gemini API has no mid-conversation system
// role, so directives travel as user-role content; both kinds join the
// session history so later turns keep context.
func (s *geminiSession) Send(ctx context.Context, text string, directive bool) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("ai: gemini: session closed")
	}
	s.history = append(s.history, genai.NewContentFromText(text, "user"))
	contents := make([]*genai.Content, len(s.history))
	copy(contents, s.history)
	s.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		var full strings.Builder
		for resp, err := range s.client.Models.GenerateContentStream(ctx, s.model, contents, s.config) {
			if err != nil {
				s.log.Warn("gemini stream error", zap.Error(err))
				emit(ctx, events, Event{Err: fmt.Errorf("ai: gemini: stream: %w", err)})
				return
			}
			chunk := resp.Text()
			if chunk == "" {
				continue
			}
			full.WriteString(chunk)
			if !emit(ctx, events, Event{Text: chunk}) {
				return
			}
		}

		s.mu.Lock()
		s.history = append(s.history, genai.NewContentFromText(full.String(), "model"))
		s.mu.Unlock()
		emit(ctx, events, Event{TurnComplete: true})
	}()
	return events, nil
}

func (s *geminiSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.history = nil
	return nil
}
