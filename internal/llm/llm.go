// Package llm wraps the chat-completion providers behind one small interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/poten/internal/config"
)

// Roles accepted in Request.Messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when the provider produced no content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Message is a single conversation turn.
type Message struct {
	Role    string
	Content string
}

// Request is one completion call.
type Request struct {
	// Kind labels the call in metrics (chat, bmc, ratings, panel).
	Kind        string
	System      string
	Messages    []Message
	JSON        bool
	Temperature *float32
}

// Client generates completions.
type Client interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream yields response chunks as they arrive.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]

	// Provider names the backend for logs and metrics.
	Provider() string
}

// New builds the client selected by cfg.Provider, wrapped with metrics.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey() == "" {
		return nil, fmt.Errorf("missing API key for provider %q", cfg.Provider)
	}

	var (
		c   Client
		err error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		c = NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model)
	case config.ProviderGemini:
		c, err = NewGemini(ctx, cfg.GeminiAPIKey, cfg.Model)
	default:
		err = fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(c), nil
}

// Temperature is a convenience for Request.Temperature.
func Temperature(t float32) *float32 {
	return &t
}
