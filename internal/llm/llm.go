// Package llm selects and wraps the language-model providers rosebud
// can consult: Gemini through the Google GenAI SDK and OpenAI through
// the go-openai client. The Client interface is the minimal surface
// the rest of rosebud calls; callers never see provider types.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Client is the completion surface the appraiser and orchestrator call.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider names accepted by New.
const (
	ProviderAuto   = "auto"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOff    = "off"
)

const (
	defaultTimeout = 60 * time.Second

	// minRequestGap spaces consecutive requests per client.
	minRequestGap = 100 * time.Millisecond

	// maxRetries bounds retry attempts after the first request.
	maxRetries = 3
)

// Options selects a provider and its credentials.
type Options struct {
	Provider string        // auto, gemini, openai, off
	APIKey   string        // explicit key; providers fall back to their env vars
	Model    string        // optional model override
	Timeout  time.Duration // per-request ceiling when the caller's context has none
}

// New builds a client for the selected provider. ProviderOff returns
// (nil, nil): the caller runs without a model.
func New(opts Options, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	provider := opts.Provider
	if provider == "" {
		provider = ProviderAuto
	}
	if provider == ProviderOff {
		return nil, nil
	}

	apiKey := opts.APIKey
	if provider == ProviderAuto {
		detected, key, err := Detect()
		if err != nil {
			return nil, err
		}
		provider = detected
		if apiKey == "" {
			apiKey = key
		}
	}

	switch provider {
	case ProviderGemini:
		if apiKey == "" {
			apiKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		}
		client, err := NewGemini(apiKey, opts.Model, opts.Timeout, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("llm client ready",
			zap.String("provider", provider),
			zap.String("model", client.model))
		return client, nil

	case ProviderOpenAI:
		if apiKey == "" {
			apiKey = firstEnv("OPENAI_API_KEY")
		}
		client, err := NewOpenAI(apiKey, opts.Model, opts.Timeout, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("llm client ready",
			zap.String("provider", provider),
			zap.String("model", client.model))
		return client, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (valid: auto, gemini, openai, off)", provider)
	}
}

// Detect scans the environment for provider credentials, Gemini first.
func Detect() (provider, apiKey string, err error) {
	probes := []struct {
		env      string
		provider string
	}{
		{"GEMINI_API_KEY", ProviderGemini},
		{"GOOGLE_API_KEY", ProviderGemini},
		{"OPENAI_API_KEY", ProviderOpenAI},
	}
	for _, p := range probes {
		if key := os.Getenv(p.env); key != "" {
			return p.provider, key, nil
		}
	}
	return "", "", errors.New("no API key found; set GEMINI_API_KEY, GOOGLE_API_KEY, or OPENAI_API_KEY")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// backoff waits 1s, 2s, 4s before retry attempt n, honoring ctx.
func backoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
		return nil
	}
}
