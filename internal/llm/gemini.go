package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini calls the Gemini API through the Google GenAI SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGemini builds a Gemini client. An empty model selects the default.
func NewGemini(apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *Gemini) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Auto-apply the client timeout if the context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.throttle()

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return "", fmt.Errorf("max retries exceeded: %w", lastErr)
			}
		}

		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			c.logger.Warn("gemini request failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", fmt.Errorf("no completion returned")
		}
		var out strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			out.WriteString(part.Text)
		}
		text := strings.TrimSpace(out.String())
		c.logger.Debug("gemini completion",
			zap.Duration("took", time.Since(start)),
			zap.Int("response_len", len(text)))
		return text, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Gemini) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < minRequestGap {
		time.Sleep(minRequestGap - elapsed)
	}
	c.lastRequest = time.Now()
}
