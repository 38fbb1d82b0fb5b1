package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultOpenAIModel = "gpt-5"

// OpenAI calls the OpenAI chat-completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAI builds an OpenAI client. An empty model selects the default.
func NewOpenAI(apiKey, model string, timeout time.Duration, logger *zap.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAI{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *OpenAI) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Auto-apply the client timeout if the context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.throttle()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return "", fmt.Errorf("max retries exceeded: %w", lastErr)
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: messages,
		})
		if err != nil {
			if ctx.Err() != nil || !retryableOpenAI(err) {
				return "", fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			c.logger.Warn("openai request failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		c.logger.Debug("openai completion",
			zap.Duration("took", time.Since(start)),
			zap.Int("response_len", len(text)))
		return text, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryableOpenAI reports whether an error is worth another attempt:
// rate limits, server errors, and transport failures.
func retryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func (c *OpenAI) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < minRequestGap {
		time.Sleep(minRequestGap - elapsed)
	}
	c.lastRequest = time.Now()
}
