// Package anthropic implements llm.Completer on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// MessageService is the subset of the SDK message service the client uses
type MessageService interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client sends single-turn prompts to Claude
type Client struct {
	messages  MessageService
	model     string
	maxTokens int64
	timeout   time.Duration
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewClient creates a client authenticated with apiKey
func NewClient(apiKey, model string, maxTokens int, timeout time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewClientWithService(&sdk.Messages, model, maxTokens, timeout, metrics, logger), nil
}

// NewClientWithService creates a client on an existing message service
func NewClientWithService(messages MessageService, model string, maxTokens int, timeout time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *Client {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		messages:  messages,
		model:     model,
		maxTokens: int64(maxTokens),
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Model returns the model name requests are sent to
func (c *Client) Model() string {
	return c.model
}

// Complete sends prompt with an optional system prompt and returns the
// concatenated text of the answer
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	msg, err := c.messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		c.logger.Warn("anthropic request failed",
			zap.String("model", c.model),
			zap.Duration("latency", latency),
			zap.Error(err))
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordLLMCall(c.model, msg.Usage.InputTokens, msg.Usage.OutputTokens, latency)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Debug("anthropic request completed",
		zap.String("model", c.model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Duration("latency", latency))

	return sb.String(), nil
}
