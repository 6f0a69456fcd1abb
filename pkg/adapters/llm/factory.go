package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/taskloop/pkg/adapters/llm/anthropic"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.uber.org/zap"
)

// Completer sends a single prompt to a model and returns its text answer
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Model() string
}

// Config holds LLM client configuration
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Metrics   ports.MetricsCollector
	Logger    *zap.Logger
}

// NewClient creates a new LLM client based on provider
func NewClient(cfg *Config) (Completer, error) {
	switch cfg.Provider {
	case "anthropic":
		client, err := anthropic.NewClient(cfg.APIKey, cfg.Model, cfg.MaxTokens, cfg.Timeout, cfg.Metrics, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
