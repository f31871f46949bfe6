package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

// Client sends one prompt plus an ordered set of PNG images and returns the
// model's free-form text. One instance is shared across a whole script run;
// a backend failure here terminates the run.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	Prompt      string
	Images      [][]byte // PNG, in tile order
	Temperature float32
	MaxTokens   int
}

type Response struct {
	Text string
}

// NewClientWithLogger selects a backend by LLM_PROVIDER, defaulting to
// Anthropic.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}
	switch provider {
	case "openai":
		return NewOpenAIWithLogger(logger)
	case "anthropic":
		return NewAnthropicWithLogger(logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}
