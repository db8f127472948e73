// Package llm wraps the model providers used for transaction
// categorization behind a single prompt-in, text-out interface.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Classifier sends a categorization prompt to a model and returns the raw
// response text. Callers own prompt construction and response parsing.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// Providers accepted in configuration.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewClassifier builds the configured provider. OpenRouter speaks the
// OpenAI wire protocol, so it reuses the OpenAI client with a different
// base URL.
func NewClassifier(provider, apiKey, model string) (Classifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required for provider %q", provider)
	}
	switch strings.ToLower(provider) {
	case ProviderAnthropic:
		return newAnthropicClassifier(apiKey, model), nil
	case ProviderOpenAI:
		return newOpenAIClassifier(apiKey, model, ""), nil
	case ProviderOpenRouter:
		return newOpenAIClassifier(apiKey, model, openRouterBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown categorization provider %q", provider)
	}
}
