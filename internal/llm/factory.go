package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/23skdu/quarrel-patch/internal/config"
	"github.com/23skdu/quarrel-patch/internal/logger"
)

const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	OllamaBaseURL = "http://localhost:11434"
)

// NewClient builds the client for cfg.Provider. The provider "none" returns
// a nil client, which callers treat as summarization being disabled.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	provider := strings.ToLower(cfg.Provider)

	switch provider {
	case "none", "":
		return nil, nil

	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil

	case "groq":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
		return NewOpenAIClient(cfg.APIKey, cfg.Model, baseURL), nil

	case "ollama":
		// API key is ignored by Ollama but the client wants one
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		baseURL := ollamaV1(cfg.BaseURL)
		logger.Log.Info("Using Ollama through its OpenAI-compatible API", "base_url", baseURL)
		return NewOpenAIClient(apiKey, cfg.Model, baseURL), nil

	case "claude", "anthropic":
		return NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil

	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}

func ollamaV1(baseURL string) string {
	if baseURL == "" {
		baseURL = OllamaBaseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/v1"
}
