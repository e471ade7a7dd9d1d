package agent

import (
	"fmt"
	"time"

	"auteur/pkg/agent/internal/llmimpl/anthropic"
	"auteur/pkg/agent/internal/llmimpl/google"
	"auteur/pkg/agent/internal/llmimpl/ollama"
	"auteur/pkg/agent/internal/llmimpl/openai"
	"auteur/pkg/agent/llm"
	"auteur/pkg/config"
	"auteur/pkg/limiter"
	"auteur/pkg/logx"
)

// NewLLMClient builds the raw provider client for cfg.Model and wraps it in
// the middleware chain: extra middlewares (outermost first), circuit breaker,
// request timeout, retry, then the rate limiter when one is configured. The
// API key comes from the secrets file or environment. The returned client is
// safe to share between sessions.
func NewLLMClient(cfg *config.AgentConfig, extra ...llm.Middleware) (llm.LLMClient, error) {
	provider, model, err := config.ParseModel(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", cfg.Model, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var raw llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		raw = anthropic.NewClaudeClientWithModel(apiKey, model)
	case config.ProviderOpenAI:
		raw = openai.NewClientWithModel(apiKey, model)
	case config.ProviderGoogle:
		raw = google.NewGeminiClientWithModel(apiKey, model)
	case config.ProviderOllama:
		raw = ollama.NewOllamaClientWithModel(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		Cooldown:         time.Duration(cfg.BreakerCooldownSec) * time.Second,
	})

	middlewares := make([]llm.Middleware, 0, len(extra)+4)
	middlewares = append(middlewares, extra...)
	middlewares = append(middlewares,
		BreakerMiddleware(breaker),
		TimeoutMiddleware(time.Duration(cfg.RequestTimeoutSec)*time.Second),
		RetryMiddleware(RetryPolicy{
			MaxRetries: cfg.Retries(),
			Logger:     logx.NewLogger("llm-retry"),
		}),
	)
	if cfg.MaxTPM > 0 || cfg.MaxConcurrent > 0 {
		middlewares = append(middlewares, limiter.Middleware(limiter.New(limiter.Config{
			MaxTokensPerMinute: cfg.MaxTPM,
			MaxConcurrent:      cfg.MaxConcurrent,
		})))
	}
	return llm.Chain(raw, middlewares...), nil
}

// OptionsFromConfig converts agent config to completion options.
func OptionsFromConfig(cfg *config.AgentConfig) Options {
	return Options{
		MaxTokens:        cfg.MaxTokens,
		Temperature:      float32(cfg.Temperature),
		MaxContextTokens: cfg.MaxContextTokens,
	}
}
