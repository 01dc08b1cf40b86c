package main

import (
	"log/slog"
	"time"

	"github.com/nugget/termingeist/internal/config"
	"github.com/nugget/termingeist/internal/llm"
)

// buildCascade turns the configured primary/fallback providers into an
// ordered llm.Cascade. Replaces cmd/thane's createLLMClient/MultiClient
// model-name routing: extraction always wants the same two providers
// attempted in order, never routed by model name.
func buildCascade(cfg *config.Config, logger *slog.Logger) *llm.Cascade {
	var providers []llm.Provider

	if p, ok := buildProvider("primary", cfg.LLM.Primary, logger); ok {
		providers = append(providers, p)
	}
	if p, ok := buildProvider("fallback", cfg.LLM.Fallback, logger); ok {
		providers = append(providers, p)
	}

	return llm.NewCascade(logger, providers...)
}

func buildProvider(name string, pc config.ProviderConfig, logger *slog.Logger) (llm.Provider, bool) {
	if pc.Model == "" {
		return llm.Provider{}, false
	}

	var client llm.Client
	switch pc.Provider {
	case "anthropic":
		if pc.APIKey == "" {
			logger.Warn("llm provider configured without api_key, skipping", "provider", name)
			return llm.Provider{}, false
		}
		client = llm.NewAnthropicClient(pc.APIKey, logger)
	case "ollama", "":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		client = llm.NewOllamaClient(baseURL, logger)
	default:
		logger.Warn("unknown llm provider, skipping", "provider", name, "kind", pc.Provider)
		return llm.Provider{}, false
	}

	timeout := time.Duration(pc.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return llm.Provider{Name: name, Client: client, Model: pc.Model, Timeout: timeout}, true
}

// buildReflectionClient picks the single llm.Client ReflectionAgent
// calls with its own configured model name (spec.md §4.10's "a
// high-capability LLM"). It prefers whichever of primary/fallback is
// the Anthropic provider, since Anthropic models are the cascade's
// higher-capability tier in this deployment; if neither is Anthropic
// it falls back to the primary provider's client.
func buildReflectionClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.LLM.Primary.Provider == "anthropic" {
		if p, ok := buildProvider("reflection", cfg.LLM.Primary, logger); ok {
			return p.Client
		}
	}
	if cfg.LLM.Fallback.Provider == "anthropic" {
		if p, ok := buildProvider("reflection", cfg.LLM.Fallback, logger); ok {
			return p.Client
		}
	}
	if p, ok := buildProvider("reflection", cfg.LLM.Primary, logger); ok {
		return p.Client
	}
	return llm.NewOllamaClient("http://localhost:11434", logger)
}
