package factories

import (
	"errors"

	"spritebot/core"
	llmhandler "spritebot/handlers/llm"
	openaillm "spritebot/services/openai/llm"
)

// LLMFactoryConfig holds provider-specific configs for LLM service construction.
// Set exactly one provider config; the rest should be left nil.
// All non-OpenAI providers use the OpenAI-compatible protocol and are
// implemented via the same OpenAI service with a custom base URL.
type LLMFactoryConfig struct {
	OpenAIConfig     *openaillm.Config `json:"openai,omitempty"`
	TogetherConfig   *openaillm.Config `json:"together,omitempty"`
	GroqConfig       *openaillm.Config `json:"groq,omitempty"`
	DeepSeekConfig   *openaillm.Config `json:"deepseek,omitempty"`
	OpenRouterConfig *openaillm.Config `json:"openrouter,omitempty"`
	FireworksConfig  *openaillm.Config `json:"fireworks,omitempty"`
	CerebrasConfig   *openaillm.Config `json:"cerebras,omitempty"`
	XAIConfig        *openaillm.Config `json:"xai,omitempty"`
	MistralConfig    *openaillm.Config `json:"mistral,omitempty"`
	PerplexityConfig *openaillm.Config `json:"perplexity,omitempty"`
}

// DefaultLLMFactoryConfig selects OpenAI; the service constructor fills in
// the model default.
func DefaultLLMFactoryConfig() LLMFactoryConfig {
	return LLMFactoryConfig{OpenAIConfig: &openaillm.Config{}}
}

// compatDefaults carries the per-provider defaults applied when the user
// config leaves BaseURL or Model empty.
type compatDefaults struct {
	baseURL string
	model   string
}

// BuildLLMService constructs an LLMService from the given factory config.
// Exactly one provider config must be non-nil.
func BuildLLMService(config LLMFactoryConfig, logger *core.Logger) (llmhandler.LLMService, error) {
	// OpenAI proper keeps the client library's own base URL.
	if config.OpenAIConfig != nil {
		return openaillm.NewOpenAILLMService(*config.OpenAIConfig, logger), nil
	}

	compat := []struct {
		cfg      *openaillm.Config
		defaults compatDefaults
	}{
		{config.TogetherConfig, compatDefaults{"https://api.together.xyz/v1", "meta-llama/Llama-3.3-70B-Instruct-Turbo"}},
		{config.GroqConfig, compatDefaults{"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"}},
		{config.DeepSeekConfig, compatDefaults{"https://api.deepseek.com/v1", "deepseek-chat"}},
		{config.OpenRouterConfig, compatDefaults{"https://openrouter.ai/api/v1", "openai/gpt-4o"}},
		{config.FireworksConfig, compatDefaults{"https://api.fireworks.ai/inference/v1", "accounts/fireworks/models/llama-v3p3-70b-instruct"}},
		{config.CerebrasConfig, compatDefaults{"https://api.cerebras.ai/v1", "llama-3.3-70b"}},
		{config.XAIConfig, compatDefaults{"https://api.x.ai/v1", "grok-3"}},
		{config.MistralConfig, compatDefaults{"https://api.mistral.ai/v1", "mistral-large-latest"}},
		{config.PerplexityConfig, compatDefaults{"https://api.perplexity.ai", "sonar-pro"}},
	}
	for _, p := range compat {
		if p.cfg != nil {
			return buildOpenAICompatible(*p.cfg, p.defaults, logger), nil
		}
	}
	return nil, errors.New("LLMFactoryConfig: no provider config specified")
}

func buildOpenAICompatible(cfg openaillm.Config, d compatDefaults, logger *core.Logger) *openaillm.OpenAILLMService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = d.model
	}
	return openaillm.NewOpenAILLMService(cfg, logger)
}
