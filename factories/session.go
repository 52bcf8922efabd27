package factories

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"spritebot/core"
	animationhandler "spritebot/handlers/animation"
	contexthandler "spritebot/handlers/context"
	llmhandler "spritebot/handlers/llm"
	stthandler "spritebot/handlers/stt"
	ttshandler "spritebot/handlers/tts"
)

// SessionTTSConfig selects the TTS provider for a session and tunes the
// handler around it. Exactly one provider field of each TTSFactoryConfig
// should be set.
type SessionTTSConfig struct {
	// HandlerConfig tunes handler-level behaviour such as break words and
	// buffer sizes.
	HandlerConfig ttshandler.TTSConfig `json:"handler"`
	// ServiceConfig picks the primary TTS provider.
	ServiceConfig TTSFactoryConfig `json:"service"`
	// FallbackServiceConfigs are tried in order when the primary fails.
	FallbackServiceConfigs []TTSFactoryConfig `json:"fallbacks,omitempty"`
}

// DefaultSessionTTSConfig returns handler defaults with no provider chosen.
// Populate ServiceConfig before building.
func DefaultSessionTTSConfig() SessionTTSConfig {
	return SessionTTSConfig{HandlerConfig: ttshandler.DefaultConfig()}
}

// BuildHandler constructs the TTS handler with its primary and fallback services.
func (c SessionTTSConfig) BuildHandler(logger *core.Logger) (*ttshandler.TTSHandler, error) {
	primary, err := BuildTTSService(c.ServiceConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("tts primary service: %w", err)
	}
	handler := ttshandler.NewTTSHandler(primary, c.HandlerConfig, logger)
	for i, fallbackCfg := range c.FallbackServiceConfigs {
		fallback, err := BuildTTSService(fallbackCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("tts fallback[%d]: %w", i, err)
		}
		handler.BackupServices = append(handler.BackupServices, fallback)
	}
	return handler, nil
}

// SessionSTTConfig selects the STT provider for a session and tunes the
// handler around it.
type SessionSTTConfig struct {
	// HandlerConfig tunes handler-level STT behaviour.
	HandlerConfig stthandler.STTConfig `json:"handler"`
	// ServiceConfig picks the primary STT provider.
	ServiceConfig STTFactoryConfig `json:"service"`
	// FallbackServiceConfigs are tried in order when the primary fails.
	FallbackServiceConfigs []STTFactoryConfig `json:"fallbacks,omitempty"`
}

// DefaultSessionSTTConfig returns handler defaults with no provider chosen.
// Populate ServiceConfig before building.
func DefaultSessionSTTConfig() SessionSTTConfig {
	return SessionSTTConfig{HandlerConfig: stthandler.DefaultConfig()}
}

// BuildHandler constructs the STT handler with its primary and fallback services.
func (c SessionSTTConfig) BuildHandler(logger *core.Logger) (*stthandler.STTHandler, error) {
	primary, err := BuildSTTService(c.ServiceConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("stt primary service: %w", err)
	}
	handler := stthandler.NewSTTHandler(primary, c.HandlerConfig, logger)
	for i, fallbackCfg := range c.FallbackServiceConfigs {
		fallback, err := BuildSTTService(fallbackCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("stt fallback[%d]: %w", i, err)
		}
		handler.WithBackupService(fallback)
	}
	return handler, nil
}

// SessionLLMConfig selects the LLM provider for a session plus optional
// fallbacks and a dedicated filler model.
type SessionLLMConfig struct {
	// HandlerConfig tunes handler-level LLM behaviour (tool calls, fillers).
	HandlerConfig llmhandler.LLMHandlerConfig `json:"handler"`
	// ServiceConfig picks the primary LLM provider.
	ServiceConfig LLMFactoryConfig `json:"service"`
	// FallbackServiceConfigs are tried in order when the primary fails.
	FallbackServiceConfigs []LLMFactoryConfig `json:"fallbacks,omitempty"`
	// FillerServiceConfig optionally names a lighter, cheaper model used only
	// for filler generation. When nil the primary model serves fillers too.
	FillerServiceConfig *LLMFactoryConfig `json:"filler_service,omitempty"`
}

// DefaultSessionLLMConfig returns handler defaults with no provider chosen.
// Populate ServiceConfig before building.
func DefaultSessionLLMConfig() SessionLLMConfig {
	return SessionLLMConfig{HandlerConfig: llmhandler.DefaultConfig()}
}

// BuildHandler constructs the LLM handler with primary, fallback and filler services.
func (c SessionLLMConfig) BuildHandler(logger *core.Logger) (*llmhandler.LLMHandler, error) {
	primary, err := BuildLLMService(c.ServiceConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("llm primary service: %w", err)
	}
	handler := llmhandler.NewLLMHandler(primary, c.HandlerConfig, logger)
	for i, fallbackCfg := range c.FallbackServiceConfigs {
		fallback, err := BuildLLMService(fallbackCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("llm fallback[%d]: %w", i, err)
		}
		handler.WithBackupService(fallback)
	}
	if c.FillerServiceConfig != nil {
		filler, err := BuildLLMService(*c.FillerServiceConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("llm filler service: %w", err)
		}
		handler.WithFillerService(filler)
	}
	return handler, nil
}

// SessionContextConfig bundles context-manager and handler-level context configs.
type SessionContextConfig struct {
	// ManagerConfig controls LLMContextManager behaviour (continue-listening tool,
	// human-like speech style, greeting on first join).
	ManagerConfig contexthandler.LLMContextManagerConfig `json:"manager"`
	// HandlerConfig holds the initial LLM context (system messages + tools) and the
	// built-in tool toggles applied when BuildHandlers is called.
	HandlerConfig contexthandler.ContextConfig `json:"handler"`
	// MCPServers is an optional list of MCP servers to connect to at startup.
	// Their tools are discovered and registered alongside the built-in ones.
	MCPServers []core.MCPServerConfig `json:"mcp_servers,omitempty"`
}

// DefaultSessionContextConfig returns a SessionContextConfig with sensible defaults.
func DefaultSessionContextConfig() SessionContextConfig {
	return SessionContextConfig{
		ManagerConfig: contexthandler.DefaultLLMContextManagerConfig(),
		HandlerConfig: contexthandler.DefaultContextConfig(),
	}
}

// SessionConfig is the top-level configuration for a complete voice-bot session
// pipeline. It groups the TTS, STT, LLM, context, and avatar configs, each
// service with primary and fallbacks, and exposes BuildHandlers to construct
// all ready-to-wire handlers in a single call.
type SessionConfig struct {
	TTS     SessionTTSConfig     `json:"tts"`
	STT     SessionSTTConfig     `json:"stt"`
	LLM     SessionLLMConfig     `json:"llm"`
	Context SessionContextConfig `json:"context"`
	Avatar  AvatarConfig         `json:"avatar"`
}

// DefaultSessionConfig pre-fills handler defaults for every component.
// Populate the ServiceConfig fields before calling BuildHandlers.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTS:     DefaultSessionTTSConfig(),
		STT:     DefaultSessionSTTConfig(),
		LLM:     DefaultSessionLLMConfig(),
		Context: DefaultSessionContextConfig(),
		Avatar:  DefaultAvatarConfig(),
	}
}

// SessionConfigFromJSON parses a JSON blob on top of DefaultSessionConfig, so
// fields absent from the JSON keep their defaults. Inject secrets afterwards
// via InjectAPIKeys rather than storing them in config files.
func SessionConfigFromJSON(data []byte) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("session config: %w", err)
	}
	return cfg, nil
}

// APIKeys holds API credentials for all supported service providers.
// Pass to SessionConfig.InjectAPIKeys after loading from JSON so that
// secrets are never stored in config files.
type APIKeys struct {
	Deepgram   string // Deepgram STT and TTS
	OpenAI     string
	Together   string
	Groq       string
	DeepSeek   string
	OpenRouter string
	Fireworks  string
	Cerebras   string
	XAI        string // xAI (Grok)
	Mistral    string
	Perplexity string
	ElevenLabs string
	Cartesia   string
}

// setKey fills an API key field that the config left blank. Keys already
// present in the config win over injected ones.
func setKey(target *string, key string) {
	if *target == "" {
		*target = key
	}
}

// InjectAPIKeys applies credentials to every configured provider in the
// session config, primaries and fallbacks alike.
func (c *SessionConfig) InjectAPIKeys(keys APIKeys) {
	injectSTTKeys(&c.STT.ServiceConfig, keys)
	for i := range c.STT.FallbackServiceConfigs {
		injectSTTKeys(&c.STT.FallbackServiceConfigs[i], keys)
	}

	injectLLMKeys(&c.LLM.ServiceConfig, keys)
	for i := range c.LLM.FallbackServiceConfigs {
		injectLLMKeys(&c.LLM.FallbackServiceConfigs[i], keys)
	}
	if c.LLM.FillerServiceConfig != nil {
		injectLLMKeys(c.LLM.FillerServiceConfig, keys)
	}

	injectTTSKeys(&c.TTS.ServiceConfig, keys)
	for i := range c.TTS.FallbackServiceConfigs {
		injectTTSKeys(&c.TTS.FallbackServiceConfigs[i], keys)
	}
}

func injectSTTKeys(cfg *STTFactoryConfig, keys APIKeys) {
	if cfg.DeepgramConfig != nil {
		setKey(&cfg.DeepgramConfig.APIKey, keys.Deepgram)
	}
}

func injectLLMKeys(cfg *LLMFactoryConfig, keys APIKeys) {
	if cfg.OpenAIConfig != nil {
		setKey(&cfg.OpenAIConfig.APIKey, keys.OpenAI)
	}
	if cfg.TogetherConfig != nil {
		setKey(&cfg.TogetherConfig.APIKey, keys.Together)
	}
	if cfg.GroqConfig != nil {
		setKey(&cfg.GroqConfig.APIKey, keys.Groq)
	}
	if cfg.DeepSeekConfig != nil {
		setKey(&cfg.DeepSeekConfig.APIKey, keys.DeepSeek)
	}
	if cfg.OpenRouterConfig != nil {
		setKey(&cfg.OpenRouterConfig.APIKey, keys.OpenRouter)
	}
	if cfg.FireworksConfig != nil {
		setKey(&cfg.FireworksConfig.APIKey, keys.Fireworks)
	}
	if cfg.CerebrasConfig != nil {
		setKey(&cfg.CerebrasConfig.APIKey, keys.Cerebras)
	}
	if cfg.XAIConfig != nil {
		setKey(&cfg.XAIConfig.APIKey, keys.XAI)
	}
	if cfg.MistralConfig != nil {
		setKey(&cfg.MistralConfig.APIKey, keys.Mistral)
	}
	if cfg.PerplexityConfig != nil {
		setKey(&cfg.PerplexityConfig.APIKey, keys.Perplexity)
	}
}

func injectTTSKeys(cfg *TTSFactoryConfig, keys APIKeys) {
	if cfg.DeepgramConfig != nil {
		setKey(&cfg.DeepgramConfig.APIKey, keys.Deepgram)
	}
	if cfg.ElevenLabsConfig != nil {
		setKey(&cfg.ElevenLabsConfig.APIKey, keys.ElevenLabs)
	}
	if cfg.CartesiaConfig != nil {
		setKey(&cfg.CartesiaConfig.APIKey, keys.Cartesia)
	}
}

// SessionHandlers holds all constructed handlers ready to be assembled into a Runner pipeline.
//
// Typical pipeline order:
//
//	TransportInput → VAD → STT → ContextManager.GetUserContextAggregator()
//	  → LLM → TTS → ActivityControl → Animation → TransportOutput
//	  → ContextManager.GetAssistantContextAggregator()
type SessionHandlers struct {
	TTS *ttshandler.TTSHandler
	STT *stthandler.STTHandler
	LLM *llmhandler.LLMHandler
	// ContextManager manages conversation state. Call GetUserContextAggregator() and
	// GetAssistantContextAggregator() to obtain the two pipeline handlers.
	ContextManager *contexthandler.LLMContextManager
	// Animation is nil when the avatar is disabled.
	Animation *animationhandler.TalkingAnimationHandler
}

// BuildHandlers constructs every handler the SessionConfig describes.
func (c SessionConfig) BuildHandlers(logger *core.Logger) (*SessionHandlers, error) {
	ttsHandler, err := c.TTS.BuildHandler(logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	sttHandler, err := c.STT.BuildHandler(logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	llmHandler, err := c.LLM.BuildHandler(logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ctxMgr := contexthandler.NewLLMContextManager(c.Context.ManagerConfig, logger)
	if c.Context.HandlerConfig.Context != nil {
		ctxMgr.SetContext(c.Context.HandlerConfig.Context)
	}

	if len(c.Context.MCPServers) > 0 {
		if err := wireMCPTools(ctxMgr, c.Context.MCPServers, logger); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	registerBuiltinTools(ctxMgr, c.Context.HandlerConfig)

	animationHandler, err := BuildAnimationHandler(c.Avatar, logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return &SessionHandlers{
		TTS:            ttsHandler,
		STT:            sttHandler,
		LLM:            llmHandler,
		ContextManager: ctxMgr,
		Animation:      animationHandler,
	}, nil
}

// wireMCPTools connects the configured MCP servers, registers their tools on
// the context manager and arranges teardown of the connections with the
// manager's cleanup. Individual server failures are logged, not fatal.
func wireMCPTools(ctxMgr *contexthandler.LLMContextManager, servers []core.MCPServerConfig, logger *core.Logger) error {
	mcpMgr := contexthandler.NewMCPManager(logger)
	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mcpMgr.Connect(connectCtx, servers); err != nil {
		logger.With(map[string]any{"error": err.Error()}).Error("MCP connection errors (non-fatal)")
	}

	for _, tool := range mcpMgr.Tools() {
		toolID := tool.ToolId
		ctxMgr.RegisterTool(tool, func(call core.LLMToolCall) string {
			params := make(map[string]any)
			if call.Parameters != nil {
				params = *call.Parameters
			}
			result, err := mcpMgr.CallTool(context.Background(), toolID, params)
			if err != nil {
				logger.With(map[string]any{
					"tool":  toolID,
					"error": err.Error(),
				}).Error("MCP tool call failed")
				return "Error: " + err.Error()
			}
			return result
		})
	}

	ctxMgr.SetCleanupHook(func() {
		mcpMgr.Close()
	})
	return nil
}

// registerBuiltinTools adds the optional keep_quiet and end_call tools.
func registerBuiltinTools(ctxMgr *contexthandler.LLMContextManager, cfg contexthandler.ContextConfig) {
	if cfg.AddKeepQuietTool {
		instructions := cfg.KeepQuietInstructions
		if instructions == "" {
			instructions = "Remain silent and do not respond. Wait for the user to speak."
		}
		ctxMgr.RegisterTool(core.LLMTool{
			ToolId:      "keep_quiet",
			Name:        "keep_quiet",
			Description: instructions,
			Parameters:  []core.Parameter{},
		}, func(_ core.LLMToolCall) string {
			return ""
		})
	}

	if cfg.AddEndCallTool {
		instructions := cfg.EndCallInstructions
		if instructions == "" {
			instructions = "End the call. Use when the user says goodbye or asks to stop."
		}
		ctxMgr.RegisterTool(core.LLMTool{
			ToolId:      "end_call",
			Name:        "end_call",
			Description: instructions,
			Parameters:  []core.Parameter{},
		}, func(_ core.LLMToolCall) string {
			ctxMgr.EmitEvent(&core.EndCallEvent{Reason: "ended by assistant"})
			return ""
		})
	}
}
