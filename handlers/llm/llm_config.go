package llm

type LLMHandlerConfig struct {
	AllowToolCalls  bool `json:"allow_tool_calls"` // Expose registered tools to the model. When false, tool definitions are stripped from the completion context.
	GenerateFillers bool `json:"generate_fillers"` // Speak a short context-aware filler while the main completion is in flight.
}

// DefaultConfig returns an LLMHandlerConfig with sensible defaults.
func DefaultConfig() LLMHandlerConfig {
	return LLMHandlerConfig{
		AllowToolCalls:  true,
		GenerateFillers: false,
	}
}
