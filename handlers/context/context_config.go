package context

import "spritebot/core"

// LLMContextManagerConfig controls the conversational behaviors of the
// context manager itself.
type LLMContextManagerConfig struct {
	// AllowContinueListening registers the continue_listening tool so the
	// LLM can ask for more input when an utterance looks incomplete.
	AllowContinueListening bool `json:"allow_continue_listening"`
	// HumanLikeSpeech appends a spoken-style prompt to the system message.
	HumanLikeSpeech bool `json:"human_like_speech"`
	// GreetOnFirstJoin triggers an opening generation when the first
	// participant joins.
	GreetOnFirstJoin bool `json:"greet_on_first_join"`
}

func DefaultLLMContextManagerConfig() LLMContextManagerConfig {
	return LLMContextManagerConfig{
		AllowContinueListening: true,
		HumanLikeSpeech:        true,
		GreetOnFirstJoin:       true,
	}
}

// ContextConfig describes the session-level conversation setup: the initial
// context plus the built-in tools wired by the session factory. The
// *Instructions fields add optional system-message guidance on when the LLM
// should reach for the matching tool.
type ContextConfig struct {
	// AddKeepQuietTool registers keep_quiet, which lets the LLM stay
	// silent for a turn.
	AddKeepQuietTool      bool   `json:"add_keep_quiet_tool"`
	KeepQuietInstructions string `json:"keep_quiet_instructions"`
	// AddEndCallTool registers end_call, which lets the LLM hang up.
	AddEndCallTool      bool   `json:"add_end_call_tool"`
	EndCallInstructions string `json:"end_call_instructions"`
	// Context holds the initial system messages and pre-declared tools.
	Context *core.LLMContext `json:"context"`
}

func DefaultContextConfig() ContextConfig {
	return ContextConfig{}
}
