package context

import (
	"context"
	"sync"

	"spritebot/core"
)

// ToolHandlerFunc executes a tool invocation and returns the result text.
// An empty result marks the tool as silent: no tool-result message is added
// to the context and no follow-up generation is requested.
type ToolHandlerFunc func(call core.LLMToolCall) string

// contextService is the no-op IService backing the aggregator handlers; the
// conversation state they share lives in the manager, not in a remote service.
type contextService struct{}

func (s *contextService) Initialize(_ context.Context) error { return nil }
func (s *contextService) Cleanup() error                     { return nil }
func (s *contextService) Reset() error                       { return nil }

// LLMContextManager owns the conversation context shared by the two
// aggregator pipeline stages: the user aggregator commits transcribed user
// utterances and requests generations, the assistant aggregator commits what
// the bot actually spoke and resolves tool invocations.
//
// All mutations go through the manager so that snapshots handed to the LLM
// are consistent. Obtain the pipeline stages with GetUserContextAggregator
// and GetAssistantContextAggregator.
type LLMContextManager struct {
	Logger *core.Logger
	config LLMContextManagerConfig

	mu              sync.Mutex
	context         *core.LLMContext
	toolHandlers    map[string]ToolHandlerFunc
	registeredTools []core.LLMTool
	emitEvent       func(event core.IEvent)
	cleanupHook     func()
	cleanupOnce     sync.Once

	userAgg      *LLMUserContextAggregator
	assistantAgg *LLMAssistantContextAggregator
}

// NewLLMContextManager creates a context manager.
// Use DefaultLLMContextManagerConfig() for sensible defaults.
func NewLLMContextManager(config LLMContextManagerConfig, logger *core.Logger) *LLMContextManager {
	if logger == nil {
		logger = core.GetLogger()
	}
	m := &LLMContextManager{
		Logger:       logger,
		config:       config,
		toolHandlers: make(map[string]ToolHandlerFunc),
	}
	if config.AllowContinueListening {
		m.RegisterTool(continueListeningTool(), func(core.LLMToolCall) string {
			return "" // silent: the turn simply ends and the bot keeps listening
		})
	}
	return m
}

// SetContext installs the initial conversation context (system messages and
// tools). Tools registered before this call are merged in, and the spoken
// style prompt is applied when configured.
func (m *LLMContextManager) SetContext(ctx *core.LLMContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context = ctx
	if m.config.HumanLikeSpeech {
		m.applySpeechStyleLocked()
	}
	m.mergeRegisteredToolsLocked()
}

// SetCleanupHook registers a function run exactly once when the pipeline
// tears the aggregators down. Used to release resources the tools depend on,
// such as MCP server connections.
func (m *LLMContextManager) SetCleanupHook(hook func()) {
	m.mu.Lock()
	m.cleanupHook = hook
	m.mu.Unlock()
}

// RegisterTool exposes a tool to the LLM and binds its handler. A handler
// that returns an empty string ends the turn silently.
func (m *LLMContextManager) RegisterTool(tool core.LLMTool, handler ToolHandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolHandlers[tool.ToolId] = handler
	m.registeredTools = append(m.registeredTools, tool)
	if m.context != nil {
		m.mergeRegisteredToolsLocked()
	}
}

// RegisterToolHandler binds a handler for a tool whose definition is already
// part of the context (for example, tools declared in a config file).
func (m *LLMContextManager) RegisterToolHandler(toolID string, handler ToolHandlerFunc) {
	m.mu.Lock()
	m.toolHandlers[toolID] = handler
	m.mu.Unlock()
}

// HandleToolCall runs the registered handler for a tool invocation. The
// second return value reports whether a handler was found. The handler runs
// outside the manager lock so it may call back into the manager.
func (m *LLMContextManager) HandleToolCall(call core.LLMToolCall) (string, bool) {
	m.mu.Lock()
	handler, ok := m.toolHandlers[call.ToolId]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return handler(call), true
}

// EmitEvent injects an event into the pipeline on behalf of a tool handler
// (for example, end_call emitting core.EndCallEvent). Events are dropped
// with a warning until an aggregator has been wired into a running pipeline.
func (m *LLMContextManager) EmitEvent(event core.IEvent) {
	m.mu.Lock()
	emit := m.emitEvent
	m.mu.Unlock()
	if emit == nil {
		m.Logger.With(map[string]interface{}{"event": event.GetId()}).Warn("LLMContextManager: no pipeline attached, dropping event")
		return
	}
	emit(event)
}

// SnapshotContext returns a deep copy of the current context, safe to hand
// to the LLM handler while aggregation continues.
func (m *LLMContextManager) SnapshotContext() core.LLMContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureContextLocked()
	return m.context.Clone()
}

// AddUserMessage appends a user utterance to the conversation.
func (m *LLMContextManager) AddUserMessage(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureContextLocked()
	m.context.AddUserMessage(text)
}

// CommitAssistantMessage appends what the bot actually spoke. On an
// interruption this is the truncated prefix, not the full generation.
func (m *LLMContextManager) CommitAssistantMessage(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureContextLocked()
	m.context.AddAssistantMessage(text)
}

// AddToolExchange records a completed tool invocation: the assistant turn
// that requested it and the tool-role message carrying the result.
func (m *LLMContextManager) AddToolExchange(call core.LLMToolCall, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureContextLocked()
	m.context.AddAssistantToolCalls([]core.LLMToolCall{call})
	m.context.AddToolMessage(call.CallID, result)
}

// GetUserContextAggregator returns the pipeline stage that commits user
// utterances and requests generations. The same instance is returned on
// every call.
func (m *LLMContextManager) GetUserContextAggregator() *LLMUserContextAggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userAgg == nil {
		m.userAgg = newLLMUserContextAggregator(m, m.Logger)
	}
	return m.userAgg
}

// GetAssistantContextAggregator returns the pipeline stage that commits
// spoken assistant text and resolves tool invocations. The same instance is
// returned on every call.
func (m *LLMContextManager) GetAssistantContextAggregator() *LLMAssistantContextAggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assistantAgg == nil {
		m.assistantAgg = newLLMAssistantContextAggregator(m, m.Logger)
	}
	return m.assistantAgg
}

func (m *LLMContextManager) setEventEmitter(emit func(event core.IEvent)) {
	m.mu.Lock()
	m.emitEvent = emit
	m.mu.Unlock()
}

func (m *LLMContextManager) cleanup() {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		hook := m.cleanupHook
		m.mu.Unlock()
		if hook != nil {
			hook()
		}
	})
}

// ensureContextLocked lazily creates an empty context so the manager works
// even when no initial context was configured. Must be called with m.mu held.
func (m *LLMContextManager) ensureContextLocked() {
	if m.context == nil {
		m.context = &core.LLMContext{}
		m.mergeRegisteredToolsLocked()
	}
}

// applySpeechStyleLocked appends the spoken-style prompt to the leading
// system message, inserting one when the context has none.
// Must be called with m.mu held.
func (m *LLMContextManager) applySpeechStyleLocked() {
	prompt := SPOKEN_STYLE_PROMPT
	if m.config.AllowContinueListening {
		prompt += CONTINUE_LISTENING_PROMPT
	}
	for i := range m.context.Messages {
		if m.context.Messages[i].Role == core.LLMMessageRoleSystem {
			m.context.Messages[i].Message += "\n" + prompt
			return
		}
	}
	m.context.Messages = append([]core.LLMMessage{{
		Role:    core.LLMMessageRoleSystem,
		Message: prompt,
	}}, m.context.Messages...)
}

// mergeRegisteredToolsLocked appends registered tool definitions not already
// present in the context. Must be called with m.mu held.
func (m *LLMContextManager) mergeRegisteredToolsLocked() {
	if m.context == nil {
		return
	}
	present := make(map[string]bool, len(m.context.Tools))
	for _, t := range m.context.Tools {
		present[t.ToolId] = true
	}
	for _, t := range m.registeredTools {
		if !present[t.ToolId] {
			m.context.Tools = append(m.context.Tools, t)
			present[t.ToolId] = true
		}
	}
}

func continueListeningTool() core.LLMTool {
	return core.LLMTool{
		ToolId:      "continue_listening",
		Name:        "continue_listening",
		Description: "Call this when the user's utterance appears unfinished and you should keep listening instead of responding. Do not produce any text alongside this call.",
		Parameters:  []core.Parameter{},
	}
}
