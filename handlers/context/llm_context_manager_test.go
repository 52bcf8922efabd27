package context

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
)

func newTestLogger() *core.Logger {
	return core.NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

func TestSetContextAppliesSpokenStyle(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{HumanLikeSpeech: true}, newTestLogger())

	ctx := &core.LLMContext{}
	ctx.AddSystemMessage("You are Chatbot.")
	mgr.SetContext(ctx)

	snapshot := mgr.SnapshotContext()
	require.Len(t, snapshot.Messages, 1)
	assert.True(t, strings.HasPrefix(snapshot.Messages[0].Message, "You are Chatbot."))
	assert.Contains(t, snapshot.Messages[0].Message, strings.TrimSpace(SPOKEN_STYLE_PROMPT))
}

func TestSetContextInsertsSystemMessageWhenMissing(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{HumanLikeSpeech: true}, newTestLogger())

	ctx := &core.LLMContext{}
	ctx.AddUserMessage("hello")
	mgr.SetContext(ctx)

	snapshot := mgr.SnapshotContext()
	require.Len(t, snapshot.Messages, 2)
	assert.Equal(t, core.LLMMessageRoleSystem, snapshot.Messages[0].Role)
	assert.Equal(t, core.LLMMessageRoleUser, snapshot.Messages[1].Role)
}

func TestContinueListeningToolRegistration(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{AllowContinueListening: true, HumanLikeSpeech: true}, newTestLogger())
	mgr.SetContext(&core.LLMContext{})

	snapshot := mgr.SnapshotContext()
	require.Len(t, snapshot.Tools, 1)
	assert.Equal(t, "continue_listening", snapshot.Tools[0].ToolId)
	assert.Contains(t, snapshot.Messages[0].Message, "continue_listening")

	// The built-in handler is silent.
	result, handled := mgr.HandleToolCall(core.LLMToolCall{ToolId: "continue_listening"})
	assert.True(t, handled)
	assert.Empty(t, result)
}

func TestRegisterToolMergesIntoExistingContext(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	mgr.SetContext(&core.LLMContext{})

	mgr.RegisterTool(core.LLMTool{ToolId: "end_call", Name: "end_call"}, func(core.LLMToolCall) string {
		return ""
	})

	snapshot := mgr.SnapshotContext()
	require.Len(t, snapshot.Tools, 1)
	assert.Equal(t, "end_call", snapshot.Tools[0].ToolId)
}

func TestRegisterToolDoesNotDuplicateDeclaredTools(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	mgr.RegisterTool(core.LLMTool{ToolId: "get_weather", Name: "get_weather"}, func(core.LLMToolCall) string {
		return "sunny"
	})

	ctx := &core.LLMContext{Tools: []core.LLMTool{{ToolId: "get_weather", Name: "get_weather"}}}
	mgr.SetContext(ctx)

	snapshot := mgr.SnapshotContext()
	assert.Len(t, snapshot.Tools, 1)
}

func TestHandleToolCallUnknownTool(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	_, handled := mgr.HandleToolCall(core.LLMToolCall{ToolId: "missing"})
	assert.False(t, handled)
}

func TestSnapshotIsIndependentOfLaterMutations(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	mgr.AddUserMessage("first")

	snapshot := mgr.SnapshotContext()
	mgr.AddUserMessage("second")

	assert.Len(t, snapshot.Messages, 1)
	assert.Len(t, mgr.SnapshotContext().Messages, 2)
}

func TestAddToolExchangeRecordsPairedMessages(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	params := map[string]any{"city": "Oslo"}
	call := core.LLMToolCall{CallID: "call_42", ToolId: "get_weather", Parameters: &params}

	mgr.AddToolExchange(call, "cloudy")

	snapshot := mgr.SnapshotContext()
	require.Len(t, snapshot.Messages, 2)
	assert.Equal(t, core.LLMMessageRoleAssistant, snapshot.Messages[0].Role)
	require.Len(t, snapshot.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call_42", snapshot.Messages[0].ToolCalls[0].CallID)
	assert.Equal(t, core.LLMMessageRoleTool, snapshot.Messages[1].Role)
	assert.Equal(t, "cloudy", snapshot.Messages[1].Message)
	assert.Equal(t, "call_42", snapshot.Messages[1].ToolCallID)
}

func TestEmitEventWithoutPipelineIsDropped(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	// Must not panic before an aggregator wires the emitter.
	mgr.EmitEvent(&core.EndCallEvent{Reason: "test"})
}

func TestCleanupHookRunsOnce(t *testing.T) {
	mgr := NewLLMContextManager(LLMContextManagerConfig{}, newTestLogger())
	calls := 0
	mgr.SetCleanupHook(func() { calls++ })

	mgr.cleanup()
	mgr.cleanup()
	assert.Equal(t, 1, calls)
}
