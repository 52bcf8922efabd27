package core

// LLMMessageRole follows the chat-completion convention.
type LLMMessageRole string

const (
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
	LLMMessageRoleSystem    LLMMessageRole = "system"
	LLMMessageRoleTool      LLMMessageRole = "tool"
)

// LLMMediaType is the MIME type of an attachment.
type LLMMediaType string

const (
	LLMMediaTypeAudioPCM  LLMMediaType = "audio/pcm"
	LLMMediaTypeAudioWAV  LLMMediaType = "audio/wav"
	LLMMediaTypeAudioMP3  LLMMediaType = "audio/mpeg"
	LLMMediaTypeVideoMP4  LLMMediaType = "video/mp4"
	LLMMediaTypeVideoWebM LLMMediaType = "video/webm"
	LLMMediaTypeImagePNG  LLMMediaType = "image/png"
	LLMMediaTypeImageJPEG LLMMediaType = "image/jpeg"
)

// LLMMedia is one attachment on a message.
type LLMMedia struct {
	Data      []byte
	MediaType LLMMediaType
}

// LLMMessage is one turn in the conversation.
type LLMMessage struct {
	Role    LLMMessageRole `json:"role"`
	Message string         `json:"message"`
	Media   *[]LLMMedia    `json:"media,omitempty"`
	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []LLMToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message to the invocation it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type LLMParamterType string

const (
	LLMParameterTypeString  LLMParamterType = "string"
	LLMParameterTypeInteger LLMParamterType = "number"
	LLMParameterTypeBoolean LLMParamterType = "boolean"
	LLMParameterTypeObject  LLMParamterType = "object"
)

// Parameter declares one argument of an LLM tool. Example, when set, shows
// the model a plausible value.
type Parameter struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Required    bool            `json:"required"`
	Example     string          `json:"example"`
	Type        LLMParamterType `json:"type"`
}

// LLMTool declares a tool the model may invoke. Name is what the model sees;
// ToolId is what CallTool dispatches on. They usually match.
type LLMTool struct {
	Name        string      `json:"name"`
	ToolId      string      `json:"tool_id"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// LLMToolCall is one requested invocation inside an assistant turn.
type LLMToolCall struct {
	// CallID is the provider-assigned id of this specific invocation.
	CallID     string          `json:"call_id,omitempty"`
	ToolId     string          `json:"tool_id"`
	Parameters *map[string]any `json:"parameters,omitempty"`
}

// LLMContext is the conversation state handed to a generation.
type LLMContext struct {
	Messages []LLMMessage `json:"messages"`
	Tools    []LLMTool    `json:"tools,omitempty"`
}

func (c *LLMContext) append(msg LLMMessage) {
	c.Messages = append(c.Messages, msg)
}

func (c *LLMContext) AddSystemMessage(text string) {
	c.append(LLMMessage{Role: LLMMessageRoleSystem, Message: text})
}

func (c *LLMContext) AddUserMessage(text string) {
	c.append(LLMMessage{Role: LLMMessageRoleUser, Message: text})
}

func (c *LLMContext) AddAssistantMessage(text string) {
	c.append(LLMMessage{Role: LLMMessageRoleAssistant, Message: text})
}

// AddToolMessage records a tool invocation result. Providers require the
// preceding assistant message to carry the matching tool call, so pair this
// with AddAssistantToolCalls.
func (c *LLMContext) AddToolMessage(callID string, text string) {
	c.append(LLMMessage{Role: LLMMessageRoleTool, Message: text, ToolCallID: callID})
}

// AddAssistantToolCalls records an assistant turn that invoked tools instead
// of (or in addition to) producing text.
func (c *LLMContext) AddAssistantToolCalls(calls []LLMToolCall) {
	c.append(LLMMessage{Role: LLMMessageRoleAssistant, ToolCalls: calls})
}

// AddAssistantMessageChunk appends a streamed chunk to the trailing assistant
// message, creating one if the last message belongs to another role.
func (c *LLMContext) AddAssistantMessageChunk(chunk string) {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Role == LLMMessageRoleAssistant {
		c.Messages[n-1].Message += chunk
		return
	}
	c.AddAssistantMessage(chunk)
}

// SetAssistantMessage replaces the trailing assistant message, or appends one
// if the conversation does not end with the assistant.
func (c *LLMContext) SetAssistantMessage(text string) {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Role == LLMMessageRoleAssistant {
		c.Messages[n-1].Message = text
		return
	}
	c.AddAssistantMessage(text)
}

func (c *LLMContext) GetLastAssistantMessage() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == LLMMessageRoleAssistant {
			return c.Messages[i].Message
		}
	}
	return ""
}

// Clone returns a deep copy so a snapshot can cross a channel without racing
// against subsequent aggregation.
func (c *LLMContext) Clone() LLMContext {
	out := LLMContext{
		Messages: make([]LLMMessage, len(c.Messages)),
		Tools:    make([]LLMTool, len(c.Tools)),
	}
	copy(out.Messages, c.Messages)
	copy(out.Tools, c.Tools)
	return out
}
