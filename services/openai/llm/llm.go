package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"spritebot/core"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
)

// Config holds the configuration for the OpenAI service.
type Config struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"` // Leave empty for api.openai.com; set for compatible providers.
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	Streaming   bool    `json:"streaming"`
}

// OpenAILLMService implements the LLMService interface using the OpenAI chat
// completion API. With a custom BaseURL it also serves any OpenAI-compatible
// provider (Together, Groq, DeepSeek, OpenRouter, and the rest).
type OpenAILLMService struct {
	cfg    Config
	logger *core.Logger

	mu            sync.RWMutex
	client        *openai.Client
	ctx           context.Context
	cancel        context.CancelFunc
	isInitialized bool

	streams streamSet
}

// streamSet tracks in-flight completion streams so Reset can close them all.
type streamSet struct {
	mu sync.Mutex
	m  map[*openai.ChatCompletionStream]struct{}
}

func (ss *streamSet) add(stream *openai.ChatCompletionStream) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.m == nil {
		ss.m = map[*openai.ChatCompletionStream]struct{}{}
	}
	ss.m[stream] = struct{}{}
}

func (ss *streamSet) remove(stream *openai.ChatCompletionStream) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.m, stream)
}

func (ss *streamSet) closeAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for stream := range ss.m {
		stream.Close()
		delete(ss.m, stream)
	}
}

// NewOpenAILLMService creates a new instance of OpenAILLMService.
func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	return &OpenAILLMService{cfg: config, logger: logger}
}

func (s *OpenAILLMService) newClient() *openai.Client {
	clientCfg := openai.DefaultConfig(s.cfg.APIKey)
	if s.cfg.BaseURL != "" {
		clientCfg.BaseURL = s.cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

func (s *OpenAILLMService) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	// No connectivity probe here: several compatible providers do not
	// implement the models endpoint, so a bad key surfaces on first use.
	s.client = s.newClient()
	s.isInitialized = true

	s.logger.With(map[string]interface{}{
		"model":     s.cfg.Model,
		"base_url":  s.cfg.BaseURL,
		"streaming": s.cfg.Streaming,
	}).Info("OpenAILLMService: initialized")
	return nil
}

func (s *OpenAILLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams.closeAll()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.client = nil
	s.isInitialized = false
	return nil
}

// Reset aborts all in-flight completions and discards their streams. Called
// on interruption so a cancelled generation cannot keep emitting chunks.
func (s *OpenAILLMService) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams.closeAll()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.client = s.newClient()
	return nil
}

// RunCompletion streams one completion. Chunks go to outChan, assembled tool
// invocations to toolInvocationChan. The start and end signals bracket every
// attempt, including failed ones.
func (s *OpenAILLMService) RunCompletion(
	llmContext core.LLMContext,
	outChan chan<- string,
	toolInvocationChan chan<- core.LLMToolCall,
	FatalServiceErrorChan chan<- error,
	completionStartChan chan<- struct{},
	completionEndChan chan<- struct{},
) {
	s.mu.RLock()
	initialized, ctx, client := s.isInitialized, s.ctx, s.client
	s.mu.RUnlock()
	if !initialized {
		FatalServiceErrorChan <- fmt.Errorf("OpenAI service not initialized")
		return
	}
	if ctxDone(ctx) {
		FatalServiceErrorChan <- fmt.Errorf("service was reset during completion")
		return
	}

	signal(completionStartChan)
	defer signal(completionEndChan)

	req, err := s.buildRequest(llmContext)
	if err != nil {
		FatalServiceErrorChan <- err
		return
	}
	req.Stream = s.cfg.Streaming

	if s.cfg.Streaming {
		s.runStreamingCompletion(ctx, client, req, outChan, toolInvocationChan, FatalServiceErrorChan)
	} else {
		s.runNonStreamingCompletion(ctx, client, req, outChan, toolInvocationChan, FatalServiceErrorChan)
	}
}

// GenerateJsonOutput runs a non-streaming completion in JSON mode and returns
// the parsed object. Used for structured side-channel generations such as
// filler prediction; never for the spoken response path.
func (s *OpenAILLMService) GenerateJsonOutput(llmContext core.LLMContext) (map[string]any, error) {
	s.mu.RLock()
	initialized, ctx, client := s.isInitialized, s.ctx, s.client
	s.mu.RUnlock()
	if !initialized {
		return nil, fmt.Errorf("OpenAI service not initialized")
	}

	req, err := s.buildRequest(llmContext)
	if err != nil {
		return nil, err
	}
	req.Stream = false
	req.Tools = nil
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("JSON completion returned no choices")
	}

	var out map[string]any
	if err := sonic.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON completion: %w", err)
	}
	return out, nil
}

// buildRequest converts a core context into a chat completion request.
func (s *OpenAILLMService) buildRequest(llmContext core.LLMContext) (openai.ChatCompletionRequest, error) {
	messages, err := s.convertMessages(llmContext.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	if len(llmContext.Tools) > 0 {
		tools, err := s.convertTools(llmContext.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("failed to convert tools: %w", err)
		}
		req.Tools = tools
	}
	return req, nil
}

func (s *OpenAILLMService) runStreamingCompletion(
	ctx context.Context,
	client *openai.Client,
	req openai.ChatCompletionRequest,
	outChan chan<- string,
	toolInvocationChan chan<- core.LLMToolCall,
	FatalServiceErrorChan chan<- error,
) {
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		FatalServiceErrorChan <- fmt.Errorf("failed to create completion stream: %w", err)
		return
	}
	s.streams.add(stream)
	defer func() {
		s.streams.remove(stream)
		stream.Close()
	}()

	acc := toolCallAccumulator{}
	for {
		if ctxDone(ctx) {
			return
		}
		response, err := stream.Recv()
		if err != nil {
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case <-ctx.Done():
				return
			case outChan <- choice.Delta.Content:
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			acc.absorb(delta)
		}

		if choice.FinishReason == "tool_calls" {
			for _, call := range acc.drain() {
				select {
				case <-ctx.Done():
					return
				case toolInvocationChan <- s.convertToolCall(call):
				}
			}
		}
	}
}

func (s *OpenAILLMService) runNonStreamingCompletion(
	ctx context.Context,
	client *openai.Client,
	req openai.ChatCompletionRequest,
	outChan chan<- string,
	toolInvocationChan chan<- core.LLMToolCall,
	FatalServiceErrorChan chan<- error,
) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		FatalServiceErrorChan <- fmt.Errorf("failed to create completion: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		select {
		case <-ctx.Done():
			return
		case outChan <- choice.Message.Content:
		}
	}
	for _, toolCall := range choice.Message.ToolCalls {
		select {
		case <-ctx.Done():
			return
		case toolInvocationChan <- s.convertToolCall(toolCall):
		}
	}
}

// toolCallAccumulator reassembles tool calls that the API streams as
// per-index fragments of id, name and argument text.
type toolCallAccumulator struct {
	byIndex map[int]*openai.ToolCall
}

func (a *toolCallAccumulator) absorb(delta openai.ToolCall) {
	if delta.Index == nil {
		return
	}
	if a.byIndex == nil {
		a.byIndex = map[int]*openai.ToolCall{}
	}
	idx := *delta.Index
	call, ok := a.byIndex[idx]
	if !ok {
		call = &openai.ToolCall{Index: delta.Index, Type: delta.Type}
		a.byIndex[idx] = call
	}
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Function.Name != "" {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
}

// drain returns the completed calls and resets the accumulator.
func (a *toolCallAccumulator) drain() []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(a.byIndex))
	for _, call := range a.byIndex {
		if call.Function.Name != "" {
			out = append(out, *call)
		}
	}
	a.byIndex = nil
	return out
}

// convertMessages converts core messages to the OpenAI wire shape.
func (s *OpenAILLMService) convertMessages(messages []core.LLMMessage) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:    s.convertRole(msg.Role),
			Content: msg.Message,
		}

		// Tool-result messages reference the invocation they answer.
		if msg.ToolCallID != "" {
			converted.ToolCallID = msg.ToolCallID
		}

		// Assistant messages that requested tool invocations carry them back
		// so the provider accepts the subsequent tool-role messages.
		if len(msg.ToolCalls) > 0 {
			calls, err := s.convertMessageToolCalls(msg.ToolCalls)
			if err != nil {
				return nil, err
			}
			converted.ToolCalls = calls
		}

		if msg.Media != nil && len(*msg.Media) > 0 {
			parts := []openai.ChatMessagePart{{
				Type: openai.ChatMessagePartTypeText,
				Text: msg.Message,
			}}
			for _, media := range *msg.Media {
				mediaURL, err := s.convertMediaToURL(media)
				if err != nil {
					return nil, err
				}
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: mediaURL},
				})
			}
			converted.MultiContent = parts
			converted.Content = "" // Content and MultiContent are mutually exclusive.
		}

		out = append(out, converted)
	}
	return out, nil
}

// convertMessageToolCalls converts recorded tool invocations back to the wire shape.
func (s *OpenAILLMService) convertMessageToolCalls(calls []core.LLMToolCall) ([]openai.ToolCall, error) {
	out := make([]openai.ToolCall, 0, len(calls))
	for _, call := range calls {
		arguments := "{}"
		if call.Parameters != nil {
			raw, err := sonic.Marshal(*call.Parameters)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool call parameters: %w", err)
			}
			arguments = string(raw)
		}
		out = append(out, openai.ToolCall{
			ID:   call.CallID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.ToolId,
				Arguments: arguments,
			},
		})
	}
	return out, nil
}

// convertTools renders core tool definitions as JSON-schema function tools.
func (s *OpenAILLMService) convertTools(tools []core.LLMTool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		properties := map[string]interface{}{}
		required := make([]string, 0)
		for _, param := range tool.Parameters {
			prop := map[string]interface{}{
				"type":        s.convertParameterType(param.Type),
				"description": param.Description,
			}
			if param.Example != "" {
				prop["example"] = param.Example
			}
			properties[param.Name] = prop
			if param.Required {
				required = append(required, param.Name)
			}
		}

		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		schemaJSON, err := sonic.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal parameters: %w", err)
		}

		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.ToolId,
				Description: tool.Description,
				// RawMessage so the schema is embedded as an object, not a
				// base64 string, when the client marshals the request.
				Parameters: json.RawMessage(schemaJSON),
			},
		})
	}
	return out, nil
}

func (s *OpenAILLMService) convertRole(role core.LLMMessageRole) string {
	switch role {
	case core.LLMMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.LLMMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.LLMMessageRoleTool:
		return openai.ChatMessageRoleTool
	case core.LLMMessageRoleUser:
		return openai.ChatMessageRoleUser
	default:
		return openai.ChatMessageRoleUser
	}
}

func (s *OpenAILLMService) convertParameterType(paramType core.LLMParamterType) string {
	switch paramType {
	case core.LLMParameterTypeInteger:
		return "integer"
	case core.LLMParameterTypeBoolean:
		return "boolean"
	case core.LLMParameterTypeObject:
		return "object"
	case core.LLMParameterTypeString:
		return "string"
	default:
		return "string"
	}
}

// convertToolCall converts an OpenAI tool call to the core shape. Arguments
// that fail to parse are kept verbatim under "raw_arguments".
func (s *OpenAILLMService) convertToolCall(toolCall openai.ToolCall) core.LLMToolCall {
	var parameters map[string]interface{}
	if toolCall.Function.Arguments != "" {
		if err := sonic.Unmarshal([]byte(toolCall.Function.Arguments), &parameters); err != nil {
			parameters = map[string]interface{}{
				"raw_arguments": toolCall.Function.Arguments,
			}
		}
	}
	return core.LLMToolCall{
		CallID:     toolCall.ID,
		ToolId:     toolCall.Function.Name,
		Parameters: &parameters,
	}
}

func (s *OpenAILLMService) convertMediaToURL(media core.LLMMedia) (string, error) {
	return fmt.Sprintf("data:%s;base64,%s", s.convertMediaType(media.MediaType), media.Data), nil
}

func (s *OpenAILLMService) convertMediaType(mediaType core.LLMMediaType) string {
	switch mediaType {
	case core.LLMMediaTypeImagePNG:
		return "image/png"
	case core.LLMMediaTypeImageJPEG:
		return "image/jpeg"
	case core.LLMMediaTypeAudioMP3:
		return "audio/mpeg"
	case core.LLMMediaTypeAudioWAV:
		return "audio/wav"
	case core.LLMMediaTypeAudioPCM:
		return "audio/pcm"
	case core.LLMMediaTypeVideoMP4:
		return "video/mp4"
	case core.LLMMediaTypeVideoWebM:
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
