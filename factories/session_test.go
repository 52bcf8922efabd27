package factories

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
	cartesia "spritebot/services/cartesia/tts"
	deepgramstt "spritebot/services/deepgram/stt"
	deepgramtts "spritebot/services/deepgram/tts"
	elevenlabs "spritebot/services/elevenlabs/tts"
	openaillm "spritebot/services/openai/llm"
	"spritebot/sprite"
)

func newTestLogger() *core.Logger {
	return core.NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

// writeAvatarFrames writes a complete numbered frame set so the sprite loader
// accepts the directory.
func writeAvatarFrames(t *testing.T, dir string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 12, G: 100, B: 200, A: 255})
		}
	}
	for i := 1; i <= sprite.FrameCount; i++ {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("robot%02d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	assert.Equal(t, 20, cfg.TTS.HandlerConfig.MinTextLength)
	assert.Equal(t, 800*time.Millisecond, cfg.TTS.HandlerConfig.SpeechIdleTimeout)
	assert.True(t, cfg.STT.HandlerConfig.SendSilenceAudio)
	assert.True(t, cfg.STT.HandlerConfig.FlushOnSpeechEnded)
	assert.True(t, cfg.LLM.HandlerConfig.AllowToolCalls)
	assert.False(t, cfg.LLM.HandlerConfig.GenerateFillers)
	assert.True(t, cfg.Context.ManagerConfig.HumanLikeSpeech)
	assert.False(t, cfg.Avatar.Enabled)
	assert.Equal(t, 12, cfg.Avatar.FrameRate)
}

func TestSessionConfigFromJSON(t *testing.T) {
	data := []byte(`{
		"tts": {
			"handler": {"min_text_length": 40, "speech_idle_timeout": 1200000000},
			"service": {"elevenlabs": {"voice_id": "custom-voice"}}
		},
		"llm": {
			"handler": {"generate_fillers": true},
			"service": {"openai": {"model": "gpt-4o-mini"}}
		},
		"avatar": {"enabled": true, "assets_dir": "frames", "frame_rate": 8}
	}`)

	cfg, err := SessionConfigFromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.TTS.HandlerConfig.MinTextLength)
	assert.Equal(t, 1200*time.Millisecond, cfg.TTS.HandlerConfig.SpeechIdleTimeout)
	require.NotNil(t, cfg.TTS.ServiceConfig.ElevenLabsConfig)
	assert.Equal(t, "custom-voice", cfg.TTS.ServiceConfig.ElevenLabsConfig.VoiceID)

	assert.True(t, cfg.LLM.HandlerConfig.GenerateFillers)
	require.NotNil(t, cfg.LLM.ServiceConfig.OpenAIConfig)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.ServiceConfig.OpenAIConfig.Model)

	assert.True(t, cfg.Avatar.Enabled)
	assert.Equal(t, "frames", cfg.Avatar.AssetsDir)
	assert.Equal(t, 8, cfg.Avatar.FrameRate)

	// Fields absent from the JSON keep their defaults.
	assert.True(t, cfg.LLM.HandlerConfig.AllowToolCalls)
	assert.True(t, cfg.STT.HandlerConfig.SendSilenceAudio)
	assert.Equal(t, 1024, cfg.Avatar.CameraWidth)
}

func TestSessionConfigFromJSONRejectsMalformed(t *testing.T) {
	_, err := SessionConfigFromJSON([]byte(`{"tts": [`))
	assert.Error(t, err)
}

func TestInjectAPIKeys(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.STT.ServiceConfig = STTFactoryConfig{DeepgramConfig: &deepgramstt.DeepgramConfig{}}
	cfg.STT.FallbackServiceConfigs = []STTFactoryConfig{
		{DeepgramConfig: &deepgramstt.DeepgramConfig{}},
	}
	cfg.LLM.ServiceConfig = LLMFactoryConfig{OpenAIConfig: &openaillm.Config{}}
	cfg.LLM.FallbackServiceConfigs = []LLMFactoryConfig{
		{GroqConfig: &openaillm.Config{}},
	}
	cfg.LLM.FillerServiceConfig = &LLMFactoryConfig{OpenAIConfig: &openaillm.Config{}}
	cfg.TTS.ServiceConfig = TTSFactoryConfig{ElevenLabsConfig: &elevenlabs.ElevenLabsTTSConfig{}}
	cfg.TTS.FallbackServiceConfigs = []TTSFactoryConfig{
		{CartesiaConfig: &cartesia.CartesiaTTSConfig{}},
		{DeepgramConfig: &deepgramtts.DepgramTTSConfig{APIKey: "from-config"}},
	}

	cfg.InjectAPIKeys(APIKeys{
		Deepgram:   "dg-key",
		OpenAI:     "oa-key",
		Groq:       "groq-key",
		ElevenLabs: "el-key",
		Cartesia:   "ct-key",
	})

	assert.Equal(t, "dg-key", cfg.STT.ServiceConfig.DeepgramConfig.APIKey)
	assert.Equal(t, "dg-key", cfg.STT.FallbackServiceConfigs[0].DeepgramConfig.APIKey)
	assert.Equal(t, "oa-key", cfg.LLM.ServiceConfig.OpenAIConfig.APIKey)
	assert.Equal(t, "groq-key", cfg.LLM.FallbackServiceConfigs[0].GroqConfig.APIKey)
	assert.Equal(t, "oa-key", cfg.LLM.FillerServiceConfig.OpenAIConfig.APIKey)
	assert.Equal(t, "el-key", cfg.TTS.ServiceConfig.ElevenLabsConfig.APIKey)
	assert.Equal(t, "ct-key", cfg.TTS.FallbackServiceConfigs[0].CartesiaConfig.APIKey)
	// A key already present in the config wins over the injected one.
	assert.Equal(t, "from-config", cfg.TTS.FallbackServiceConfigs[1].DeepgramConfig.APIKey)
}

func TestBuildHandlersConstructsFullSession(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.STT.ServiceConfig = STTFactoryConfig{DeepgramConfig: deepgramstt.DefaultConfig()}
	cfg.STT.FallbackServiceConfigs = []STTFactoryConfig{
		{DeepgramConfig: deepgramstt.DefaultConfig()},
	}
	cfg.LLM.ServiceConfig = LLMFactoryConfig{OpenAIConfig: &openaillm.Config{Model: "gpt-4o"}}
	cfg.LLM.FallbackServiceConfigs = []LLMFactoryConfig{
		{GroqConfig: &openaillm.Config{}},
	}
	cfg.LLM.FillerServiceConfig = &LLMFactoryConfig{OpenAIConfig: &openaillm.Config{Model: "gpt-4o-mini"}}
	cfg.TTS.ServiceConfig = TTSFactoryConfig{ElevenLabsConfig: &elevenlabs.ElevenLabsTTSConfig{}}
	cfg.TTS.FallbackServiceConfigs = []TTSFactoryConfig{
		{CartesiaConfig: &cartesia.CartesiaTTSConfig{}},
	}
	cfg.Context.HandlerConfig.AddKeepQuietTool = true
	cfg.Context.HandlerConfig.AddEndCallTool = true
	cfg.Context.HandlerConfig.Context = &core.LLMContext{
		Messages: []core.LLMMessage{
			{Role: core.LLMMessageRoleSystem, Message: "You are a helpful voice assistant."},
		},
		Tools: []core.LLMTool{
			{ToolId: "get_weather", Name: "get_weather", Description: "Current weather for a city."},
		},
	}

	handlers, err := cfg.BuildHandlers(newTestLogger())
	require.NoError(t, err)

	require.NotNil(t, handlers.TTS)
	assert.Len(t, handlers.TTS.BackupServices, 1)
	require.NotNil(t, handlers.STT)
	assert.Len(t, handlers.STT.BackupServices, 1)
	require.NotNil(t, handlers.LLM)
	assert.Len(t, handlers.LLM.BackupServices, 1)
	require.NotNil(t, handlers.ContextManager)
	assert.Nil(t, handlers.Animation)

	snapshot := handlers.ContextManager.SnapshotContext()
	require.NotEmpty(t, snapshot.Messages)
	assert.Contains(t, snapshot.Messages[0].Message, "You are a helpful voice assistant.")

	toolIds := make([]string, 0, len(snapshot.Tools))
	for _, tool := range snapshot.Tools {
		toolIds = append(toolIds, tool.ToolId)
	}
	assert.Contains(t, toolIds, "get_weather")
	assert.Contains(t, toolIds, "keep_quiet")
	assert.Contains(t, toolIds, "end_call")
	assert.Contains(t, toolIds, "continue_listening")

	result, ok := handlers.ContextManager.HandleToolCall(core.LLMToolCall{ToolId: "keep_quiet"})
	assert.True(t, ok)
	assert.Empty(t, result)

	result, ok = handlers.ContextManager.HandleToolCall(core.LLMToolCall{ToolId: "end_call"})
	assert.True(t, ok)
	assert.Empty(t, result)
}

func TestBuildHandlersReportsServiceConfigErrors(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.STT.ServiceConfig = STTFactoryConfig{DeepgramConfig: deepgramstt.DefaultConfig()}
	cfg.TTS.ServiceConfig = TTSFactoryConfig{ElevenLabsConfig: &elevenlabs.ElevenLabsTTSConfig{}}
	// LLM left without any provider selected.
	cfg.LLM.ServiceConfig = LLMFactoryConfig{}

	_, err := cfg.BuildHandlers(newTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider config specified")
}

func TestBuildAnimationHandler(t *testing.T) {
	t.Run("DisabledReturnsNil", func(t *testing.T) {
		handler, err := BuildAnimationHandler(AvatarConfig{Enabled: false}, newTestLogger())
		require.NoError(t, err)
		assert.Nil(t, handler)
	})

	t.Run("MissingAssetsDir", func(t *testing.T) {
		cfg := AvatarConfig{Enabled: true, AssetsDir: filepath.Join(t.TempDir(), "missing")}
		_, err := BuildAnimationHandler(cfg, newTestLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "avatar:")
	})

	t.Run("LoadsFrames", func(t *testing.T) {
		dir := t.TempDir()
		writeAvatarFrames(t, dir)

		handler, err := BuildAnimationHandler(AvatarConfig{Enabled: true, AssetsDir: dir, FrameRate: 8}, newTestLogger())
		require.NoError(t, err)
		assert.NotNil(t, handler)
	})
}
