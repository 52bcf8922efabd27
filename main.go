package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"spritebot/controlplane"
	"spritebot/core"
	"spritebot/factories"

	ttsevents "spritebot/events/tts"
	activitycontrol "spritebot/handlers/activity_control"
	"spritebot/handlers/transport"
	"spritebot/handlers/vad"

	silerovad "spritebot/vad/silero"

	"github.com/joho/godotenv"
)

// chatbotPrompt seeds the demo persona. The context manager appends its own
// spoken-style instructions on top.
const chatbotPrompt = "You are Chatbot, a friendly, helpful robot. Your goal is to " +
	"demonstrate your capabilities in a succinct way. Your output will be converted " +
	"to audio so don't include special characters in your answers. Respond to what " +
	"the user said in a creative and helpful way, but keep your responses brief. " +
	"Start by introducing yourself."

func main() {
	var connectURL string
	flag.StringVar(&connectURL, "connect", "", "WebSocket URL of UI control plane (e.g. ws://ui:8888/ws/agent)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if connectURL != "" {
		runConnectedMode(ctx, cancel, connectURL)
	} else {
		// Standalone mode: everything comes from local files and env vars.
		if err := godotenv.Load(".env.local"); err != nil {
			core.GetLogger().With(map[string]any{"error": err}).Warn("No .env.local file found or failed to load")
		}
		settings, apiKeys := loadSettingsFromEnv()
		runWorkerMode(ctx, settings, apiKeys)
	}

	<-ctx.Done()
	core.GetLogger().Info("Shutting down...")
	time.Sleep(2 * time.Second)
}

// runConnectedMode registers the agent with the UI control plane and runs the
// worker under its supervision. Losing the control plane ends the process.
func runConnectedMode(ctx context.Context, cancel context.CancelFunc, connectURL string) {
	hostname, _ := os.Hostname()
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = hostname
	}

	// Every log line from this process carries the agent identity; session
	// loggers layer their own attrs on top.
	core.SetLogger(*core.GetLogger().With(map[string]any{"agent_id": agentID}))
	logger := core.GetLogger().With(map[string]any{"component": "connected"})

	client := controlplane.NewClient(controlplane.ClientConfig{
		ConnectURL: connectURL,
		AgentID:    agentID,
		Hostname:   hostname,
		Version:    "1.0.0",
		Logger:     logger,
	})

	client.OnShutdown = func(reason string) {
		logger.With(map[string]any{"reason": reason}).Info("shutdown requested by control plane")
		cancel()
	}
	client.OnConfigUpdate = func(settings json.RawMessage, keys map[string]string) {
		logger.Info("received config update from control plane (hot-reload not yet implemented)")
	}
	client.OnRestartPipeline = func() {
		logger.Info("pipeline restart requested by control plane (not yet implemented)")
	}

	if err := client.Connect(ctx); err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to connect to control plane")
		cancel()
		return
	}

	// Session logs stream to the UI in addition to the local disk copy, and
	// each session start and finish is reported as a status update.
	core.RegisterSessionLogSink(client.SessionSink())

	// The spawner passes settings through env vars at container creation.
	settings, apiKeys := loadSettingsFromEnv()
	runWorkerMode(ctx, settings, apiKeys)

	go func() {
		client.Wait()
		logger.Info("control plane connection lost, shutting down")
		cancel()
	}()
}

// loadSettingsFromEnv loads SettingsConfig from file or SETTINGS_JSON_B64 env var, and API keys from env vars.
func loadSettingsFromEnv() (factories.SettingsConfig, factories.APIKeys) {
	settingsPath := getEnv("SETTINGS_PATH", "./settings.json")
	settings, err := factories.SettingsConfigFromEnv(settingsPath)
	if err != nil {
		core.GetLogger().With(map[string]any{"path": settingsPath, "error": err}).Warn("failed to load settings, using defaults")
		settings = factories.DefaultSettingsConfig()
	}

	settings.Transport.InjectProviderKeys(factories.ProviderKeys{
		LiveKitURL:       os.Getenv("LIVEKIT_URL"),
		LiveKitAPIKey:    os.Getenv("LIVEKIT_API_KEY"),
		LiveKitAPISecret: os.Getenv("LIVEKIT_API_SECRET"),
		DailyAPIKey:      os.Getenv("DAILY_API_KEY"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
	})

	return settings, factories.APIKeys{
		Deepgram:   os.Getenv("DEEPGRAM_API_KEY"),
		OpenAI:     os.Getenv("OPENAI_API_KEY"),
		Together:   os.Getenv("TOGETHER_API_KEY"),
		Groq:       os.Getenv("GROQ_API_KEY"),
		DeepSeek:   os.Getenv("DEEPSEEK_API_KEY"),
		OpenRouter: os.Getenv("OPENROUTER_API_KEY"),
		Fireworks:  os.Getenv("FIREWORKS_API_KEY"),
		Cerebras:   os.Getenv("CEREBRAS_API_KEY"),
		XAI:        os.Getenv("XAI_API_KEY"),
		Mistral:    os.Getenv("MISTRAL_API_KEY"),
		Perplexity: os.Getenv("PERPLEXITY_API_KEY"),
		ElevenLabs: os.Getenv("ELEVENLABS_API_KEY"),
		Cartesia:   os.Getenv("CARTESIA_API_KEY"),
	}
}

// demoSessionConfig is the built-in robot demo used when settings.json names
// no session: Deepgram STT, GPT-4o, the stock ElevenLabs voice, and the
// sprite avatar.
func demoSessionConfig() factories.SessionConfig {
	cfg := factories.DefaultSessionConfig()

	cfg.STT.ServiceConfig = factories.DefaultSTTFactoryConfig()

	cfg.LLM.ServiceConfig = factories.DefaultLLMFactoryConfig()
	cfg.LLM.ServiceConfig.OpenAIConfig.Model = "gpt-4o"
	cfg.LLM.ServiceConfig.OpenAIConfig.Streaming = true

	cfg.TTS.ServiceConfig = factories.DefaultTTSFactoryConfig()
	cfg.TTS.ServiceConfig.ElevenLabsConfig.VoiceID = "TX3LPaxmHKxFdv7VOQHJ"

	demoContext := &core.LLMContext{}
	demoContext.AddSystemMessage(chatbotPrompt)
	cfg.Context.HandlerConfig.Context = demoContext
	cfg.Context.HandlerConfig.AddEndCallTool = true

	cfg.Avatar.Enabled = true
	cfg.Avatar.AssetsDir = getEnv("SPRITE_ASSETS_DIR", "assets")

	return cfg
}

// resolveSessionConfig picks the per-session configuration: a remote session
// API if one is configured, then the settings file, then the built-in demo.
func resolveSessionConfig(settings factories.SettingsConfig, logger *core.Logger) (factories.SessionConfig, error) {
	switch {
	case settings.SessionAPI != nil:
		cfg, err := settings.SessionAPI.Fetch()
		if err != nil {
			logger.With(map[string]any{"error": err}).Error("failed to fetch session config from API, ending session")
			return factories.SessionConfig{}, fmt.Errorf("session api fetch failed: %w", err)
		}
		return cfg, nil
	case settings.Session != nil:
		return *settings.Session, nil
	default:
		return demoSessionConfig(), nil
	}
}

// buildVADHandler wires the Silero voice activity detector, which lives
// outside SessionConfig because every session gets the same one.
func buildVADHandler(logger *core.Logger) (core.IHandler, error) {
	cfg := silerovad.DefaultConfig()
	cfg.OnnxPath = getEnv("SILERO_MODEL_PATH", cfg.OnnxPath)
	cfg.OnnxRuntimePath = getEnv("ONNX_RUNTIME_PATH", cfg.OnnxRuntimePath)
	svc, err := silerovad.NewSileroVadService(cfg, logger)
	if err != nil {
		return nil, err
	}
	return vad.NewVADHandler(svc, vad.DefaultConfig(), logger), nil
}

// runWorkerMode starts the agent using the configured TransportProvider pattern.
func runWorkerMode(ctx context.Context, settings factories.SettingsConfig, apiKeys factories.APIKeys) {
	logger := core.GetLogger().With(map[string]any{"component": "worker"})
	logger.Info("starting in worker mode")

	worker, err := settings.Transport.GetProvider(logger)
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to create worker")
		return
	}

	// External clients (the demo UI's sprite preview, debugging tools) attach
	// over a local WebSocket: speaking markers go out, speak and end-call
	// commands come in.
	external := core.NewExternalEventHandler(logger)
	external.RegisterInputEvent("tts.speak", func() core.IExternalInputEvent {
		return &ttsevents.TTSSpeakEvent{}
	})
	external.RegisterInputEvent("shared.end_call", func() core.IExternalInputEvent {
		return &core.EndCallEvent{}
	})
	external.Start(ctx)

	// Twilio carries μ-law 8 kHz; everything else takes the PCM default.
	transportCfg := transport.DefaultConfig()
	if settings.Transport.TwilioConfig != nil {
		transportCfg.OutAudioFormat = core.ULAW
		transportCfg.OutSampleRate = 8000
		transportCfg.OutChannels = 1
	}

	pipeline := factories.NewPipeline(func(svc transport.ITransportService, jobCtx context.Context) ([]core.IHandler, error) {
		sessionLogger := core.SessionLoggerFromContext(jobCtx)
		if sessionLogger == nil {
			sessionLogger = logger
		}

		transportWrapper := transport.NewTransportHandlerWrapper(svc, transportCfg, sessionLogger)

		vadHandler, err := buildVADHandler(sessionLogger)
		if err != nil {
			return nil, err
		}

		sessionCfg, err := resolveSessionConfig(settings, sessionLogger)
		if err != nil {
			return nil, err
		}
		sessionCfg.InjectAPIKeys(apiKeys)
		handlers, err := sessionCfg.BuildHandlers(sessionLogger)
		if err != nil {
			return nil, err
		}

		activityControlHandler := activitycontrol.NewActivityControlHandler(activitycontrol.DefaultConfig(), sessionLogger)

		// The assistant aggregator sits last so spoken-text chunks and the
		// speaking-ended marker reach it in wire order; its follow-up
		// generation requests travel back over the top of the pipeline.
		chain := []core.IHandler{
			transportWrapper.GetInputHandler(),
			vadHandler,
			handlers.STT,
			handlers.ContextManager.GetUserContextAggregator(),
			handlers.LLM,
			handlers.TTS,
			activityControlHandler,
		}
		if handlers.Animation != nil {
			chain = append(chain, handlers.Animation)
		}
		chain = append(chain,
			transportWrapper.GetOutputHandler(),
			handlers.ContextManager.GetAssistantContextAggregator(),
		)
		return chain, nil
	}, factories.PipelineConfig{
		Timeout: time.Duration(getEnvAsInt("WORKER_TIMEOUT_SECONDS", 3000)) * time.Second,
	}, logger).WithExternalEvents(external)

	pipeline.Serve(worker, ctx)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}
