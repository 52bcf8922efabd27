package factories

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"spritebot/core"
	"spritebot/handlers/transport"
	"spritebot/transports/daily"
	"spritebot/transports/livekit"
	"spritebot/transports/twilio"
	"spritebot/transports/websocket"
)

// LiveKitProviderConfig holds JSON-serialisable settings for a LiveKit transport provider.
// Secrets (URL, APIKey, APISecret) can be omitted and injected via InjectProviderKeys.
type LiveKitProviderConfig struct {
	URL                 string `json:"url,omitempty"`
	APIKey              string `json:"api_key,omitempty"`
	APISecret           string `json:"api_secret,omitempty"`
	AgentName           string `json:"agent_name,omitempty"`
	Version             string `json:"version,omitempty"`
	MaxJobs             uint32 `json:"max_jobs,omitempty"`
	DevMode             bool   `json:"dev_mode"`
	HTTPPort            int    `json:"http_port,omitempty"`
	DrainTimeoutSeconds int    `json:"drain_timeout_seconds,omitempty"`
}

// DailyProviderConfig holds JSON-serialisable settings for a Daily.co transport provider.
// Secrets (APIKey) can be omitted and injected via InjectProviderKeys.
type DailyProviderConfig struct {
	APIKey          string `json:"api_key,omitempty"`
	APIBaseURL      string `json:"api_base_url,omitempty"`
	RoomName        string `json:"room_name,omitempty"`
	RoomURLPrefix   string `json:"room_url_prefix,omitempty"`
	ExpirySeconds   int    `json:"expiry_seconds,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
	Port            int    `json:"port,omitempty"`
	Path            string `json:"path,omitempty"`
	AudioSampleRate int    `json:"audio_sample_rate,omitempty"`
	AudioChannels   int    `json:"audio_channels,omitempty"`
	CameraWidth     int    `json:"camera_width,omitempty"`
	CameraHeight    int    `json:"camera_height,omitempty"`
	CameraFrameRate int    `json:"camera_frame_rate,omitempty"`
	BotName         string `json:"bot_name,omitempty"`
	IsOwner         bool   `json:"is_owner,omitempty"`
}

// TwilioProviderConfig holds JSON-serialisable settings for a Twilio media-stream provider.
type TwilioProviderConfig struct {
	Port        int    `json:"port,omitempty"`
	Path        string `json:"path,omitempty"`
	EnableAuth  bool   `json:"enable_auth,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	EnableTLS   bool   `json:"enable_tls,omitempty"`
	TLSCertFile string `json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `json:"tls_key_file,omitempty"`
}

// WebSocketProviderConfig holds JSON-serialisable settings for the plain
// WebSocket relay used in local development.
type WebSocketProviderConfig struct {
	Port         int    `json:"port,omitempty"`
	Path         string `json:"path,omitempty"`
	InSampleRate int    `json:"in_sample_rate,omitempty"`
	InChannels   int    `json:"in_channels,omitempty"`
}

// TransportFactoryConfig selects and configures a transport provider.
// Set exactly one provider field.
type TransportFactoryConfig struct {
	LiveKitConfig   *LiveKitProviderConfig   `json:"livekit,omitempty"`
	DailyConfig     *DailyProviderConfig     `json:"daily,omitempty"`
	TwilioConfig    *TwilioProviderConfig    `json:"twilio,omitempty"`
	WebSocketConfig *WebSocketProviderConfig `json:"websocket,omitempty"`
}

// ProviderKeys holds credentials for transport providers.
// Pass to TransportFactoryConfig.InjectProviderKeys after loading from JSON
// so that secrets are not stored in config files.
type ProviderKeys struct {
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	DailyAPIKey      string
	TwilioAuthToken  string
}

// DefaultTransportFactoryConfig returns a TransportFactoryConfig pre-filled with
// Daily provider defaults. Populate credential fields before calling GetProvider.
func DefaultTransportFactoryConfig() TransportFactoryConfig {
	return TransportFactoryConfig{
		DailyConfig: &DailyProviderConfig{},
	}
}

// TransportFactoryConfigFromJSON parses a JSON blob into a TransportFactoryConfig.
// The JSON names exactly one provider key; only that provider's config is
// populated, so GetProvider selects the correct one.
func TransportFactoryConfigFromJSON(data []byte) (TransportFactoryConfig, error) {
	var cfg TransportFactoryConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return TransportFactoryConfig{}, fmt.Errorf("transport factory config: %w", err)
	}

	set := 0
	for _, present := range []bool{
		cfg.LiveKitConfig != nil,
		cfg.DailyConfig != nil,
		cfg.TwilioConfig != nil,
		cfg.WebSocketConfig != nil,
	} {
		if present {
			set++
		}
	}
	switch {
	case set == 0:
		return DefaultTransportFactoryConfig(), nil
	case set > 1:
		return TransportFactoryConfig{}, errors.New("transport factory config: set exactly one provider")
	}
	return cfg, nil
}

// TransportFactoryConfigFromFile reads and parses a TransportFactoryConfig from a JSON file.
// Returns an error (and the defaults) if the file cannot be read or parsed.
func TransportFactoryConfigFromFile(path string) (TransportFactoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultTransportFactoryConfig(), fmt.Errorf("transport factory config: read %q: %w", path, err)
	}
	return TransportFactoryConfigFromJSON(data)
}

// setNonZero writes src over dst unless src is the zero value. Used to layer
// user overrides on top of provider defaults.
func setNonZero[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

// InjectProviderKeys applies credentials to the config only when the existing value is empty,
// so keys already set in the config file are preserved.
func (c *TransportFactoryConfig) InjectProviderKeys(keys ProviderKeys) {
	if lk := c.LiveKitConfig; lk != nil {
		if lk.URL == "" {
			lk.URL = keys.LiveKitURL
		}
		if lk.APIKey == "" {
			lk.APIKey = keys.LiveKitAPIKey
		}
		if lk.APISecret == "" {
			lk.APISecret = keys.LiveKitAPISecret
		}
	}
	if dc := c.DailyConfig; dc != nil && dc.APIKey == "" {
		dc.APIKey = keys.DailyAPIKey
	}
	if tc := c.TwilioConfig; tc != nil && tc.AuthToken == "" {
		tc.AuthToken = keys.TwilioAuthToken
	}
}

// GetProvider constructs the transport provider selected by this config.
func (c TransportFactoryConfig) GetProvider(logger *core.Logger) (transport.ITransportProvider, error) {
	switch {
	case c.LiveKitConfig != nil:
		return c.buildLiveKitProvider(logger)
	case c.DailyConfig != nil:
		return c.buildDailyProvider(logger)
	case c.TwilioConfig != nil:
		return c.buildTwilioProvider(logger)
	case c.WebSocketConfig != nil:
		return c.buildWebSocketProvider(logger)
	}
	return nil, errors.New("TransportFactoryConfig: no provider config specified")
}

func (c TransportFactoryConfig) buildLiveKitProvider(logger *core.Logger) (*livekit.Provider, error) {
	lk := c.LiveKitConfig
	if lk == nil {
		return nil, errors.New("TransportFactoryConfig: no provider config specified")
	}
	cfg := livekit.DefaultConfig()
	setNonZero(&cfg.URL, lk.URL)
	setNonZero(&cfg.APIKey, lk.APIKey)
	setNonZero(&cfg.APISecret, lk.APISecret)
	setNonZero(&cfg.AgentName, lk.AgentName)
	setNonZero(&cfg.Version, lk.Version)
	setNonZero(&cfg.MaxJobs, lk.MaxJobs)
	setNonZero(&cfg.DevMode, lk.DevMode)
	setNonZero(&cfg.HTTPPort, lk.HTTPPort)
	if lk.DrainTimeoutSeconds != 0 {
		cfg.DrainTimeout = time.Duration(lk.DrainTimeoutSeconds) * time.Second
	}
	cfg.Logger = logger
	return livekit.NewProvider(cfg)
}

func (c TransportFactoryConfig) buildDailyProvider(logger *core.Logger) (*daily.DailyTransportProvider, error) {
	dc := c.DailyConfig
	if dc == nil {
		return nil, errors.New("TransportFactoryConfig: no Daily config specified")
	}
	cfg := daily.DefaultConfig()
	setNonZero(&cfg.APIKey, dc.APIKey)
	setNonZero(&cfg.APIBaseURL, dc.APIBaseURL)
	setNonZero(&cfg.RoomName, dc.RoomName)
	setNonZero(&cfg.RoomURLPrefix, dc.RoomURLPrefix)
	setNonZero(&cfg.ExpirySeconds, dc.ExpirySeconds)
	setNonZero(&cfg.MaxParticipants, dc.MaxParticipants)
	setNonZero(&cfg.Port, dc.Port)
	setNonZero(&cfg.Path, dc.Path)
	setNonZero(&cfg.AudioSampleRate, dc.AudioSampleRate)
	setNonZero(&cfg.AudioChannels, dc.AudioChannels)
	setNonZero(&cfg.CameraWidth, dc.CameraWidth)
	setNonZero(&cfg.CameraHeight, dc.CameraHeight)
	setNonZero(&cfg.CameraFrameRate, dc.CameraFrameRate)
	setNonZero(&cfg.BotName, dc.BotName)
	setNonZero(&cfg.IsOwner, dc.IsOwner)
	return daily.NewDailyTransportProvider(cfg, logger)
}

func (c TransportFactoryConfig) buildTwilioProvider(logger *core.Logger) (*twilio.TwilioTransportProvider, error) {
	tc := c.TwilioConfig
	if tc == nil {
		return nil, errors.New("TransportFactoryConfig: no Twilio config specified")
	}
	cfg := twilio.DefaultConfig()
	setNonZero(&cfg.Port, tc.Port)
	setNonZero(&cfg.Path, tc.Path)
	setNonZero(&cfg.EnableAuth, tc.EnableAuth)
	setNonZero(&cfg.AuthToken, tc.AuthToken)
	setNonZero(&cfg.EnableTLS, tc.EnableTLS)
	setNonZero(&cfg.TLSCertFile, tc.TLSCertFile)
	setNonZero(&cfg.TLSKeyFile, tc.TLSKeyFile)
	return twilio.NewTwilioTransportProvider(cfg, logger), nil
}

func (c TransportFactoryConfig) buildWebSocketProvider(logger *core.Logger) (*websocket.WebSocketProvider, error) {
	wc := c.WebSocketConfig
	if wc == nil {
		return nil, errors.New("TransportFactoryConfig: no WebSocket config specified")
	}
	cfg := websocket.DefaultConfig()
	setNonZero(&cfg.Port, wc.Port)
	setNonZero(&cfg.Path, wc.Path)
	setNonZero(&cfg.InSampleRate, wc.InSampleRate)
	setNonZero(&cfg.InChannels, wc.InChannels)
	return websocket.NewWebSocketProvider(cfg, logger), nil
}
