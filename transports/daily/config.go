package daily

// Config holds configuration for the Daily.co transport. The zero values are
// not usable on their own; start from DefaultConfig and override.
type Config struct {
	// REST API credentials and endpoint.
	APIKey     string `json:"api_key,omitempty"`
	APIBaseURL string `json:"api_base_url,omitempty"`

	// Room provisioning. An empty RoomName means a fresh room per session.
	RoomName        string `json:"room_name,omitempty"`
	RoomURLPrefix   string `json:"room_url_prefix,omitempty"`
	ExpirySeconds   int    `json:"expiry_seconds,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`

	// Relay server listen settings.
	Port            int    `json:"port,omitempty"`
	Path            string `json:"path,omitempty"`
	ReadBufferSize  int    `json:"read_buffer_size,omitempty"`
	WriteBufferSize int    `json:"write_buffer_size,omitempty"`
	MaxMessageSize  int64  `json:"max_message_size,omitempty"`

	// Assumed format of inbound audio when the relay omits it.
	AudioSampleRate int `json:"audio_sample_rate,omitempty"`
	AudioChannels   int `json:"audio_channels,omitempty"`

	// Avatar camera track geometry and playback rate.
	CameraWidth     int `json:"camera_width,omitempty"`
	CameraHeight    int `json:"camera_height,omitempty"`
	CameraFrameRate int `json:"camera_frame_rate,omitempty"`

	EnableTLS   bool   `json:"enable_tls,omitempty"`
	TLSCertFile string `json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `json:"tls_key_file,omitempty"`

	// Identity of the bot participant in the Daily room.
	BotName string `json:"bot_name,omitempty"`
	IsOwner bool   `json:"is_owner,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:      defaultAPIBaseURL,
		ExpirySeconds:   3600,
		MaxParticipants: 2,
		Port:            8090,
		Path:            "/daily-media",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  65536,
		AudioSampleRate: 24000,
		AudioChannels:   1,
		CameraWidth:     1024,
		CameraHeight:    576,
		CameraFrameRate: 12,
		BotName:         "ai-agent",
	}
}
