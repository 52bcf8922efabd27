package twilio

// Config holds the settings for the Twilio media-stream WebSocket server.
type Config struct {
	// Listen address and endpoint path for inbound media streams.
	Port int    `yaml:"port" json:"port" default:"8080"`
	Path string `yaml:"path" json:"path" default:"/media-stream"`

	// Webhook validation. AuthToken is the Twilio account auth token.
	EnableAuth bool   `yaml:"enable_auth" json:"enable_auth" default:"false"`
	AuthToken  string `yaml:"auth_token" json:"auth_token"`

	// WebSocket buffer sizes and message cap, in bytes.
	ReadBufferSize  int   `yaml:"read_buffer_size" json:"read_buffer_size" default:"4096"`
	WriteBufferSize int   `yaml:"write_buffer_size" json:"write_buffer_size" default:"4096"`
	MaxMessageSize  int64 `yaml:"max_message_size" json:"max_message_size" default:"65536"`

	// Twilio media streams carry 8 kHz audio.
	AudioSampleRate int `yaml:"audio_sample_rate" json:"audio_sample_rate" default:"8000"`

	EnableTLS   bool   `yaml:"enable_tls" json:"enable_tls" default:"false"`
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Path:            "/media-stream",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  65536,
		AudioSampleRate: 8000,
	}
}
