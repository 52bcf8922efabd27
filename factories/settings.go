package factories

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// SessionAPIConfig describes an HTTP endpoint that serves SessionConfig JSON.
// The endpoint is hit once per job, so each call can get its own config.
type SessionAPIConfig struct {
	URL string `json:"url"`
	// Method defaults to POST when Body is set, GET otherwise.
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is an optional JSON body to send with the request.
	Body json.RawMessage `json:"body,omitempty"`
}

var sessionAPIClient = &http.Client{Timeout: 10 * time.Second}

// Fetch calls the configured endpoint and parses the response as a SessionConfig.
func (c *SessionAPIConfig) Fetch() (SessionConfig, error) {
	method := c.Method
	if method == "" {
		method = http.MethodGet
		if len(c.Body) > 0 {
			method = http.MethodPost
		}
	}

	req, err := http.NewRequest(method, c.URL, bytes.NewReader(c.Body))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: %w", err)
	}
	if len(c.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := sessionAPIClient.Do(req)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionConfig{}, fmt.Errorf("session api: unexpected status %d from %s", resp.StatusCode, c.URL)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: read response: %w", err)
	}
	return SessionConfigFromJSON(payload)
}

// SettingsConfig is the top-level config loaded from settings.json. It pairs
// the transport provider selection with either an inline SessionConfig or an
// API endpoint that serves one per job.
type SettingsConfig struct {
	Transport  TransportFactoryConfig `json:"transport"`
	SessionAPI *SessionAPIConfig      `json:"session_api,omitempty"`
	Session    *SessionConfig         `json:"session_config,omitempty"`
}

// DefaultSettingsConfig returns a SettingsConfig pre-filled with provider defaults.
func DefaultSettingsConfig() SettingsConfig {
	return SettingsConfig{
		Transport: DefaultTransportFactoryConfig(),
	}
}

// SettingsConfigFromJSON parses a JSON blob into a SettingsConfig. The
// transport and session sections keep their raw form here so their own
// FromJSON parsers can detect the configured provider from the keys present.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	var raw struct {
		Transport     json.RawMessage   `json:"transport,omitempty"`
		SessionAPI    *SessionAPIConfig `json:"session_api,omitempty"`
		SessionConfig json.RawMessage   `json:"session_config,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}

	cfg := SettingsConfig{SessionAPI: raw.SessionAPI}

	if len(raw.SessionConfig) > 0 {
		sc, err := SessionConfigFromJSON(raw.SessionConfig)
		if err != nil {
			return SettingsConfig{}, fmt.Errorf("settings: %w", err)
		}
		cfg.Session = &sc
	}

	cfg.Transport = DefaultTransportFactoryConfig()
	if len(raw.Transport) > 0 {
		transport, err := TransportFactoryConfigFromJSON(raw.Transport)
		if err != nil {
			return SettingsConfig{}, fmt.Errorf("settings: %w", err)
		}
		cfg.Transport = transport
	}

	return cfg, nil
}

// SettingsConfigFromFile reads and parses a SettingsConfig from a JSON file.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	return SettingsConfigFromJSON(data)
}

// SettingsConfigFromEnv loads settings from the SETTINGS_JSON_B64 environment
// variable (base64-encoded JSON, handy for container deployments) and falls
// back to the given file path when the variable is unset.
func SettingsConfigFromEnv(fallbackPath string) (SettingsConfig, error) {
	if encoded := os.Getenv("SETTINGS_JSON_B64"); encoded != "" {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return DefaultSettingsConfig(), fmt.Errorf("settings: decode SETTINGS_JSON_B64: %w", err)
		}
		return SettingsConfigFromJSON(data)
	}
	return SettingsConfigFromFile(fallbackPath)
}
