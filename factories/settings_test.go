package factories

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportFactoryConfigFromJSONSelectsProvider(t *testing.T) {
	cfg, err := TransportFactoryConfigFromJSON([]byte(`{"twilio": {"port": 9000, "path": "/stream"}}`))
	require.NoError(t, err)

	require.NotNil(t, cfg.TwilioConfig)
	assert.Equal(t, 9000, cfg.TwilioConfig.Port)
	assert.Equal(t, "/stream", cfg.TwilioConfig.Path)
	assert.Nil(t, cfg.DailyConfig)
	assert.Nil(t, cfg.LiveKitConfig)
	assert.Nil(t, cfg.WebSocketConfig)
}

func TestTransportFactoryConfigFromJSONDefaultsToDaily(t *testing.T) {
	cfg, err := TransportFactoryConfigFromJSON([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, cfg.DailyConfig)
}

func TestTransportFactoryConfigFromJSONRejectsMultipleProviders(t *testing.T) {
	_, err := TransportFactoryConfigFromJSON([]byte(`{"daily": {}, "twilio": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one provider")
}

func TestTransportFactoryConfigFromJSONRejectsMalformedJSON(t *testing.T) {
	_, err := TransportFactoryConfigFromJSON([]byte(`{"daily":`))
	assert.Error(t, err)
}

func TestTransportFactoryConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transport.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"websocket": {"port": 9191}}`), 0o644))

	cfg, err := TransportFactoryConfigFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.WebSocketConfig)
	assert.Equal(t, 9191, cfg.WebSocketConfig.Port)
}

func TestTransportFactoryConfigFromFileMissing(t *testing.T) {
	_, err := TransportFactoryConfigFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestInjectProviderKeys(t *testing.T) {
	keys := ProviderKeys{
		LiveKitURL:       "wss://agents.example.com",
		LiveKitAPIKey:    "lk-key",
		LiveKitAPISecret: "lk-secret",
		DailyAPIKey:      "daily-key",
		TwilioAuthToken:  "twilio-token",
	}

	t.Run("FillsEmptyFields", func(t *testing.T) {
		cfg := TransportFactoryConfig{LiveKitConfig: &LiveKitProviderConfig{}}
		cfg.InjectProviderKeys(keys)
		assert.Equal(t, "wss://agents.example.com", cfg.LiveKitConfig.URL)
		assert.Equal(t, "lk-key", cfg.LiveKitConfig.APIKey)
		assert.Equal(t, "lk-secret", cfg.LiveKitConfig.APISecret)
	})

	t.Run("PreservesConfiguredValues", func(t *testing.T) {
		cfg := TransportFactoryConfig{LiveKitConfig: &LiveKitProviderConfig{APIKey: "from-file"}}
		cfg.InjectProviderKeys(keys)
		assert.Equal(t, "from-file", cfg.LiveKitConfig.APIKey)
		assert.Equal(t, "lk-secret", cfg.LiveKitConfig.APISecret)
	})

	t.Run("Daily", func(t *testing.T) {
		cfg := TransportFactoryConfig{DailyConfig: &DailyProviderConfig{}}
		cfg.InjectProviderKeys(keys)
		assert.Equal(t, "daily-key", cfg.DailyConfig.APIKey)
	})

	t.Run("Twilio", func(t *testing.T) {
		cfg := TransportFactoryConfig{TwilioConfig: &TwilioProviderConfig{}}
		cfg.InjectProviderKeys(keys)
		assert.Equal(t, "twilio-token", cfg.TwilioConfig.AuthToken)
	})
}

func TestGetProviderByConfig(t *testing.T) {
	logger := newTestLogger()

	t.Run("Twilio", func(t *testing.T) {
		cfg := TransportFactoryConfig{TwilioConfig: &TwilioProviderConfig{Port: 9000}}
		provider, err := cfg.GetProvider(logger)
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("WebSocket", func(t *testing.T) {
		cfg := TransportFactoryConfig{WebSocketConfig: &WebSocketProviderConfig{Port: 9191}}
		provider, err := cfg.GetProvider(logger)
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("DailyRequiresAPIKey", func(t *testing.T) {
		cfg := TransportFactoryConfig{DailyConfig: &DailyProviderConfig{}}
		_, err := cfg.GetProvider(logger)
		assert.Error(t, err)
	})

	t.Run("Daily", func(t *testing.T) {
		cfg := TransportFactoryConfig{DailyConfig: &DailyProviderConfig{APIKey: "daily-key"}}
		provider, err := cfg.GetProvider(logger)
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("LiveKitRequiresCredentials", func(t *testing.T) {
		cfg := TransportFactoryConfig{LiveKitConfig: &LiveKitProviderConfig{URL: "wss://agents.example.com"}}
		_, err := cfg.GetProvider(logger)
		assert.Error(t, err)
	})

	t.Run("LiveKit", func(t *testing.T) {
		cfg := TransportFactoryConfig{LiveKitConfig: &LiveKitProviderConfig{
			URL:       "wss://agents.example.com",
			APIKey:    "lk-key",
			APISecret: "lk-secret",
		}}
		provider, err := cfg.GetProvider(logger)
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("NothingConfigured", func(t *testing.T) {
		_, err := TransportFactoryConfig{}.GetProvider(logger)
		assert.Error(t, err)
	})
}

func TestSettingsConfigFromJSON(t *testing.T) {
	data := []byte(`{
		"transport": {"websocket": {"port": 9191}},
		"session_api": {"url": "https://config.example.com/session", "headers": {"X-Token": "abc"}},
		"session_config": {"llm": {"handler": {"generate_fillers": true}}}
	}`)

	cfg, err := SettingsConfigFromJSON(data)
	require.NoError(t, err)

	require.NotNil(t, cfg.Transport.WebSocketConfig)
	assert.Equal(t, 9191, cfg.Transport.WebSocketConfig.Port)

	require.NotNil(t, cfg.SessionAPI)
	assert.Equal(t, "https://config.example.com/session", cfg.SessionAPI.URL)
	assert.Equal(t, "abc", cfg.SessionAPI.Headers["X-Token"])

	require.NotNil(t, cfg.Session)
	assert.True(t, cfg.Session.LLM.HandlerConfig.GenerateFillers)
	// Fields absent from the inline session JSON keep their defaults.
	assert.True(t, cfg.Session.LLM.HandlerConfig.AllowToolCalls)
	assert.True(t, cfg.Session.STT.HandlerConfig.SendSilenceAudio)
}

func TestSettingsConfigFromJSONDefaultsTransport(t *testing.T) {
	cfg, err := SettingsConfigFromJSON([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Transport.DailyConfig)
	assert.Nil(t, cfg.SessionAPI)
	assert.Nil(t, cfg.Session)
}

func TestSettingsConfigFromEnv(t *testing.T) {
	settings := `{"transport": {"twilio": {"port": 9000}}}`

	t.Run("ReadsBase64Variable", func(t *testing.T) {
		t.Setenv("SETTINGS_JSON_B64", base64.StdEncoding.EncodeToString([]byte(settings)))
		cfg, err := SettingsConfigFromEnv("does-not-exist.json")
		require.NoError(t, err)
		require.NotNil(t, cfg.Transport.TwilioConfig)
		assert.Equal(t, 9000, cfg.Transport.TwilioConfig.Port)
	})

	t.Run("RejectsInvalidBase64", func(t *testing.T) {
		t.Setenv("SETTINGS_JSON_B64", "%%% not base64 %%%")
		_, err := SettingsConfigFromEnv("does-not-exist.json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SETTINGS_JSON_B64")
	})

	t.Run("FallsBackToFile", func(t *testing.T) {
		t.Setenv("SETTINGS_JSON_B64", "")
		path := filepath.Join(t.TempDir(), "settings.json")
		require.NoError(t, os.WriteFile(path, []byte(settings), 0o644))

		cfg, err := SettingsConfigFromEnv(path)
		require.NoError(t, err)
		require.NotNil(t, cfg.Transport.TwilioConfig)
		assert.Equal(t, 9000, cfg.Transport.TwilioConfig.Port)
	})
}

func TestSessionAPIConfigFetch(t *testing.T) {
	type captured struct {
		method      string
		contentType string
		token       string
		body        []byte
	}

	requests := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			token:       r.Header.Get("X-Token"),
			body:        body,
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"llm": {"handler": {"generate_fillers": true}}}`))
	}))
	t.Cleanup(srv.Close)

	t.Run("DefaultsToGet", func(t *testing.T) {
		api := &SessionAPIConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}
		cfg, err := api.Fetch()
		require.NoError(t, err)

		got := <-requests
		assert.Equal(t, http.MethodGet, got.method)
		assert.Equal(t, "abc", got.token)
		assert.True(t, cfg.LLM.HandlerConfig.GenerateFillers)
		assert.True(t, cfg.LLM.HandlerConfig.AllowToolCalls)
	})

	t.Run("PostsWhenBodySet", func(t *testing.T) {
		api := &SessionAPIConfig{URL: srv.URL, Body: json.RawMessage(`{"call_id": "abc123"}`)}
		_, err := api.Fetch()
		require.NoError(t, err)

		got := <-requests
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "application/json", got.contentType)
		assert.JSONEq(t, `{"call_id": "abc123"}`, string(got.body))
	})

	t.Run("RejectsErrorStatus", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(failing.Close)

		api := &SessionAPIConfig{URL: failing.URL}
		_, err := api.Fetch()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 502")
	})
}
