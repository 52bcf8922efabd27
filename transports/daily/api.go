package daily

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBaseURL = "https://api.daily.co/v1"

// DailyAPIClient talks to Daily's REST API for room and token management.
type DailyAPIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewDailyAPIClient creates a new API client.
func NewDailyAPIClient(apiKey, baseURL string) *DailyAPIClient {
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &DailyAPIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RoomConfig is the request body for POST /rooms.
type RoomConfig struct {
	Name       string          `json:"name,omitempty"`
	Privacy    string          `json:"privacy,omitempty"`
	Properties *RoomProperties `json:"properties,omitempty"`
}

// RoomProperties configures room behaviour.
type RoomProperties struct {
	MaxParticipants int   `json:"max_participants,omitempty"`
	ExpiresAt       int64 `json:"exp,omitempty"`
	StartVideoOff   bool  `json:"start_video_off,omitempty"`
	StartAudioOff   bool  `json:"start_audio_off,omitempty"`
}

// Room is Daily's representation of a room. Note the properties come back
// under "config", not "properties".
type Room struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	APICreated bool            `json:"api_created"`
	Privacy    string          `json:"privacy"`
	Properties *RoomProperties `json:"config,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// MeetingTokenConfig is the request body for POST /meeting-tokens.
type MeetingTokenConfig struct {
	Properties *MeetingTokenProperties `json:"properties"`
}

// MeetingTokenProperties configures token permissions.
type MeetingTokenProperties struct {
	RoomName  string `json:"room_name"`
	UserName  string `json:"user_name,omitempty"`
	IsOwner   bool   `json:"is_owner,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// MeetingToken is the response from POST /meeting-tokens.
type MeetingToken struct {
	Token string `json:"token"`
}

// CreateRoom creates a new Daily room.
func (c *DailyAPIClient) CreateRoom(config RoomConfig) (*Room, error) {
	var room Room
	if err := c.call(http.MethodPost, "/rooms", "room", config, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateMeetingToken generates a meeting token for a room.
func (c *DailyAPIClient) CreateMeetingToken(config MeetingTokenConfig) (string, error) {
	var tok MeetingToken
	if err := c.call(http.MethodPost, "/meeting-tokens", "token", config, &tok); err != nil {
		return "", err
	}
	return tok.Token, nil
}

// GetRoom retrieves room details.
func (c *DailyAPIClient) GetRoom(roomName string) (*Room, error) {
	var room Room
	if err := c.call(http.MethodGet, "/rooms/"+roomName, "room", nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// DeleteRoom deletes a Daily room.
func (c *DailyAPIClient) DeleteRoom(roomName string) error {
	return c.call(http.MethodDelete, "/rooms/"+roomName, "room", nil, nil)
}

// call performs one API round trip. label names the resource in error
// messages; payload and out may each be nil.
func (c *DailyAPIClient) call(method, path, label string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s config: %w", label, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", label, err)
	}
	return nil
}
