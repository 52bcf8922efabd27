package daily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/handlers/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const serverShutdownTimeout = 5 * time.Second

// sessionDetails is the response body of the /daily-session endpoint. The
// browser bridge joins the room with user_token and relays media to ws_url.
type sessionDetails struct {
	RoomName  string `json:"room_name"`
	RoomURL   string `json:"room_url"`
	BotToken  string `json:"bot_token"`
	UserToken string `json:"user_token"`
	WsURL     string `json:"ws_url"`
}

// DailyTransportProvider serves the media relay endpoint for Daily.co
// sessions. Each accepted WebSocket becomes one pipeline job.
type DailyTransportProvider struct {
	config    *Config
	logger    *core.Logger
	apiClient *DailyAPIClient
	server    *http.Server
	upgrader  websocket.Upgrader

	mu         sync.RWMutex
	isRunning  bool
	jobHandler func(svc transport.ITransportService, ctx context.Context) error

	connectionsMu sync.RWMutex
	connections   map[string]*DailyTransportService
}

// NewDailyTransportProvider creates a new Daily transport provider.
func NewDailyTransportProvider(config *Config, logger *core.Logger) (*DailyTransportProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("Daily API key is required")
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	return &DailyTransportProvider{
		config:    config,
		logger:    logger.With(map[string]interface{}{"component": "daily-provider"}),
		apiClient: NewDailyAPIClient(config.APIKey, config.APIBaseURL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// The relay bridge runs on whatever origin hosts the demo UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*DailyTransportService),
	}, nil
}

// RegisterJobHandler implements transport.ITransportProvider.
func (p *DailyTransportProvider) RegisterJobHandler(
	handler func(svc transport.ITransportService, ctx context.Context) error,
) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	p.mu.Lock()
	p.jobHandler = handler
	p.mu.Unlock()

	p.logger.Info("job handler registered")
	return nil
}

// Start implements transport.ITransportProvider.
func (p *DailyTransportProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("provider already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(p.config.Path, p.handleWebSocket)
	mux.HandleFunc("/daily-session", p.handleCreateSession)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "provider": "daily"})
	})

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.Port),
		Handler: mux,
	}

	go p.serve()

	p.isRunning = true
	p.logger.With(map[string]interface{}{
		"port": p.config.Port,
		"path": p.config.Path,
	}).Info("Daily transport provider started")

	return nil
}

func (p *DailyTransportProvider) serve() {
	var err error
	if p.config.EnableTLS {
		err = p.server.ListenAndServeTLS(p.config.TLSCertFile, p.config.TLSKeyFile)
	} else {
		err = p.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		p.logger.With(map[string]interface{}{"error": err}).Error("server error")
	}
}

// Stop implements transport.ITransportProvider.
func (p *DailyTransportProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.connectionsMu.Lock()
	for _, svc := range p.connections {
		svc.Close()
	}
	p.connections = make(map[string]*DailyTransportService)
	p.connectionsMu.Unlock()

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down server: %w", err)
		}
	}

	p.isRunning = false
	p.logger.Info("Daily transport provider stopped")
	return nil
}

// handleCreateSession provisions a room plus a bot token and a user token,
// and tells the caller where to relay media.
func (p *DailyTransportProvider) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	details, err := p.mintSession()
	if err != nil {
		p.logger.With(map[string]interface{}{"error": err}).Error("session provisioning failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	p.logger.With(map[string]interface{}{
		"room": details.RoomName,
		"url":  details.RoomURL,
	}).Info("created Daily session")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(details)
}

func (p *DailyTransportProvider) mintSession() (*sessionDetails, error) {
	roomName := p.config.RoomName
	if roomName == "" {
		roomName = fmt.Sprintf("spritebot-%s", shortID())
	}
	expiry := time.Now().Add(time.Duration(p.config.ExpirySeconds) * time.Second).Unix()

	room, err := p.apiClient.CreateRoom(RoomConfig{
		Name:    roomName,
		Privacy: "private",
		Properties: &RoomProperties{
			MaxParticipants: p.config.MaxParticipants,
			ExpiresAt:       expiry,
			StartVideoOff:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	botToken, err := p.apiClient.CreateMeetingToken(MeetingTokenConfig{
		Properties: &MeetingTokenProperties{
			RoomName:  room.Name,
			UserName:  p.config.BotName,
			IsOwner:   p.config.IsOwner,
			ExpiresAt: expiry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	userToken, err := p.apiClient.CreateMeetingToken(MeetingTokenConfig{
		Properties: &MeetingTokenProperties{
			RoomName:  room.Name,
			UserName:  "user",
			ExpiresAt: expiry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user token: %w", err)
	}

	return &sessionDetails{
		RoomName:  room.Name,
		RoomURL:   room.URL,
		BotToken:  botToken,
		UserToken: userToken,
		WsURL:     fmt.Sprintf("ws://localhost:%d%s?room=%s", p.config.Port, p.config.Path, room.Name),
	}, nil
}

// handleWebSocket accepts a relay connection and runs the registered job
// handler on it until the session ends.
func (p *DailyTransportProvider) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.With(map[string]interface{}{"error": err}).Error("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(p.config.MaxMessageSize)

	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = fmt.Sprintf("unknown-%s", shortID())
	}
	sessionID := fmt.Sprintf("daily-%s-%s", roomName, shortID())

	jobLogger, closeLog := p.sessionLogger(sessionID, roomName)
	defer closeLog()

	svc := NewDailyTransportService(conn, p.config, roomName, jobLogger)
	connID := fmt.Sprintf("%s-%p", roomName, conn)

	p.connectionsMu.Lock()
	p.connections[connID] = svc
	p.connectionsMu.Unlock()
	defer func() {
		p.connectionsMu.Lock()
		delete(p.connections, connID)
		p.connectionsMu.Unlock()
	}()

	p.mu.RLock()
	handler := p.jobHandler
	p.mu.RUnlock()
	if handler == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = core.ContextWithSessionLogger(ctx, jobLogger)

	jobLogger.Info("starting job for Daily session")
	if err := handler(svc, ctx); err != nil {
		jobLogger.With(map[string]interface{}{"error": err}).Error("job handler error")
	}
}

// sessionLogger builds a logger that tees to console, a per-session file and
// any registered session sinks, falling back to the provider logger when the
// file cannot be opened.
func (p *DailyTransportProvider) sessionLogger(sessionID, roomName string) (*core.Logger, func()) {
	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "logs"
	}

	base := p.logger
	closeLog := func() {}
	writer, err := core.NewSessionWriter(logDir, sessionID, roomName)
	if err != nil {
		p.logger.With(map[string]interface{}{"error": err}).Warn("failed to create session logger, using default")
	} else {
		base = core.NewSessionLogger(p.logger, writer)
		closeLog = func() { writer.Close() }
	}

	return base.With(map[string]interface{}{"session": sessionID, "room": roomName}), closeLog
}

// GetActiveConnections returns the number of active connections.
func (p *DailyTransportProvider) GetActiveConnections() int {
	p.connectionsMu.RLock()
	defer p.connectionsMu.RUnlock()
	return len(p.connections)
}

func shortID() string {
	return uuid.New().String()[:8]
}
