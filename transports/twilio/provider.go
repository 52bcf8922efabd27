package twilio

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/handlers/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TwilioTransportProvider accepts Twilio media-stream WebSocket connections
// and runs one pipeline job per call.
type TwilioTransportProvider struct {
	config   *Config
	logger   *core.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	isRunning  bool
	jobHandler func(svc transport.ITransportService, ctx context.Context) error

	connectionsMu sync.RWMutex
	connections   map[string]*TwilioTransportService
}

// NewTwilioTransportProvider creates a new Twilio transport provider.
func NewTwilioTransportProvider(config *Config, logger *core.Logger) *TwilioTransportProvider {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	return &TwilioTransportProvider{
		config: config,
		logger: logger.With(map[string]interface{}{"component": "twilio-provider"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// Twilio webhooks carry no browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*TwilioTransportService),
	}
}

// Start implements transport.ITransportProvider.
func (p *TwilioTransportProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("provider already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(p.config.Path, p.handleWebSocket)
	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.Port),
		Handler: mux,
	}

	go func() {
		var err error
		if p.config.EnableTLS {
			err = p.server.ListenAndServeTLS(p.config.TLSCertFile, p.config.TLSKeyFile)
		} else {
			err = p.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			p.logger.With(map[string]interface{}{"error": err}).Error("server error")
		}
	}()

	p.isRunning = true
	p.logger.With(map[string]interface{}{
		"port": p.config.Port,
		"path": p.config.Path,
	}).Info("Twilio transport provider started")

	return nil
}

// Stop implements transport.ITransportProvider.
func (p *TwilioTransportProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.connectionsMu.Lock()
	for _, svc := range p.connections {
		svc.Close()
	}
	p.connections = make(map[string]*TwilioTransportService)
	p.connectionsMu.Unlock()

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down server: %w", err)
		}
	}

	p.isRunning = false
	p.logger.Info("Twilio transport provider stopped")
	return nil
}

// RegisterJobHandler implements transport.ITransportProvider.
func (p *TwilioTransportProvider) RegisterJobHandler(
	handler func(svc transport.ITransportService, ctx context.Context) error,
) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	p.mu.Lock()
	p.jobHandler = handler
	p.mu.Unlock()
	return nil
}

// handleWebSocket runs the registered job handler for one inbound call.
func (p *TwilioTransportProvider) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.With(map[string]interface{}{"error": err}).Error("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(p.config.MaxMessageSize)

	sessionID := fmt.Sprintf("twilio-%s", uuid.New().String()[:8])
	jobLogger := p.logger.With(map[string]interface{}{"session": sessionID})

	svc := NewTwilioTransportService(conn, p.config, jobLogger)
	connID := fmt.Sprintf("%p", conn)

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
		jobLogger.Warn("no job handler registered, dropping connection")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = core.ContextWithSessionLogger(ctx, jobLogger)

	jobLogger.Info("starting job for Twilio call")
	if err := handler(svc, ctx); err != nil {
		jobLogger.With(map[string]interface{}{"error": err}).Error("job handler error")
	}
}

// GetActiveConnections returns the number of active media stream connections.
func (p *TwilioTransportProvider) GetActiveConnections() int {
	p.connectionsMu.RLock()
	defer p.connectionsMu.RUnlock()
	return len(p.connections)
}
