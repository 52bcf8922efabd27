package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/protocol"

	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultSendBufferSize    = 256
	writeTimeout             = 10 * time.Second
)

// ClientConfig configures the control plane WebSocket client.
type ClientConfig struct {
	ConnectURL        string
	AgentID           string
	Hostname          string
	Version           string
	Metadata          map[string]string
	HeartbeatInterval time.Duration
	Logger            *core.Logger
}

// Client is the agent side of the control plane. It dials outward to the UI
// server, pushes logs, status, heartbeats, and pipeline events, and reacts to
// config updates and control commands coming back.
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *core.Logger

	// Callbacks set by the agent before Connect.
	OnConfigUpdate    func(settings json.RawMessage, keys map[string]string)
	OnRestartPipeline func()
	OnShutdown        func(reason string)

	startedAt time.Time
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// NewClient creates a new control plane client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = core.GetLogger()
	}
	return &Client{
		config: cfg,
		logger: cfg.Logger.With(map[string]interface{}{"component": "controlplane"}),
		sendCh: make(chan []byte, defaultSendBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the UI server, registers the agent, and starts the pump
// goroutines. Cancelling ctx tears the connection down.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.logger.With(map[string]interface{}{"url": c.config.ConnectURL}).Info("connecting to control plane")

	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.ConnectURL, nil)
	if err != nil {
		c.cancel()
		return fmt.Errorf("controlplane: dial %q: %w", c.config.ConnectURL, err)
	}
	c.conn = conn

	// Registration goes out synchronously so the server knows who we are
	// before any queued traffic arrives.
	c.startedAt = time.Now()
	reg, err := protocol.Marshal(protocol.MsgRegister, protocol.RegisterPayload{
		AgentID:   c.config.AgentID,
		Hostname:  c.config.Hostname,
		Version:   c.config.Version,
		Metadata:  c.config.Metadata,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		err = c.write(reg)
	}
	if err != nil {
		conn.Close()
		c.cancel()
		return fmt.Errorf("controlplane: send register: %w", err)
	}

	c.logger.With(map[string]interface{}{"agent_id": c.config.AgentID}).Info("registered with control plane")

	go c.pumpInbound()
	go c.pumpOutbound()

	return nil
}

// SendLog sends a log entry for a session to the UI.
func (c *Client) SendLog(sessionID string, entry protocol.LogEntry) {
	c.enqueue(protocol.MsgLog, protocol.LogPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
		Entry:     entry,
	})
}

// SendStatus sends an agent-level status update.
func (c *Client) SendStatus(status string, sessions []protocol.SessionInfo) {
	c.enqueue(protocol.MsgStatus, protocol.StatusPayload{
		AgentID:  c.config.AgentID,
		Status:   status,
		Sessions: sessions,
	})
}

// SendEvent sends a pipeline event.
func (c *Client) SendEvent(sessionID, eventID string, data json.RawMessage) {
	c.enqueue(protocol.MsgEvent, protocol.EventPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
		EventID:   eventID,
		Data:      data,
	})
}

// SendLogEnd signals that a session's log stream has ended.
func (c *Client) SendLogEnd(sessionID string) {
	c.enqueue(protocol.MsgLogEnd, protocol.LogEndPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
	})
}

// Wait blocks until the connection drops or the context is cancelled.
func (c *Client) Wait() error {
	<-c.done
	return nil
}

// Close shuts down the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue queues a message for the outbound pump. When the buffer is full
// the oldest queued message is evicted; the UI stream is best effort and
// must never stall the pipeline.
func (c *Client) enqueue(msgType protocol.MessageType, payload interface{}) {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		c.logger.With(map[string]interface{}{"error": err, "type": string(msgType)}).Warn("failed to marshal message, dropping")
		return
	}

	for {
		select {
		case c.sendCh <- data:
			return
		default:
		}
		select {
		case <-c.sendCh:
		default:
			return
		}
	}
}

func (c *Client) pumpInbound() {
	defer func() {
		c.doneOnce.Do(func() { close(c.done) })
		c.cancel()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.With(map[string]interface{}{"error": err}).Warn("control plane connection lost")
			}
			return
		}
		if !c.dispatch(data) {
			return
		}
	}
}

// dispatch routes one inbound message. It returns false when the client
// should stop reading.
func (c *Client) dispatch(data []byte) bool {
	msgType, payload, err := protocol.Unmarshal(data)
	if err != nil {
		c.logger.With(map[string]interface{}{"error": err}).Warn("invalid message from control plane")
		return true
	}

	switch msgType {
	case protocol.MsgConfigUpdate:
		if c.OnConfigUpdate == nil {
			return true
		}
		p, err := protocol.UnmarshalPayload[protocol.ConfigUpdatePayload](payload)
		if err != nil {
			c.logger.With(map[string]interface{}{"error": err}).Warn("invalid config_update payload")
			return true
		}
		c.OnConfigUpdate(p.Settings, p.Keys)

	case protocol.MsgRestartPipeline:
		if c.OnRestartPipeline != nil {
			c.OnRestartPipeline()
		}

	case protocol.MsgShutdown:
		p, _ := protocol.UnmarshalPayload[protocol.ShutdownPayload](payload)
		reason := p.Reason
		if reason == "" {
			reason = "shutdown requested by control plane"
		}
		c.logger.With(map[string]interface{}{"reason": reason}).Info("shutdown requested")
		if c.OnShutdown != nil {
			c.OnShutdown(reason)
		}
		return false

	default:
		c.logger.With(map[string]interface{}{"type": string(msgType)}).Warn("unknown message type from control plane")
	}
	return true
}

// pumpOutbound drains the send queue and emits periodic heartbeats on the
// same goroutine, so only Connect and this loop ever write to the socket.
func (c *Client) pumpOutbound() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("write to control plane failed")
				return
			}
		case <-ticker.C:
			c.enqueue(protocol.MsgHeartbeat, protocol.HeartbeatPayload{
				AgentID:       c.config.AgentID,
				Timestamp:     time.Now().UTC(),
				UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
				Status:        "idle",
			})
		case <-c.ctx.Done():
			return
		}
	}
}
