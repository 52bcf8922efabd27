package context

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"spritebot/core"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpConnection is one live MCP server session plus the tools it advertised,
// keyed by the prefixed pipeline tool ID.
type mcpConnection struct {
	name    string
	session *mcp.ClientSession
	tools   map[string]*mcp.Tool
}

// invoke runs one tool on this connection.
func (c *mcpConnection) invoke(ctx context.Context, tool *mcp.Tool, params map[string]any) (string, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool.Name,
		Arguments: params,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call to %s/%s failed: %w", c.name, tool.Name, err)
	}
	return flattenToolResult(result), nil
}

// MCPManager holds the agent's MCP client and its server connections. Tool
// IDs are namespaced per server with the configured prefix so two servers can
// expose tools of the same name.
type MCPManager struct {
	client      *mcp.Client
	connections []*mcpConnection
	logger      *core.Logger
	mu          sync.RWMutex
}

// NewMCPManager creates an MCPManager. Call Connect to establish sessions.
func NewMCPManager(logger *core.Logger) *MCPManager {
	return &MCPManager{
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "spritebot",
			Version: "1.0.0",
		}, nil),
		logger: logger,
	}
}

// Connect dials every configured server and discovers its tools. A server
// that fails to connect is skipped with a log line; the rest still come up.
func (m *MCPManager) Connect(ctx context.Context, configs []core.MCPServerConfig) error {
	for _, cfg := range configs {
		conn, err := m.dial(ctx, cfg)
		if err != nil {
			m.logger.With(map[string]any{
				"server": cfg.Name,
				"error":  err.Error(),
			}).Error("failed to connect to MCP server, skipping")
			continue
		}
		m.connections = append(m.connections, conn)
		m.logger.With(map[string]any{
			"server":    cfg.Name,
			"num_tools": len(conn.tools),
		}).Info("connected to MCP server")
	}
	return nil
}

func (m *MCPManager) dial(ctx context.Context, cfg core.MCPServerConfig) (*mcpConnection, error) {
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	conn := &mcpConnection{
		name:    cfg.Name,
		session: session,
		tools:   make(map[string]*mcp.Tool, len(listed.Tools)),
	}
	for _, tool := range listed.Tools {
		conn.tools[prefixedToolID(cfg.ToolPrefix, tool.Name)] = tool
	}
	return conn, nil
}

func transportFor(cfg core.MCPServerConfig) (mcp.Transport, error) {
	switch {
	case cfg.Command != nil:
		cmd := exec.Command(cfg.Command.Path, cfg.Command.Args...)
		if len(cfg.Command.Env) > 0 {
			cmd.Env = append(cmd.Environ(), cfg.Command.Env...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case cfg.SSE != nil:
		return &mcp.SSEClientTransport{Endpoint: cfg.SSE.URL}, nil
	case cfg.Streamable != nil:
		return &mcp.StreamableClientTransport{Endpoint: cfg.Streamable.URL}, nil
	default:
		return nil, fmt.Errorf("no transport configured for MCP server %q", cfg.Name)
	}
}

func prefixedToolID(prefix, toolName string) string {
	if prefix == "" {
		return toolName
	}
	return prefix + "_" + toolName
}

// Tools returns all discovered MCP tools converted to core.LLMTool format.
func (m *MCPManager) Tools() []core.LLMTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []core.LLMTool
	for _, conn := range m.connections {
		for toolID, mcpTool := range conn.tools {
			tools = append(tools, convertMCPTool(toolID, mcpTool))
		}
	}
	return tools
}

// CallTool routes a tool call to whichever server owns the tool ID.
func (m *MCPManager) CallTool(ctx context.Context, toolID string, params map[string]any) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.connections {
		if tool, ok := conn.tools[toolID]; ok {
			return conn.invoke(ctx, tool, params)
		}
	}
	return "", fmt.Errorf("no MCP server owns tool %q", toolID)
}

// flattenToolResult reduces MCP result content to one string the LLM can read.
// Non-text content is summarized rather than inlined.
func flattenToolResult(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch content := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[Image: %s]", content.MIMEType))
		case *mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[Audio: %s]", content.MIMEType))
		default:
			parts = append(parts, "[unsupported content type]")
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		return "Error: " + text
	}
	return text
}

// Close tears down all MCP sessions.
func (m *MCPManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.connections {
		if err := conn.session.Close(); err != nil {
			m.logger.With(map[string]any{
				"server": conn.name,
				"error":  err.Error(),
			}).Error("error closing MCP session")
		}
	}
	m.connections = nil
}
