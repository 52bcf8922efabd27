package core

// MCPServerConfig describes one MCP server the context manager should
// connect to. Exactly one of Command, SSE, or Streamable picks the
// transport.
type MCPServerConfig struct {
	// Name labels the server in logs.
	Name string `json:"name"`

	// ToolPrefix, when set, is prepended to every tool ID the server
	// exposes so two servers can both offer e.g. a "search" tool. With
	// prefix "weather" the tool "forecast" becomes "weather_forecast".
	ToolPrefix string `json:"tool_prefix,omitempty"`

	// Command launches a stdio server as a subprocess.
	Command *MCPCommandConfig `json:"command,omitempty"`

	// SSE points at a server-sent-events endpoint.
	SSE *MCPURLConfig `json:"sse,omitempty"`

	// Streamable points at a streamable HTTP endpoint.
	Streamable *MCPURLConfig `json:"streamable,omitempty"`
}

// MCPCommandConfig is the subprocess side of a stdio MCP server.
type MCPCommandConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	// Env entries are KEY=VALUE pairs appended to the child environment.
	Env []string `json:"env,omitempty"`
}

// MCPURLConfig is an HTTP MCP endpoint plus any auth headers it needs.
type MCPURLConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}
