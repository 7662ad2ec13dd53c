package upstream

import (
	"fmt"

	"mcphub/internal/settings"
)

// ClientFactory creates an MCP client for a named server configuration.
// The pool uses NewClientForConfig; tests substitute fakes.
type ClientFactory func(name string, cfg *settings.ServerConfig) (MCPClient, error)

// NewClientForConfig creates the appropriate MCP client based on the
// server's effective type.
//
// Supported types:
//   - "stdio": StdioClient running a local subprocess
//   - "sse": SSEClient speaking Server-Sent Events
//   - "streamable-http": StreamableHTTPClient for HTTP-based servers
//   - "openapi": OpenAPIClient synthesizing tools from an OpenAPI document
//
// Returns an error if the configuration is incomplete or the type is not
// recognized.
func NewClientForConfig(name string, cfg *settings.ServerConfig) (MCPClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server %s has no configuration", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}

	switch cfg.EffectiveType() {
	case settings.ServerTypeStdio:
		return NewStdioClient(cfg.Command, cfg.Args, cfg.Env), nil

	case settings.ServerTypeSSE:
		return NewSSEClient(cfg.URL, cfg.Headers), nil

	case settings.ServerTypeStreamableHTTP:
		return NewStreamableHTTPClient(cfg.URL, cfg.Headers), nil

	case settings.ServerTypeOpenAPI:
		return NewOpenAPIClient(name, cfg.OpenAPI, cfg.Headers)

	default:
		return nil, fmt.Errorf("server %s has unsupported type %q (supported: %s, %s, %s, %s)",
			name, cfg.Type, settings.ServerTypeStdio, settings.ServerTypeSSE,
			settings.ServerTypeStreamableHTTP, settings.ServerTypeOpenAPI)
	}
}
