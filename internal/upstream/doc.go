// Package upstream connects the hub to individual MCP servers.
//
// Each configured server is owned by a Connector, which drives a small
// state machine (disconnected, connecting, connected), retries failed
// connections with exponential backoff, keeps SSE connections alive with
// periodic pings, and applies per-tool overrides before tools are handed
// to the registry.
//
// The transport variants (stdio, SSE, streamable HTTP, and OpenAPI
// synthesis) all implement the MCPClient interface. The OpenAPI variant
// has no real MCP server behind it: it derives tools from an OpenAPI
// document and translates tool calls into plain HTTP requests.
package upstream
