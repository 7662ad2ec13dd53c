// Package gateway is the downstream-facing half of the hub: it serves MCP
// sessions over SSE and streamable HTTP and routes plain HTTP to the admin
// API, all on a single listener.
//
// Each scope (global, one group, one server, or smart routing) gets its own
// lazily created MCP server instance whose tool, prompt, and resource
// handlers delegate to the dispatcher with the scope baked in. Connector and
// settings events trigger a diff-based refresh of every live instance, so
// connected sessions receive list-changed notifications instead of being
// torn down.
//
// The URL layout under the configured base path:
//
//	GET    /sse[/{scope}]          SSE stream
//	POST   /messages               SSE message post (global scope)
//	POST   /{scope}/messages       SSE message post (scoped)
//	ANY    /mcp[/{scope}]          streamable HTTP (POST/GET/DELETE)
//	ANY    /api/*                  admin REST API
//
// A scope segment names a group (by ID or display name), a server, or the
// reserved $smart segment. A group and a server sharing a name resolve to
// the group. When a session transport closes, mcp-go cancels the request
// contexts of its in-flight calls, so upstream work is abandoned with it.
package gateway
