// Package dispatch routes downstream MCP requests to upstream connectors.
//
// The dispatcher is stateless. Every request snapshots the registry view
// for its scope, resolves names against that view and forwards to the
// owning connector, so a settings reload or reconnect between two requests
// is picked up automatically. The timeout policy (per-attempt deadline,
// absolute ceiling, progress extension) lives here; connectors stay
// policy-free.
package dispatch
