package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status is the lifecycle state of an upstream connector.
type Status string

const (
	// StatusDisconnected means no live transport. Tools may be stale and are
	// not routable.
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means a handshake is in flight.
	StatusConnecting Status = "connecting"

	// StatusConnected means the transport is live and the tool list reflects
	// the most recent listTools from the upstream.
	StatusConnected Status = "connected"
)

// ScopeKind discriminates the subset of the registry a session sees.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeGroup  ScopeKind = "group"
	ScopeServer ScopeKind = "server"
	ScopeSmart  ScopeKind = "smart"
)

// Scope identifies the view a session or request operates on. Name carries
// the group ID for group scopes and the server name for server scopes; it is
// empty for global and smart.
type Scope struct {
	Kind ScopeKind
	Name string
}

// GlobalScope returns the scope that sees every visible tool.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// GroupScope returns the scope restricted to one group's member rules.
func GroupScope(id string) Scope { return Scope{Kind: ScopeGroup, Name: id} }

// ServerScope returns the scope restricted to a single upstream server.
func ServerScope(name string) Scope { return Scope{Kind: ScopeServer, Name: name} }

// SmartScope returns the smart-routing scope.
func SmartScope() Scope { return Scope{Kind: ScopeSmart} }

// String renders the scope in the canonical "kind" or "kind:name" form used
// in session records and logs.
func (s Scope) String() string {
	switch s.Kind {
	case ScopeGroup, ScopeServer:
		return fmt.Sprintf("%s:%s", s.Kind, s.Name)
	default:
		return string(s.Kind)
	}
}

// ToolInfo is the hub's canonical view of one upstream tool after per-tool
// overrides were applied. InputSchema is a plain JSON-schema object with any
// "$schema" key already stripped.
type ToolInfo struct {
	// Server is the upstream server the tool belongs to.
	Server string `json:"server"`

	// Name is the tool's name in the upstream's own namespace.
	Name string `json:"name"`

	// Description is the effective description (per-tool override wins over
	// the upstream's).
	Description string `json:"description"`

	// InputSchema is the tool's JSON-schema input contract.
	InputSchema map[string]interface{} `json:"inputSchema"`

	// Enabled reflects the per-tool override; disabled tools are hidden from
	// every view but kept here for the admin surface.
	Enabled bool `json:"enabled"`
}

// Qualified returns the fully-qualified "{server}/{name}" form of the tool's
// identity in the hub's public namespace.
func (t ToolInfo) Qualified() string {
	return t.Server + "/" + t.Name
}

// SplitQualified splits a possibly qualified tool name into its server and
// bare-name parts. For a bare name the server part is empty.
func SplitQualified(qualified string) (server, name string) {
	if idx := strings.Index(qualified, "/"); idx >= 0 {
		return qualified[:idx], qualified[idx+1:]
	}
	return "", qualified
}

// PromptInfo attributes one upstream prompt to its server.
type PromptInfo struct {
	Server string
	Prompt mcp.Prompt
}

// ResourceInfo attributes one upstream resource to its server.
type ResourceInfo struct {
	Server   string
	Resource mcp.Resource
}

// RequestOptions carries the per-request execution policy. Zero values mean
// "use the default" (60s timeout, no total ceiling, no progress extension).
type RequestOptions struct {
	// Timeout is the per-attempt deadline for one upstream call.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxTotalTimeout is the absolute ceiling across progress extensions.
	MaxTotalTimeout time.Duration `json:"maxTotalTimeout,omitempty"`

	// ResetTimeoutOnProgress extends the per-attempt deadline each time the
	// upstream reports progress, never beyond MaxTotalTimeout.
	ResetTimeoutOnProgress bool `json:"resetTimeoutOnProgress,omitempty"`
}

// EventType identifies what changed about a connector.
type EventType string

const (
	// EventConnected fires when a connector completes its handshake.
	EventConnected EventType = "connected"

	// EventDisconnected fires when a connector loses or tears down its
	// transport.
	EventDisconnected EventType = "disconnected"

	// EventToolsChanged fires when a connected connector's tool list was
	// re-fetched and differs from the cached one.
	EventToolsChanged EventType = "tools-changed"

	// EventRemoved fires when a connector was removed from the pool entirely.
	EventRemoved EventType = "removed"
)

// ConnectorEvent is the broadcast sent by the pool whenever a connector's
// state or tool list changes. The registry and the smart index consume these
// instead of holding back-pointers into the pool.
type ConnectorEvent struct {
	// Server is the connector's name.
	Server string

	// Type identifies the transition.
	Type EventType
}
