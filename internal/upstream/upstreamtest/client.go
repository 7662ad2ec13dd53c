// Package upstreamtest provides scriptable in-memory MCP clients for tests
// that need a connector pool without real upstream servers.
package upstreamtest

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/settings"
	"mcphub/internal/upstream"
)

// Script fixes the behavior of every client the factory builds for one
// server name. The zero value is a healthy server with no tools.
type Script struct {
	// InitErr makes Initialize fail with this error.
	InitErr error

	// InitDelay makes Initialize block before returning, honoring ctx.
	InitDelay time.Duration

	// Tools, Prompts and Resources are the advertised capability lists.
	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource

	// Call overrides tool calls entirely. When nil, calls succeed with a
	// "ok" text result.
	Call func(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error)

	// GetPromptFn and ReadResourceFn override the respective calls. When
	// nil, they succeed with empty results.
	GetPromptFn    func(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	ReadResourceFn func(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// Client is an in-memory MCPClient driven by a Script. Runtime state can
// be adjusted through the setters while a connector is using the client.
type Client struct {
	mu       sync.Mutex
	script   Script
	pingErr  error
	closed   bool
	lastTool string
	lastArgs map[string]interface{}
	notify   func(string)
}

// NewClient builds a client from a script.
func NewClient(s Script) *Client {
	return &Client{script: s}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	delay := c.script.InitDelay
	err := c.script.InitErr
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script.Tools, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.lastTool = name
	c.lastArgs = args
	call := c.script.Call
	c.mu.Unlock()

	if call != nil {
		return call(ctx, name, args, onProgress)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script.Resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.Lock()
	read := c.script.ReadResourceFn
	c.mu.Unlock()

	if read != nil {
		return read(ctx, uri)
	}
	return &mcp.ReadResourceResult{}, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script.Prompts, nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.Lock()
	get := c.script.GetPromptFn
	c.mu.Unlock()

	if get != nil {
		return get(ctx, name, args)
	}
	return &mcp.GetPromptResult{}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

// SetNotificationHandler records the connector's notification sink; tests
// retrieve it with Notify to simulate server-sent notifications.
func (c *Client) SetNotificationHandler(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Notify returns the notification sink registered by the connector, or nil
// if none was registered yet.
func (c *Client) Notify() func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastCall returns the most recent CallTool name and arguments.
func (c *Client) LastCall() (string, map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTool, c.lastArgs
}

// SetPingErr changes what Ping returns; keep-alive tests flip this to
// simulate a dead connection.
func (c *Client) SetPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// SetTools replaces the advertised tool list.
func (c *Client) SetTools(tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script.Tools = tools
}

// Factory builds Clients per server name and remembers every client it
// handed out. Names without a script get the zero Script.
type Factory struct {
	mu      sync.Mutex
	scripts map[string]Script
	built   map[string][]*Client
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		scripts: make(map[string]Script),
		built:   make(map[string][]*Client),
	}
}

// Script registers the behavior for clients built for the named server.
func (f *Factory) Script(name string, s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = s
}

// ClientFactory returns the upstream.ClientFactory to install on a pool or
// connector.
func (f *Factory) ClientFactory() upstream.ClientFactory {
	return func(name string, cfg *settings.ServerConfig) (upstream.MCPClient, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := NewClient(f.scripts[name])
		f.built[name] = append(f.built[name], c)
		return c, nil
	}
}

// Count returns how many clients were built for the named server.
func (f *Factory) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built[name])
}

// Built returns the i-th client built for the named server, or nil.
func (f *Factory) Built(name string, i int) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.built[name]) {
		return nil
	}
	return f.built[name][i]
}

// Last returns the most recently built client for the named server, or
// nil if none was built.
func (f *Factory) Last(name string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.built[name]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
