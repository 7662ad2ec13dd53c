package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/internal/settings"
	"mcphub/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DefaultConnectTimeout bounds a single connection attempt, including
	// the MCP handshake and the initial tool listing.
	DefaultConnectTimeout = 30 * time.Second

	// reconnectInitialInterval and reconnectMaxInterval shape the retry
	// schedule after a failed connection attempt: 1s, 2s, 4s, ... capped
	// at 60s until the attempt succeeds or the connector is stopped.
	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 60 * time.Second

	// maxKeepAliveFailures is how many consecutive keep-alive pings may
	// fail before the connection is declared lost.
	maxKeepAliveFailures = 3

	keepAlivePingTimeout = 10 * time.Second
)

// notificationCapable is implemented by MCP-backed clients that can report
// server notifications. The OpenAPI client has nothing to report.
type notificationCapable interface {
	SetNotificationHandler(func(method string))
}

// Connector owns the connection to one configured upstream server. It
// drives the disconnected/connecting/connected state machine, retries
// failed connections with exponential backoff, keeps SSE connections alive
// with periodic pings and applies per-tool overrides to the advertised
// tool list.
//
// The configuration snapshot is immutable; the pool replaces the whole
// connector when the server's configuration changes.
type Connector struct {
	name    string
	cfg     *settings.ServerConfig
	factory ClientFactory
	events  func(api.ConnectorEvent)

	runCtx context.Context
	cancel context.CancelFunc

	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration

	mu            sync.Mutex
	status        api.Status
	client        MCPClient
	tools         []mcp.Tool
	lastError     error
	stopped       bool
	loopActive    bool
	keepAliveStop chan struct{}

	firstOnce sync.Once
	firstDone chan struct{}
}

// NewConnector creates a connector for the named server. events receives
// lifecycle notifications and must not block.
func NewConnector(name string, cfg *settings.ServerConfig, factory ClientFactory, events func(api.ConnectorEvent)) *Connector {
	if factory == nil {
		factory = NewClientForConfig
	}
	if events == nil {
		events = func(api.ConnectorEvent) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		name:                 name,
		cfg:                  cfg,
		factory:              factory,
		events:               events,
		runCtx:               ctx,
		cancel:               cancel,
		retryInitialInterval: reconnectInitialInterval,
		retryMaxInterval:     reconnectMaxInterval,
		status:               api.StatusDisconnected,
		firstDone:            make(chan struct{}),
	}
}

// Name returns the configured server name.
func (c *Connector) Name() string {
	return c.name
}

// Config returns the configuration snapshot this connector was built from.
func (c *Connector) Config() *settings.ServerConfig {
	return c.cfg
}

// Status returns the current connection state.
func (c *Connector) Status() api.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the most recent connection failure, if any.
func (c *Connector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Start launches the connection loop. The first attempt begins
// immediately; failures are retried with exponential backoff until the
// connection succeeds or the connector is stopped. Calling Start while a
// loop is already running or the connection is up is a no-op.
func (c *Connector) Start() {
	c.startLoop()
}

// WaitReady blocks until the first connection attempt has resolved or ctx
// expires. It reports whether the connector is connected at that point.
func (c *Connector) WaitReady(ctx context.Context) bool {
	select {
	case <-c.firstDone:
	case <-ctx.Done():
	}
	return c.Status() == api.StatusConnected
}

// Stop tears down the connection and halts all background work. The
// connector cannot be restarted afterwards.
func (c *Connector) Stop() {
	c.cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasConnected := c.status == api.StatusConnected
	client := c.client
	c.client = nil
	c.tools = nil
	c.status = api.StatusDisconnected
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	c.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			logging.Debug("Connector", "Error closing client for %s: %v", c.name, err)
		}
	}
	if wasConnected {
		c.events(api.ConnectorEvent{Server: c.name, Type: api.EventDisconnected})
	}

	c.firstOnce.Do(func() { close(c.firstDone) })
}

func (c *Connector) startLoop() {
	c.mu.Lock()
	if c.stopped || c.loopActive || c.status == api.StatusConnected {
		c.mu.Unlock()
		return
	}
	c.loopActive = true
	c.status = api.StatusConnecting
	c.mu.Unlock()

	go func() {
		c.run()
		c.mu.Lock()
		c.loopActive = false
		c.mu.Unlock()
	}()
}

// run retries connectOnce until it succeeds, the connector is stopped, or
// the failure is permanent (configuration and document problems do not get
// better by retrying).
func (c *Connector) run() {
	operation := func() (struct{}, error) {
		err := c.connectOnce(c.runCtx)
		c.firstOnce.Do(func() { close(c.firstDone) })
		if err == nil {
			return struct{}{}, nil
		}
		if kind := api.KindOf(err); kind == api.KindSchema || kind == api.KindConfig {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryInitialInterval
	expBackoff.Multiplier = 2
	expBackoff.MaxInterval = c.retryMaxInterval
	expBackoff.RandomizationFactor = 0

	_, err := backoff.Retry(c.runCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Debug("Connector", "Server %s connect failed, retrying in %s: %v", c.name, next, err)
		}),
	)
	if err != nil && c.runCtx.Err() == nil {
		logging.Error("Connector", err, "Server %s: giving up connecting", c.name)
		c.mu.Lock()
		c.status = api.StatusDisconnected
		c.mu.Unlock()
	}
}

// connectOnce performs a single connection attempt: build the client, run
// the handshake, list tools and atomically swap into the connected state.
func (c *Connector) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("connector stopped")
	}
	c.status = api.StatusConnecting
	c.mu.Unlock()

	client, err := c.factory(c.name, c.cfg)
	if err != nil {
		err = api.NewUpstreamError(c.name, api.KindConfig, err.Error())
		c.recordError(err)
		return err
	}

	if nc, ok := client.(notificationCapable); ok {
		nc.SetNotificationHandler(c.handleServerNotification)
	}

	connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	if err := client.Initialize(connectCtx); err != nil {
		_ = client.Close()
		c.recordError(err)
		return err
	}

	tools, err := client.ListTools(connectCtx)
	if err != nil {
		_ = client.Close()
		err = fmt.Errorf("failed to list tools: %w", err)
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("connector stopped")
	}
	c.client = client
	c.tools = tools
	c.status = api.StatusConnected
	c.lastError = nil

	var keepAliveStop chan struct{}
	if interval, enabled := c.keepAliveConfig(); enabled {
		keepAliveStop = make(chan struct{})
		c.keepAliveStop = keepAliveStop
		go c.keepAliveLoop(client, interval, keepAliveStop)
	}
	c.mu.Unlock()

	if sc, ok := client.(*StdioClient); ok {
		if stderr, ok := sc.GetStderr(); ok {
			go c.drainStderr(stderr)
		}
	}

	logging.Info("Connector", "Server %s connected with %d tools", c.name, len(tools))
	c.events(api.ConnectorEvent{Server: c.name, Type: api.EventConnected})

	return nil
}

func (c *Connector) recordError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

// keepAliveConfig reports the ping interval for transports that need
// application-level liveness checks. SSE streams and stdio subprocesses are
// pinged; streamable HTTP has the transport's own keep-alive and OpenAPI
// upstreams have no session to probe.
func (c *Connector) keepAliveConfig() (time.Duration, bool) {
	switch c.cfg.EffectiveType() {
	case settings.ServerTypeSSE, settings.ServerTypeStdio:
		return c.cfg.KeepAliveInterval()
	default:
		return 0, false
	}
}

func (c *Connector) keepAliveLoop(client MCPClient, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.runCtx, keepAlivePingTimeout)
			err := client.Ping(pingCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}

			failures++
			logging.Warn("Connector", "Server %s keep-alive ping failed (%d/%d): %v",
				c.name, failures, maxKeepAliveFailures, err)
			if failures >= maxKeepAliveFailures {
				c.connectionLost("keep-alive pings failed")
				return
			}
		}
	}
}

// connectionLost transitions a connected server back to connecting and
// starts a fresh backoff cycle.
func (c *Connector) connectionLost(reason string) {
	c.mu.Lock()
	if c.stopped || c.status != api.StatusConnected {
		c.mu.Unlock()
		return
	}
	client := c.client
	c.client = nil
	c.tools = nil
	c.status = api.StatusDisconnected
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	c.mu.Unlock()

	logging.Warn("Connector", "Server %s disconnected: %s", c.name, reason)
	if client != nil {
		_ = client.Close()
	}
	c.events(api.ConnectorEvent{Server: c.name, Type: api.EventDisconnected})

	c.startLoop()
}

// checkHealth pings the server once after a transport-level call failure
// and tears the connection down when the ping fails too.
func (c *Connector) checkHealth() {
	c.mu.Lock()
	client := c.client
	connected := c.status == api.StatusConnected
	c.mu.Unlock()

	if !connected || client == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(c.runCtx, keepAlivePingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		c.connectionLost(fmt.Sprintf("health check failed: %v", err))
	}
}

func (c *Connector) handleServerNotification(method string) {
	switch method {
	case "notifications/tools/list_changed":
		go c.refreshTools()
	}
}

// refreshTools re-lists tools after the server announced a change.
func (c *Connector) refreshTools() {
	c.mu.Lock()
	client := c.client
	connected := c.status == api.StatusConnected
	c.mu.Unlock()

	if !connected || client == nil {
		return
	}

	listCtx, cancel := context.WithTimeout(c.runCtx, DefaultConnectTimeout)
	defer cancel()

	tools, err := client.ListTools(listCtx)
	if err != nil {
		logging.Warn("Connector", "Server %s: failed to refresh tools: %v", c.name, err)
		return
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	logging.Debug("Connector", "Server %s now advertises %d tools", c.name, len(tools))
	c.events(api.ConnectorEvent{Server: c.name, Type: api.EventToolsChanged})
}

func (c *Connector) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			logging.Debug("Connector", "[%s stderr] %s", c.name, line)
		}
	}
}

// Tools returns the tools currently exposed by this server with per-tool
// overrides applied. Tools disabled by an override are omitted, and an
// override description replaces the advertised one. Returns nil unless
// connected.
func (c *Connector) Tools() []api.ToolInfo {
	return c.toolView(false)
}

// AllTools is Tools including override-disabled entries, with Enabled
// reflecting the override state. Used by the management API.
func (c *Connector) AllTools() []api.ToolInfo {
	return c.toolView(true)
}

func (c *Connector) toolView(includeDisabled bool) []api.ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != api.StatusConnected {
		return nil
	}

	infos := make([]api.ToolInfo, 0, len(c.tools))
	for _, tool := range c.tools {
		override, hasOverride := c.cfg.Tools[tool.Name]
		enabled := !hasOverride || override.ToolEnabled()
		if !enabled && !includeDisabled {
			continue
		}

		description := tool.Description
		if hasOverride && override.Description != "" {
			description = override.Description
		}

		infos = append(infos, api.ToolInfo{
			Server:      c.name,
			Name:        tool.Name,
			Description: description,
			InputSchema: toolSchemaMap(tool),
			Enabled:     enabled,
		})
	}

	return infos
}

// toolSchemaMap renders a tool's input schema as plain JSON data with the
// top-level $schema marker stripped. Everything else passes through
// unchanged. Raw schemas win over the typed form when both are present.
func toolSchemaMap(tool mcp.Tool) map[string]interface{} {
	data := []byte(tool.RawInputSchema)
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(tool.InputSchema); err != nil {
			return map[string]interface{}{"type": "object"}
		}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{"type": "object"}
	}

	delete(m, "$schema")
	return m
}

// connectedClient returns the live client or a transport error when the
// server is not connected.
func (c *Connector) connectedClient() (MCPClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != api.StatusConnected || c.client == nil {
		return nil, api.NewUpstreamError(c.name, api.KindTransport, "server not connected")
	}
	return c.client, nil
}

// CallTool invokes a tool on the upstream server. Tools disabled by an
// override are reported as unknown. Failures are classified into the hub's
// error taxonomy.
func (c *Connector) CallTool(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
	if override, ok := c.cfg.Tools[name]; ok && !override.ToolEnabled() {
		return nil, api.NewUpstreamError(c.name, api.KindNotFound, fmt.Sprintf("tool %s not found", name))
	}

	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, name, args, onProgress)
	if err != nil {
		err = c.classifyCallError(err)
		if api.IsKind(err, api.KindTransport) {
			go c.checkHealth()
		}
		return nil, err
	}

	return result, nil
}

// ListPrompts returns the prompts advertised by the upstream.
func (c *Connector) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return nil, c.classifyCallError(err)
	}
	return prompts, nil
}

// GetPrompt retrieves a prompt from the upstream.
func (c *Connector) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	result, err := client.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, c.classifyCallError(err)
	}
	return result, nil
}

// ListResources returns the resources advertised by the upstream.
func (c *Connector) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	resources, err := client.ListResources(ctx)
	if err != nil {
		return nil, c.classifyCallError(err)
	}
	return resources, nil
}

// ReadResource reads a resource from the upstream.
func (c *Connector) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	result, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, c.classifyCallError(err)
	}
	return result, nil
}

// classifyCallError maps an upstream failure onto the hub's error
// taxonomy. Errors that already carry a kind pass through unchanged.
func (c *Connector) classifyCallError(err error) error {
	var ue *api.UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewTimeoutError(c.name, err.Error())
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "-32601"):
		return api.NewUpstreamError(c.name, api.KindNotFound, msg)
	case strings.Contains(msg, "invalid params") || strings.Contains(msg, "-32602"):
		return api.NewSchemaError(c.name, msg)
	default:
		return api.NewTransportError(c.name, err)
	}
}
