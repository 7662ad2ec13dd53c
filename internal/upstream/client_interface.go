package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision the hub speaks to upstreams.
const protocolVersion = "2024-11-05"

// clientName identifies the hub in the MCP initialize handshake.
const clientName = "mcphub"

// MCPClient defines the interface for upstream MCP client implementations.
// All transport types (stdio, SSE, streamable-http, openapi) implement this
// interface, enabling polymorphic usage and easier testing with mocks.
type MCPClient interface {
	// Initialize establishes the connection and performs protocol handshake
	Initialize(ctx context.Context) error
	// Close cleanly shuts down the client connection
	Close() error
	// ListTools returns all available tools from the server
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes a specific tool and returns the result. When
	// onProgress is non-nil it is invoked each time the server reports
	// progress for this call.
	CallTool(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error)
	// ListResources returns all available resources from the server
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves a specific resource
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// ListPrompts returns all available prompts from the server
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a specific prompt
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	// Ping checks if the server is responsive
	Ping(ctx context.Context) error
}

// Compile-time interface compliance checks
var (
	_ MCPClient = (*StdioClient)(nil)
	_ MCPClient = (*SSEClient)(nil)
	_ MCPClient = (*StreamableHTTPClient)(nil)
	_ MCPClient = (*OpenAPIClient)(nil)
)

// baseMCPClient provides common functionality for the MCP-backed client
// implementations. It implements the shared protocol operations that are
// identical across the stdio, SSE and streamable-http transports, plus the
// routing of progress notifications to in-flight tool calls.
type baseMCPClient struct {
	client    client.MCPClient
	mu        sync.RWMutex
	connected bool

	// progressHandlers maps progress tokens to the callback of the tool
	// call that registered them.
	notifyMu         sync.Mutex
	progressHandlers map[string]func()
	serverNotify     func(method string)
}

// SetNotificationHandler registers a callback invoked with the method of
// every non-progress notification received from the server.
func (b *baseMCPClient) SetNotificationHandler(fn func(method string)) {
	b.notifyMu.Lock()
	b.serverNotify = fn
	b.notifyMu.Unlock()
}

// checkConnected verifies the client is connected and returns an error if not.
// This is a helper for consistent error handling across all MCP operations.
// Note: Caller must hold at least a read lock on mu.
func (b *baseMCPClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

// handleNotification dispatches progress notifications to the tool call
// that registered the matching progress token. All other notification
// types are ignored here; list_changed notifications are handled by the
// connector through its own subscription.
func (b *baseMCPClient) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method != "notifications/progress" {
		b.notifyMu.Lock()
		fn := b.serverNotify
		b.notifyMu.Unlock()
		if fn != nil {
			fn(notification.Method)
		}
		return
	}

	token, ok := notification.Params.AdditionalFields["progressToken"]
	if !ok {
		return
	}

	b.notifyMu.Lock()
	handler := b.progressHandlers[fmt.Sprintf("%v", token)]
	b.notifyMu.Unlock()

	if handler != nil {
		handler()
	}
}

// registerProgress associates a freshly generated progress token with the
// given callback and returns the token. The caller must release it with
// unregisterProgress once the call finishes.
func (b *baseMCPClient) registerProgress(onProgress func()) string {
	token := uuid.NewString()

	b.notifyMu.Lock()
	if b.progressHandlers == nil {
		b.progressHandlers = make(map[string]func())
	}
	b.progressHandlers[token] = onProgress
	b.notifyMu.Unlock()

	return token
}

func (b *baseMCPClient) unregisterProgress(token string) {
	b.notifyMu.Lock()
	delete(b.progressHandlers, token)
	b.notifyMu.Unlock()
}

// closeClient performs the common close logic
func (b *baseMCPClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil

	return err
}

// listTools returns all available tools from the server
func (b *baseMCPClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return result.Tools, nil
}

// callTool executes a specific tool and returns the result
func (b *baseMCPClient) callTool(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	if onProgress != nil {
		token := b.registerProgress(onProgress)
		defer b.unregisterProgress(token)
		req.Params.Meta = &mcp.Meta{ProgressToken: token}
	}

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	return result, nil
}

// listResources returns all available resources from the server
func (b *baseMCPClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	return result.Resources, nil
}

// readResource retrieves a specific resource
func (b *baseMCPClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}

	return result, nil
}

// listPrompts returns all available prompts from the server
func (b *baseMCPClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}

	return result.Prompts, nil
}

// getPrompt retrieves a specific prompt
func (b *baseMCPClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	// Convert args to map[string]string as required by the API
	stringArgs := make(map[string]string)
	for k, v := range args {
		if str, ok := v.(string); ok {
			stringArgs[k] = str
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	return result, nil
}

// ping checks if the server is responsive
func (b *baseMCPClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.client.Ping(ctx)
}
