package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// refreshDebounce is how long RefreshSoon waits for further events before
// running a refresh pass.
const refreshDebounce = 250 * time.Millisecond

// refreshTimeout bounds the upstream prompt and resource listings a refresh
// performs. Tool listings come from the registry and never block.
const refreshTimeout = 10 * time.Second

// scopeServer is one scope's MCP server instance together with its SSE and
// streamable HTTP wrappers. Handlers delegate to the dispatcher with the
// scope baked in; the active sets track what is currently registered so a
// refresh can send targeted add and remove notifications.
type scopeServer struct {
	scope      api.Scope
	mcp        *server.MCPServer
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer

	callTool     func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
	getPrompt    func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	readResource func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error)

	// mu serializes refreshes; the maps hold the exposed names currently
	// registered on the MCP server.
	mu        sync.Mutex
	tools     map[string]bool
	prompts   map[string]bool
	resources map[string]bool
}

// newScopeServer builds the MCP server for a scope. Capabilities are only
// advertised when the scope currently has items of that kind; mcp-go
// registers them implicitly if items appear later.
func (g *Gateway) newScopeServer(scope api.Scope) *scopeServer {
	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		g.sessions.register(cs.SessionID(), scope, transportFromContext(ctx))
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		g.sessions.unregister(cs.SessionID())
	})

	opts := []server.ServerOption{server.WithHooks(hooks)}
	if scope.Kind == api.ScopeSmart {
		opts = append(opts, server.WithToolCapabilities(true))
	} else {
		probeCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		if tools, err := g.dispatcher.ListTools(scope); err == nil && len(tools) > 0 {
			opts = append(opts, server.WithToolCapabilities(true))
		}
		if prompts, err := g.dispatcher.ListPrompts(probeCtx, scope); err == nil && len(prompts) > 0 {
			opts = append(opts, server.WithPromptCapabilities(true))
		}
		if resources, err := g.dispatcher.ListResources(probeCtx, scope); err == nil && len(resources) > 0 {
			opts = append(opts, server.WithResourceCapabilities(true, true))
		}
		cancel()
	}

	ss := &scopeServer{
		scope:     scope,
		mcp:       server.NewMCPServer("mcphub", g.version, opts...),
		tools:     make(map[string]bool),
		prompts:   make(map[string]bool),
		resources: make(map[string]bool),
	}
	ss.callTool = g.toolHandler(scope)
	ss.getPrompt = g.promptHandler(scope)
	ss.readResource = g.resourceHandler(scope)

	ssePath, messagePath, mcpPath := endpointPaths(g.basePath, scope)
	ss.sse = server.NewSSEServer(ss.mcp,
		server.WithSSEEndpoint(ssePath),
		server.WithMessageEndpoint(messagePath),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
		server.WithSSEContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
			return withTransport(ctx, transportSSE)
		}),
	)
	ss.streamable = server.NewStreamableHTTPServer(ss.mcp,
		server.WithEndpointPath(mcpPath),
		server.WithHTTPContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
			return withTransport(ctx, transportStreamable)
		}),
	)

	if scope.Kind == api.ScopeSmart {
		ss.registerSmartTool(g)
	} else {
		ss.refresh(g)
	}
	return ss
}

// registerSmartTool installs the single pseudo-tool the smart scope exposes.
func (ss *scopeServer) registerSmartTool(g *Gateway) {
	tool := mcp.NewTool("smart.search",
		mcp.WithDescription("Route a natural-language request to the best matching tool across all connected servers. A single decisive match is invoked directly; otherwise the ranked candidates are returned."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language description of the task"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the selected tool (as JSON object)"),
		),
	)
	ss.mcp.AddTool(tool, g.smartHandler(ss.scope))
	ss.tools[tool.Name] = true
}

// refresh reconciles the registered items against the dispatcher's current
// view, removing stale entries before adding new ones so connected sessions
// see one coherent list-changed transition. Returns false when the scope's
// group or server no longer exists and the instance should be dropped.
func (ss *scopeServer) refresh(g *Gateway) bool {
	if ss.scope.Kind == api.ScopeSmart {
		return true
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	tools, err := g.dispatcher.ListTools(ss.scope)
	if err != nil {
		if api.IsNotFound(err) {
			return false
		}
		logging.Warn("Gateway", "Skipping refresh for %s: %v", ss.scope, err)
		return true
	}
	ss.refreshTools(tools)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if prompts, err := g.dispatcher.ListPrompts(ctx, ss.scope); err == nil {
		ss.refreshPrompts(prompts)
	} else {
		logging.Debug("Gateway", "Prompt refresh for %s failed: %v", ss.scope, err)
	}
	if resources, err := g.dispatcher.ListResources(ctx, ss.scope); err == nil {
		ss.refreshResources(resources)
	} else {
		logging.Debug("Gateway", "Resource refresh for %s failed: %v", ss.scope, err)
	}
	return true
}

func (ss *scopeServer) refreshTools(tools []mcp.Tool) {
	fresh := make(map[string]bool, len(tools))
	for _, t := range tools {
		fresh[t.Name] = true
	}
	if stale := staleNames(ss.tools, fresh); len(stale) > 0 {
		logging.Debug("Gateway", "Scope %s: removing %d tools", ss.scope, len(stale))
		ss.mcp.DeleteTools(stale...)
		for _, name := range stale {
			delete(ss.tools, name)
		}
	}

	var adds []server.ServerTool
	for _, t := range tools {
		if ss.tools[t.Name] {
			continue
		}
		ss.tools[t.Name] = true
		adds = append(adds, server.ServerTool{Tool: t, Handler: ss.callTool})
	}
	if len(adds) > 0 {
		logging.Debug("Gateway", "Scope %s: adding %d tools", ss.scope, len(adds))
		ss.mcp.AddTools(adds...)
	}
}

func (ss *scopeServer) refreshPrompts(prompts []mcp.Prompt) {
	fresh := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		fresh[p.Name] = true
	}
	if stale := staleNames(ss.prompts, fresh); len(stale) > 0 {
		ss.mcp.DeletePrompts(stale...)
		for _, name := range stale {
			delete(ss.prompts, name)
		}
	}

	var adds []server.ServerPrompt
	for _, p := range prompts {
		if ss.prompts[p.Name] {
			continue
		}
		ss.prompts[p.Name] = true
		adds = append(adds, server.ServerPrompt{Prompt: p, Handler: ss.getPrompt})
	}
	if len(adds) > 0 {
		ss.mcp.AddPrompts(adds...)
	}
}

func (ss *scopeServer) refreshResources(resources []mcp.Resource) {
	fresh := make(map[string]bool, len(resources))
	for _, res := range resources {
		fresh[res.URI] = true
	}
	// No batch removal for resources in the MCP server API; remove one by one.
	for _, uri := range staleNames(ss.resources, fresh) {
		ss.mcp.RemoveResource(uri)
		delete(ss.resources, uri)
	}

	var adds []server.ServerResource
	for _, res := range resources {
		if ss.resources[res.URI] {
			continue
		}
		ss.resources[res.URI] = true
		adds = append(adds, server.ServerResource{Resource: res, Handler: ss.readResource})
	}
	if len(adds) > 0 {
		ss.mcp.AddResources(adds...)
	}
}

// staleNames returns the keys of active that are absent from fresh.
func staleNames(active, fresh map[string]bool) []string {
	var stale []string
	for name := range active {
		if !fresh[name] {
			stale = append(stale, name)
		}
	}
	return stale
}

// toolHandler forwards a tool call to the dispatcher under the given scope.
func (g *Gateway) toolHandler(scope api.Scope) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.touch(ctx)
		return g.dispatcher.CallTool(ctx, scope, req.Params.Name, callArguments(req))
	}
}

// smartHandler serves the smart.search pseudo-tool.
func (g *Gateway) smartHandler(scope api.Scope) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.touch(ctx)
		args := callArguments(req)
		query, _ := args["query"].(string)
		if query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		toolArgs, _ := args["arguments"].(map[string]interface{})
		return g.dispatcher.SmartCall(ctx, scope, query, toolArgs)
	}
}

func (g *Gateway) promptHandler(scope api.Scope) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		g.touch(ctx)
		args := make(map[string]interface{}, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return g.dispatcher.GetPrompt(ctx, scope, req.Params.Name, args)
	}
}

func (g *Gateway) resourceHandler(scope api.Scope) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		g.touch(ctx)
		result, err := g.dispatcher.ReadResource(ctx, scope, req.Params.URI)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		return result.Contents, nil
	}
}

// touch refreshes the session activity timestamp for the calling session.
func (g *Gateway) touch(ctx context.Context) {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		g.sessions.touch(cs.SessionID())
	}
}

// callArguments extracts the argument object from a tool call request.
func callArguments(req mcp.CallToolRequest) map[string]interface{} {
	if req.Params.Arguments != nil {
		if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{}
}
