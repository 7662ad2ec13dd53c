package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/api"
	"mcphub/internal/registry"
	"mcphub/internal/smart"
	"mcphub/internal/upstream"
	"mcphub/pkg/logging"
)

const (
	// DefaultCallTimeout bounds one upstream call when neither the server
	// config nor the request names a timeout.
	DefaultCallTimeout = 60 * time.Second

	// DefaultSmartCallMargin is how far above the search threshold a hit
	// must sit before a smart call executes it without asking back.
	DefaultSmartCallMargin = 0.15
)

// Searcher is the subset of the smart index the dispatcher needs. Nil
// means smart routing is disabled.
type Searcher interface {
	Search(ctx context.Context, query string, k int, threshold float64, scope api.Scope) ([]smart.Result, error)
}

// Dispatcher routes MCP operations to the connectors selected by a scope.
type Dispatcher struct {
	reg            *registry.Registry
	index          Searcher
	defaultTimeout time.Duration
	margin         float64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultTimeout overrides the per-call default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.defaultTimeout = d
		}
	}
}

// WithSmartIndex enables smart calls backed by the given index.
func WithSmartIndex(s Searcher) Option {
	return func(dp *Dispatcher) {
		dp.index = s
	}
}

// WithSmartCallMargin overrides the decisive-hit margin.
func WithSmartCallMargin(m float64) Option {
	return func(dp *Dispatcher) {
		if m > 0 {
			dp.margin = m
		}
	}
}

// New creates a dispatcher over the registry.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:            reg,
		defaultTimeout: DefaultCallTimeout,
		margin:         DefaultSmartCallMargin,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SmartEnabled reports whether smart calls are available.
func (d *Dispatcher) SmartEnabled() bool {
	return d.index != nil
}

// ListTools returns the scope's tools under their downstream-visible names,
// ready to be advertised over MCP.
func (d *Dispatcher) ListTools(scope api.Scope) ([]mcp.Tool, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}

	tools := make([]mcp.Tool, 0, len(view.Entries))
	for _, e := range view.Entries {
		tools = append(tools, exposedTool(e))
	}
	return tools, nil
}

// exposedTool renders a view entry as the MCP tool the downstream sees.
func exposedTool(e registry.Entry) mcp.Tool {
	tool := mcp.Tool{Name: e.Exposed, Description: e.Tool.Description}
	if raw, err := json.Marshal(e.Tool.InputSchema); err == nil {
		tool.RawInputSchema = raw
	}
	return tool
}

// ListPrompts aggregates prompts from every in-view connector. Names that
// collide across servers are exposed as "{server}/{prompt}"; unreachable
// upstreams are skipped with a warning rather than failing the listing.
func (d *Dispatcher) ListPrompts(ctx context.Context, scope api.Scope) ([]mcp.Prompt, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}

	type owned struct {
		server string
		prompt mcp.Prompt
	}
	counts := make(map[string]int)
	var all []owned
	for _, c := range view.Connectors() {
		prompts, err := c.ListPrompts(ctx)
		if err != nil {
			logging.Warn("Dispatcher", "Listing prompts on %s failed: %v", c.Name(), err)
			continue
		}
		for _, p := range prompts {
			counts[p.Name]++
			all = append(all, owned{server: c.Name(), prompt: p})
		}
	}

	out := make([]mcp.Prompt, 0, len(all))
	for _, o := range all {
		p := o.prompt
		if counts[p.Name] > 1 {
			p.Name = o.server + "/" + p.Name
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListResources aggregates resources from every in-view connector, with
// the same collision policy as prompts applied to the display name. URIs
// pass through untouched.
func (d *Dispatcher) ListResources(ctx context.Context, scope api.Scope) ([]mcp.Resource, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}

	type owned struct {
		server   string
		resource mcp.Resource
	}
	counts := make(map[string]int)
	var all []owned
	for _, c := range view.Connectors() {
		resources, err := c.ListResources(ctx)
		if err != nil {
			logging.Warn("Dispatcher", "Listing resources on %s failed: %v", c.Name(), err)
			continue
		}
		for _, r := range resources {
			counts[r.Name]++
			all = append(all, owned{server: c.Name(), resource: r})
		}
	}

	out := make([]mcp.Resource, 0, len(all))
	for _, o := range all {
		r := o.resource
		if counts[r.Name] > 1 {
			r.Name = o.server + "/" + r.Name
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CallTool resolves a downstream-visible tool name within the scope and
// forwards the call to the owning connector under the deadline policy.
func (d *Dispatcher) CallTool(ctx context.Context, scope api.Scope, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}
	tool, err := view.Resolve(name)
	if err != nil {
		return nil, err
	}
	conn, ok := view.Connector(tool.Server)
	if !ok {
		return nil, api.NewUpstreamError(tool.Server, api.KindTransport, "server not connected")
	}
	return d.dispatch(ctx, conn, tool.Name, args)
}

// dispatch runs one upstream call under the effective deadline: the
// server's configured timeout (else the dispatcher default) per attempt,
// optionally extended on progress, never beyond maxTotalTimeout.
func (d *Dispatcher) dispatch(ctx context.Context, conn *upstream.Connector, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	opts := conn.Config().Options

	attempt := d.defaultTimeout
	if t := opts.Timeout(); t > 0 {
		attempt = t
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	expire := func() {
		timedOut.Store(true)
		cancel()
	}

	timer := time.AfterFunc(attempt, expire)
	defer timer.Stop()

	if ceiling := opts.MaxTotalTimeout(); ceiling > 0 {
		total := time.AfterFunc(ceiling, expire)
		defer total.Stop()
	}

	var onProgress func()
	if opts.ResetOnProgress() {
		onProgress = func() { timer.Reset(attempt) }
	}

	start := time.Now()
	result, err := conn.CallTool(callCtx, tool, args, onProgress)
	if err != nil {
		if timedOut.Load() {
			elapsed := time.Since(start).Round(time.Millisecond)
			return nil, api.NewTimeoutError(conn.Name(), fmt.Sprintf("tool %s timed out after %s", tool, elapsed))
		}
		return nil, err
	}
	return result, nil
}

// GetPrompt resolves a prompt name the same way tools resolve: qualified
// names bind to their server, bare names must be unique among the in-view
// servers that advertise them.
func (d *Dispatcher) GetPrompt(ctx context.Context, scope api.Scope, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}

	if server, bare, ok := strings.Cut(name, "/"); ok {
		conn, found := view.Connector(server)
		if !found {
			return nil, api.NewUpstreamError(server, api.KindNotFound, fmt.Sprintf("prompt %s not found", name))
		}
		return conn.GetPrompt(ctx, bare, args)
	}

	var owners []*upstream.Connector
	for _, c := range view.Connectors() {
		prompts, err := c.ListPrompts(ctx)
		if err != nil {
			continue
		}
		for _, p := range prompts {
			if p.Name == name {
				owners = append(owners, c)
				break
			}
		}
	}

	switch len(owners) {
	case 1:
		return owners[0].GetPrompt(ctx, name, args)
	case 0:
		return nil, api.NewNotFoundError("prompt %s not found", name)
	default:
		return nil, api.NewUpstreamError("", api.KindNotFound, "ambiguous")
	}
}

// ReadResource forwards a resource read to the first in-view connector
// that can serve the URI.
func (d *Dispatcher) ReadResource(ctx context.Context, scope api.Scope, uri string) (*mcp.ReadResourceResult, error) {
	view, err := d.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, c := range view.Connectors() {
		result, err := c.ReadResource(ctx, uri)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, api.NewNotFoundError("resource %s not found", uri)
}

// SmartCall searches the scope for tools matching the query. A single hit
// that clears the search threshold by the configured margin is called
// directly with the given arguments; otherwise the ranked candidates come
// back as a structured result so the client picks.
func (d *Dispatcher) SmartCall(ctx context.Context, scope api.Scope, query string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if d.index == nil {
		return nil, api.NewConfigError("smart routing is not enabled")
	}

	results, err := d.index.Search(ctx, query, 0, 0, scope)
	if err != nil {
		return nil, err
	}

	if pick, ok := d.decisiveHit(results); ok {
		logging.Debug("Dispatcher", "Smart call resolved %q to %s/%s (similarity %.3f)", query, pick.Server, pick.Tool, pick.Similarity)
		return d.CallTool(ctx, scope, pick.Server+"/"+pick.Tool, args)
	}

	hint := "no tools matched the query"
	if len(results) > 0 {
		hint = "no single tool was a confident match; call one of the candidates by name"
	} else {
		results = []smart.Result{}
	}
	payload, err := json.MarshalIndent(struct {
		Query   string         `json:"query"`
		Results []smart.Result `json:"results"`
		Hint    string         `json:"hint"`
	}{Query: query, Results: results, Hint: hint}, "", "  ")
	if err != nil {
		return nil, api.NewInternalError(err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// decisiveHit reports whether exactly one result clears the search
// threshold by the margin. Degraded placeholder similarities never do.
func (d *Dispatcher) decisiveHit(results []smart.Result) (smart.Result, bool) {
	cut := smart.DefaultSearchThreshold + d.margin
	var decisive []smart.Result
	for _, r := range results {
		if r.Similarity >= cut {
			decisive = append(decisive, r)
		}
	}
	if len(decisive) == 1 {
		return decisive[0], true
	}
	return smart.Result{}, false
}
