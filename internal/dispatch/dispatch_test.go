package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/pool"
	"mcphub/internal/registry"
	"mcphub/internal/settings"
	"mcphub/internal/smart"
	"mcphub/internal/upstream/upstreamtest"
)

func testTools(names ...string) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, mcp.Tool{Name: n, Description: "test tool " + n})
	}
	return out
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	textContent, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return textContent.Text
}

// fakeSearcher returns scripted smart-search results.
type fakeSearcher struct {
	results []smart.Result
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int, threshold float64, scope api.Scope) ([]smart.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// newFixture boots two servers that both expose "search" plus per-server
// prompts and resources, and returns a dispatcher over them.
func newFixture(t *testing.T, opts ...Option) (*Dispatcher, *upstreamtest.Factory) {
	t.Helper()

	f := upstreamtest.NewFactory()
	f.Script("a", upstreamtest.Script{
		Tools:     testTools("search", "alpha_only"),
		Prompts:   []mcp.Prompt{{Name: "daily"}, {Name: "shared"}},
		Resources: []mcp.Resource{{URI: "res://a/data", Name: "data"}},
		GetPromptFn: func(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{Description: "a:" + name}, nil
		},
		ReadResourceFn: func(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
			if uri != "res://a/data" {
				return nil, fmt.Errorf("resource not found")
			}
			return &mcp.ReadResourceResult{}, nil
		},
	})
	f.Script("b", upstreamtest.Script{
		Tools:   testTools("search", "beta_only"),
		Prompts: []mcp.Prompt{{Name: "shared"}},
		GetPromptFn: func(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{Description: "b:" + name}, nil
		},
		ReadResourceFn: func(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
			return nil, fmt.Errorf("resource not found")
		},
	})

	snap := &settings.Settings{
		MCPServers: map[string]*settings.ServerConfig{
			"a": {Type: settings.ServerTypeStdio, Command: "a-mcp"},
			"b": {Type: settings.ServerTypeStdio, Command: "b-mcp"},
		},
	}

	p := pool.New(pool.WithClientFactory(f.ClientFactory()), pool.WithInitTimeout(5*time.Second))
	t.Cleanup(p.Shutdown)
	require.NoError(t, p.Boot(context.Background(), snap))

	reg := registry.New(p, func() *settings.Settings { return snap })
	return New(reg, opts...), f
}

func TestListToolsExposesViewNames(t *testing.T) {
	d, _ := newFixture(t)

	tools, err := d.ListTools(api.GlobalScope())
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.RawInputSchema)
	}
	assert.Equal(t, []string{"a/search", "alpha_only", "b/search", "beta_only"}, names)
}

func TestCallToolRoutesToOwningServer(t *testing.T) {
	d, f := newFixture(t)

	result, err := d.CallTool(context.Background(), api.GlobalScope(), "alpha_only", map[string]interface{}{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resultText(t, result))

	name, args := f.Last("a").LastCall()
	assert.Equal(t, "alpha_only", name)
	assert.Equal(t, map[string]interface{}{"q": "x"}, args)
}

func TestCallToolQualifiedName(t *testing.T) {
	d, f := newFixture(t)

	_, err := d.CallTool(context.Background(), api.GlobalScope(), "b/search", nil)
	require.NoError(t, err)

	name, _ := f.Last("b").LastCall()
	assert.Equal(t, "search", name, "upstream sees the bare name")
}

func TestCallToolAmbiguousBareName(t *testing.T) {
	d, _ := newFixture(t)

	_, err := d.CallTool(context.Background(), api.GlobalScope(), "search", nil)
	require.Error(t, err)

	var ue *api.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, api.KindNotFound, ue.Kind)
	assert.Equal(t, "ambiguous", ue.Message)
}

func TestCallToolUnknownScope(t *testing.T) {
	d, _ := newFixture(t)

	_, err := d.CallTool(context.Background(), api.GroupScope("no-such-group"), "search", nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestCallToolTimeout(t *testing.T) {
	f := upstreamtest.NewFactory()
	f.Script("slow", upstreamtest.Script{
		Tools: testTools("hang"),
		Call: func(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	snap := &settings.Settings{MCPServers: map[string]*settings.ServerConfig{
		"slow": {Type: settings.ServerTypeStdio, Command: "slow-mcp", Options: &settings.ServerOptions{TimeoutMs: 60}},
	}}
	p := pool.New(pool.WithClientFactory(f.ClientFactory()), pool.WithInitTimeout(5*time.Second))
	t.Cleanup(p.Shutdown)
	require.NoError(t, p.Boot(context.Background(), snap))
	d := New(registry.New(p, func() *settings.Settings { return snap }))

	_, err := d.CallTool(context.Background(), api.GlobalScope(), "hang", nil)
	require.Error(t, err)
	assert.True(t, api.IsTimeout(err))

	var ue *api.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "slow", ue.Server)
}

func TestCallToolCallerDeadlineWins(t *testing.T) {
	f := upstreamtest.NewFactory()
	f.Script("slow", upstreamtest.Script{
		Tools: testTools("hang"),
		Call: func(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	// Per-request timeout is generous; the caller's context is not.
	snap := &settings.Settings{MCPServers: map[string]*settings.ServerConfig{
		"slow": {Type: settings.ServerTypeStdio, Command: "slow-mcp", Options: &settings.ServerOptions{TimeoutMs: 60000}},
	}}
	p := pool.New(pool.WithClientFactory(f.ClientFactory()), pool.WithInitTimeout(5*time.Second))
	t.Cleanup(p.Shutdown)
	require.NoError(t, p.Boot(context.Background(), snap))
	d := New(registry.New(p, func() *settings.Settings { return snap }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.CallTool(ctx, api.GlobalScope(), "hang", nil)
	require.Error(t, err)
	assert.True(t, api.IsTimeout(err))
	assert.Less(t, time.Since(start), 5*time.Second, "caller deadline must cut the call short")
}

func TestCallToolProgressExtendsDeadline(t *testing.T) {
	f := upstreamtest.NewFactory()
	f.Script("steady", upstreamtest.Script{
		Tools: testTools("work"),
		Call: func(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
			for i := 0; i < 4; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(40 * time.Millisecond):
					if onProgress != nil {
						onProgress()
					}
				}
			}
			return mcp.NewToolResultText("done"), nil
		},
	})

	snap := &settings.Settings{MCPServers: map[string]*settings.ServerConfig{
		"steady": {Type: settings.ServerTypeStdio, Command: "steady-mcp", Options: &settings.ServerOptions{
			TimeoutMs:              80,
			ResetTimeoutOnProgress: true,
		}},
	}}
	p := pool.New(pool.WithClientFactory(f.ClientFactory()), pool.WithInitTimeout(5*time.Second))
	t.Cleanup(p.Shutdown)
	require.NoError(t, p.Boot(context.Background(), snap))
	d := New(registry.New(p, func() *settings.Settings { return snap }))

	result, err := d.CallTool(context.Background(), api.GlobalScope(), "work", nil)
	require.NoError(t, err, "progress events keep the call alive past the per-attempt timeout")
	assert.Equal(t, "done", resultText(t, result))
}

func TestCallToolCeilingCapsProgressExtensions(t *testing.T) {
	f := upstreamtest.NewFactory()
	f.Script("chatty", upstreamtest.Script{
		Tools: testTools("forever"),
		Call: func(ctx context.Context, name string, args map[string]interface{}, onProgress func()) (*mcp.CallToolResult, error) {
			for {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(30 * time.Millisecond):
					if onProgress != nil {
						onProgress()
					}
				}
			}
		},
	})

	snap := &settings.Settings{MCPServers: map[string]*settings.ServerConfig{
		"chatty": {Type: settings.ServerTypeStdio, Command: "chatty-mcp", Options: &settings.ServerOptions{
			TimeoutMs:              60,
			MaxTotalTimeoutMs:      200,
			ResetTimeoutOnProgress: true,
		}},
	}}
	p := pool.New(pool.WithClientFactory(f.ClientFactory()), pool.WithInitTimeout(5*time.Second))
	t.Cleanup(p.Shutdown)
	require.NoError(t, p.Boot(context.Background(), snap))
	d := New(registry.New(p, func() *settings.Settings { return snap }))

	start := time.Now()
	_, err := d.CallTool(context.Background(), api.GlobalScope(), "forever", nil)
	require.Error(t, err)
	assert.True(t, api.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second, "ceiling cuts off endless extensions")
}

func TestListPromptsQualifiesCollisions(t *testing.T) {
	d, _ := newFixture(t)

	prompts, err := d.ListPrompts(context.Background(), api.GlobalScope())
	require.NoError(t, err)

	names := make([]string, 0, len(prompts))
	for _, p := range prompts {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"a/shared", "b/shared", "daily"}, names)
}

func TestGetPromptResolution(t *testing.T) {
	d, _ := newFixture(t)
	ctx := context.Background()

	result, err := d.GetPrompt(ctx, api.GlobalScope(), "daily", nil)
	require.NoError(t, err)
	assert.Equal(t, "a:daily", result.Description)

	result, err = d.GetPrompt(ctx, api.GlobalScope(), "b/shared", nil)
	require.NoError(t, err)
	assert.Equal(t, "b:shared", result.Description)

	_, err = d.GetPrompt(ctx, api.GlobalScope(), "shared", nil)
	require.Error(t, err)
	var ue *api.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "ambiguous", ue.Message)

	_, err = d.GetPrompt(ctx, api.GlobalScope(), "nope", nil)
	assert.True(t, api.IsNotFound(err))
}

func TestListResources(t *testing.T) {
	d, _ := newFixture(t)

	resources, err := d.ListResources(context.Background(), api.GlobalScope())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "res://a/data", resources[0].URI)
}

func TestReadResourceFindsOwningServer(t *testing.T) {
	d, _ := newFixture(t)

	_, err := d.ReadResource(context.Background(), api.GlobalScope(), "res://a/data")
	require.NoError(t, err)

	_, err = d.ReadResource(context.Background(), api.GlobalScope(), "res://nowhere")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestSmartCallDecisiveHitCallsDirectly(t *testing.T) {
	searcher := &fakeSearcher{results: []smart.Result{
		{Server: "a", Tool: "alpha_only", Similarity: 0.93},
		{Server: "b", Tool: "search", Similarity: 0.71},
	}}
	d, f := newFixture(t, WithSmartIndex(searcher))

	result, err := d.SmartCall(context.Background(), api.GlobalScope(), "do the alpha thing", map[string]interface{}{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, "ok", resultText(t, result))

	name, args := f.Last("a").LastCall()
	assert.Equal(t, "alpha_only", name)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, args)
}

func TestSmartCallReturnsRankedListWhenUndecided(t *testing.T) {
	searcher := &fakeSearcher{results: []smart.Result{
		{Server: "a", Tool: "search", Similarity: 0.90},
		{Server: "b", Tool: "search", Similarity: 0.88},
	}}
	d, f := newFixture(t, WithSmartIndex(searcher))

	result, err := d.SmartCall(context.Background(), api.GlobalScope(), "search stuff", nil)
	require.NoError(t, err)

	var payload struct {
		Query   string         `json:"query"`
		Results []smart.Result `json:"results"`
		Hint    string         `json:"hint"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &payload))
	assert.Equal(t, "search stuff", payload.Query)
	require.Len(t, payload.Results, 2)
	assert.NotEmpty(t, payload.Hint)

	name, _ := f.Last("a").LastCall()
	assert.Empty(t, name, "no upstream call happens for an undecided query")
}

func TestSmartCallDegradedNeverCallsDirectly(t *testing.T) {
	searcher := &fakeSearcher{results: []smart.Result{
		{Server: "a", Tool: "alpha_only", Similarity: smart.PlaceholderSimilarity},
	}}
	d, f := newFixture(t, WithSmartIndex(searcher))

	result, err := d.SmartCall(context.Background(), api.GlobalScope(), "anything", nil)
	require.NoError(t, err)

	var payload struct {
		Results []smart.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &payload))
	require.Len(t, payload.Results, 1)
	assert.Equal(t, smart.PlaceholderSimilarity, payload.Results[0].Similarity)

	name, _ := f.Last("a").LastCall()
	assert.Empty(t, name)
}

func TestSmartCallEmptyResults(t *testing.T) {
	d, _ := newFixture(t, WithSmartIndex(&fakeSearcher{}))

	result, err := d.SmartCall(context.Background(), api.GlobalScope(), "nothing like this", nil)
	require.NoError(t, err)

	var payload struct {
		Results []smart.Result `json:"results"`
		Hint    string         `json:"hint"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &payload))
	assert.NotNil(t, payload.Results)
	assert.Empty(t, payload.Results)
	assert.Equal(t, "no tools matched the query", payload.Hint)
}

func TestSmartCallDisabled(t *testing.T) {
	d, _ := newFixture(t)

	require.False(t, d.SmartEnabled())
	_, err := d.SmartCall(context.Background(), api.GlobalScope(), "query", nil)
	require.Error(t, err)
	assert.Equal(t, api.KindConfig, api.KindOf(err))
}
