package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/internal/settings"
	"mcphub/pkg/logging"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultOpenAPIRefreshInterval is how long a document fetched from a URL
// is trusted before it is re-fetched and tools are re-synthesized.
const DefaultOpenAPIRefreshInterval = 15 * time.Minute

// openAPIFetchTimeout bounds a single document fetch.
const openAPIFetchTimeout = 30 * time.Second

// OpenAPIClient implements the MCPClient interface on top of a plain REST
// API described by an OpenAPI document. There is no MCP server on the other
// side: tools are synthesized from the document's operations and tool calls
// are translated into HTTP requests.
type OpenAPIClient struct {
	name       string
	cfg        *settings.OpenAPIConfig
	headers    map[string]string
	httpClient *http.Client

	mu              sync.RWMutex
	connected       bool
	baseURL         string
	operations      map[string]*restOperation
	order           []string
	fetchedAt       time.Time
	refreshInterval time.Duration
}

// NewOpenAPIClient creates a client for the given OpenAPI configuration.
// The headers are sent on every translated request in addition to the
// configured security profile.
func NewOpenAPIClient(name string, cfg *settings.OpenAPIConfig, headers map[string]string) (*OpenAPIClient, error) {
	if cfg == nil || (cfg.URL == "" && len(cfg.Schema) == 0) {
		return nil, fmt.Errorf("openapi server requires a url or an inline schema")
	}
	if headers == nil {
		headers = make(map[string]string)
	}
	return &OpenAPIClient{
		name:            name,
		cfg:             cfg,
		headers:         headers,
		httpClient:      &http.Client{},
		refreshInterval: DefaultOpenAPIRefreshInterval,
	}, nil
}

// Initialize loads the OpenAPI document and synthesizes one tool per
// operation. Document problems are reported as schema errors so the
// connector does not retry a document that will never parse.
func (c *OpenAPIClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := validateSecurity(c.cfg.Security); err != nil {
		return api.NewSchemaError(c.name, err.Error())
	}

	if err := c.loadLocked(ctx); err != nil {
		return err
	}

	c.connected = true
	logging.Debug("OpenAPIClient", "Synthesized %d tools for %s from OpenAPI document", len(c.order), c.name)

	return nil
}

// loadLocked fetches (or reads) the document, synthesizes operations and
// derives the request base URL. Caller must hold the write lock.
func (c *OpenAPIClient) loadLocked(ctx context.Context) error {
	data := []byte(c.cfg.Schema)
	if len(data) == 0 {
		fetched, err := c.fetchDocument(ctx)
		if err != nil {
			return err
		}
		data = fetched
	}

	doc, err := loadOpenAPIDocument(data)
	if err != nil {
		return api.NewSchemaError(c.name, err.Error())
	}

	ops, err := synthesizeOperations(doc)
	if err != nil {
		return api.NewSchemaError(c.name, err.Error())
	}

	baseURL, err := deriveBaseURL(doc, c.cfg.URL)
	if err != nil {
		return api.NewSchemaError(c.name, err.Error())
	}

	operations := make(map[string]*restOperation, len(ops))
	order := make([]string, 0, len(ops))
	for _, op := range ops {
		operations[op.Name] = op
		order = append(order, op.Name)
	}

	c.baseURL = baseURL
	c.operations = operations
	c.order = order
	c.fetchedAt = time.Now()

	return nil
}

func (c *OpenAPIClient) fetchDocument(ctx context.Context) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, openAPIFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build document request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OpenAPI document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch OpenAPI document: %s returned %d", c.cfg.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI document: %w", err)
	}

	return data, nil
}

// deriveBaseURL picks the request base URL: the document's first server
// entry when present (resolved against the document URL when relative),
// otherwise the origin the document was fetched from.
func deriveBaseURL(doc *openapi3.T, specURL string) (string, error) {
	var raw string
	if len(doc.Servers) > 0 && doc.Servers[0] != nil {
		raw = doc.Servers[0].URL
	}

	if raw == "" {
		if specURL == "" {
			return "", fmt.Errorf("openapi document declares no servers and no document url is configured")
		}
		u, err := url.Parse(specURL)
		if err != nil {
			return "", fmt.Errorf("invalid document url %q: %w", specURL, err)
		}
		return u.Scheme + "://" + u.Host, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}

	if !u.IsAbs() {
		if specURL == "" {
			return "", fmt.Errorf("relative server url %q requires a document url to resolve against", raw)
		}
		base, err := url.Parse(specURL)
		if err != nil {
			return "", fmt.Errorf("invalid document url %q: %w", specURL, err)
		}
		u = base.ResolveReference(u)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// ensureFresh re-fetches URL-based documents past their refresh interval.
// A failed refresh keeps the previously synthesized tools.
func (c *OpenAPIClient) ensureFresh(ctx context.Context) {
	if c.cfg.URL == "" || len(c.cfg.Schema) > 0 {
		return
	}

	c.mu.RLock()
	stale := c.connected && time.Since(c.fetchedAt) > c.refreshInterval
	c.mu.RUnlock()
	if !stale {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || time.Since(c.fetchedAt) <= c.refreshInterval {
		return
	}
	if err := c.loadLocked(ctx); err != nil {
		// keep serving the old synthesis
		c.fetchedAt = time.Now()
		logging.Warn("OpenAPIClient", "Failed to refresh OpenAPI document for %s: %v", c.name, err)
	}
}

// Close releases the synthesized state.
func (c *OpenAPIClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.operations = nil
	c.order = nil

	return nil
}

// ListTools returns the synthesized tools in a stable order.
func (c *OpenAPIClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return nil, fmt.Errorf("client not connected")
	}

	tools := make([]mcp.Tool, 0, len(c.order))
	for _, name := range c.order {
		tools = append(tools, c.operations[name].Tool())
	}

	return tools, nil
}

// CallTool translates a synthesized tool call into an HTTP request against
// the upstream API. onProgress is ignored; plain HTTP calls report no
// progress.
func (c *OpenAPIClient) CallTool(ctx context.Context, name string, args map[string]interface{}, _ func()) (*mcp.CallToolResult, error) {
	c.ensureFresh(ctx)

	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return nil, fmt.Errorf("client not connected")
	}
	op, ok := c.operations[name]
	baseURL := c.baseURL
	c.mu.RUnlock()

	if !ok {
		return nil, api.NewUpstreamError(c.name, api.KindNotFound, fmt.Sprintf("tool %s not found", name))
	}

	req, err := c.buildRequest(ctx, baseURL, op, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := fmt.Sprintf("%d %s - %s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body)))
		return nil, api.NewUpstreamError(c.name, api.KindUpstream, message)
	}

	return mcp.NewToolResultText(string(body)), nil
}

// buildRequest renders the operation's path template, distributes arguments
// over path, query, headers and body, and applies the security profile.
func (c *OpenAPIClient) buildRequest(ctx context.Context, baseURL string, op *restOperation, args map[string]interface{}) (*http.Request, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	consumed := make(map[string]bool)

	path := op.Path
	for _, param := range op.PathParams {
		value, ok := args[param.Name]
		if !ok {
			return nil, api.NewSchemaError(c.name, fmt.Sprintf("missing required path parameter %q", param.Name))
		}
		path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(argString(value)))
		consumed[param.Name] = true
	}

	var bodyReader io.Reader
	sendBody := op.HasBody && methodAllowsBody(op.Method)
	if sendBody {
		value, ok := args["body"]
		if !ok && op.BodyRequired {
			return nil, api.NewSchemaError(c.name, "missing required request body")
		}
		if ok {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, api.NewSchemaError(c.name, fmt.Sprintf("request body is not serializable: %v", err))
			}
			bodyReader = bytes.NewReader(encoded)
			consumed["body"] = true
		}
	}

	headerValues := make(map[string]string)
	for _, param := range op.HeaderParams {
		if value, ok := args[param.Name]; ok {
			headerValues[param.Name] = argString(value)
			consumed[param.Name] = true
		} else if param.Required {
			return nil, api.NewSchemaError(c.name, fmt.Sprintf("missing required header parameter %q", param.Name))
		}
	}

	for _, param := range op.QueryParams {
		if param.Required {
			if _, ok := args[param.Name]; !ok {
				return nil, api.NewSchemaError(c.name, fmt.Sprintf("missing required query parameter %q", param.Name))
			}
		}
	}

	// everything not consumed by the path, headers or body travels in the
	// query string
	query := url.Values{}
	for name, value := range args {
		if consumed[name] {
			continue
		}
		for _, v := range queryStrings(value) {
			query.Add(name, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.URL.RawQuery = query.Encode()

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headerValues {
		req.Header.Set(k, v)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	applySecurity(req, c.cfg.Security)

	return req, nil
}

func methodAllowsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// argString renders a tool argument for use in a path or header.
func argString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// queryStrings renders a tool argument as query values. Arrays become
// repeated parameters; objects are serialized as JSON.
func queryStrings(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		values := make([]string, 0, len(t))
		for _, item := range t {
			values = append(values, queryScalar(item))
		}
		return values
	default:
		return []string{queryScalar(v)}
	}
}

func queryScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(encoded)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ListResources reports no resources; REST upstreams expose tools only.
func (c *OpenAPIClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return nil, nil
}

// ReadResource is not supported for OpenAPI upstreams.
func (c *OpenAPIClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, fmt.Errorf("resources are not supported for openapi servers")
}

// ListPrompts reports no prompts; REST upstreams expose tools only.
func (c *OpenAPIClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return nil, nil
}

// GetPrompt is not supported for OpenAPI upstreams.
func (c *OpenAPIClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, fmt.Errorf("prompts are not supported for openapi servers")
}

// Ping reports the client as healthy while it holds a synthesized document.
func (c *OpenAPIClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("client not connected")
	}
	return nil
}
