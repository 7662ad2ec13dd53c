package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/settings"
)

const petAPITemplate = `{
	"openapi": "3.0.0",
	"info": {"title": "Pet API", "version": "1.0.0"},
	"servers": [{"url": %q}],
	"paths": {
		"/pets/{petId}": {
			"get": {
				"parameters": [
					{"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}},
					{"name": "verbose", "in": "query", "schema": {"type": "boolean"}},
					{"name": "X-Trace", "in": "header", "schema": {"type": "string"}}
				],
				"responses": {"200": {"description": "ok"}}
			}
		},
		"/pets": {
			"post": {
				"requestBody": {
					"required": true,
					"content": {
						"application/json": {
							"schema": {"type": "object", "properties": {"name": {"type": "string"}}}
						}
					}
				},
				"responses": {"201": {"description": "created"}}
			}
		}
	}
}`

func newPetAPIClient(t *testing.T, handler http.HandlerFunc, security *settings.SecurityConfig) *OpenAPIClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &settings.OpenAPIConfig{
		Schema:   json.RawMessage(fmt.Sprintf(petAPITemplate, srv.URL)),
		Security: security,
	}

	client, err := NewOpenAPIClient("petstore", cfg, map[string]string{"X-Hub": "1"})
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))

	return client
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	textContent, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return textContent.Text
}

func TestOpenAPIClientListTools(t *testing.T) {
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	names := []string{tools[0].Name, tools[1].Name}
	assert.ElementsMatch(t, []string{"get_pets", "post_pets"}, names)
}

func TestOpenAPIClientGetTranslation(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotTrace, gotHub string
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Encode()
		gotTrace = r.Header.Get("X-Trace")
		gotHub = r.Header.Get("X-Hub")
		fmt.Fprint(w, `{"name":"rex"}`)
	}, nil)

	result, err := client.CallTool(context.Background(), "get_pets", map[string]interface{}{
		"petId":   "42",
		"verbose": true,
		"extra":   "x",
		"X-Trace": "trace-1",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/pets/42", gotPath)
	assert.Equal(t, "extra=x&verbose=true", gotQuery)
	assert.Equal(t, "trace-1", gotTrace)
	assert.Equal(t, "1", gotHub)
	assert.Equal(t, `{"name":"rex"}`, resultText(t, result))
}

func TestOpenAPIClientPostBody(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "created")
	}, nil)

	result, err := client.CallTool(context.Background(), "post_pets", map[string]interface{}{
		"body": map[string]interface{}{"name": "rex"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"name":"rex"}`, string(gotBody))
	assert.Equal(t, "created", resultText(t, result))
}

func TestOpenAPIClientMissingRequiredBody(t *testing.T) {
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the upstream")
	}, nil)

	_, err := client.CallTool(context.Background(), "post_pets", map[string]interface{}{}, nil)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindSchema))
}

func TestOpenAPIClientMissingPathParameter(t *testing.T) {
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the upstream")
	}, nil)

	_, err := client.CallTool(context.Background(), "get_pets", map[string]interface{}{}, nil)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindSchema))
}

func TestOpenAPIClientUpstreamFailure(t *testing.T) {
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "no such pet")
	}, nil)

	_, err := client.CallTool(context.Background(), "get_pets", map[string]interface{}{"petId": "42"}, nil)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindUpstream))
	assert.Contains(t, err.Error(), "404 Not Found - no such pet")
}

func TestOpenAPIClientUnknownTool(t *testing.T) {
	client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	_, err := client.CallTool(context.Background(), "nope", nil, nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestOpenAPIClientSecurityProfiles(t *testing.T) {
	tests := []struct {
		name     string
		security *settings.SecurityConfig
		check    func(t *testing.T, r *http.Request)
	}{
		{
			name: "api key in header",
			security: &settings.SecurityConfig{
				Type:   "apiKey",
				APIKey: &settings.APIKeySecurity{Name: "X-API-Key", Value: "sekrit", In: "header"},
			},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "sekrit", r.Header.Get("X-API-Key"))
			},
		},
		{
			name: "api key in query",
			security: &settings.SecurityConfig{
				Type:   "apiKey",
				APIKey: &settings.APIKeySecurity{Name: "key", Value: "sekrit", In: "query"},
			},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "sekrit", r.URL.Query().Get("key"))
			},
		},
		{
			name: "api key in cookie",
			security: &settings.SecurityConfig{
				Type:   "apiKey",
				APIKey: &settings.APIKeySecurity{Name: "session", Value: "sekrit", In: "cookie"},
			},
			check: func(t *testing.T, r *http.Request) {
				cookie, err := r.Cookie("session")
				require.NoError(t, err)
				assert.Equal(t, "sekrit", cookie.Value)
			},
		},
		{
			name: "http bearer",
			security: &settings.SecurityConfig{
				Type: "http",
				HTTP: &settings.HTTPSecurity{Scheme: "bearer", Credentials: "tok-1"},
			},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			},
		},
		{
			name: "http basic",
			security: &settings.SecurityConfig{
				Type: "http",
				HTTP: &settings.HTTPSecurity{Scheme: "basic", Credentials: "user:pass"},
			},
			check: func(t *testing.T, r *http.Request) {
				want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
				assert.Equal(t, want, r.Header.Get("Authorization"))
			},
		},
		{
			name: "oauth2 token forwarded as bearer",
			security: &settings.SecurityConfig{
				Type:  "oauth2",
				Token: "pre-obtained",
			},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer pre-obtained", r.Header.Get("Authorization"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *http.Request
			client := newPetAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
				clone := *r
				seen = &clone
			}, tt.security)

			_, err := client.CallTool(context.Background(), "get_pets", map[string]interface{}{"petId": "1"}, nil)
			require.NoError(t, err)
			require.NotNil(t, seen)
			tt.check(t, seen)
		})
	}
}

func TestOpenAPIClientInvalidSecurityIsSchemaError(t *testing.T) {
	cfg := &settings.OpenAPIConfig{
		Schema:   json.RawMessage(fmt.Sprintf(petAPITemplate, "https://api.example.com")),
		Security: &settings.SecurityConfig{Type: "apiKey"},
	}

	client, err := NewOpenAPIClient("petstore", cfg, nil)
	require.NoError(t, err)

	err = client.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindSchema))
}

func TestOpenAPIClientRefreshesURLDocument(t *testing.T) {
	var fetches atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprintf(w, petAPITemplate, srv.URL)
	})

	cfg := &settings.OpenAPIConfig{URL: srv.URL + "/openapi.json"}
	client, err := NewOpenAPIClient("petstore", cfg, nil)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	assert.EqualValues(t, 1, fetches.Load())

	// within the refresh interval the cached synthesis is reused
	_, err = client.ListTools(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetches.Load())

	client.refreshInterval = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	_, err = client.ListTools(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetches.Load())
}

func TestOpenAPIClientRequiresURLOrSchema(t *testing.T) {
	_, err := NewOpenAPIClient("petstore", &settings.OpenAPIConfig{}, nil)
	assert.Error(t, err)

	_, err = NewOpenAPIClient("petstore", nil, nil)
	assert.Error(t, err)
}
