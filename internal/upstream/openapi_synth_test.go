package upstream

import (
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoadDoc(t *testing.T, data string) *openapi3.T {
	t.Helper()
	doc, err := loadOpenAPIDocument([]byte(data))
	require.NoError(t, err)
	return doc
}

func TestSynthesizeName(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/users", "get_users"},
		{"POST", "/users", "post_users"},
		{"GET", "/users/{id}", "get_users"},
		{"DELETE", "/users/{id}", "delete_users"},
		{"GET", "/admin/settings", "get_admin_settings"},
		{"GET", "/", "get_root"},
		{"GET", "/users/{id}/posts/{postId}", "get_users_posts"},
		{"GET", "/api/v1/user-profiles", "get_api_v1_userprofiles"},
		{"PUT", "/Users", "put_users"},
		{"GET", "/{tenant}", "get_root"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, synthesizeName(tt.method, tt.path))
		})
	}
}

func TestUniqueName(t *testing.T) {
	used := map[string]bool{"get_users": true}
	assert.Equal(t, "get_users1", uniqueName("get_users", used))

	used["get_users1"] = true
	assert.Equal(t, "get_users2", uniqueName("get_users", used))

	assert.Equal(t, "post_users", uniqueName("post_users", used))
}

func TestSynthesizeOperationsNames(t *testing.T) {
	doc := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "Test API", "version": "1.0.0"},
		"paths": {
			"/users": {
				"get": {"responses": {"200": {"description": "ok"}}},
				"post": {"responses": {"201": {"description": "created"}}}
			},
			"/users/{id}": {
				"get": {
					"parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
					"responses": {"200": {"description": "ok"}}
				},
				"delete": {
					"parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
					"responses": {"204": {"description": "deleted"}}
				}
			},
			"/admin/settings": {
				"get": {"responses": {"200": {"description": "ok"}}}
			},
			"/": {
				"get": {"responses": {"200": {"description": "ok"}}}
			}
		}
	}`)

	ops, err := synthesizeOperations(doc)
	require.NoError(t, err)

	names := make([]string, 0, len(ops))
	byName := make(map[string]*restOperation)
	for _, op := range ops {
		names = append(names, op.Name)
		byName[op.Name] = op
	}

	assert.ElementsMatch(t, []string{
		"get_users", "post_users", "get_users1", "delete_users", "get_admin_settings", "get_root",
	}, names)

	// the plain collection path claims the bare name, the parameterized
	// one gets the suffix
	assert.Equal(t, "/users", byName["get_users"].Path)
	assert.Equal(t, "/users/{id}", byName["get_users1"].Path)
	assert.Equal(t, "/users/{id}", byName["delete_users"].Path)
	assert.Equal(t, "/", byName["get_root"].Path)
}

func TestSynthesizeOperationsOperationIDWins(t *testing.T) {
	doc := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "Test API", "version": "1.0.0"},
		"paths": {
			"/accounts": {
				"get": {
					"operationId": "listAccounts",
					"responses": {"200": {"description": "ok"}}
				}
			}
		}
	}`)

	ops, err := synthesizeOperations(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "listAccounts", ops[0].Name)
}

func TestSynthesizeOperationsOperationIDCollision(t *testing.T) {
	// /admin sorts before /users, so its operationId claims get_users
	// first and the synthesized name is suffixed.
	doc := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "Test API", "version": "1.0.0"},
		"paths": {
			"/admin": {
				"get": {
					"operationId": "get_users",
					"responses": {"200": {"description": "ok"}}
				}
			},
			"/users": {
				"get": {"responses": {"200": {"description": "ok"}}}
			}
		}
	}`)

	ops, err := synthesizeOperations(doc)
	require.NoError(t, err)

	byName := make(map[string]string)
	for _, op := range ops {
		byName[op.Name] = op.Path
	}

	assert.Equal(t, "/admin", byName["get_users"])
	assert.Equal(t, "/users", byName["get_users1"])
}

func TestSynthesizeOperationsInputSchema(t *testing.T) {
	doc := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "Test API", "version": "1.0.0"},
		"paths": {
			"/items/{itemId}": {
				"post": {
					"description": "Update an item",
					"parameters": [
						{"name": "itemId", "in": "path", "required": true, "schema": {"type": "string"}, "description": "Item identifier"},
						{"name": "verbose", "in": "query", "schema": {"type": "boolean", "default": false}},
						{"name": "limit", "in": "query", "required": true, "schema": {"type": "integer", "maximum": 100}},
						{"name": "X-Trace", "in": "header", "schema": {"type": "string"}}
					],
					"requestBody": {
						"required": true,
						"content": {
							"application/json": {
								"schema": {"type": "object", "properties": {"name": {"type": "string"}}}
							}
						}
					},
					"responses": {"200": {"description": "ok"}}
				}
			}
		}
	}`)

	ops, err := synthesizeOperations(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, "post_items", op.Name)
	assert.Equal(t, "Update an item", op.Description)
	assert.Equal(t, "POST", op.Method)
	assert.True(t, op.HasBody)
	assert.True(t, op.BodyRequired)
	require.Len(t, op.PathParams, 1)
	require.Len(t, op.QueryParams, 2)
	require.Len(t, op.HeaderParams, 1)

	schema := op.InputSchema
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"itemId", "limit", "body"}, schema.Required)

	itemID, ok := schema.Properties["itemId"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "string", itemID["type"])
	assert.Equal(t, "Item identifier", itemID["description"])

	verbose, ok := schema.Properties["verbose"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "boolean", verbose["type"])
	assert.Equal(t, false, verbose["default"])

	limit, ok := schema.Properties["limit"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "integer", limit["type"])
	assert.Equal(t, float64(100), limit["maximum"])

	body, ok := schema.Properties["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "object", body["type"])

	// header parameters travel as headers, not schema properties
	_, hasHeader := schema.Properties["X-Trace"]
	assert.False(t, hasHeader)
}

func TestSynthesizeOperationsPathLevelParameters(t *testing.T) {
	doc := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "Test API", "version": "1.0.0"},
		"paths": {
			"/orgs/{org}": {
				"parameters": [
					{"name": "org", "in": "path", "required": true, "schema": {"type": "string"}}
				],
				"get": {"responses": {"200": {"description": "ok"}}}
			}
		}
	}`)

	ops, err := synthesizeOperations(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	require.Len(t, op.PathParams, 1)
	assert.Equal(t, "org", op.PathParams[0].Name)
	assert.Contains(t, op.InputSchema.Properties, "org")
}

func TestDeriveBaseURL(t *testing.T) {
	withServers := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "t", "version": "1"},
		"servers": [{"url": "https://api.example.com/v2/"}],
		"paths": {}
	}`)
	got, err := deriveBaseURL(withServers, "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2", got)

	relative := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "t", "version": "1"},
		"servers": [{"url": "/api/v1"}],
		"paths": {}
	}`)
	got, err = deriveBaseURL(relative, "https://host.example.com/spec/openapi.json")
	require.NoError(t, err)
	assert.Equal(t, "https://host.example.com/api/v1", got)

	noServers := mustLoadDoc(t, `{
		"openapi": "3.0.0",
		"info": {"title": "t", "version": "1"},
		"paths": {}
	}`)
	got, err = deriveBaseURL(noServers, "https://host.example.com/spec/openapi.json")
	require.NoError(t, err)
	assert.Equal(t, "https://host.example.com", got)

	_, err = deriveBaseURL(noServers, "")
	assert.Error(t, err)
}

func TestLoadOpenAPIDocumentRejectsGarbage(t *testing.T) {
	_, err := loadOpenAPIDocument([]byte(`{"not": "openapi"}`))
	assert.Error(t, err)
}
