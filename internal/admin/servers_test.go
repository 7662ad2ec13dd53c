package admin

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/settings"
)

func TestServersListCombinesConfigAndRuntime(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodGet, "/servers", nil)
	require.Equal(t, http.StatusOK, status)

	var views []serverView
	decodeData(t, env, &views)
	require.Len(t, views, 2)

	assert.Equal(t, "github", views[0].Name)
	assert.Equal(t, settings.ServerTypeStdio, views[0].Type)
	assert.Equal(t, api.StatusConnected, views[0].Status)
	assert.True(t, views[0].Enabled)
	assert.Len(t, views[0].Tools, 2)
	require.NotNil(t, views[0].Config)
	assert.Equal(t, "github-mcp", views[0].Config.Command)

	assert.Equal(t, "slack", views[1].Name)
	assert.Len(t, views[1].Tools, 1)
}

func TestServerCreate(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/servers", map[string]interface{}{
		"name":   "notion",
		"config": map[string]interface{}{"type": "stdio", "command": "notion-mcp"},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, env.Success)

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	require.Contains(t, raw.MCPServers, "notion")
	assert.Equal(t, "notion-mcp", raw.MCPServers["notion"].Command)
}

func TestServerCreateDuplicateNameIsForbidden(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/servers", map[string]interface{}{
		"name":   "github",
		"config": map[string]interface{}{"type": "stdio", "command": "other"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, api.KindConfig, env.Error.Kind)
	assert.Contains(t, env.Error.Message, "already exists")
}

func TestServerCreateValidatesPayload(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	// Missing config.
	status, env := fx.do(t, http.MethodPost, "/servers", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, api.KindConfig, env.Error.Kind)

	// A stdio server without a command.
	status, env = fx.do(t, http.MethodPost, "/servers", map[string]interface{}{
		"name":   "x",
		"config": map[string]interface{}{"type": "stdio"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, api.KindConfig, env.Error.Kind)
}

func TestServerUpdate(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, _ := fx.do(t, http.MethodPut, "/servers/github", map[string]interface{}{
		"config": map[string]interface{}{"type": "stdio", "command": "github-mcp", "args": []string{"--verbose"}},
	})
	require.Equal(t, http.StatusOK, status)

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, raw.MCPServers["github"].Args)

	status, env := fx.do(t, http.MethodPut, "/servers/ghost", map[string]interface{}{
		"config": map[string]interface{}{"type": "stdio", "command": "ghost-mcp"},
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.KindNotFound, env.Error.Kind)
}

func TestServerDelete(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, _ := fx.do(t, http.MethodDelete, "/servers/slack", nil)
	require.Equal(t, http.StatusOK, status)

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	assert.NotContains(t, raw.MCPServers, "slack")

	status, env := fx.do(t, http.MethodDelete, "/servers/slack", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.KindNotFound, env.Error.Kind)
}

func TestServerToggle(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/servers/github/toggle", map[string]interface{}{
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	assert.False(t, raw.MCPServers["github"].IsEnabled())

	// The flag is required, not defaulted.
	status, env = fx.do(t, http.MethodPost, "/servers/github/toggle", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, api.KindConfig, env.Error.Kind)
}
