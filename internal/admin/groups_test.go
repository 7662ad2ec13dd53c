package admin

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/settings"
)

func memberNames(grp *settings.Group) []string {
	names := make([]string, 0, len(grp.Servers))
	for _, m := range grp.Servers {
		names = append(names, m.Name)
	}
	return names
}

func TestGroupCreateAssignsID(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/groups", map[string]interface{}{
		"name":        "dev",
		"description": "development servers",
		"servers":     []string{"github", "ghost"},
	})
	require.Equal(t, http.StatusCreated, status)

	var grp settings.Group
	decodeData(t, env, &grp)
	assert.NotEmpty(t, grp.ID)
	assert.Equal(t, "dev", grp.Name)
	assert.Equal(t, []string{"github"}, memberNames(&grp), "unknown servers are dropped")

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	found, ok := raw.FindGroup(grp.ID)
	require.True(t, ok)
	assert.Equal(t, "dev", found.Name)
}

func TestGroupCreateDuplicateName(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/groups", map[string]interface{}{"name": "ops"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, api.KindConfig, env.Error.Kind)
}

func TestGroupGetByIDOrName(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	for _, key := range []string{"g-ops", "ops"} {
		status, env := fx.do(t, http.MethodGet, "/groups/"+key, nil)
		require.Equal(t, http.StatusOK, status, key)

		var grp settings.Group
		decodeData(t, env, &grp)
		assert.Equal(t, "g-ops", grp.ID)
	}

	status, env := fx.do(t, http.MethodGet, "/groups/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.KindNotFound, env.Error.Kind)
}

func TestGroupUpdateMergesFields(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPut, "/groups/g-ops", map[string]interface{}{
		"description": "ops servers",
		"servers":     []string{"github", "slack"},
	})
	require.Equal(t, http.StatusOK, status)

	var grp settings.Group
	decodeData(t, env, &grp)
	assert.Equal(t, "ops", grp.Name, "name untouched when absent")
	assert.Equal(t, "ops servers", grp.Description)
	assert.Equal(t, []string{"github", "slack"}, memberNames(&grp))
}

func TestGroupUpdateRejectsTakenName(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, _ := fx.do(t, http.MethodPost, "/groups", map[string]interface{}{"name": "dev"})
	require.Equal(t, http.StatusCreated, status)

	status, env := fx.do(t, http.MethodPut, "/groups/g-ops", map[string]interface{}{"name": "dev"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, api.KindConfig, env.Error.Kind)
}

func TestGroupDelete(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, _ := fx.do(t, http.MethodDelete, "/groups/g-ops", nil)
	require.Equal(t, http.StatusOK, status)

	raw, err := fx.store.Raw()
	require.NoError(t, err)
	assert.Empty(t, raw.Groups)

	status, env := fx.do(t, http.MethodDelete, "/groups/g-ops", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.KindNotFound, env.Error.Kind)
}

func TestGroupBatchReplacesMembers(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPut, "/groups/g-ops/servers/batch", map[string]interface{}{
		"servers": []string{"slack", "slack", "ghost"},
	})
	require.Equal(t, http.StatusOK, status)

	var grp settings.Group
	decodeData(t, env, &grp)
	assert.Equal(t, []string{"slack"}, memberNames(&grp), "duplicates and unknown names are dropped")
}

func TestGroupAddAndRemoveServer(t *testing.T) {
	fx := newFixture(t, baseSettings(), baseScripts(), false)

	status, env := fx.do(t, http.MethodPost, "/groups/g-ops/servers", map[string]interface{}{"name": "slack"})
	require.Equal(t, http.StatusOK, status)

	var grp settings.Group
	decodeData(t, env, &grp)
	assert.Equal(t, []string{"github", "slack"}, memberNames(&grp))

	// Adding the same member twice is a no-op.
	status, env = fx.do(t, http.MethodPost, "/groups/g-ops/servers", map[string]interface{}{"name": "slack"})
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &grp)
	assert.Equal(t, []string{"github", "slack"}, memberNames(&grp))

	// Unknown servers are rejected, not silently added.
	status, env = fx.do(t, http.MethodPost, "/groups/g-ops/servers", map[string]interface{}{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, api.KindNotFound, env.Error.Kind)

	status, env = fx.do(t, http.MethodDelete, "/groups/g-ops/servers/github", nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &grp)
	assert.Equal(t, []string{"slack"}, memberNames(&grp))
}
