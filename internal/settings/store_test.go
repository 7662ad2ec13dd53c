package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSettingsFile writes raw JSON to a temp settings path.
func writeSettingsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mcp_settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileLenient(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"), false)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, doc.MCPServers)
	assert.Empty(t, doc.MCPServers)
	assert.NotNil(t, doc.Users)
}

func TestLoad_MissingFileStrict(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"), true)

	_, err := store.Load()
	require.Error(t, err)
	assert.True(t, IsNotExist(err))
}

func TestLoad_CorruptedFileLenient(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), "{not json")
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.MCPServers)
}

func TestLoad_EmptyDocument(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), "{}")
	store := NewStore(path, true)

	doc, err := store.Load()
	require.NoError(t, err, "an empty document is valid even in strict mode")
	assert.NotNil(t, doc.MCPServers)
	assert.Empty(t, doc.MCPServers)
	assert.Empty(t, doc.Groups)
	assert.Empty(t, doc.Users)
}

func TestLoad_ZeroByteFileLenient(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), "")
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.MCPServers)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("HUB_TEST_TOKEN", "sekrit")
	t.Setenv("HUB_TEST_HOST", "upstream.example.com")

	path := writeSettingsFile(t, t.TempDir(), `{
		"mcpServers": {
			"remote": {
				"type": "sse",
				"url": "https://$HUB_TEST_HOST/sse",
				"headers": {"Authorization": "Bearer ${HUB_TEST_TOKEN}"}
			}
		}
	}`)
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)

	cfg, ok := doc.FindServer("remote")
	require.True(t, ok)
	assert.Equal(t, "https://upstream.example.com/sse", cfg.URL)
	assert.Equal(t, "Bearer sekrit", cfg.Headers["Authorization"])
}

func TestLoad_UserPasswordsBypassExpansion(t *testing.T) {
	// bcrypt hashes look like shell references ($2a$10$...) and must never
	// be expanded.
	hash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	doc, err := json.Marshal(map[string]interface{}{
		"users": []map[string]interface{}{
			{"username": "root", "password": hash, "isAdmin": true},
		},
	})
	require.NoError(t, err)
	path := writeSettingsFile(t, t.TempDir(), string(doc))
	store := NewStore(path, false)

	snap, err := store.Load()
	require.NoError(t, err)
	user, ok := snap.FindUser("root")
	require.True(t, ok)
	assert.Equal(t, hash, user.Password)

	// The hash also survives a save round-trip.
	require.NoError(t, store.Update(func(d *Settings) error { return nil }))
	user, ok = store.Current().FindUser("root")
	require.True(t, ok)
	assert.Equal(t, hash, user.Password)
}

func TestUpdate_PreservesRawEnvReferences(t *testing.T) {
	t.Setenv("HUB_TEST_TOKEN", "sekrit")

	path := writeSettingsFile(t, t.TempDir(), `{
		"mcpServers": {
			"remote": {
				"type": "sse",
				"url": "https://up.example.com/sse",
				"headers": {"Authorization": "Bearer ${HUB_TEST_TOKEN}"}
			}
		}
	}`)
	store := NewStore(path, false)
	_, err := store.Load()
	require.NoError(t, err)

	enabled := false
	err = store.Update(func(doc *Settings) error {
		doc.MCPServers["remote"].Enabled = &enabled
		return nil
	})
	require.NoError(t, err)

	// The file keeps the unexpanded reference.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "${HUB_TEST_TOKEN}")
	assert.NotContains(t, string(data), "sekrit")

	// The snapshot sees the expanded value and the new flag.
	doc := store.Current()
	cfg, ok := doc.FindServer("remote")
	require.True(t, ok)
	assert.False(t, cfg.IsEnabled())
	assert.Equal(t, "Bearer sekrit", cfg.Headers["Authorization"])
}

func TestUpdate_NoopSavePreservesDocument(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), `{
		"mcpServers": {"local": {"type": "stdio", "command": "tool-server"}},
		"groups": [{"id": "g1", "name": "dev", "servers": ["local"]}],
		"users": [{"username": "admin", "password": "$2a$10$hash", "isAdmin": true}]
	}`)
	store := NewStore(path, false)
	before, err := store.Load()
	require.NoError(t, err)

	require.NoError(t, store.Update(func(doc *Settings) error { return nil }))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	after := EmptySettings()
	require.NoError(t, json.Unmarshal(data, after))

	assert.Equal(t, len(before.MCPServers), len(after.MCPServers))
	require.Len(t, after.Groups, 1)
	assert.Equal(t, "dev", after.Groups[0].Name)
	require.Len(t, after.Users, 1)
	assert.Equal(t, "$2a$10$hash", after.Users[0].Password)
}

func TestUpdate_MutatorErrorLeavesFileUntouched(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), `{"mcpServers": {}}`)
	store := NewStore(path, false)
	_, err := store.Load()
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = store.Update(func(doc *Settings) error {
		doc.MCPServers["x"] = &ServerConfig{Type: ServerTypeStdio, Command: "x"}
		return assert.AnError
	})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, store.Current().MCPServers)
}

func TestOnChange_NotifiedOnReloadAndUpdate(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), `{"mcpServers": {}}`)
	store := NewStore(path, false)

	var mu sync.Mutex
	var got []*Settings
	done := make(chan struct{}, 4)
	store.OnChange(func(doc *Settings) {
		mu.Lock()
		got = append(got, doc)
		mu.Unlock()
		done <- struct{}{}
	})

	_, err := store.Reload()
	require.NoError(t, err)
	waitForNotify(t, done)

	require.NoError(t, store.Update(func(doc *Settings) error {
		doc.MCPServers["added"] = &ServerConfig{Type: ServerTypeStdio, Command: "added"}
		return nil
	}))
	waitForNotify(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	_, ok := got[1].FindServer("added")
	assert.True(t, ok)
}

func waitForNotify(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestClearCache_ForcesReread(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, `{"mcpServers": {}}`)
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.MCPServers)

	// External edit bypassing the store.
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{"ext":{"command":"ext"}}}`), 0644))

	// Cached snapshot still served.
	doc, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.MCPServers)

	store.ClearCache()
	doc, err = store.Load()
	require.NoError(t, err)
	_, ok := doc.FindServer("ext")
	assert.True(t, ok)
}

func TestNormalize_OwnerDefaults(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), `{
		"mcpServers": {"local": {"command": "tool"}},
		"groups": [{"id": "g1", "name": "dev", "servers": []}]
	}`)
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)
	cfg, _ := doc.FindServer("local")
	assert.Equal(t, DefaultOwner, cfg.Owner)
	assert.Equal(t, DefaultOwner, doc.Groups[0].Owner)
}

func TestSmartRoutingEnvFallbacks(t *testing.T) {
	t.Setenv("SMART_ROUTING_ENABLED", "true")
	t.Setenv("DB_URL", "postgres://localhost/hub")
	t.Setenv("OPENAI_API_KEY", "key-from-env")

	path := writeSettingsFile(t, t.TempDir(), `{"mcpServers": {}}`)
	store := NewStore(path, false)

	doc, err := store.Load()
	require.NoError(t, err)
	sr := doc.SmartRouting()
	assert.True(t, sr.Enabled)
	assert.Equal(t, "postgres://localhost/hub", sr.DBURL)
	assert.Equal(t, "key-from-env", sr.OpenAIAPIKey)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("MCPHUB_SETTING_PATH", "/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", PathFromEnv())

	t.Setenv("MCPHUB_SETTING_PATH", "")
	assert.Equal(t, DefaultPath, PathFromEnv())
}
