package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mcphub/pkg/logging"
)

// DefaultPath is the settings file location when MCPHUB_SETTING_PATH is not
// set and no flag overrides it.
const DefaultPath = "./mcp_settings.json"

// PathFromEnv resolves the settings file path from the environment, falling
// back to DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("MCPHUB_SETTING_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Store owns the settings document: the raw (unexpanded) form that goes back
// to disk and the expanded snapshot the rest of the hub reads. Readers get an
// immutable *Settings and never block; writers serialize on the store mutex
// and swap the snapshot atomically.
type Store struct {
	path   string
	strict bool

	mu       sync.RWMutex
	raw      *Settings // as on disk, env references intact
	snapshot *Settings // expanded, what Load returns

	lmu       sync.Mutex
	listeners []func(*Settings)
}

// NewStore creates a store for the given settings file path. In strict mode
// an unreadable or unparsable file is an error; in the default lenient mode
// it degrades to the empty document.
func NewStore(path string, strict bool) *Store {
	return &Store{path: path, strict: strict}
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the cached snapshot, reading and parsing the settings file on
// first use. The returned document is shared and must not be mutated.
func (s *Store) Load() (*Settings, error) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	return s.Reload()
}

// Current returns the cached snapshot without touching the disk. It returns
// the empty document when nothing was loaded yet.
func (s *Store) Current() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return EmptySettings()
	}
	return s.snapshot
}

// Raw returns a deep copy of the unexpanded document as stored on disk.
// Secret references like `${TOKEN}` are preserved, not substituted.
func (s *Store) Raw() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		if _, err := s.reloadLocked(); err != nil {
			return nil, err
		}
	}
	return s.raw.Clone()
}

// ClearCache drops the cached snapshot so the next Load re-reads the file.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.raw = nil
	s.snapshot = nil
	s.mu.Unlock()
}

// Reload re-reads the settings file, swaps the snapshot, and notifies
// listeners. A missing or corrupted file never crashes the hub: in lenient
// mode it yields the empty document and an error log.
func (s *Store) Reload() (*Settings, error) {
	s.mu.Lock()
	snap, err := s.reloadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify(snap)
	return snap, nil
}

func (s *Store) reloadLocked() (*Settings, error) {
	raw, expanded, err := readDocument(s.path)
	if err != nil {
		if s.strict {
			return nil, fmt.Errorf("failed to load settings from %s: %w", s.path, err)
		}
		logging.Error("Settings", err, "Failed to load settings from %s, treating as empty", s.path)
		raw = EmptySettings()
		expanded = EmptySettings()
	}
	s.raw = raw
	s.snapshot = expanded
	return expanded, nil
}

// readDocument parses the file twice: once straight into the typed document
// (raw form, written back on save) and once through the env-expansion walk
// (the snapshot the hub operates on).
func readDocument(path string) (raw, expanded *Settings, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	raw = EmptySettings()
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, nil, fmt.Errorf("invalid settings document: %w", err)
	}

	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, nil, fmt.Errorf("invalid settings document: %w", err)
	}
	expandedData, err := json.Marshal(ExpandEnv(tree))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expand settings: %w", err)
	}
	expanded = EmptySettings()
	if err := json.Unmarshal(expandedData, expanded); err != nil {
		return nil, nil, fmt.Errorf("invalid settings document: %w", err)
	}
	expanded.Users = cloneUsers(raw.Users)
	normalize(raw)
	normalize(expanded)
	return raw, expanded, nil
}

// cloneUsers deep-copies the user list. Password hashes are literal values;
// bcrypt's $2a$... prefix must never go through env expansion.
func cloneUsers(users []*User) []*User {
	if users == nil {
		return nil
	}
	out := make([]*User, len(users))
	for i, u := range users {
		cu := *u
		out[i] = &cu
	}
	return out
}

// normalize fills nil containers and applies environment fallbacks for the
// smart-routing partition.
func normalize(doc *Settings) {
	if doc.MCPServers == nil {
		doc.MCPServers = map[string]*ServerConfig{}
	}
	if doc.Users == nil {
		doc.Users = []*User{}
	}
	for _, cfg := range doc.MCPServers {
		if cfg.Owner == "" {
			cfg.Owner = DefaultOwner
		}
	}
	for _, g := range doc.Groups {
		if g.Owner == "" {
			g.Owner = DefaultOwner
		}
	}

	sr := doc.SmartRouting()
	changed := false
	if !sr.Enabled && envBool("SMART_ROUTING_ENABLED") {
		sr.Enabled = true
		changed = true
	}
	if sr.DBURL == "" {
		sr.DBURL = os.Getenv("DB_URL")
		changed = changed || sr.DBURL != ""
	}
	if sr.OpenAIAPIBaseURL == "" {
		sr.OpenAIAPIBaseURL = os.Getenv("OPENAI_API_BASE_URL")
		changed = changed || sr.OpenAIAPIBaseURL != ""
	}
	if sr.OpenAIAPIKey == "" {
		sr.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
		changed = changed || sr.OpenAIAPIKey != ""
	}
	if sr.OpenAIAPIEmbeddingModel == "" {
		sr.OpenAIAPIEmbeddingModel = os.Getenv("OPENAI_API_EMBEDDING_MODEL")
		changed = changed || sr.OpenAIAPIEmbeddingModel != ""
	}
	if changed {
		if doc.SystemConfig == nil {
			doc.SystemConfig = &SystemConfig{}
		}
		doc.SystemConfig.SmartRouting = sr
	}
}

func envBool(name string) bool {
	switch os.Getenv(name) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Update applies a mutation to the raw document, persists it atomically, and
// republishes the expanded snapshot. The mutator receives a deep copy; the
// cache only changes after the file write succeeded.
func (s *Store) Update(mutate func(doc *Settings) error) error {
	s.mu.Lock()

	if s.raw == nil {
		if _, err := s.reloadLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	next, err := s.raw.Clone()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return err
	}

	if err := writeDocument(s.path, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save settings to %s: %w", s.path, err)
	}

	snap, err := expandSettings(next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	normalize(next)
	normalize(snap)
	s.raw = next
	s.snapshot = snap
	s.mu.Unlock()

	logging.Info("Settings", "Saved settings to %s", s.path)
	s.notify(snap)
	return nil
}

// expandSettings produces the expanded snapshot for an in-memory document.
func expandSettings(doc *Settings) (*Settings, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to expand settings: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to expand settings: %w", err)
	}
	expandedData, err := json.Marshal(ExpandEnv(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to expand settings: %w", err)
	}
	out := EmptySettings()
	if err := json.Unmarshal(expandedData, out); err != nil {
		return nil, fmt.Errorf("failed to expand settings: %w", err)
	}
	out.Users = cloneUsers(doc.Users)
	return out, nil
}

// writeDocument writes the document via a temp file in the same directory and
// an atomic rename, so readers never observe a torn file.
func writeDocument(path string, doc *Settings) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// OnChange registers a listener invoked with the new snapshot after every
// reload or update. Listeners run on their own goroutine and must not call
// back into Update synchronously from registration order assumptions.
func (s *Store) OnChange(listener func(*Settings)) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, listener)
	s.lmu.Unlock()
}

func (s *Store) notify(snap *Settings) {
	s.lmu.Lock()
	listeners := make([]func(*Settings), len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()
	for _, l := range listeners {
		go l(snap)
	}
}

// IsNotExist reports whether a load failure was a plain missing file, which
// the serve path treats as "first run" rather than corruption.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
