package smart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcphub/internal/api"
	"mcphub/internal/registry"
	"mcphub/pkg/logging"
)

const (
	// DefaultSearchLimit and DefaultSearchThreshold apply when a search
	// does not name its own.
	DefaultSearchLimit     = 10
	DefaultSearchThreshold = 0.7

	// refreshDebounce collapses bursts of connector events into a single
	// refresh; refreshTimeout bounds one full re-embedding pass.
	refreshDebounce = 500 * time.Millisecond
	refreshTimeout  = 2 * time.Minute

	// searchFetchFactor over-fetches raw hits so scope filtering still
	// leaves enough results to fill the requested k.
	searchFetchFactor = 4
)

// Result is one ranked tool returned by Search.
type Result struct {
	Server     string  `json:"server"`
	Tool       string  `json:"tool"`
	Similarity float64 `json:"similarity"`
}

// Index keeps the vector store in sync with the registry's global view
// and answers similarity queries against it.
type Index struct {
	reg      *registry.Registry
	store    Store
	embedder Embedder

	group singleflight.Group

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	runCtx context.Context
	cancel context.CancelFunc
}

// NewIndex creates an index over the registry's global view. The caller
// keeps ownership of nothing: Close releases the store too.
func NewIndex(reg *registry.Registry, store Store, embedder Embedder) *Index {
	ctx, cancel := context.WithCancel(context.Background())
	return &Index{
		reg:      reg,
		store:    store,
		embedder: embedder,
		runCtx:   ctx,
		cancel:   cancel,
	}
}

// Close stops background refreshes and releases the store.
func (ix *Index) Close() {
	ix.mu.Lock()
	ix.stopped = true
	if ix.timer != nil {
		ix.timer.Stop()
	}
	ix.mu.Unlock()

	ix.cancel()
	ix.store.Close()
}

// Kick schedules a refresh shortly after the most recent call, so bursts
// of connector events collapse into one pass. Safe to call from event
// listeners; never blocks.
func (ix *Index) Kick() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.stopped {
		return
	}
	if ix.timer == nil {
		ix.timer = time.AfterFunc(refreshDebounce, ix.backgroundRefresh)
		return
	}
	ix.timer.Reset(refreshDebounce)
}

func (ix *Index) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(ix.runCtx, refreshTimeout)
	defer cancel()

	if err := ix.Refresh(ctx); err != nil && ix.runCtx.Err() == nil {
		logging.Error("SmartRouting", err, "Index refresh failed")
	}
}

// Refresh synchronizes the store with the current global view. Concurrent
// calls collapse into one pass; rows whose embedded text is unchanged are
// skipped by text hash, and rows for vanished tools are pruned.
func (ix *Index) Refresh(ctx context.Context) error {
	_, err, _ := ix.group.Do("refresh", func() (interface{}, error) {
		return nil, ix.refresh(ctx)
	})
	return err
}

func (ix *Index) refresh(ctx context.Context) error {
	view, err := ix.reg.Snapshot(api.Scope{Kind: api.ScopeGlobal})
	if err != nil {
		return err
	}
	hashes, err := ix.store.Hashes(ctx, ContentTypeTool)
	if err != nil {
		return err
	}

	type pending struct {
		tool api.ToolInfo
		text string
		hash string
	}
	keep := make([]string, 0, len(view.Entries))
	var todo []pending
	for _, e := range view.Entries {
		id := e.Tool.Qualified()
		keep = append(keep, id)
		text := embedText(e.Tool)
		hash := textHash(text)
		if hashes[id] == hash {
			continue
		}
		todo = append(todo, pending{tool: e.Tool, text: text, hash: hash})
	}

	if len(todo) > 0 {
		texts := make([]string, len(todo))
		for i, p := range todo {
			texts[i] = p.text
		}
		embeddings, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("refresh embeddings: %w", err)
		}
		for i, p := range todo {
			if got, want := len(embeddings[i]), ix.embedder.Dimensions(); got != want {
				return fmt.Errorf("refresh embeddings: %s produced a %d-dimensional vector, store expects %d",
					ix.embedder.Model(), got, want)
			}
			rec := Record{
				ContentType: ContentTypeTool,
				ContentID:   p.tool.Qualified(),
				Text:        p.text,
				TextHash:    p.hash,
				Embedding:   embeddings[i],
				Model:       ix.embedder.Model(),
				Metadata:    map[string]string{"server": p.tool.Server, "tool": p.tool.Name},
			}
			if err := ix.store.Upsert(ctx, rec); err != nil {
				return err
			}
		}
	}

	if err := ix.store.DeleteOthers(ctx, ContentTypeTool, keep); err != nil {
		return err
	}

	if len(todo) > 0 {
		logging.Info("SmartRouting", "Re-embedded %d of %d tools", len(todo), len(view.Entries))
	} else {
		logging.Debug("SmartRouting", "Index up to date with %d tools", len(view.Entries))
	}
	return nil
}

// Search embeds the query and returns in-scope tools ranked by cosine
// similarity, best first. Non-positive k and threshold select the
// defaults. Degraded-mode hits carry placeholder similarities and bypass
// the threshold filter so callers still get a usable ranked list.
func (ix *Index) Search(ctx context.Context, query string, k int, threshold float64, scope api.Scope) ([]Result, error) {
	if k <= 0 {
		k = DefaultSearchLimit
	}
	if threshold <= 0 {
		threshold = DefaultSearchThreshold
	}

	view, err := ix.reg.Snapshot(scope)
	if err != nil {
		return nil, err
	}
	inView := make(map[string]struct{}, len(view.Entries))
	for _, e := range view.Entries {
		inView[e.Tool.Qualified()] = struct{}{}
	}

	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, degraded, err := ix.store.Search(ctx, embedding, ContentTypeTool, k*searchFetchFactor)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, hit := range hits {
		if _, ok := inView[hit.ContentID]; !ok {
			continue
		}
		if !degraded && hit.Similarity < threshold {
			continue
		}
		server, tool, ok := strings.Cut(hit.ContentID, "/")
		if !ok {
			continue
		}
		results = append(results, Result{Server: server, Tool: tool, Similarity: hit.Similarity})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// embedText builds the string whose embedding represents one tool.
func embedText(tool api.ToolInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s: %s", tool.Server, tool.Name, tool.Description)
	if summary := schemaSummary(tool.InputSchema); summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	return b.String()
}

// schemaSummary lists the schema's top-level properties as "name (type)"
// pairs, sorted so the hash is stable across refreshes.
func schemaSummary(schema map[string]interface{}) string {
	props, ok := schema["properties"].(map[string]interface{})
	if !ok || len(props) == 0 {
		return ""
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if prop, ok := props[name].(map[string]interface{}); ok {
			if t, ok := prop["type"].(string); ok && t != "" {
				typ = t
			}
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
	}
	return "parameters: " + strings.Join(parts, ", ")
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
