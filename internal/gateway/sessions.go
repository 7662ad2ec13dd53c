package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

// Transport labels for the session registry.
const (
	transportSSE        = "sse"
	transportStreamable = "streamable-http"
)

// Session describes one live downstream MCP session.
type Session struct {
	ID           string
	Scope        api.Scope
	Transport    string
	CreatedAt    time.Time
	LastActivity time.Time
}

// sessionRegistry tracks live downstream sessions across all scope servers.
// Registration and removal are driven by mcp-go session hooks; request
// handlers touch the entry to keep LastActivity current.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

func (r *sessionRegistry) register(id string, scope api.Scope, transport string) {
	if id == "" {
		return
	}
	now := time.Now()
	r.mu.Lock()
	r.sessions[id] = &Session{
		ID:           id,
		Scope:        scope,
		Transport:    transport,
		CreatedAt:    now,
		LastActivity: now,
	}
	total := len(r.sessions)
	r.mu.Unlock()
	logging.Debug("Gateway", "Session %s opened (scope=%s transport=%s, %d active)", id, scope, transport, total)
}

func (r *sessionRegistry) unregister(id string) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	total := len(r.sessions)
	r.mu.Unlock()
	if existed {
		logging.Debug("Gateway", "Session %s closed (%d active)", id, total)
	}
}

func (r *sessionRegistry) touch(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

func (r *sessionRegistry) get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *sessionRegistry) list() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// transportKey carries the transport label from the HTTP layer down to the
// session hooks, which only see the request context.
type transportKey struct{}

func withTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "unknown"
}
