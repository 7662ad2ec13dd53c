package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/dispatch"
	"mcphub/internal/settings"
	"mcphub/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config carries the gateway's collaborators.
type Config struct {
	// BasePath is the URL prefix every route lives under; empty serves from /.
	BasePath string

	// Version is advertised to MCP clients during initialize.
	Version string

	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Manager

	// Current returns the live settings snapshot.
	Current func() *settings.Settings

	// Admin is mounted under {base}/api. Optional.
	Admin http.Handler
}

// Gateway serves downstream MCP sessions and the admin API from one router.
type Gateway struct {
	basePath   string
	version    string
	dispatcher *dispatch.Dispatcher
	auth       *auth.Manager
	current    func() *settings.Settings
	admin      http.Handler

	sessions *sessionRegistry

	mu     sync.Mutex
	scopes map[string]*scopeServer

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
}

// New creates a gateway. Scope servers spin up lazily on first request.
func New(cfg Config) *Gateway {
	g := &Gateway{
		basePath:   NormalizeBasePath(cfg.BasePath),
		version:    cfg.Version,
		dispatcher: cfg.Dispatcher,
		auth:       cfg.Auth,
		current:    cfg.Current,
		admin:      cfg.Admin,
		sessions:   newSessionRegistry(),
		scopes:     make(map[string]*scopeServer),
	}
	if g.version == "" {
		g.version = "dev"
	}
	return g
}

// NormalizeBasePath coerces a configured base path into either "" or a
// "/prefix" form without a trailing slash.
func NormalizeBasePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Router assembles the chi router for MCP ingress and the admin API. MCP
// routes sit behind the authentication chain; the admin router manages its
// own exemptions (login, health).
func (g *Gateway) Router() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.RealIP)
	root.Use(middleware.Recoverer)

	mount := func(r chi.Router) {
		if g.admin != nil {
			r.Mount("/api", g.admin)
		}
		r.Group(func(r chi.Router) {
			r.Use(g.auth.Middleware(g.current))
			r.Get("/sse", g.handleSSE)
			r.Get("/sse/{scope}", g.handleSSE)
			r.Post("/messages", g.handleMessages)
			r.Post("/{scope}/messages", g.handleMessages)
			r.Handle("/mcp", http.HandlerFunc(g.handleStreamable))
			r.Handle("/mcp/{scope}", http.HandlerFunc(g.handleStreamable))
		})
	}

	if g.basePath == "" {
		mount(root)
	} else {
		root.Route(g.basePath, mount)
	}
	return root
}

func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	ss, err := g.scopeServerForRequest(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	ss.sse.SSEHandler().ServeHTTP(w, r)
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	ss, err := g.scopeServerForRequest(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	ss.sse.MessageHandler().ServeHTTP(w, r)
}

func (g *Gateway) handleStreamable(w http.ResponseWriter, r *http.Request) {
	ss, err := g.scopeServerForRequest(r)
	if err != nil {
		g.writeError(w, err)
		return
	}
	ss.streamable.ServeHTTP(w, r)
}

func (g *Gateway) scopeServerForRequest(r *http.Request) (*scopeServer, error) {
	scope, err := resolveScope(g.current(), chi.URLParam(r, "scope"), g.dispatcher.SmartEnabled())
	if err != nil {
		return nil, err
	}
	return g.scopeServer(scope), nil
}

// scopeServer returns the live instance for a scope, creating it on first
// use. Creation happens outside the lock because it probes upstream prompt
// and resource listings; a losing racer is discarded.
func (g *Gateway) scopeServer(scope api.Scope) *scopeServer {
	key := scope.String()
	g.mu.Lock()
	ss, ok := g.scopes[key]
	g.mu.Unlock()
	if ok {
		return ss
	}

	fresh := g.newScopeServer(scope)
	g.mu.Lock()
	if existing, ok := g.scopes[key]; ok {
		g.mu.Unlock()
		return existing
	}
	g.scopes[key] = fresh
	g.mu.Unlock()
	logging.Info("Gateway", "Started scope server %s", scope)
	return fresh
}

// Refresh reconciles every live scope server against the current registry
// state. Wire it to connector events and settings changes. Scopes whose
// group or server no longer exists are dropped; their sessions get errors
// on their next request.
func (g *Gateway) Refresh() {
	g.mu.Lock()
	live := make(map[string]*scopeServer, len(g.scopes))
	for key, ss := range g.scopes {
		live[key] = ss
	}
	g.mu.Unlock()

	for key, ss := range live {
		if ss.refresh(g) {
			continue
		}
		g.mu.Lock()
		delete(g.scopes, key)
		g.mu.Unlock()
		logging.Info("Gateway", "Dropped scope server %s: target no longer exists", ss.scope)
	}
}

// RefreshSoon schedules a Refresh shortly after the most recent call, so a
// burst of connector events collapses into one pass. Safe to call from event
// listeners; never blocks.
func (g *Gateway) RefreshSoon() {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	if g.refreshTimer == nil {
		g.refreshTimer = time.AfterFunc(refreshDebounce, g.Refresh)
		return
	}
	g.refreshTimer.Reset(refreshDebounce)
}

// Sessions returns a snapshot of the live downstream sessions, oldest first.
func (g *Gateway) Sessions() []Session {
	return g.sessions.list()
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	kind := api.KindOf(err)
	message := err.Error()
	var ue *api.UpstreamError
	if errors.As(err, &ue) {
		message = ue.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(api.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}
