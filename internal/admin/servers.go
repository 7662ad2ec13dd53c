package admin

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/pool"
	"mcphub/internal/settings"
)

type serverRoutes struct {
	store *settings.Store
	pool  *pool.Pool
}

// serverView combines the stored config with the connector's runtime state.
// Config comes from the raw document so secret references stay unexpanded.
type serverView struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Status    api.Status             `json:"status"`
	Enabled   bool                   `json:"enabled"`
	LastError string                 `json:"lastError,omitempty"`
	Config    *settings.ServerConfig `json:"config"`
	Tools     []api.ToolInfo         `json:"tools,omitempty"`
}

func (s *serverRoutes) list(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.Raw()
	if err != nil {
		writeError(w, err)
		return
	}

	names := make([]string, 0, len(raw.MCPServers))
	for name := range raw.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]serverView, 0, len(names))
	for _, name := range names {
		cfg := raw.MCPServers[name]
		view := serverView{
			Name:    name,
			Type:    cfg.EffectiveType(),
			Status:  api.StatusDisconnected,
			Enabled: cfg.IsEnabled(),
			Config:  cfg,
		}
		if conn, ok := s.pool.Get(name); ok {
			view.Status = conn.Status()
			view.Tools = conn.AllTools()
			if lastErr := conn.LastError(); lastErr != nil {
				view.LastError = lastErr.Error()
			}
		}
		views = append(views, view)
	}
	writeData(w, views)
}

func (s *serverRoutes) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string                 `json:"name"`
		Config *settings.ServerConfig `json:"config"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, api.NewConfigError("server name is required"))
		return
	}
	if req.Config == nil {
		writeError(w, api.NewConfigError("server config is required"))
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && req.Config.Owner == "" {
		req.Config.Owner = claims.Username
	}

	exists := false
	err := s.store.Update(func(doc *settings.Settings) error {
		if _, ok := doc.MCPServers[req.Name]; ok {
			exists = true
			return api.NewConfigError("server %q already exists", req.Name)
		}
		if doc.MCPServers == nil {
			doc.MCPServers = map[string]*settings.ServerConfig{}
		}
		doc.MCPServers[req.Name] = req.Config
		return nil
	})
	if exists {
		// Duplicate names answer 403: the caller holds a valid session but
		// may not claim a name someone else owns.
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Error: &errorBody{
			Kind:    api.KindConfig,
			Message: fmt.Sprintf("server %q already exists", req.Name),
		}})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, map[string]string{"name": req.Name})
}

func (s *serverRoutes) update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Config *settings.ServerConfig `json:"config"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Config == nil {
		writeError(w, api.NewConfigError("server config is required"))
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.Update(func(doc *settings.Settings) error {
		prev, ok := doc.MCPServers[name]
		if !ok {
			return api.NewNotFoundError("no server named %q", name)
		}
		if req.Config.Owner == "" {
			req.Config.Owner = prev.Owner
		}
		doc.MCPServers[name] = req.Config
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *serverRoutes) delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.store.Update(func(doc *settings.Settings) error {
		if _, ok := doc.MCPServers[name]; !ok {
			return api.NewNotFoundError("no server named %q", name)
		}
		delete(doc.MCPServers, name)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *serverRoutes) toggle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, api.NewConfigError("enabled is required"))
		return
	}

	err := s.store.Update(func(doc *settings.Settings) error {
		cfg, ok := doc.MCPServers[name]
		if !ok {
			return api.NewNotFoundError("no server named %q", name)
		}
		cfg.Enabled = req.Enabled
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]interface{}{"name": name, "enabled": *req.Enabled})
}
