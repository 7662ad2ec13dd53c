package admin

import (
	"net/http"

	"mcphub/internal/api"
	"mcphub/internal/settings"
)

type settingsRoutes struct {
	store *settings.Store
}

// get returns the raw document. Secret references like ${GITHUB_TOKEN} are
// returned as written, never their expanded values.
func (s *settingsRoutes) get(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.Raw()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, raw)
}

// put merges the provided partitions into the document. Absent keys leave
// their partition untouched; a present key replaces it wholesale.
func (s *settingsRoutes) put(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MCPServers   map[string]*settings.ServerConfig `json:"mcpServers"`
		Groups       []*settings.Group                 `json:"groups"`
		Users        []*settings.User                  `json:"users"`
		SystemConfig *settings.SystemConfig            `json:"systemConfig"`
		UserConfigs  map[string]*settings.UserConfig   `json:"userConfigs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for name, cfg := range req.MCPServers {
		if cfg == nil {
			writeError(w, api.NewConfigError("server %q has no config", name))
			return
		}
		if err := cfg.Validate(); err != nil {
			writeError(w, err)
			return
		}
	}

	err := s.store.Update(func(doc *settings.Settings) error {
		if req.MCPServers != nil {
			doc.MCPServers = req.MCPServers
		}
		if req.Groups != nil {
			doc.Groups = req.Groups
		}
		if req.Users != nil {
			doc.Users = req.Users
		}
		if req.SystemConfig != nil {
			doc.SystemConfig = req.SystemConfig
		}
		if req.UserConfigs != nil {
			doc.UserConfigs = req.UserConfigs
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// putSystemConfig merges the provided sections of systemConfig, leaving
// absent sections alone.
func (s *settingsRoutes) putSystemConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Routing      *settings.RoutingConfig      `json:"routing"`
		Install      *settings.InstallConfig      `json:"install"`
		SmartRouting *settings.SmartRoutingConfig `json:"smartRouting"`
		MCPRouter    *settings.MCPRouterConfig    `json:"mcpRouter"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.Update(func(doc *settings.Settings) error {
		if doc.SystemConfig == nil {
			doc.SystemConfig = &settings.SystemConfig{}
		}
		if req.Routing != nil {
			doc.SystemConfig.Routing = req.Routing
		}
		if req.Install != nil {
			doc.SystemConfig.Install = req.Install
		}
		if req.SmartRouting != nil {
			doc.SystemConfig.SmartRouting = req.SmartRouting
		}
		if req.MCPRouter != nil {
			doc.SystemConfig.MCPRouter = req.MCPRouter
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}
