package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/settings"
)

type groupRoutes struct {
	store *settings.Store
}

func (g *groupRoutes) list(w http.ResponseWriter, r *http.Request) {
	raw, err := g.store.Raw()
	if err != nil {
		writeError(w, err)
		return
	}
	groups := raw.Groups
	if groups == nil {
		groups = []*settings.Group{}
	}
	writeData(w, groups)
}

func (g *groupRoutes) get(w http.ResponseWriter, r *http.Request) {
	raw, err := g.store.Raw()
	if err != nil {
		writeError(w, err)
		return
	}
	grp, ok := raw.FindGroup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, api.NewNotFoundError("no group named %q", chi.URLParam(r, "id")))
		return
	}
	writeData(w, grp)
}

func (g *groupRoutes) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Servers     []string `json:"servers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, api.NewConfigError("group name is required"))
		return
	}

	grp := &settings.Group{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		grp.Owner = claims.Username
	}

	err := g.store.Update(func(doc *settings.Settings) error {
		if _, ok := doc.FindGroupByName(req.Name); ok {
			return api.NewConfigError("group %q already exists", req.Name)
		}
		grp.Servers = memberList(doc, req.Servers)
		doc.Groups = append(doc.Groups, grp)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, grp)
}

func (g *groupRoutes) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		Servers     []string `json:"servers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var updated *settings.Group
	err := g.store.Update(func(doc *settings.Settings) error {
		grp := findGroup(doc, id)
		if grp == nil {
			return api.NewNotFoundError("no group named %q", id)
		}
		if req.Name != nil && *req.Name != grp.Name {
			if _, ok := doc.FindGroupByName(*req.Name); ok {
				return api.NewConfigError("group %q already exists", *req.Name)
			}
			grp.Name = *req.Name
		}
		if req.Description != nil {
			grp.Description = *req.Description
		}
		if req.Servers != nil {
			grp.Servers = memberList(doc, req.Servers)
		}
		updated = grp
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, updated)
}

func (g *groupRoutes) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := g.store.Update(func(doc *settings.Settings) error {
		for i, grp := range doc.Groups {
			if grp.ID == id || grp.Name == id {
				doc.Groups = append(doc.Groups[:i], doc.Groups[i+1:]...)
				return nil
			}
		}
		return api.NewNotFoundError("no group named %q", id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// batchServers replaces the member list wholesale.
func (g *groupRoutes) batchServers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Servers []string `json:"servers"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var updated *settings.Group
	err := g.store.Update(func(doc *settings.Settings) error {
		grp := findGroup(doc, id)
		if grp == nil {
			return api.NewNotFoundError("no group named %q", id)
		}
		grp.Servers = memberList(doc, req.Servers)
		updated = grp
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, updated)
}

func (g *groupRoutes) addServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var updated *settings.Group
	err := g.store.Update(func(doc *settings.Settings) error {
		grp := findGroup(doc, id)
		if grp == nil {
			return api.NewNotFoundError("no group named %q", id)
		}
		if _, ok := doc.MCPServers[req.Name]; !ok {
			return api.NewNotFoundError("no server named %q", req.Name)
		}
		if _, ok := grp.Member(req.Name); !ok {
			grp.Servers = append(grp.Servers, settings.GroupServer{Name: req.Name})
		}
		updated = grp
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, updated)
}

func (g *groupRoutes) removeServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	var updated *settings.Group
	err := g.store.Update(func(doc *settings.Settings) error {
		grp := findGroup(doc, id)
		if grp == nil {
			return api.NewNotFoundError("no group named %q", id)
		}
		for i, member := range grp.Servers {
			if member.Name == name {
				grp.Servers = append(grp.Servers[:i], grp.Servers[i+1:]...)
				break
			}
		}
		updated = grp
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, updated)
}

// findGroup resolves a group by id first, then by name, inside a mutable
// document.
func findGroup(doc *settings.Settings, idOrName string) *settings.Group {
	for _, grp := range doc.Groups {
		if grp.ID == idOrName {
			return grp
		}
	}
	for _, grp := range doc.Groups {
		if grp.Name == idOrName {
			return grp
		}
	}
	return nil
}

// memberList converts requested server names to members, dropping names that
// do not exist in the document and duplicates.
func memberList(doc *settings.Settings, names []string) []settings.GroupServer {
	members := make([]settings.GroupServer, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := doc.MCPServers[name]; ok {
			members = append(members, settings.GroupServer{Name: name})
		}
	}
	return members
}
