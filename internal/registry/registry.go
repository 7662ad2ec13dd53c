package registry

import (
	"fmt"
	"sort"
	"strings"

	"mcphub/internal/api"
	"mcphub/internal/pool"
	"mcphub/internal/settings"
	"mcphub/internal/upstream"
)

// Registry builds scope-filtered views over the connector pool. Views are
// computed on demand from the connectors' cached tool lists, so the
// registry itself holds no state and nothing needs invalidating when the
// pool changes.
type Registry struct {
	pool    *pool.Pool
	current func() *settings.Settings
}

// New creates a registry over the pool. current supplies the settings
// snapshot used to resolve group membership; pass the store's Current
// method. A nil current means no groups exist.
func New(p *pool.Pool, current func() *settings.Settings) *Registry {
	if current == nil {
		current = func() *settings.Settings { return settings.EmptySettings() }
	}
	return &Registry{pool: p, current: current}
}

// Entry is one exposed tool: the name downstream clients see plus the
// upstream tool it resolves to.
type Entry struct {
	Exposed string
	Tool    api.ToolInfo
}

// View is the scope-filtered, collision-resolved projection the dispatcher
// works against. Views are cheap and short-lived; build one per request.
type View struct {
	Scope      api.Scope
	Entries    []Entry
	connectors []*upstream.Connector
}

// Snapshot materializes the view for a scope. Group scopes accept the
// group ID or its display name. Unknown group or server names are
// not-found errors; a known but disconnected server yields an empty view.
func (r *Registry) Snapshot(scope api.Scope) (*View, error) {
	switch scope.Kind {
	case api.ScopeGlobal, api.ScopeSmart:
		return r.globalView(scope), nil
	case api.ScopeServer:
		return r.serverView(scope)
	case api.ScopeGroup:
		return r.groupView(scope)
	default:
		return nil, api.NewNotFoundError("unknown scope kind %q", scope.Kind)
	}
}

func (r *Registry) globalView(scope api.Scope) *View {
	view := &View{Scope: scope}
	for _, c := range r.pool.List() {
		if c.Status() != api.StatusConnected {
			continue
		}
		view.connectors = append(view.connectors, c)
		for _, tool := range c.Tools() {
			view.Entries = append(view.Entries, Entry{Tool: tool})
		}
	}
	finishView(view)
	return view
}

func (r *Registry) serverView(scope api.Scope) (*View, error) {
	c, ok := r.pool.Get(scope.Name)
	if !ok {
		return nil, api.NewNotFoundError("server %s not found", scope.Name)
	}

	view := &View{Scope: scope}
	if c.Status() == api.StatusConnected {
		view.connectors = append(view.connectors, c)
		for _, tool := range c.Tools() {
			view.Entries = append(view.Entries, Entry{Tool: tool})
		}
	}
	finishView(view)
	return view, nil
}

func (r *Registry) groupView(scope api.Scope) (*View, error) {
	group, ok := r.current().FindGroup(scope.Name)
	if !ok {
		return nil, api.NewNotFoundError("group %s not found", scope.Name)
	}

	view := &View{Scope: scope}
	for _, member := range group.Servers {
		c, ok := r.pool.Get(member.Name)
		if !ok {
			// The member may name a server that was removed after the
			// group was written; skip it rather than failing the view.
			continue
		}
		if c.Status() != api.StatusConnected {
			continue
		}
		view.connectors = append(view.connectors, c)
		for _, tool := range c.Tools() {
			if !member.Admits(tool.Name) {
				continue
			}
			view.Entries = append(view.Entries, Entry{Tool: tool})
		}
	}
	finishView(view)
	return view, nil
}

// finishView assigns exposed names and orders entries for stable listings.
func finishView(v *View) {
	counts := make(map[string]int, len(v.Entries))
	for _, e := range v.Entries {
		counts[e.Tool.Name]++
	}
	for i := range v.Entries {
		if counts[v.Entries[i].Tool.Name] > 1 {
			v.Entries[i].Exposed = v.Entries[i].Tool.Qualified()
		} else {
			v.Entries[i].Exposed = v.Entries[i].Tool.Name
		}
	}
	sort.Slice(v.Entries, func(i, j int) bool { return v.Entries[i].Exposed < v.Entries[j].Exposed })
}

// Connectors returns the connected connectors contributing to the view.
func (v *View) Connectors() []*upstream.Connector {
	return v.connectors
}

// Connector returns the in-view connector for a server name.
func (v *View) Connector(server string) (*upstream.Connector, bool) {
	for _, c := range v.connectors {
		if c.Name() == server {
			return c, true
		}
	}
	return nil, false
}

// Empty reports whether the view exposes no tools.
func (v *View) Empty() bool {
	return len(v.Entries) == 0
}

// Resolve maps a downstream-visible tool name to its upstream coordinates.
// The "{server}/{tool}" form binds to that server regardless of how the
// view exposed the tool; a bare name binds only when exactly one in-view
// server has a tool by that name.
func (v *View) Resolve(name string) (api.ToolInfo, error) {
	if server, tool, ok := strings.Cut(name, "/"); ok {
		for _, e := range v.Entries {
			if e.Tool.Server == server && e.Tool.Name == tool {
				return e.Tool, nil
			}
		}
		return api.ToolInfo{}, api.NewUpstreamError(server, api.KindNotFound, fmt.Sprintf("tool %s not found", name))
	}

	var matches []api.ToolInfo
	for _, e := range v.Entries {
		if e.Tool.Name == name {
			matches = append(matches, e.Tool)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return api.ToolInfo{}, api.NewNotFoundError("tool %s not found", name)
	default:
		return api.ToolInfo{}, api.NewUpstreamError("", api.KindNotFound, "ambiguous")
	}
}
