package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"mcphub/internal/api"
	"mcphub/internal/dispatch"
	"mcphub/internal/pool"
)

type toolRoutes struct {
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
}

// list returns every tool the hub knows about, including disabled ones, with
// server attribution. This is the flat admin view, not a session view.
func (t *toolRoutes) list(w http.ResponseWriter, r *http.Request) {
	tools := []api.ToolInfo{}
	for _, conn := range t.pool.List() {
		tools = append(tools, conn.AllTools()...)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
	writeData(w, tools)
}

// call invokes a tool on one server directly, bypassing the session layer.
// The dispatcher still applies timeouts and error classification.
func (t *toolRoutes) call(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")
	var req struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, api.NewConfigError("tool name is required"))
		return
	}

	result, err := t.dispatcher.CallTool(r.Context(), api.ServerScope(server), req.Name, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}
