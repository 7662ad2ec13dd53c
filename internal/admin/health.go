package admin

import (
	"net/http"
	"sort"

	"mcphub/internal/api"
	"mcphub/internal/pool"
)

type healthRoutes struct {
	pool *pool.Pool
}

type connectorHealth struct {
	Name      string     `json:"name"`
	Status    api.Status `json:"status"`
	LastError string     `json:"lastError,omitempty"`
}

// get answers 200 while every enabled connector is connected and 503 with the
// per-connector breakdown otherwise, so load balancers can act on the status
// code alone.
func (h *healthRoutes) get(w http.ResponseWriter, r *http.Request) {
	servers := []connectorHealth{}
	for _, conn := range h.pool.List() {
		entry := connectorHealth{Name: conn.Name(), Status: conn.Status()}
		if err := conn.LastError(); err != nil {
			entry.LastError = err.Error()
		}
		servers = append(servers, entry)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	if h.pool.Connected() {
		writeData(w, map[string]interface{}{"status": "ok", "servers": servers})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, envelope{
		Success: false,
		Data:    map[string]interface{}{"status": "degraded", "servers": servers},
		Error:   &errorBody{Kind: api.KindUpstream, Message: "one or more upstream servers are not connected"},
	})
}
