// Package admin serves the hub's management REST API: server and group CRUD,
// settings partitions, direct tool calls, health, and JWT auth. It is mounted
// under {basePath}/api by the gateway and always answers with the
//
//	{ "success": bool, "data"?: ..., "error"?: {kind, message} }
//
// envelope, mapping error kinds to HTTP status codes.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/dispatch"
	"mcphub/internal/pool"
	"mcphub/internal/settings"
	"mcphub/pkg/logging"
)

// Deps carries everything the admin surface operates on. All fields except
// Readonly are required.
type Deps struct {
	Store      *settings.Store
	Pool       *pool.Pool
	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Manager

	// Readonly rejects every mutating request except tool calls and login.
	Readonly bool
}

// Router assembles the admin API. Login, register, and health are public;
// everything else goes through the same skipAuth/bearer/JWT chain as the MCP
// routes.
func Router(deps Deps) http.Handler {
	servers := &serverRoutes{store: deps.Store, pool: deps.Pool}
	groups := &groupRoutes{store: deps.Store}
	docs := &settingsRoutes{store: deps.Store}
	tools := &toolRoutes{pool: deps.Pool, dispatcher: deps.Dispatcher}
	users := &authRoutes{store: deps.Store, auth: deps.Auth}
	health := &healthRoutes{pool: deps.Pool}

	r := chi.NewRouter()
	r.Use(requestLogger)
	if deps.Readonly {
		r.Use(readonlyGuard)
	}

	r.Get("/health", health.get)
	r.Post("/auth/login", users.login)
	r.Post("/auth/register", users.register)

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Middleware(deps.Store.Current))

		r.Get("/auth/me", users.me)
		r.Put("/auth/password", users.password)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", servers.list)
			r.Post("/", servers.create)
			r.Put("/{name}", servers.update)
			r.Delete("/{name}", servers.delete)
			r.Post("/{name}/toggle", servers.toggle)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", groups.list)
			r.Post("/", groups.create)
			r.Get("/{id}", groups.get)
			r.Put("/{id}", groups.update)
			r.Delete("/{id}", groups.delete)
			r.Put("/{id}/servers/batch", groups.batchServers)
			r.Post("/{id}/servers", groups.addServer)
			r.Delete("/{id}/servers/{name}", groups.removeServer)
		})

		r.Get("/settings", docs.get)
		r.Put("/settings", docs.put)
		r.Put("/system-config", docs.putSystemConfig)

		r.Get("/tools", tools.list)
		r.Post("/tools/call/{server}", tools.call)
	})

	return r
}

// readonlyGuard blocks mutating verbs. Tool calls and login stay allowed so a
// readonly hub remains usable as a pure MCP frontend.
func readonlyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || readonlyExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, api.NewForbiddenError("the hub is running in readonly mode"))
	})
}

func readonlyExempt(path string) bool {
	return strings.Contains(path, "/tools/call/") || strings.HasSuffix(path, "/auth/login")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			logging.Debug("Admin", "[%s] %s %s -> %d (%s)", reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
			return
		}
		logging.Debug("Admin", "%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

type errorBody struct {
	Kind    api.ErrorKind `json:"kind"`
	Message string        `json:"message"`
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func writeError(w http.ResponseWriter, err error) {
	kind := api.KindOf(err)
	message := err.Error()
	var ue *api.UpstreamError
	if errors.As(err, &ue) {
		message = ue.Message
	}
	writeJSON(w, api.HTTPStatus(kind), envelope{Success: false, Error: &errorBody{Kind: kind, Message: message}})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return api.NewConfigError("invalid request body: %v", err)
	}
	return nil
}
