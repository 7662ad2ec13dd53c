package settings

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server types supported by the hub. The type decides which transport the
// connector opens and which payload fields apply.
const (
	ServerTypeStdio          = "stdio"
	ServerTypeSSE            = "sse"
	ServerTypeStreamableHTTP = "streamable-http"
	ServerTypeOpenAPI        = "openapi"
)

// DefaultOwner is assigned to servers and groups created without an owner.
const DefaultOwner = "admin"

// DefaultKeepAliveInterval is the keep-alive period for streaming upstreams
// when the server config does not set one.
const DefaultKeepAliveInterval = 60 * time.Second

// ServerConfig describes one upstream MCP server. Exactly one of the
// kind-specific payloads (command / url / openapi) is populated, matching the
// declared Type.
type ServerConfig struct {
	// Type is one of stdio, sse, streamable-http, openapi. When empty it is
	// inferred: an openapi payload wins, then a url (sse), then a command
	// (stdio).
	Type string `json:"type,omitempty"`

	// Command, Args and Env apply to stdio servers. Env is merged over the
	// hub's own environment when the subprocess is spawned.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// URL and Headers apply to sse and streamable-http servers.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// OpenAPI applies to openapi servers.
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`

	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`

	// Owner is the username that created the server, "admin" by default.
	Owner string `json:"owner,omitempty"`

	// KeepAliveIntervalMs is the keep-alive period in milliseconds for
	// streaming transports. Zero means the 60s default; negative disables
	// keep-alive.
	KeepAliveIntervalMs int64 `json:"keepAliveInterval,omitempty"`

	// Options carries the per-server request execution policy.
	Options *ServerOptions `json:"options,omitempty"`

	// Tools holds per-tool overrides keyed by the upstream tool name.
	Tools map[string]ToolOverride `json:"tools,omitempty"`
}

// ServerOptions is the per-server request policy, all durations in
// milliseconds as stored in the settings document.
type ServerOptions struct {
	TimeoutMs              int64 `json:"timeout,omitempty"`
	MaxTotalTimeoutMs      int64 `json:"maxTotalTimeout,omitempty"`
	ResetTimeoutOnProgress bool  `json:"resetTimeoutOnProgress,omitempty"`
}

// Timeout returns the per-attempt timeout or zero when unset.
func (o *ServerOptions) Timeout() time.Duration {
	if o == nil || o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// MaxTotalTimeout returns the absolute ceiling or zero when unset.
func (o *ServerOptions) MaxTotalTimeout() time.Duration {
	if o == nil || o.MaxTotalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.MaxTotalTimeoutMs) * time.Millisecond
}

// ResetOnProgress reports whether progress notifications extend the deadline.
func (o *ServerOptions) ResetOnProgress() bool {
	return o != nil && o.ResetTimeoutOnProgress
}

// ToolOverride adjusts one upstream tool. A missing override leaves the tool
// enabled with its upstream description.
type ToolOverride struct {
	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`

	// Description replaces the upstream description when non-empty.
	Description string `json:"description,omitempty"`
}

// ToolEnabled reports the effective enabled flag for an override entry.
func (t ToolOverride) ToolEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// OpenAPIConfig is the payload for openapi servers: the document location (or
// the inline document) plus the security profile applied to synthesized calls.
type OpenAPIConfig struct {
	// URL points at the OpenAPI document. Mutually exclusive with Schema.
	URL string `json:"url,omitempty"`

	// Schema is the inline OpenAPI document.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Security configures request authentication for synthesized calls.
	Security *SecurityConfig `json:"security,omitempty"`
}

// SecurityConfig mirrors the OpenAPI security schemes the hub can apply
// client-side.
type SecurityConfig struct {
	// Type is one of none, apiKey, http, oauth2, openIdConnect.
	Type string `json:"type,omitempty"`

	// APIKey settings: inject Name=Value into the header, query, or cookie.
	APIKey *APIKeySecurity `json:"apiKey,omitempty"`

	// HTTP settings: bearer or basic Authorization header.
	HTTP *HTTPSecurity `json:"http,omitempty"`

	// Token is the pre-obtained bearer token for oauth2 / openIdConnect.
	Token string `json:"token,omitempty"`
}

// APIKeySecurity holds the apiKey scheme parameters.
type APIKeySecurity struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	// In is one of header, query, cookie. Defaults to header.
	In string `json:"in,omitempty"`
}

// HTTPSecurity holds the http scheme parameters.
type HTTPSecurity struct {
	// Scheme is bearer or basic.
	Scheme string `json:"scheme,omitempty"`
	// Credentials is the bearer token, or the plain user:pass for basic
	// (encoded when the header is built).
	Credentials string `json:"credentials,omitempty"`
}

// IsEnabled reports the effective enabled flag (absent means enabled).
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveType returns the declared type, or infers it from the populated
// payload for documents written before the type field existed.
func (s *ServerConfig) EffectiveType() string {
	if s.Type != "" {
		return s.Type
	}
	switch {
	case s.OpenAPI != nil:
		return ServerTypeOpenAPI
	case s.URL != "":
		return ServerTypeSSE
	case s.Command != "":
		return ServerTypeStdio
	default:
		return ""
	}
}

// KeepAliveInterval returns the effective keep-alive period. Zero in the
// document means the default; a negative value disables keep-alive and is
// returned as zero with ok=false.
func (s *ServerConfig) KeepAliveInterval() (time.Duration, bool) {
	if s.KeepAliveIntervalMs < 0 {
		return 0, false
	}
	if s.KeepAliveIntervalMs == 0 {
		return DefaultKeepAliveInterval, true
	}
	return time.Duration(s.KeepAliveIntervalMs) * time.Millisecond, true
}

// Validate checks the payload invariant: exactly one kind-specific payload,
// matching the effective type.
func (s *ServerConfig) Validate() error {
	typ := s.EffectiveType()
	switch typ {
	case ServerTypeStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio server requires a command")
		}
		if s.URL != "" || s.OpenAPI != nil {
			return fmt.Errorf("stdio server must not set url or openapi")
		}
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s server requires a url", typ)
		}
		if s.Command != "" || s.OpenAPI != nil {
			return fmt.Errorf("%s server must not set command or openapi", typ)
		}
	case ServerTypeOpenAPI:
		if s.OpenAPI == nil || (s.OpenAPI.URL == "" && len(s.OpenAPI.Schema) == 0) {
			return fmt.Errorf("openapi server requires openapi.url or openapi.schema")
		}
		if s.Command != "" || s.URL != "" {
			return fmt.Errorf("openapi server must not set command or url")
		}
	case "":
		return fmt.Errorf("server type cannot be determined: set type, command, url, or openapi")
	default:
		return fmt.Errorf("unknown server type %q", typ)
	}
	return nil
}

// GroupServer is one group member: a server name plus the admitted tool
// names. Tools == nil admits every tool ("all"); an empty non-nil list admits
// none. The JSON form accepts either a bare server-name string or an object
// with a tools field that is "all" or an array.
type GroupServer struct {
	Name  string
	Tools []string
}

// AllTools reports whether the member admits every tool of its server.
func (g GroupServer) AllTools() bool {
	return g.Tools == nil
}

// Admits reports whether the member rule allows the given tool name.
func (g GroupServer) Admits(tool string) bool {
	if g.Tools == nil {
		return true
	}
	for _, t := range g.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts "name", {"name": n}, {"name": n, "tools": "all"} and
// {"name": n, "tools": [...]}.
func (g *GroupServer) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		g.Name = name
		g.Tools = nil
		return nil
	}

	var obj struct {
		Name  string          `json:"name"`
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("group server must be a name or an object: %w", err)
	}
	g.Name = obj.Name
	g.Tools = nil
	if len(obj.Tools) == 0 {
		return nil
	}

	var all string
	if err := json.Unmarshal(obj.Tools, &all); err == nil {
		if all != "all" {
			return fmt.Errorf("group server tools string must be %q, got %q", "all", all)
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(obj.Tools, &list); err != nil {
		return fmt.Errorf("group server tools must be \"all\" or a list: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	g.Tools = list
	return nil
}

// MarshalJSON writes the object form, using "all" for the nil tool list.
func (g GroupServer) MarshalJSON() ([]byte, error) {
	if g.Tools == nil {
		return json.Marshal(struct {
			Name  string `json:"name"`
			Tools string `json:"tools"`
		}{Name: g.Name, Tools: "all"})
	}
	return json.Marshal(struct {
		Name  string   `json:"name"`
		Tools []string `json:"tools"`
	}{Name: g.Name, Tools: g.Tools})
}

// Group is a named subset of servers (and optionally tools) that downstream
// sessions can scope to.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Servers     []GroupServer `json:"servers"`
	Owner       string        `json:"owner,omitempty"`
}

// Member returns the member rule for the given server name, if present.
func (g *Group) Member(server string) (GroupServer, bool) {
	for _, m := range g.Servers {
		if m.Name == server {
			return m, true
		}
	}
	return GroupServer{}, false
}

// User is one hub account. Password holds the bcrypt hash, never plain text.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
}

// RoutingConfig controls the ingress surface.
type RoutingConfig struct {
	// EnableGlobalRoute defaults to true; when false, unscoped MCP routes
	// answer 403.
	EnableGlobalRoute *bool `json:"enableGlobalRoute,omitempty"`

	// EnableGroupNameRoute defaults to true; when false, groups are reachable
	// by UUID only.
	EnableGroupNameRoute *bool `json:"enableGroupNameRoute,omitempty"`

	// EnableBearerAuth accepts Authorization: Bearer {BearerAuthKey} in place
	// of a JWT.
	EnableBearerAuth bool   `json:"enableBearerAuth,omitempty"`
	BearerAuthKey    string `json:"bearerAuthKey,omitempty"`

	// SkipAuth disables authentication entirely.
	SkipAuth bool `json:"skipAuth,omitempty"`
}

// GlobalRouteEnabled reports the effective enableGlobalRoute flag.
func (r *RoutingConfig) GlobalRouteEnabled() bool {
	return r == nil || r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// GroupNameRouteEnabled reports the effective enableGroupNameRoute flag.
func (r *RoutingConfig) GroupNameRouteEnabled() bool {
	return r == nil || r.EnableGroupNameRoute == nil || *r.EnableGroupNameRoute
}

// InstallConfig holds installer hints handed to clients; the hub only stores
// and serves them.
type InstallConfig struct {
	PythonIndexURL string `json:"pythonIndexUrl,omitempty"`
	NpmRegistry    string `json:"npmRegistry,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
}

// SmartRoutingConfig configures the vector index. Empty fields fall back to
// the corresponding environment variables at load time.
type SmartRoutingConfig struct {
	Enabled                 bool   `json:"enabled,omitempty"`
	DBURL                   string `json:"dbUrl,omitempty"`
	OpenAIAPIBaseURL        string `json:"openaiApiBaseUrl,omitempty"`
	OpenAIAPIKey            string `json:"openaiApiKey,omitempty"`
	OpenAIAPIEmbeddingModel string `json:"openaiApiEmbeddingModel,omitempty"`
}

// MCPRouterConfig holds credentials for the optional mcprouter catalog.
type MCPRouterConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	Referer string `json:"referer,omitempty"`
	Title   string `json:"title,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SystemConfig groups the hub-wide configuration partitions.
type SystemConfig struct {
	Routing      *RoutingConfig      `json:"routing,omitempty"`
	Install      *InstallConfig      `json:"install,omitempty"`
	SmartRouting *SmartRoutingConfig `json:"smartRouting,omitempty"`
	MCPRouter    *MCPRouterConfig    `json:"mcpRouter,omitempty"`
}

// UserConfig is the per-user overlay; currently only routing is overridable.
type UserConfig struct {
	Routing *RoutingConfig `json:"routing,omitempty"`
}

// Settings is the whole settings document. One instance is an immutable
// snapshot: the store swaps pointers on reload and never mutates a published
// snapshot.
type Settings struct {
	MCPServers   map[string]*ServerConfig `json:"mcpServers"`
	Groups       []*Group                 `json:"groups,omitempty"`
	Users        []*User                  `json:"users"`
	SystemConfig *SystemConfig            `json:"systemConfig,omitempty"`
	UserConfigs  map[string]*UserConfig   `json:"userConfigs,omitempty"`
}

// EmptySettings returns the document used when the settings file is missing
// or unreadable in lenient mode.
func EmptySettings() *Settings {
	return &Settings{
		MCPServers: map[string]*ServerConfig{},
		Users:      []*User{},
	}
}

// FindServer looks up a server config by name.
func (s *Settings) FindServer(name string) (*ServerConfig, bool) {
	cfg, ok := s.MCPServers[name]
	return cfg, ok
}

// FindGroup resolves a group by ID first, then by display name.
func (s *Settings) FindGroup(idOrName string) (*Group, bool) {
	for _, g := range s.Groups {
		if g.ID == idOrName {
			return g, true
		}
	}
	for _, g := range s.Groups {
		if g.Name == idOrName {
			return g, true
		}
	}
	return nil, false
}

// FindGroupByName resolves a group by display name only.
func (s *Settings) FindGroupByName(name string) (*Group, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// FindUser looks up a user by username.
func (s *Settings) FindUser(username string) (*User, bool) {
	for _, u := range s.Users {
		if u.Username == username {
			return u, true
		}
	}
	return nil, false
}

// Routing returns the routing partition, never nil.
func (s *Settings) Routing() *RoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.Routing == nil {
		return &RoutingConfig{}
	}
	return s.SystemConfig.Routing
}

// SmartRouting returns the smart-routing partition, never nil.
func (s *Settings) SmartRouting() *SmartRoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.SmartRouting == nil {
		return &SmartRoutingConfig{}
	}
	return s.SystemConfig.SmartRouting
}

// Clone deep-copies the document through a JSON round trip. Settings are
// small; clarity beats a field-by-field copy here.
func (s *Settings) Clone() (*Settings, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone settings: %w", err)
	}
	if out.MCPServers == nil {
		out.MCPServers = map[string]*ServerConfig{}
	}
	if out.Users == nil {
		out.Users = []*User{}
	}
	return &out, nil
}
