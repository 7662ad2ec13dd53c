package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mcphub/internal/admin"
	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/dispatch"
	"mcphub/internal/gateway"
	"mcphub/internal/pool"
	"mcphub/internal/registry"
	"mcphub/internal/settings"
	"mcphub/internal/smart"
	"mcphub/pkg/logging"

	"github.com/spf13/cobra"
)

// servePort is the TCP port the hub listens on.
var servePort int

// serveBasePath prefixes every route, for deployments behind a path-rewriting
// proxy. Empty serves from /.
var serveBasePath string

// serveSettingsPath points at the JSON settings document.
var serveSettingsPath string

// serveInitTimeout bounds the initial connection attempt per upstream server,
// in seconds.
var serveInitTimeout int

// serveRequestTimeout bounds each proxied tool call, in milliseconds.
var serveRequestTimeout int

// serveReadonly rejects mutating admin requests while keeping reads and tool
// calls available.
var serveReadonly bool

// serveJWTSecret signs and verifies hub-issued tokens.
var serveJWTSecret string

// serveStrict makes an unreadable settings file fatal instead of degrading to
// the empty document.
var serveStrict bool

// serveLogLevel and serveLogJSON configure the process logger.
var (
	serveLogLevel string
	serveLogJSON  bool
)

// serveCmd starts the hub: the MCP ingress endpoints, the admin REST API and
// the upstream connector pool, all on one listener.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mcphub server",
	Long: `Starts the hub. It connects to every enabled upstream MCP server from the
settings document, aggregates their tools, and serves them to downstream
clients over SSE and streamable HTTP:

  /sse, /messages, /mcp           every tool from every connected server
  /sse/{group}, /mcp/{group}      the group's slice, by ID or name
  /sse/{server}, /mcp/{server}    a single server
  /sse/$smart, /mcp/$smart        vector-similarity tool discovery (optional)

The admin REST API is served under /api on the same listener. The settings
file is watched for changes and the connector pool reconciles live; no
restart is needed when servers are added, removed or reconfigured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe wires the hub together and blocks until SIGINT/SIGTERM or a fatal
// listener error.
func runServe(cmd *cobra.Command, args []string) error {
	applyEnvFallbacks(cmd)
	logging.Init(logging.ParseLevel(serveLogLevel), serveLogJSON, os.Stderr)

	store := settings.NewStore(serveSettingsPath, serveStrict)
	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings from %s: %w", serveSettingsPath, err)
	}

	watcher := settings.NewWatcher(store)
	if err := watcher.Start(); err != nil {
		logging.Warn("Serve", "Settings watcher unavailable, live reload disabled: %v", err)
		watcher = nil
	}

	p := pool.New(pool.WithInitTimeout(time.Duration(serveInitTimeout) * time.Second))
	reg := registry.New(p, store.Current)
	index := buildSmartIndex(snap, reg)

	dopts := []dispatch.Option{
		dispatch.WithDefaultTimeout(time.Duration(serveRequestTimeout) * time.Millisecond),
	}
	if index != nil {
		dopts = append(dopts, dispatch.WithSmartIndex(index))
	}
	dispatcher := dispatch.New(reg, dopts...)

	authManager := auth.NewManager(serveJWTSecret)
	adminRouter := admin.Router(admin.Deps{
		Store:      store,
		Pool:       p,
		Dispatcher: dispatcher,
		Auth:       authManager,
		Readonly:   serveReadonly,
	})

	gw := gateway.New(gateway.Config{
		BasePath:   serveBasePath,
		Version:    GetVersion(),
		Dispatcher: dispatcher,
		Auth:       authManager,
		Current:    store.Current,
		Admin:      adminRouter,
	})

	// Event listeners run on connector goroutines and must not block, so both
	// reactions are debounced. Registered before Boot so no event is missed.
	p.OnEvent(func(ev api.ConnectorEvent) {
		gw.RefreshSoon()
		if index != nil {
			index.Kick()
		}
	})
	store.OnChange(func(snap *settings.Settings) {
		p.Reconcile(snap)
		gw.RefreshSoon()
		if index != nil {
			index.Kick()
		}
	})

	// Boot in the background: downstream clients can connect while slow
	// upstream servers are still handshaking.
	go func() {
		if err := p.Boot(context.Background(), snap); err != nil {
			logging.Error("Serve", err, "Connector pool boot failed")
		}
	}()
	if index != nil {
		index.Kick()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Serve", "mcphub %s listening on :%d (base path %q)", GetVersion(), servePort, gateway.NormalizeBasePath(serveBasePath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		shutdown(nil, watcher, index, p)
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logging.Info("Serve", "Received %s, shutting down", sig)
	}

	shutdown(srv, watcher, index, p)
	return nil
}

// shutdown tears the hub down in dependency order: stop accepting requests,
// stop watching settings, release the vector store, then disconnect upstreams.
func shutdown(srv *http.Server, watcher *settings.Watcher, index *smart.Index, p *pool.Pool) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("Serve", "HTTP shutdown did not finish cleanly: %v", err)
		}
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logging.Warn("Serve", "Settings watcher stop: %v", err)
		}
	}
	if index != nil {
		index.Close()
	}
	p.Shutdown()
	logging.Info("Serve", "Shutdown complete")
}

// buildSmartIndex assembles the optional vector index. Smart routing is best
// effort at startup: a bad key or unreachable database logs an error and the
// hub runs without the $smart endpoint.
func buildSmartIndex(snap *settings.Settings, reg *registry.Registry) *smart.Index {
	sr := snap.SmartRouting()
	if !sr.Enabled {
		return nil
	}

	embedder, err := smart.NewOpenAIEmbedder(sr.OpenAIAPIKey, sr.OpenAIAPIBaseURL, sr.OpenAIAPIEmbeddingModel)
	if err != nil {
		logging.Error("Serve", err, "Smart routing disabled: embedder configuration invalid")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := smart.NewPostgresStore(ctx, sr.DBURL, embedder.Dimensions())
	if err != nil {
		logging.Error("Serve", err, "Smart routing disabled: vector store unavailable")
		return nil
	}

	return smart.NewIndex(reg, store, embedder)
}

// applyEnvFallbacks fills in flags the user did not set from the environment.
// Explicit flags always win.
func applyEnvFallbacks(cmd *cobra.Command) {
	flags := cmd.Flags()
	if !flags.Changed("port") {
		servePort = envInt("PORT", servePort)
	}
	if !flags.Changed("base-path") {
		if v := os.Getenv("BASE_PATH"); v != "" {
			serveBasePath = v
		}
	}
	if !flags.Changed("settings") {
		serveSettingsPath = settings.PathFromEnv()
	}
	if !flags.Changed("init-timeout") {
		serveInitTimeout = envInt("INIT_TIMEOUT", serveInitTimeout)
	}
	if !flags.Changed("request-timeout") {
		serveRequestTimeout = envInt("REQUEST_TIMEOUT", serveRequestTimeout)
	}
	if !flags.Changed("readonly") {
		serveReadonly = envBool("READONLY", serveReadonly)
	}
	if !flags.Changed("jwt-secret") {
		if v := os.Getenv("JWT_SECRET"); v != "" {
			serveJWTSecret = v
		}
	}
}

// envInt reads an integer environment variable, keeping the fallback on a
// missing or unparsable value.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warn("Serve", "Ignoring %s=%q: not an integer", key, v)
		return fallback
	}
	return n
}

// envBool reads a boolean environment variable, keeping the fallback on a
// missing or unparsable value.
func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.Warn("Serve", "Ignoring %s=%q: not a boolean", key, v)
		return fallback
	}
	return b
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 3000, "TCP port to listen on (env PORT)")
	serveCmd.Flags().StringVar(&serveBasePath, "base-path", "", "URL prefix for all routes, e.g. /hub (env BASE_PATH)")
	serveCmd.Flags().StringVar(&serveSettingsPath, "settings", settings.DefaultPath, "Path to the settings JSON document (env MCPHUB_SETTING_PATH)")
	serveCmd.Flags().IntVar(&serveInitTimeout, "init-timeout", 300, "Seconds to wait for upstream servers on boot (env INIT_TIMEOUT)")
	serveCmd.Flags().IntVar(&serveRequestTimeout, "request-timeout", 60000, "Milliseconds before a proxied tool call times out (env REQUEST_TIMEOUT)")
	serveCmd.Flags().BoolVar(&serveReadonly, "readonly", false, "Reject mutating admin API requests (env READONLY)")
	serveCmd.Flags().StringVar(&serveJWTSecret, "jwt-secret", "", "Secret for signing auth tokens (env JWT_SECRET)")
	serveCmd.Flags().BoolVar(&serveStrict, "strict", false, "Fail startup when the settings file is unreadable")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "Emit logs as JSON")
}
