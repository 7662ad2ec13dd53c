package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/internal/settings"
	"mcphub/internal/upstream"
	"mcphub/pkg/logging"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInitTimeout bounds the initial concurrent bring-up of all
	// enabled connectors.
	DefaultInitTimeout = 300 * time.Second

	// bootConcurrency caps how many connectors run their first connection
	// attempt at the same time.
	bootConcurrency = 8
)

// Pool manages one Connector per enabled upstream server, keyed by server
// name. Connectors are created during Boot and replaced, added or removed
// by Reconcile; the pool never mutates a connector's configuration in
// place.
type Pool struct {
	factory     upstream.ClientFactory
	initTimeout time.Duration

	mu         sync.RWMutex
	connectors map[string]*upstream.Connector
	closed     bool

	listenerMu sync.RWMutex
	listeners  []func(api.ConnectorEvent)

	// nameLocks serializes reconcile work per server name.
	nameMu    sync.Mutex
	nameLocks map[string]*sync.Mutex
}

// Option customizes pool construction.
type Option func(*Pool)

// WithClientFactory overrides how connectors build their MCP clients.
// Tests use this to install fakes.
func WithClientFactory(f upstream.ClientFactory) Option {
	return func(p *Pool) { p.factory = f }
}

// WithInitTimeout overrides the boot deadline. Non-positive values keep
// the default.
func WithInitTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.initTimeout = d
		}
	}
}

// New creates an empty pool. Call Boot with the initial settings snapshot
// to bring the connectors up.
func New(opts ...Option) *Pool {
	p := &Pool{
		initTimeout: DefaultInitTimeout,
		connectors:  make(map[string]*upstream.Connector),
		nameLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnEvent registers a listener for connector lifecycle events. Listeners
// are invoked synchronously on the connector's goroutine and must not
// block. Register all listeners before calling Boot.
func (p *Pool) OnEvent(fn func(api.ConnectorEvent)) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Pool) dispatch(evt api.ConnectorEvent) {
	p.listenerMu.RLock()
	listeners := p.listeners
	p.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(evt)
	}
}

// Boot creates a connector for every enabled server in the snapshot and
// waits until each has resolved its first connection attempt, bounded by
// the init timeout. A server that fails its first attempt does not abort
// boot; its connector keeps retrying in the background.
func (p *Pool) Boot(ctx context.Context, snap *settings.Settings) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool is shut down")
	}
	var started []*upstream.Connector
	for name, cfg := range snap.MCPServers {
		if !cfg.IsEnabled() {
			logging.Debug("Pool", "Server %s is disabled, skipping", name)
			continue
		}
		c := upstream.NewConnector(name, cfg, p.factory, p.dispatch)
		p.connectors[name] = c
		started = append(started, c)
	}
	p.mu.Unlock()

	bootCtx, cancel := context.WithTimeout(ctx, p.initTimeout)
	defer cancel()

	g, waitCtx := errgroup.WithContext(bootCtx)
	g.SetLimit(bootConcurrency)
	for _, c := range started {
		g.Go(func() error {
			c.Start()
			if !c.WaitReady(waitCtx) {
				if err := c.LastError(); err != nil {
					logging.Warn("Pool", "Server %s failed its first connection attempt: %v", c.Name(), err)
				} else {
					logging.Warn("Pool", "Server %s not connected within the init timeout", c.Name())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	connected := 0
	for _, c := range started {
		if c.Status() == api.StatusConnected {
			connected++
		}
	}
	logging.Info("Pool", "Boot complete: %d/%d servers connected", connected, len(started))
	return nil
}

// Reconcile diffs the snapshot against the live pool and applies the
// changes: newly enabled servers are started, removed or disabled servers
// are stopped and dropped, and servers whose configuration changed are
// replaced with a fresh connector. Reconciling an unchanged snapshot is a
// no-op. Safe to register directly as a settings change listener.
func (p *Pool) Reconcile(snap *settings.Settings) {
	p.mu.RLock()
	closed := p.closed
	names := make(map[string]struct{}, len(p.connectors))
	for name := range p.connectors {
		names[name] = struct{}{}
	}
	p.mu.RUnlock()
	if closed {
		return
	}

	for name := range snap.MCPServers {
		names[name] = struct{}{}
	}
	for name := range names {
		cfg := snap.MCPServers[name]
		p.reconcileServer(name, cfg)
	}
}

// reconcileServer applies the desired configuration for a single server.
// cfg is nil when the server is no longer declared in the settings.
func (p *Pool) reconcileServer(name string, cfg *settings.ServerConfig) {
	lock := p.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	p.mu.RLock()
	current, exists := p.connectors[name]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}

	wantEnabled := cfg != nil && cfg.IsEnabled()

	switch {
	case !exists && wantEnabled:
		c := upstream.NewConnector(name, cfg, p.factory, p.dispatch)
		p.mu.Lock()
		p.connectors[name] = c
		p.mu.Unlock()
		c.Start()
		logging.Info("Pool", "Server %s added", name)

	case exists && !wantEnabled:
		p.mu.Lock()
		delete(p.connectors, name)
		p.mu.Unlock()
		current.Stop()
		p.dispatch(api.ConnectorEvent{Server: name, Type: api.EventRemoved})
		if cfg == nil {
			logging.Info("Pool", "Server %s removed", name)
		} else {
			logging.Info("Pool", "Server %s disabled", name)
		}

	case exists && wantEnabled:
		if configsEqual(current.Config(), cfg) {
			return
		}
		c := upstream.NewConnector(name, cfg, p.factory, p.dispatch)
		p.mu.Lock()
		p.connectors[name] = c
		p.mu.Unlock()
		current.Stop()
		c.Start()
		logging.Info("Pool", "Server %s configuration changed, reconnecting", name)
	}
}

// Get returns the connector for the named server. Disabled and removed
// servers are not in the pool.
func (p *Pool) Get(name string) (*upstream.Connector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.connectors[name]
	return c, ok
}

// List returns all pooled connectors sorted by server name.
func (p *Pool) List() []*upstream.Connector {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*upstream.Connector, 0, len(p.connectors))
	for _, c := range p.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Connected reports whether every enabled server is connected. An empty
// pool counts as connected; the health endpoint builds on this.
func (p *Pool) Connected() bool {
	for _, c := range p.List() {
		if c.Status() != api.StatusConnected {
			return false
		}
	}
	return true
}

// Shutdown stops every connector and marks the pool unusable. Boot and
// Reconcile are no-ops afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	connectors := make([]*upstream.Connector, 0, len(p.connectors))
	for _, c := range p.connectors {
		connectors = append(connectors, c)
	}
	p.connectors = make(map[string]*upstream.Connector)
	p.mu.Unlock()

	for _, c := range connectors {
		c.Stop()
	}
	logging.Info("Pool", "Stopped %d connectors", len(connectors))
}

func (p *Pool) nameLock(name string) *sync.Mutex {
	p.nameMu.Lock()
	defer p.nameMu.Unlock()
	lock, ok := p.nameLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.nameLocks[name] = lock
	}
	return lock
}

// configsEqual compares two server configs by their canonical JSON form.
// The settings document is JSON-native, so this captures exactly the
// differences a file reload or an admin edit can introduce.
func configsEqual(a, b *settings.ServerConfig) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
