package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// DefaultStartupTimeout bounds the handshake and tool listing of one
// server.
const DefaultStartupTimeout = 30 * time.Second

// ServerStatus is a server's state for status listings.
type ServerStatus struct {
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	Transport string    `json:"transport"`
	Tools     int       `json:"tools"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	LastPing  time.Time `json:"lastPing,omitzero"`
	Version   string    `json:"version,omitempty"`
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Registry       *tools.Registry
	Bus            *events.Bus
	Logger         *slog.Logger
	StartupTimeout time.Duration
	// NewTransport defaults to DefaultTransport.
	NewTransport TransportFactory
}

// Manager owns the MCP servers loaded from server files and keeps their
// tools registered. Files are loaded once and reloaded on request; a
// server name may appear in only one loaded file.
type Manager struct {
	registry     *tools.Registry
	bus          *events.Bus
	logger       *slog.Logger
	timeout      time.Duration
	newTransport TransportFactory

	mu      sync.Mutex
	servers map[string]*server
	files   map[string][]string // path -> server names
	global  []string
}

type server struct {
	cfg      ServerConfig
	client   *Client
	tools    int
	err      error
	lastPing time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	newTransport := cfg.NewTransport
	if newTransport == nil {
		newTransport = DefaultTransport
	}
	return &Manager{
		registry:     cfg.Registry,
		bus:          cfg.Bus,
		logger:       logger.With("component", "mcp"),
		timeout:      timeout,
		newTransport: newTransport,
		servers:      make(map[string]*server),
		files:        make(map[string][]string),
	}
}

// LoadGlobal loads server files whose tools every conversation may use.
func (m *Manager) LoadGlobal(ctx context.Context, paths []string) error {
	m.mu.Lock()
	for _, p := range paths {
		p = clean(p)
		if !slices.Contains(m.global, p) {
			m.global = append(m.global, p)
		}
	}
	m.mu.Unlock()
	return m.Load(ctx, paths)
}

// Load loads every file in paths that is not loaded yet. Servers that
// fail to start are recorded with their error and contribute no tools;
// the errors are joined in the result.
func (m *Manager) Load(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		p = clean(p)
		m.mu.Lock()
		_, loaded := m.files[p]
		m.mu.Unlock()
		if loaded {
			continue
		}
		if err := m.loadFile(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload drops the servers of path and loads the file again.
func (m *Manager) Reload(ctx context.Context, path string) error {
	path = clean(path)
	m.mu.Lock()
	names := m.files[path]
	delete(m.files, path)
	m.mu.Unlock()

	for _, name := range names {
		m.drop(name)
	}
	err := m.loadFile(ctx, path)

	m.mu.Lock()
	reloaded := slices.Clone(m.files[path])
	m.mu.Unlock()
	m.bus.Emit(events.SourceMCP, events.KindServersReloaded, map[string]any{
		"path":    path,
		"servers": reloaded,
		"tools":   m.registry.Len(),
		"error":   errString(err),
	})
	return err
}

// ServersFor returns the servers a conversation with the given server
// files may use: those of the global files and of paths. Files in paths
// are loaded first if needed; load errors are returned alongside the
// servers that did load.
func (m *Manager) ServersFor(ctx context.Context, paths []string) (map[string]bool, error) {
	err := m.Load(ctx, paths)

	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[string]bool)
	for _, p := range append(slices.Clone(m.global), paths...) {
		for _, name := range m.files[clean(p)] {
			allowed[name] = true
		}
	}
	return allowed, err
}

// Files returns the loaded server files, sorted.
func (m *Manager) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Status reports every known server, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, s := range m.servers {
		st := ServerStatus{
			Name:      s.cfg.Name,
			Source:    s.cfg.Source,
			Transport: s.cfg.Transport(),
			Tools:     s.tools,
			Healthy:   s.err == nil && s.client != nil,
			Error:     errString(s.err),
			LastPing:  s.lastPing,
		}
		if s.client != nil {
			if info := s.client.Info(); info != nil {
				st.Version = info.Version
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PingAll pings every connected server and records the outcome.
func (m *Manager) PingAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	targets := make(map[string]*Client, len(m.servers))
	for name, s := range m.servers {
		if s.client != nil {
			targets[name] = s.client
		}
	}
	m.mu.Unlock()

	results := make(map[string]error, len(targets))
	for name, c := range targets {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.Ping(pctx)
		cancel()
		results[name] = err

		m.mu.Lock()
		if s, ok := m.servers[name]; ok && s.client == c {
			s.err = err
			s.lastPing = time.Now()
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("MCP server ping failed", "server", name, "error", err)
		}
		m.bus.Emit(events.SourceMCP, events.KindServerPing, map[string]any{
			"server": name,
			"ok":     err == nil,
		})
	}
	return results
}

// Close stops every server and unregisters its tools.
func (m *Manager) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.files = make(map[string][]string)
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.drop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) loadFile(ctx context.Context, path string) error {
	cfgs, loadErr := LoadServerFile(path)
	if loadErr != nil && len(cfgs) == 0 {
		m.logger.Error("MCP server file not loaded", "path", path, "error", loadErr)
		return loadErr
	}

	var (
		names []string
		errs  []error
	)
	if loadErr != nil {
		errs = append(errs, loadErr)
	}
	for _, cfg := range cfgs {
		m.mu.Lock()
		existing, dup := m.servers[cfg.Name]
		m.mu.Unlock()
		if dup {
			errs = append(errs, fmt.Errorf("server %q in %s already loaded from %s", cfg.Name, path, existing.cfg.Source))
			continue
		}

		s := m.connect(ctx, cfg)
		m.mu.Lock()
		m.servers[cfg.Name] = s
		m.mu.Unlock()
		names = append(names, cfg.Name)
		if s.err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", cfg.Name, s.err))
		}
	}

	m.mu.Lock()
	m.files[path] = names
	m.mu.Unlock()

	m.logger.Info("MCP server file loaded", "path", path, "servers", len(names), "errors", len(errs))
	return errors.Join(errs...)
}

// connect starts a server and registers its tools. Failures are kept
// on the returned server rather than returned.
func (m *Manager) connect(ctx context.Context, cfg ServerConfig) *server {
	s := &server{cfg: cfg}
	logger := m.logger.With("mcp_server", cfg.Name)

	transport, err := m.newTransport(cfg, logger)
	if err != nil {
		s.err = err
		return s
	}
	client := NewClient(cfg.Name, transport, logger)

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := client.Initialize(sctx); err != nil {
		client.Close()
		s.err = err
		logger.Error("MCP server failed to start", "error", err)
		return s
	}
	defs, err := client.ListTools(sctx)
	if err != nil {
		client.Close()
		s.err = err
		logger.Error("MCP tool listing failed", "error", err)
		return s
	}

	s.client = client
	s.tools = BridgeTools(client, cfg.Name, defs, m.registry, cfg.Include, cfg.Exclude, logger)
	s.lastPing = time.Now()
	return s
}

// drop stops a server and removes its tools.
func (m *Manager) drop(name string) error {
	m.mu.Lock()
	s, ok := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	removed := m.registry.UnregisterServer(name)
	m.logger.Debug("MCP server dropped", "server", name, "tools_removed", removed)
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func clean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
