// Package tools holds the tool registry the agent dispatches directives
// to, plus the built-in tool set (file operations, system info, web
// fetch, optional shell).
//
// Tools take positional string arguments, exactly as they appear in a
// directive. Tools bridged from MCP servers translate those positions
// into named arguments themselves (see the mcp package).
package tools

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ServerBuiltin is the Server value of tools compiled into LyNexus.
const ServerBuiltin = "builtin"

// Handler executes a tool with positional arguments.
type Handler func(ctx context.Context, args []string) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Server groups tools in the system prompt and tool listings:
	// ServerBuiltin or the name of the MCP server that provides it.
	Server string `json:"server"`
	// Params names the positional parameters, in order. Used for usage
	// text and argument-count errors.
	Params []string `json:"params,omitempty"`
	// MinArgs is the number of leading Params that are required.
	MinArgs int     `json:"-"`
	Handler Handler `json:"-"`
}

// Usage renders the call signature, e.g. "cp <source> <destination>".
func (t *Tool) Usage() string {
	if len(t.Params) == 0 {
		return t.Name
	}
	parts := make([]string, 0, len(t.Params)+1)
	parts = append(parts, t.Name)
	for i, p := range t.Params {
		if i < t.MinArgs {
			parts = append(parts, "<"+p+">")
		} else {
			parts = append(parts, "["+p+"]")
		}
	}
	return strings.Join(parts, " ")
}

// Registry holds available tools. It is safe for concurrent use; MCP
// reloads mutate it while runs read from scoped views.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t *Tool) {
	if t.Server == "" {
		t.Server = ServerBuiltin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Unregister removes the named tool. Missing names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterServer removes every tool provided by server and returns
// how many were removed.
func (r *Registry) UnregisterServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, t := range r.tools {
		if t.Server == server {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all tools sorted by server, then name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			// Built-ins first, then MCP servers alphabetically.
			if out[i].Server == ServerBuiltin {
				return true
			}
			if out[j].Server == ServerBuiltin {
				return false
			}
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Scope returns a snapshot registry containing only the enabled tools.
// A nil enabled list means every tool is enabled; an empty non-nil list
// means none are. Names in enabled that are not registered are ignored.
func (r *Registry) Scope(enabled []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scoped := NewRegistry()
	for name, t := range r.tools {
		if enabled == nil || slices.Contains(enabled, name) {
			scoped.tools[name] = t
		}
	}
	return scoped
}

// Filter returns a snapshot registry holding the tools keep accepts.
func (r *Registry) Filter(keep func(*Tool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for name, t := range r.tools {
		if keep(t) {
			out.tools[name] = t
		}
	}
	return out
}

// Toggle returns a new enabled list with name switched on or off. A nil
// input list (all enabled) is first expanded to every registered name.
func (r *Registry) Toggle(enabled []string, name string, on bool) ([]string, error) {
	if r.Get(name) == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	if enabled == nil {
		enabled = r.Names()
	}
	out := make([]string, 0, len(enabled)+1)
	for _, n := range enabled {
		if n != name {
			out = append(out, n)
		}
	}
	if on {
		out = append(out, name)
		sort.Strings(out)
	}
	return out, nil
}

// argError reports a wrong number of positional arguments.
func argError(t *Tool, got int) error {
	return fmt.Errorf("%s expects %d to %d arguments, got %d (usage: %s)",
		t.Name, t.MinArgs, len(t.Params), got, t.Usage())
}
