package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ServerConfig describes one MCP server. Exactly one of Command (stdio)
// or URL (streamable HTTP) must be set.
type ServerConfig struct {
	// Name is the key the server is listed under in its file.
	Name string `json:"-" yaml:"-" toml:"-"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Dir     string            `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`

	// Include and Exclude filter the server's tools by MCP name.
	Include []string `json:"include,omitempty" yaml:"include,omitempty" toml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`

	// Source is the file the server was read from.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// Transport returns "stdio" or "http".
func (c ServerConfig) Transport() string {
	if c.URL != "" {
		return "http"
	}
	return "stdio"
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (c ServerConfig) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Validate checks that the server can be started.
func (c ServerConfig) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("server name is empty")
	case c.Command == "" && c.URL == "":
		return fmt.Errorf("server %q: needs command or url", c.Name)
	case c.Command != "" && c.URL != "":
		return fmt.Errorf("server %q: command and url are mutually exclusive", c.Name)
	}
	return nil
}

// serverFile accepts both the "servers" key and the "mcpServers" key
// used by desktop MCP clients.
type serverFile struct {
	Servers    map[string]ServerConfig `json:"servers" yaml:"servers" toml:"servers"`
	MCPServers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
}

// LoadServerFile reads the servers described in path. The format
// follows the extension: .json, .yaml/.yml or .toml. Environment
// variables in the file are expanded. Servers are returned sorted by
// name; disabled servers are omitted.
func LoadServerFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	var f serverFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal([]byte(expanded), &f)
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), &f)
	case ".toml":
		_, err = toml.Decode(expanded, &f)
	default:
		return nil, fmt.Errorf("%s: unsupported server file type %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	all := make(map[string]ServerConfig, len(f.Servers)+len(f.MCPServers))
	maps.Copy(all, f.MCPServers)
	maps.Copy(all, f.Servers)

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out  []ServerConfig
		errs []error
	)
	for _, name := range names {
		cfg := all[name]
		cfg.Name = name
		cfg.Source = path
		if cfg.Disabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cfg)
	}
	if err := errors.Join(errs...); err != nil {
		return out, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
