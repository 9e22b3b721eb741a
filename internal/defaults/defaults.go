// Package defaults provides embedded copies of the example config and
// MCP server files for the lynexus init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// MCPYAML is the example MCP server file.
//
//go:embed mcp.example.yaml
var MCPYAML []byte
