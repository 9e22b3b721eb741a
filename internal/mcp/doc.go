// Package mcp connects LyNexus to MCP (Model Context Protocol) servers
// and exposes their tools to the command loop.
//
// Servers are described in JSON, YAML or TOML files (LoadServerFile) and
// reached over stdio or streamable HTTP using JSON-RPC 2.0. The Manager
// starts the servers a file describes, lists their tools, and registers
// each one in the tool registry as mcp_{server}_{tool}. Directives carry
// positional arguments; the bridge turns them into the named arguments
// an MCP tools/call expects.
//
// Only the client side of the protocol is implemented.
package mcp
