package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/lynexus/lynexus-agent/internal/tools"
)

// fallbackArg names the argument a bare value is passed as when the
// tool's schema declares no parameters.
const fallbackArg = "value"

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Caller invokes a tool on an MCP server. *Client implements it.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// BridgeTools registers every tool of defs under server, filtered by
// include and exclude (include wins when both are set). It returns the
// number of tools registered.
func BridgeTools(caller Caller, server string, defs []ToolDefinition, registry *tools.Registry, include, exclude []string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	n := 0
	for _, td := range defs {
		if len(include) > 0 {
			if !slices.Contains(include, td.Name) {
				continue
			}
		} else if slices.Contains(exclude, td.Name) {
			continue
		}

		t := bridgeTool(caller, server, td)
		registry.Register(t)
		n++
		logger.Debug("bridged MCP tool", "mcp_name", td.Name, "tool", t.Name, "server", server)
	}
	return n
}

// ToolName returns the registry name of an MCP tool:
// mcp_{server}_{tool}, both parts lowercased with anything outside
// [a-z0-9_] replaced by underscores.
func ToolName(server, mcpTool string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(server), sanitize(mcpTool))
}

func bridgeTool(caller Caller, server string, td ToolDefinition) *tools.Tool {
	params := schemaParams(td.InputSchema)
	mcpName := td.Name
	schema := td.InputSchema

	desc := strings.TrimSpace(td.Description)
	if desc == "" {
		desc = "No description"
	}
	if len(params) > 0 {
		desc += "\nArguments may also be given as name=value."
	}

	return &tools.Tool{
		Name:        ToolName(server, td.Name),
		Description: desc,
		Server:      server,
		Params:      params,
		Handler: func(ctx context.Context, args []string) (string, error) {
			return caller.CallTool(ctx, mcpName, NamedArgs(schema, args))
		},
	}
}

// schemaParams orders a schema's properties for positional use:
// required names in declared order, then the rest alphabetically.
func schemaParams(s InputSchema) []string {
	if len(s.Properties) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Properties))
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; ok && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	var rest []string
	for name := range s.Properties {
		if !slices.Contains(out, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// NamedArgs converts directive arguments into tools/call arguments. An
// argument of the form name=value sets name; a bare value fills the
// next schema parameter not yet set, or "value" when the schema has no
// parameters. Empty arguments are skipped. Values are converted to the
// schema's integer, number or boolean type when they parse as one.
func NamedArgs(s InputSchema, args []string) map[string]any {
	params := schemaParams(s)
	out := make(map[string]any, len(args))

	var bare []string
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if key, val, ok := strings.Cut(a, "="); ok && isArgName(key) {
			out[key] = coerce(s.Properties[key].Type, strings.TrimSpace(val))
			continue
		}
		bare = append(bare, a)
	}

	next := 0
	for _, v := range bare {
		for next < len(params) {
			if _, taken := out[params[next]]; !taken {
				break
			}
			next++
		}
		if next >= len(params) {
			// No parameter left; the last bare value wins, as with a
			// schema-less tool.
			out[fallbackArg] = v
			continue
		}
		out[params[next]] = coerce(s.Properties[params[next]].Type, v)
		next++
	}
	return out
}

// isArgName reports whether s can be the name half of name=value.
// Values such as "x == y" or URLs with query strings stay bare.
func isArgName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func coerce(typ, v string) any {
	switch typ {
	case "integer":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}

// sanitize lowercases name and maps it onto [a-z0-9_], collapsing
// repeated underscores and trimming them from the ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
