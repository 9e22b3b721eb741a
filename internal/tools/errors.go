package tools

import "fmt"

// ErrToolUnavailable is returned when a directive targets a tool that
// is not present in the effective registry: never registered, disabled
// for the conversation, or removed by an MCP reload.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}

// ErrMissingToolName is the failure reported for a directive whose
// marker is not followed by a tool name.
const ErrMissingToolName = "invalid command: missing tool name"
