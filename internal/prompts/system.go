package prompts

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is used when a conversation has no system prompt
// of its own.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// positionalHint is added to tool descriptions that carry no usage
// example of their own.
const positionalHint = "IMPORTANT: Call with positional arguments only, do NOT use parameter names."

// ToolDoc describes one enabled tool for the system prompt.
type ToolDoc struct {
	Name        string
	Server      string
	Description string
	// Params are the positional parameter names; optional ones are
	// rendered in brackets from index Required onward.
	Params   []string
	Required int
}

// SystemPromptInput is everything SystemPrompt composes.
type SystemPromptInput struct {
	// UserPrompt is the conversation's own system prompt. Empty selects
	// DefaultSystemPrompt.
	UserPrompt       string
	CommandStart     string
	CommandSeparator string
	// Tools lists enabled tools in display order. Tools of the same
	// server are grouped under one heading in first-seen order.
	Tools []ToolDoc
}

// SystemPrompt builds the effective system prompt for a run: the tool
// catalogue and directive syntax (when any tool is enabled), the user's
// prompt, formatting rules, and history guidance when the user's prompt
// does not already cover it.
func SystemPrompt(in SystemPromptInput) string {
	user := strings.TrimSpace(in.UserPrompt)
	if user == "" {
		user = DefaultSystemPrompt
	}

	var parts []string
	if len(in.Tools) > 0 {
		parts = append(parts, toolCatalogue(in), toolReadingRules)
	}
	parts = append(parts, user, markdownRules)
	if !HasHistoryInstructions(user) {
		parts = append(parts, historyGuidance)
	}
	return strings.Join(parts, "\n\n")
}

// toolCatalogue renders grouped tool descriptions and the directive
// syntax block.
func toolCatalogue(in SystemPromptInput) string {
	start, sep := in.CommandStart, in.CommandSeparator

	var servers []string
	byServer := make(map[string][]ToolDoc)
	for _, t := range in.Tools {
		if _, ok := byServer[t.Server]; !ok {
			servers = append(servers, t.Server)
		}
		byServer[t.Server] = append(byServer[t.Server], t)
	}

	var b strings.Builder
	b.WriteString("【Available Tools】\nYou can use the following tools:\n\n")
	for _, server := range servers {
		group := byServer[server]
		fmt.Fprintf(&b, "─── %s SERVER ───\n", strings.ToUpper(server))
		fmt.Fprintf(&b, "   Available tools: %d\n\n", len(group))
		for _, t := range group {
			fmt.Fprintf(&b, "%s: %s\n", t.Name, strings.TrimSpace(t.Description))
			fmt.Fprintf(&b, "Usage: %s\n", directiveUsage(start, sep, t))
			if !strings.Contains(t.Description, "CORRECT:") && !strings.Contains(t.Description, "WRONG:") {
				b.WriteString(positionalHint + "\n")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("【Tool Usage】\n")
	b.WriteString("Call a tool by writing a line that starts with the command marker. ")
	b.WriteString("Pass arguments by POSITION, never as named parameters.\n\n")
	fmt.Fprintf(&b, "CORRECT format: %s tool_name %s value1 %s value2\n", start, sep, sep)
	fmt.Fprintf(&b, "WRONG format: %s tool_name %s param1=value1 %s param2=value2\n\n", start, sep, sep)
	fmt.Fprintf(&b, "Example: %s ls %s /home/user/documents\n", start, sep)
	fmt.Fprintf(&b, "NOT: %s ls %s directory=/home/user/documents\n\n", start, sep)
	b.WriteString("【Important Notes】\n")
	b.WriteString("1. Pass ONLY values, do NOT include parameter names\n")
	b.WriteString("2. Pass parameters in the order shown in the tool's usage line\n")
	b.WriteString("3. Do not quote values\n")
	b.WriteString("4. Each directive must be on its own line; several lines run in order\n")
	b.WriteString("5. Results come back in the next message; wait for them before relying on the outcome\n")
	return strings.TrimRight(b.String(), "\n")
}

// directiveUsage renders e.g. "RUN: cp | <source> | <destination>".
func directiveUsage(start, sep string, t ToolDoc) string {
	parts := []string{start + " " + t.Name}
	for i, p := range t.Params {
		if i < t.Required {
			parts = append(parts, "<"+p+">")
		} else {
			parts = append(parts, "["+p+"]")
		}
	}
	return strings.Join(parts, " "+sep+" ")
}
