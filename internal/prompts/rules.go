package prompts

import "strings"

// toolReadingRules is framing added whenever tools are enabled. Tool
// descriptions from MCP servers often encode prerequisites (call X
// first) that models skip unless told not to.
const toolReadingRules = `【Tool Descriptions: Read Before Use】

Read the complete description of a tool before calling it. Sections marked
CRITICAL, MUST, REQUIREMENT, WORKFLOW or PREREQUISITE describe setup steps,
tools that must be called first, and the required argument order.

1. Read the whole description before the first call.
2. Follow documented workflows step by step.
3. If a description says "call X first", call X first.
4. Never skip a step marked REQUIRED or MUST.

Calls that ignore these sections fail.`

// markdownRules is appended to every system prompt.
const markdownRules = `【Response Formatting】

Write replies in Markdown with real line breaks between items.
- Put each bullet and each numbered step on its own line.
- Use ## headings for main sections of longer answers.
- Use fenced code blocks with a language tag.
- Open with a short summary and keep paragraphs short.

Good: "Found 3 files:\n\n1. a.txt\n2. b.txt\n3. c.txt"
Bad:  "Found 3 files: 1. a.txt 2. b.txt 3. c.txt"

Reply in the same language as the user's message.`

// historyGuidance is appended when the user's own prompt says nothing
// about how to treat earlier turns.
const historyGuidance = `【Conversation History】
1. Treat earlier turns as reference material only.
2. Answer what the user is asking now.`

// historyKeywords mark a user prompt that already covers history use.
var historyKeywords = []string{
	"history",
	"conversation history",
	"previous conversation",
	"context",
	"recap",
	"summarize history",
	"历史记录",
	"上下文",
	"总结历史",
}

// HasHistoryInstructions reports whether prompt already tells the model
// how to use conversation history.
func HasHistoryInstructions(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range historyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ToolReadingRules returns the tool-description reading rules.
func ToolReadingRules() string { return toolReadingRules }

// MarkdownRules returns the response formatting rules.
func MarkdownRules() string { return markdownRules }

// HistoryGuidance returns the conversation-history usage guidance.
func HistoryGuidance() string { return historyGuidance }
