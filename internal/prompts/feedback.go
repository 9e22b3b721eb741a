package prompts

import "strings"

// Default feedback templates. {result} and {error} are placeholders, not
// format verbs, so user overrides cannot break interpolation with a
// stray percent sign.
const (
	DefaultCommandExecution = "The command has been executed. Result:\n\n{result}\n\n"
	DefaultCommandRetry     = "【COMMAND EXECUTION FAILED】\nError: {error}\n\n"
	DefaultFinalSummary     = "You have reached the maximum number of iterations.\n"
)

// Templates holds the feedback text appended to a transcript as user
// messages while the command loop runs.
type Templates struct {
	CommandExecution string
	CommandRetry     string
	FinalSummary     string
}

// DefaultTemplates returns the built-in feedback templates.
func DefaultTemplates() Templates {
	return Templates{
		CommandExecution: DefaultCommandExecution,
		CommandRetry:     DefaultCommandRetry,
		FinalSummary:     DefaultFinalSummary,
	}
}

// Merge returns t with every non-empty field of o applied on top.
func (t Templates) Merge(o Templates) Templates {
	if o.CommandExecution != "" {
		t.CommandExecution = o.CommandExecution
	}
	if o.CommandRetry != "" {
		t.CommandRetry = o.CommandRetry
	}
	if o.FinalSummary != "" {
		t.FinalSummary = o.FinalSummary
	}
	return t
}

// Execution renders the feedback for a successful tool call.
func (t Templates) Execution(result string) string {
	return strings.ReplaceAll(t.CommandExecution, "{result}", result)
}

// Retry renders the feedback for a failed tool call.
func (t Templates) Retry(errMsg string) string {
	return strings.ReplaceAll(t.CommandRetry, "{error}", errMsg)
}

// Exhaustion renders the message sent when the iteration cap is hit.
func (t Templates) Exhaustion() string {
	return t.FinalSummary
}
