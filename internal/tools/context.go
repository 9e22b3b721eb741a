package tools

import "context"

// Call identifies the run a tool invocation belongs to. Handlers that
// keep per-conversation state read it from their context.
type Call struct {
	ConversationID string
	RunID          string
	Iteration      int
}

type callKey struct{}

// WithCall attaches c to ctx.
func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the call attached by [WithCall].
func CallFromContext(ctx context.Context) (Call, bool) {
	c, ok := ctx.Value(callKey{}).(Call)
	return c, ok
}

// ConversationIDFromContext returns the conversation of the current
// call, or "" outside a run.
func ConversationIDFromContext(ctx context.Context) string {
	c, _ := CallFromContext(ctx)
	return c.ConversationID
}
