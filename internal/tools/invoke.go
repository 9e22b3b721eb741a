package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lynexus/lynexus-agent/internal/command"
)

// Outcome is the result of dispatching one directive. Failed outcomes
// carry the failure message in Result.
type Outcome struct {
	Directive command.Directive `json:"directive"`
	Result    string            `json:"result"`
	Failed    bool              `json:"failed"`
	Duration  time.Duration     `json:"duration"`
}

// Invoke dispatches d to its tool. It never returns an error and never
// panics: unknown tools, argument-count mismatches, handler errors, and
// handler panics all become failed outcomes.
func (r *Registry) Invoke(ctx context.Context, d command.Directive) (out Outcome) {
	out.Directive = d
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	if !d.Valid() {
		out.Failed = true
		out.Result = ErrMissingToolName
		return out
	}

	t := r.Get(d.Tool)
	if t == nil || t.Handler == nil {
		out.Failed = true
		out.Result = (&ErrToolUnavailable{ToolName: d.Tool}).Error()
		return out
	}

	if len(d.Args) < t.MinArgs || (len(t.Params) > 0 && len(d.Args) > len(t.Params)) {
		out.Failed = true
		out.Result = argError(t, len(d.Args)).Error()
		return out
	}

	defer func() {
		if p := recover(); p != nil {
			call, _ := CallFromContext(ctx)
			slog.Error("tool panicked",
				"tool", d.Tool,
				"conversation_id", call.ConversationID,
				"run_id", call.RunID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			out.Failed = true
			out.Result = fmt.Sprintf("tool %s panicked: %v", d.Tool, p)
		}
	}()

	result, err := t.Handler(ctx, d.Args)
	if err != nil {
		out.Failed = true
		out.Result = err.Error()
		return out
	}
	out.Result = result
	return out
}
