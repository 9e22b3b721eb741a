// Package agent implements the command loop: it streams a model turn,
// runs the command directives the model wrote, feeds the results back,
// and repeats until the model answers without directives, the iteration
// cap is reached, or the caller stops the run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lynexus/lynexus-agent/internal/command"
	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/history"
	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// ErrCancelled is returned by Run when the run was stopped before any
// text was streamed.
var ErrCancelled = errors.New("cancelled")

// Run is everything one execution of the loop needs. History must
// already hold the user's message (see history.Assembler.Begin).
type Run struct {
	ID             string
	ConversationID string
	History        *history.Assembler
	Settings       session.Settings
	// Tools is the conversation's scoped registry.
	Tools  *tools.Registry
	Client llm.Client
	Cancel *Cancel
	Emit   Emitter
}

// Result summarizes a finished run.
type Result struct {
	// Text is every chunk of the run concatenated, which is also the
	// content of the complete event.
	Text       string
	Iterations int
	Exhausted  bool
	Cancelled  bool
	Outcomes   []tools.Outcome
	Transcript []llm.Message
	Elapsed    time.Duration
}

// Controller drives runs. It holds no per-run state and may run any
// number of runs concurrently.
type Controller struct {
	logger *slog.Logger
	bus    *events.Bus
}

// NewController creates a controller. bus may be nil.
func NewController(logger *slog.Logger, bus *events.Bus) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger, bus: bus}
}

// runState is the mutable state of one run.
type runState struct {
	*Run
	ctx   context.Context
	log   *slog.Logger
	text  strings.Builder
	iter  int
	res   Result
	ended bool
	start time.Time
}

func (s *runState) stopped() bool {
	return s.Cancel.Stopped() || s.ctx.Err() != nil
}

// emit stamps and forwards e. Nothing is forwarded after a terminal
// event.
func (s *runState) emit(e Event) {
	if s.ended {
		return
	}
	e.ConversationID = s.ConversationID
	e.MessageID = s.ID
	e.Iteration = s.iter
	if e.Kind.Terminal() {
		s.ended = true
	}
	s.Emit.Emit(e.Stamped())
}

// Run executes the loop until a terminal event has been emitted. Every
// run emits exactly one complete or error event. The returned error is
// non-nil exactly when that event was error.
func (c *Controller) Run(ctx context.Context, r *Run) (res *Result, err error) {
	if r.Cancel == nil {
		r.Cancel = NewCancel()
	}
	s := &runState{
		Run:   r,
		ctx:   ctx,
		log:   c.logger.With("run_id", r.ID, "conversation", r.ConversationID),
		start: time.Now(),
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("command loop panicked",
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("internal error: %v", p)
			s.emit(Event{Kind: EventError, Error: err.Error()})
			c.publish(events.KindRunError, s, map[string]any{"error": err.Error()})
		}
		s.res.Text = s.text.String()
		s.res.Iterations = s.iter
		s.res.Transcript = r.History.Transcript()
		s.res.Elapsed = time.Since(s.start)
		res = &s.res
	}()

	s.log.Info("run started",
		"model", r.Settings.Model,
		"max_iterations", r.Settings.MaxIterations,
		"tools", r.Tools.Len(),
	)
	c.publish(events.KindRunStart, s, map[string]any{
		"model":          r.Settings.Model,
		"max_iterations": r.Settings.MaxIterations,
	})

	return nil, c.loop(s)
}

func (c *Controller) loop(s *runState) error {
	marker, sep := s.Settings.CommandStart, s.Settings.CommandSeparator

	for {
		if s.stopped() {
			return c.cancelled(s)
		}

		turn, err := c.modelTurn(s, false)
		if err != nil {
			if s.stopped() {
				c.recordPartial(s, turn)
				return c.cancelled(s)
			}
			return c.fail(s, err)
		}
		if err := s.History.RecordAssistantText(turn); err != nil {
			return c.fail(s, err)
		}
		if s.stopped() {
			return c.cancelled(s)
		}

		directives := command.Parse(turn, marker, sep)
		if len(directives) == 0 {
			return c.complete(s)
		}

		s.log.Debug("directives found", "iter", s.iter, "count", len(directives))
		for _, d := range directives {
			if s.stopped() {
				return c.cancelled(s)
			}
			c.dispatch(s, d)
		}

		s.iter++
		if s.iter >= s.Settings.MaxIterations {
			return c.forcedFinal(s)
		}
	}
}

// forcedFinal runs the single model pass allowed after the iteration
// cap. Directives in its output are not executed.
func (c *Controller) forcedFinal(s *runState) error {
	s.res.Exhausted = true
	s.History.RecordExhaustion()
	s.log.Info("iteration cap reached", "iterations", s.iter)

	if s.stopped() {
		return c.cancelled(s)
	}
	turn, err := c.modelTurn(s, true)
	if err != nil {
		if s.stopped() {
			c.recordPartial(s, turn)
			return c.cancelled(s)
		}
		return c.fail(s, err)
	}
	if err := s.History.RecordAssistantText(turn); err != nil {
		return c.fail(s, err)
	}
	if s.stopped() {
		return c.cancelled(s)
	}

	if ignored := command.Parse(turn, s.Settings.CommandStart, s.Settings.CommandSeparator); len(ignored) > 0 {
		s.log.Debug("directives after iteration cap ignored", "count", len(ignored))
	}
	return c.complete(s)
}

// modelTurn performs one model call, forwarding each delta as a chunk.
// It returns the text that was forwarded, which on cancellation is a
// prefix of what the model produced.
func (c *Controller) modelTurn(s *runState, forced bool) (string, error) {
	callCtx, abort := context.WithCancel(s.ctx)
	defer abort()
	release := s.Cancel.guardCall(abort)
	defer release()

	c.publish(events.KindLLMCall, s, map[string]any{
		"iter":         s.iter,
		"model":        s.Settings.Model,
		"forced_final": forced,
	})
	s.log.Debug("calling model", "iter", s.iter, "forced_final", forced, "messages", s.History.Len())

	var turn strings.Builder
	forward := func(tok string) {
		if tok == "" || s.stopped() {
			return
		}
		turn.WriteString(tok)
		s.text.WriteString(tok)
		s.emit(Event{Kind: EventChunk, Content: tok})
	}

	msgs := s.History.Transcript()
	params := s.Settings.Params()

	if s.Settings.Stream {
		_, err := s.Client.ChatStream(callCtx, s.Settings.Model, msgs, params, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				forward(ev.Token)
			}
		})
		return turn.String(), err
	}

	resp, err := s.Client.Chat(callCtx, s.Settings.Model, msgs, params)
	if err != nil {
		return "", err
	}
	forward(resp.Message.Content)
	return turn.String(), nil
}

// dispatch runs one directive and records its feedback. A ParseFailure
// (no tool name) goes through the registry too, which reports it as a
// failed outcome.
func (c *Controller) dispatch(s *runState, d command.Directive) {
	s.emit(Event{Kind: EventCommandRequest, Command: d.String(), Tool: d.Tool, Args: d.Args})
	c.publish(events.KindCommand, s, map[string]any{
		"iter": s.iter,
		"tool": d.Tool,
		"args": d.Args,
	})

	out := s.Tools.Invoke(tools.WithCall(s.ctx, tools.Call{
		ConversationID: s.ConversationID,
		RunID:          s.ID,
		Iteration:      s.iter,
	}), d)
	s.res.Outcomes = append(s.res.Outcomes, out)
	s.History.RecordCommandFeedback(out)

	s.log.Info("command executed",
		"tool", d.Tool,
		"ok", !out.Failed,
		"duration", out.Duration.Round(time.Millisecond),
	)
	c.publish(events.KindCommandDone, s, map[string]any{
		"tool":        d.Tool,
		"ok":          !out.Failed,
		"duration_ms": out.Duration.Milliseconds(),
	})

	if s.stopped() {
		return
	}
	s.emit(Event{
		Kind:    EventCommandResult,
		Command: d.String(),
		Tool:    d.Tool,
		Args:    d.Args,
		Result:  out.Result,
		Failed:  out.Failed,
	})
}

// recordPartial keeps text streamed before a stop in the transcript.
func (c *Controller) recordPartial(s *runState, turn string) {
	if turn == "" {
		return
	}
	if err := s.History.RecordAssistantText(turn); err != nil {
		s.log.Warn("partial turn not recorded", "error", err)
	}
}

func (c *Controller) complete(s *runState) error {
	s.emit(Event{Kind: EventComplete, Content: s.text.String(), Exhausted: s.res.Exhausted})
	s.log.Info("run complete", "iterations", s.iter, "exhausted", s.res.Exhausted)
	c.publish(events.KindRunComplete, s, map[string]any{
		"iterations": s.iter,
		"exhausted":  s.res.Exhausted,
		"elapsed_ms": time.Since(s.start).Milliseconds(),
	})
	return nil
}

// cancelled ends a stopped run: complete with the text streamed so far,
// or an error when nothing was streamed.
func (c *Controller) cancelled(s *runState) error {
	s.res.Cancelled = true
	s.log.Info("run cancelled", "iterations", s.iter, "streamed", s.text.Len())
	c.publish(events.KindRunCancelled, s, map[string]any{"iterations": s.iter})

	if s.text.Len() > 0 {
		s.emit(Event{Kind: EventComplete, Content: s.text.String(), Cancelled: true, Exhausted: s.res.Exhausted})
		return nil
	}
	s.emit(Event{Kind: EventError, Error: ErrCancelled.Error(), Cancelled: true})
	return ErrCancelled
}

func (c *Controller) fail(s *runState, err error) error {
	s.log.Error("run failed", "iter", s.iter, "error", err)
	s.emit(Event{Kind: EventError, Error: err.Error()})
	c.publish(events.KindRunError, s, map[string]any{"error": err.Error()})
	return err
}

func (c *Controller) publish(kind string, s *runState, data map[string]any) {
	if c.bus == nil {
		return
	}
	data["run_id"] = s.ID
	data["conversation_id"] = s.ConversationID
	c.bus.Emit(events.SourceAgent, kind, data)
}
