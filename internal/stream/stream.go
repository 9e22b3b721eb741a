// Package stream runs the command loop in the background and delivers
// each run's events to a subscriber in emission order. It owns the table
// of active runs: at most one per conversation.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/events"
)

// ErrRunActive is returned by Start when the conversation already has a
// run in progress.
var ErrRunActive = errors.New("a run is already active for this conversation")

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("stream multiplexer is shut down")

// Executor runs one message through the command loop. *agent.Service
// implements it.
type Executor interface {
	Execute(ctx context.Context, conversationID, content string, cancel *agent.Cancel, emit agent.Emitter) (*agent.Result, error)
}

// Multiplexer starts runs and tracks them until they end.
type Multiplexer struct {
	exec   Executor
	bus    *events.Bus
	logger *slog.Logger

	base      context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

type activeRun struct {
	cancel  *agent.Cancel
	sub     *Subscription
	started time.Time
}

// New creates a multiplexer. bus may be nil.
func New(exec Executor, bus *events.Bus, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		exec:      exec,
		bus:       bus,
		logger:    logger,
		base:      base,
		cancelAll: cancel,
		runs:      make(map[string]*activeRun),
	}
}

// Start launches a run for conversationID and returns its subscription.
// The run keeps ctx's values but not its cancellation: it outlives the
// request that started it and ends on Stop, on Shutdown, or on its own.
func (m *Multiplexer) Start(ctx context.Context, conversationID, content string) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.runs[conversationID]; busy {
		m.mu.Unlock()
		return nil, ErrRunActive
	}
	ar := &activeRun{
		cancel:  agent.NewCancel(),
		sub:     newSubscription(conversationID),
		started: time.Now(),
	}
	m.runs[conversationID] = ar
	m.wg.Add(1)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(m.base, cancel)

	go func() {
		defer m.wg.Done()
		defer cancel()
		defer stop()
		m.run(runCtx, conversationID, content, ar)
	}()

	m.logger.Debug("run started", "conversation", conversationID, "active", m.ActiveCount())
	return ar.sub, nil
}

// run executes the loop and retires ar. The terminal event is held back
// until the run has left the table, so a subscriber that sees it can
// start the next run straight away.
func (m *Multiplexer) run(ctx context.Context, conversationID, content string, ar *activeRun) {
	var (
		terminal *agent.Event
		res      *agent.Result
		err      error
	)

	emit := agent.EmitterFunc(func(e agent.Event) {
		m.mirror(e)
		if e.Kind.Terminal() {
			if terminal == nil {
				terminal = &e
			}
			return
		}
		if terminal == nil {
			ar.sub.push(e)
		}
	})

	func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("run panicked",
					"conversation", conversationID,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				err = fmt.Errorf("internal error: %v", p)
			}
		}()
		res, err = m.exec.Execute(ctx, conversationID, content, ar.cancel, emit)
	}()

	if terminal == nil {
		msg := "run ended without a result"
		if err != nil {
			msg = err.Error()
		}
		e := agent.Event{Kind: agent.EventError, ConversationID: conversationID, Error: msg}.Stamped()
		m.mirror(e)
		terminal = &e
	}

	m.mu.Lock()
	if m.runs[conversationID] == ar {
		delete(m.runs, conversationID)
	}
	m.mu.Unlock()

	m.logger.Debug("run finished",
		"conversation", conversationID,
		"outcome", terminal.Kind,
		"elapsed", time.Since(ar.started).Round(time.Millisecond),
	)

	ar.sub.push(*terminal)
	ar.sub.finish(res, err)
}

// Stop sets the stop flag of the conversation's run. It reports whether
// a run was active; stopping an idle or unknown conversation does
// nothing.
func (m *Multiplexer) Stop(conversationID string) bool {
	m.mu.Lock()
	ar := m.runs[conversationID]
	m.mu.Unlock()
	if ar == nil {
		return false
	}
	if ar.cancel.Stop() {
		m.logger.Info("run stop requested", "conversation", conversationID)
	}
	return true
}

// Active reports whether the conversation has a run in progress.
func (m *Multiplexer) Active(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[conversationID]
	return ok
}

// ActiveCount returns the number of runs in progress.
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// ActiveConversations returns the IDs of conversations with a run in
// progress, in no particular order.
func (m *Multiplexer) ActiveConversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown refuses new runs, stops every active run, cancels their
// contexts, and waits for them to end.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	m.closed = true
	runs := make([]*activeRun, 0, len(m.runs))
	for _, ar := range m.runs {
		runs = append(runs, ar)
	}
	m.mu.Unlock()

	for _, ar := range runs {
		ar.cancel.Stop()
	}
	m.cancelAll()
	m.wg.Wait()
	m.logger.Info("stream multiplexer stopped", "runs_stopped", len(runs))
}

// mirror copies a run event onto the operational bus.
func (m *Multiplexer) mirror(e agent.Event) {
	if m.bus == nil {
		return
	}
	data := map[string]any{
		"conversation_id": e.ConversationID,
		"run_id":          e.MessageID,
		"iteration":       e.Iteration,
	}
	switch e.Kind {
	case agent.EventChunk, agent.EventUserMessage:
		data["content"] = e.Content
	case agent.EventCommandRequest:
		data["tool"] = e.Tool
		data["command"] = e.Command
	case agent.EventCommandResult:
		data["tool"] = e.Tool
		data["failed"] = e.Failed
	case agent.EventComplete:
		data["length"] = len(e.Content)
		data["exhausted"] = e.Exhausted
		data["cancelled"] = e.Cancelled
	case agent.EventError:
		data["error"] = e.Error
	}
	m.bus.Emit(events.SourceStream, string(e.Kind), data)
}
