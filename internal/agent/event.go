package agent

import (
	"sync"
	"time"
)

// EventKind tags a stream event.
type EventKind string

// Stream event kinds, in the order a run produces them.
const (
	EventUserMessage    EventKind = "user_message"
	EventChunk          EventKind = "chunk"
	EventCommandRequest EventKind = "command_request"
	EventCommandResult  EventKind = "command_result"
	EventComplete       EventKind = "complete"
	EventError          EventKind = "error"
)

// Terminal reports whether k ends a run.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError
}

// Event is one item of a run's live output.
type Event struct {
	Kind           EventKind `json:"type"`
	ConversationID string    `json:"conversationId"`
	// MessageID identifies the run; every event of a run shares it.
	MessageID string `json:"messageId"`
	Iteration int    `json:"iteration"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`

	// Content is the user input (user_message), the token delta
	// (chunk), or the whole run's text (complete).
	Content string `json:"content,omitempty"`

	// Command is the rendered directive for command_request and
	// command_result.
	Command string   `json:"command,omitempty"`
	Tool    string   `json:"tool,omitempty"`
	Args    []string `json:"args,omitempty"`
	Result  string   `json:"result,omitempty"`
	Failed  bool     `json:"failed,omitempty"`

	// Exhausted is set on complete when the iteration cap was hit.
	Exhausted bool `json:"exhausted,omitempty"`
	// Cancelled is set on complete when the run was stopped.
	Cancelled bool `json:"cancelled,omitempty"`

	Error string `json:"error,omitempty"`
}

// Stamped returns e with Timestamp set to now unless it is already set.
func (e Event) Stamped() Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Emitter receives a run's events in order. Emit is called from the
// run's goroutine only.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Cancel is a run's cooperative stop flag. Stop also aborts the model
// call in flight, if any; tool calls are left to finish.
type Cancel struct {
	mu        sync.Mutex
	stopped   bool
	abortCall func()
}

// NewCancel returns an unset flag.
func NewCancel() *Cancel {
	return &Cancel{}
}

// Stop sets the flag. It reports whether this call set it.
func (c *Cancel) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	if c.abortCall != nil {
		c.abortCall()
	}
	return true
}

// Stopped reports whether Stop has been called.
func (c *Cancel) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// guardCall registers abort for the duration of a model call and
// returns the function that unregisters it. If the flag is already set,
// abort runs immediately.
func (c *Cancel) guardCall(abort func()) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		abort()
		return func() {}
	}
	c.abortCall = abort
	return func() {
		c.mu.Lock()
		c.abortCall = nil
		c.mu.Unlock()
	}
}
