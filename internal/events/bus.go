// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (command loop, stream
// multiplexer, MCP manager, maintenance jobs) to subscribers (WebSocket
// handler, MQTT mirror). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the command loop.
	SourceAgent = "agent"
	// SourceStream identifies events from the streaming multiplexer.
	SourceStream = "stream"
	// SourceMCP identifies events from MCP server management.
	SourceMCP = "mcp"
	// SourceMaintenance identifies events from scheduled maintenance.
	SourceMaintenance = "maintenance"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a run.
	// Data: run_id, conversation_id, model, max_iterations.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a model call.
	// Data: run_id, iter, model, forced_final.
	KindLLMCall = "llm_call"
	// KindCommand signals a directive about to be dispatched.
	// Data: run_id, iter, tool, args.
	KindCommand = "command"
	// KindCommandDone signals a directive finished.
	// Data: run_id, tool, ok, duration_ms.
	KindCommandDone = "command_done"
	// KindRunComplete signals a run ended with a complete event.
	// Data: run_id, conversation_id, iterations, exhausted, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindRunError signals a run ended with an error event.
	// Data: run_id, conversation_id, error.
	KindRunError = "run_error"
	// KindRunCancelled signals a run was stopped by the caller.
	// Data: run_id, conversation_id.
	KindRunCancelled = "run_cancelled"

	// KindServersReloaded signals MCP tools were re-registered.
	// Data: servers, tools, errors.
	KindServersReloaded = "servers_reloaded"
	// KindServerPing signals an MCP health check finished.
	// Data: server, ok.
	KindServerPing = "server_ping"
	// KindPrune signals old conversations were pruned.
	// Data: removed, retention_days.
	KindPrune = "prune"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recent is a ring of the last len(recent) events, oldest at next.
	recent []Event
	next   int
	filled bool
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// DefaultHistory is the number of recent events a bus retains.
const DefaultHistory = 100

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		recent:     make([]Event, DefaultHistory),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.recent) > 0 {
		b.recent[b.next] = e
		b.next = (b.next + 1) % len(b.recent)
		if b.next == 0 {
			b.filled = true
		}
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Recent returns up to n of the most recently published events, oldest
// first. n <= 0 returns everything retained.
func (b *Bus) Recent(n int) []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	if b.filled {
		out = append(out, b.recent[b.next:]...)
	}
	out = append(out, b.recent[:b.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
