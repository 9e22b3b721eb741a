package agent

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/history"
	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/prompts"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// turn is one scripted model response.
type turn struct {
	chunks []string
	err    error
	// block waits for the call to be aborted after streaming chunks.
	block bool
}

func say(chunks ...string) turn { return turn{chunks: chunks} }

// scriptedClient replays turns in order. When the script runs out it
// repeats always, or fails the call if always is nil.
type scriptedClient struct {
	mu     sync.Mutex
	turns  []turn
	always *turn
	calls  int
	seen   [][]llm.Message
}

func (c *scriptedClient) next(msgs []llm.Message) (turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	c.seen = append(c.seen, slices.Clone(msgs))
	switch {
	case i < len(c.turns):
		return c.turns[i], nil
	case c.always != nil:
		return *c.always, nil
	}
	return turn{}, fmt.Errorf("unexpected model call %d", i+1)
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, params llm.Params, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	t, err := c.next(msgs)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	partial := func() *llm.ChatResponse {
		return &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: sb.String()}}
	}
	for _, ch := range t.chunks {
		if err := ctx.Err(); err != nil {
			return partial(), err
		}
		sb.WriteString(ch)
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: ch})
		}
	}
	if t.block {
		<-ctx.Done()
		return partial(), ctx.Err()
	}
	if t.err != nil {
		return nil, t.err
	}
	resp := partial()
	if cb != nil {
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (c *scriptedClient) Chat(ctx context.Context, model string, msgs []llm.Message, params llm.Params) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, msgs, params, nil)
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

// collector records events and optionally reacts to each.
type collector struct {
	mu     sync.Mutex
	events []Event
	on     func(Event)
}

func (c *collector) Emit(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	if c.on != nil {
		c.on(e)
	}
}

func (c *collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

func (c *collector) Kinds() []EventKind {
	var out []EventKind
	for _, e := range c.Events() {
		out = append(out, e.Kind)
	}
	return out
}

func (c *collector) Of(kind EventKind) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testSettings() session.Settings {
	s := session.SettingsFromConfig(config.Default().Defaults, "")
	s.CommandStart = "RUN:"
	s.CommandSeparator = "|"
	s.MaxIterations = 5
	s.Stream = true
	return s
}

func testRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "add",
		Description: "Add two integers.",
		Server:      tools.ServerBuiltin,
		Params:      []string{"a", "b"},
		MinArgs:     2,
		Handler: func(_ context.Context, args []string) (string, error) {
			a, err := strconv.Atoi(args[0])
			if err != nil {
				return "", err
			}
			b, err := strconv.Atoi(args[1])
			if err != nil {
				return "", err
			}
			return strconv.Itoa(a + b), nil
		},
	})
	r.Register(&tools.Tool{
		Name:   "boom",
		Server: tools.ServerBuiltin,
		Handler: func(context.Context, []string) (string, error) {
			panic("kaboom")
		},
	})
	return r
}

func newTestRun(t *testing.T, client llm.Client, settings session.Settings, emit Emitter) *Run {
	t.Helper()
	asm := history.New(prompts.DefaultTemplates())
	asm.Begin("go", nil, "sys")
	if asm.Len() != 2 {
		t.Fatalf("history has %d entries after Begin, want 2", asm.Len())
	}
	return &Run{
		ID:             "run-1",
		ConversationID: "conv-1",
		History:        asm,
		Settings:       settings,
		Tools:          testRegistry(),
		Client:         client,
		Cancel:         NewCancel(),
		Emit:           emit,
	}
}

// assistantTexts returns the assistant entries of a transcript.
func assistantTexts(msgs []llm.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}
