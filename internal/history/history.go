// Package history assembles the model transcript for one run of the
// command loop. An Assembler is created per run, seeded from the stored
// conversation with Begin, and appended to as the loop progresses. It
// is not safe for concurrent use; a run owns its Assembler.
package history

import (
	"errors"
	"slices"

	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/prompts"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// ErrConsecutiveAssistant is returned when an assistant message would
// directly follow another assistant message.
var ErrConsecutiveAssistant = errors.New("history: assistant message follows assistant message")

// Assembler builds an append-only transcript.
type Assembler struct {
	tmpl prompts.Templates
	msgs []llm.Message
}

// New creates an Assembler that renders feedback with tmpl.
func New(tmpl prompts.Templates) *Assembler {
	return &Assembler{tmpl: tmpl}
}

// Begin seeds the transcript from prior messages and appends userInput.
//
// With a non-empty systemPrompt every system message in prior is
// dropped and systemPrompt becomes entry 0. Otherwise prior is kept as
// is and prompts.DefaultSystemPrompt is inserted when entry 0 is not a
// system message. prior is never modified.
func (a *Assembler) Begin(userInput string, prior []llm.Message, systemPrompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(prior)+2)

	switch {
	case systemPrompt != "":
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
		for _, m := range prior {
			if m.Role != llm.RoleSystem {
				msgs = append(msgs, m)
			}
		}
	case len(prior) > 0 && prior[0].Role == llm.RoleSystem:
		msgs = append(msgs, prior...)
	default:
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.DefaultSystemPrompt})
		msgs = append(msgs, prior...)
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userInput})
	a.msgs = msgs
	return a.Transcript()
}

// RecordAssistantText appends the model's turn text.
func (a *Assembler) RecordAssistantText(text string) error {
	if n := len(a.msgs); n > 0 && a.msgs[n-1].Role == llm.RoleAssistant {
		return ErrConsecutiveAssistant
	}
	a.msgs = append(a.msgs, llm.Message{Role: llm.RoleAssistant, Content: text})
	return nil
}

// RecordCommandFeedback appends the result of one directive as a user
// message, using the retry template when the outcome failed.
func (a *Assembler) RecordCommandFeedback(out tools.Outcome) {
	content := a.tmpl.Execution(out.Result)
	if out.Failed {
		content = a.tmpl.Retry(out.Result)
	}
	a.msgs = append(a.msgs, llm.Message{Role: llm.RoleUser, Content: content})
}

// RecordExhaustion appends the iteration-cap notice as a user message.
func (a *Assembler) RecordExhaustion() {
	a.msgs = append(a.msgs, llm.Message{Role: llm.RoleUser, Content: a.tmpl.Exhaustion()})
}

// Transcript returns a copy of the transcript.
func (a *Assembler) Transcript() []llm.Message {
	return slices.Clone(a.msgs)
}

// Len returns the number of messages in the transcript.
func (a *Assembler) Len() int {
	return len(a.msgs)
}
