package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lynexus/lynexus-agent/internal/agent"
)

// askResultMaxChars limits tool results echoed to stderr.
const askResultMaxChars = 200

func newAskCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, opts, conversationID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

// askOutput is the JSON form of an answered question.
type askOutput struct {
	ConversationID string   `json:"conversationId"`
	Content        string   `json:"content"`
	Iterations     int      `json:"iterations"`
	Exhausted      bool     `json:"exhausted,omitempty"`
	Cancelled      bool     `json:"cancelled,omitempty"`
	Commands       []string `json:"commands,omitempty"`
}

// runAsk runs one question through the command loop in a stored
// conversation. In text mode the reply streams to stdout and tool
// activity to stderr. Interrupting stops the run the way the API's stop
// does, keeping what was streamed.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts *globalOptions, conversationID, question string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if conversationID == "" {
		conv, err := a.store.Create(ctx, askTitle(question))
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID
	}

	text := opts.output == "text"
	var commands []string
	emit := agent.EmitterFunc(func(e agent.Event) {
		if e.Kind == agent.EventCommandRequest {
			commands = append(commands, e.Command)
		}
		if !text {
			return
		}
		switch e.Kind {
		case agent.EventChunk:
			fmt.Fprint(stdout, e.Content)
		case agent.EventCommandRequest:
			fmt.Fprintf(stderr, "\n→ %s\n", e.Command)
		case agent.EventCommandResult:
			mark := "←"
			if e.Failed {
				mark = "✗"
			}
			fmt.Fprintf(stderr, "%s %s\n", mark, clip(e.Result, askResultMaxChars))
		}
	})

	cancel := agent.NewCancel()
	stopWatch := context.AfterFunc(ctx, func() { cancel.Stop() })
	defer stopWatch()

	// The run gets a context that survives the interrupt; Stop ends it.
	res, runErr := a.service.Execute(context.WithoutCancel(ctx), conversationID, question, cancel, emit)
	if text {
		fmt.Fprintln(stdout)
	}
	if runErr != nil {
		return fmt.Errorf("ask: %w", runErr)
	}

	if !text {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askOutput{
			ConversationID: conversationID,
			Content:        res.Text,
			Iterations:     res.Iterations,
			Exhausted:      res.Exhausted,
			Cancelled:      res.Cancelled,
			Commands:       commands,
		})
	}
	fmt.Fprintf(stderr, "conversation %s\n", conversationID)
	return nil
}

// askTitle derives a conversation title from the question.
func askTitle(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	return clip(q, 60)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
