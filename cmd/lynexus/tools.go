package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lynexus/lynexus-agent/internal/session"
)

func newToolsCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a conversation can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cmd.Context(), stdout, opts, conversationID)
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "show the tools of this conversation, with enabled state")
	return cmd
}

type toolRow struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// runTools prints the built-in and global MCP tools, or those of one
// conversation including its own MCP files.
func runTools(ctx context.Context, stdout io.Writer, opts *globalOptions, conversationID string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(io.Discard, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var st session.Settings
	if conversationID != "" {
		if st, err = a.store.Settings(ctx, conversationID); err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
	}

	var rows []toolRow
	for _, t := range a.service.Available(ctx, conversationID, st).List() {
		rows = append(rows, toolRow{
			Name:        t.Name,
			Server:      t.Server,
			Usage:       t.Usage(),
			Description: t.Description,
			Enabled:     st.EnabledTools == nil || slices.Contains(st.EnabledTools, t.Name),
		})
	}

	if opts.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tENABLED\tUSAGE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Name, r.Server, r.Enabled, r.Usage)
	}
	return tw.Flush()
}
