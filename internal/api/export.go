package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/lynexus/lynexus-agent/internal/session"
)

// HistoryExport is the JSON form of an exported conversation.
type HistoryExport struct {
	ConversationID string                   `json:"conversationId"`
	Title          string                   `json:"title"`
	ExportedAt     time.Time                `json:"exportedAt"`
	Messages       []session.DisplayMessage `json:"messages"`
}

// handleExportHistory exports the display messages as json (default),
// markdown or html.
func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	msgs, err := s.store.Display(r.Context(), id)
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	export := HistoryExport{
		ConversationID: id,
		Title:          conv.Title,
		ExportedAt:     time.Now().UTC(),
		Messages:       msgs,
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", attachment(id, "json"))
		writeJSON(w, export, s.logger)

	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", attachment(id, "md"))
		fmt.Fprint(w, RenderMarkdown(export))

	case "html":
		page, err := RenderHTML(export)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "render html: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", attachment(id, "html"))
		fmt.Fprint(w, page)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use json, markdown or html)")
	}
}

func attachment(id, ext string) string {
	return fmt.Sprintf("attachment; filename=%q", id+"_history."+ext)
}

var speakers = map[session.DisplayType]string{
	session.DisplayUser:           "User",
	session.DisplayAI:             "Assistant",
	session.DisplayCommandRequest: "Command",
	session.DisplayCommandResult:  "Result",
	session.DisplayError:          "Error",
}

// RenderMarkdown renders an export as a markdown document. Commands
// and their results are fenced; user and assistant text is kept as
// written.
func RenderMarkdown(e HistoryExport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", e.Title)
	fmt.Fprintf(&b, "_Exported %s_\n", e.ExportedAt.Format(time.RFC3339))

	for _, m := range e.Messages {
		speaker := speakers[m.Type]
		if speaker == "" {
			speaker = string(m.Type)
		}
		if m.Failed {
			speaker += " (failed)"
		}
		fmt.Fprintf(&b, "\n## %s\n\n", speaker)
		if !m.CreatedAt.IsZero() {
			fmt.Fprintf(&b, "_%s_\n\n", m.CreatedAt.Format(time.RFC3339))
		}

		switch m.Type {
		case session.DisplayCommandRequest, session.DisplayCommandResult:
			f := fence(m.Content)
			fmt.Fprintf(&b, "%s\n%s\n%s\n", f, m.Content, f)
		case session.DisplayError:
			fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(m.Content, "\n", "\n> "))
		default:
			fmt.Fprintf(&b, "%s\n", m.Content)
		}
	}
	return b.String()
}

// RenderHTML renders an export as a standalone HTML page. Raw HTML in
// messages is not passed through.
func RenderHTML(e HistoryExport) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(RenderMarkdown(e)), &buf); err != nil {
		return "", err
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 50em; margin: auto;">
%s
</body></html>`, html.EscapeString(e.Title), buf.String())

	return page, nil
}

// fence returns a backtick fence longer than any backtick run in s.
func fence(s string) string {
	longest, run := 0, 0
	for _, c := range s {
		if c == '`' {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}
