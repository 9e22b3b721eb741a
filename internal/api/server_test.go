package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/prompts"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/stream"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// fakeModel replies from a queue, then with "Done." It can hold a call
// open until the call is aborted.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	hold    bool
	pingErr error
	started chan struct{}
}

func (m *fakeModel) reply() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return "Done.", m.hold
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, m.hold
}

func (m *fakeModel) ChatStream(ctx context.Context, model string, _ []llm.Message, _ llm.Params, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	text, hold := m.reply()
	if cb != nil {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: text})
	}
	resp := &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
	if hold {
		if m.started != nil {
			close(m.started)
			m.started = nil
		}
		<-ctx.Done()
		return resp, ctx.Err()
	}
	return resp, nil
}

func (m *fakeModel) Chat(ctx context.Context, model string, msgs []llm.Message, p llm.Params) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, p, nil)
}

func (m *fakeModel) Ping(context.Context) error { return m.pingErr }

type fixedClients struct{ model *fakeModel }

func (c fixedClients) ClientFor(apiBase, _ string) (llm.Client, error) {
	if apiBase == "bad://" {
		return nil, errors.New("unsupported endpoint")
	}
	return c.model, nil
}

type harness struct {
	t     *testing.T
	url   string
	store *session.SQLiteStore
	model *fakeModel
	runs  *stream.Multiplexer
	bus   *events.Bus

	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	defaults := session.SettingsFromConfig(config.Default().Defaults, "")
	defaults.CommandStart = "RUN:"
	defaults.CommandSeparator = "|"
	defaults.MaxIterations = 3

	store, err := session.Open("sqlite", filepath.Join(t.TempDir(), "api.db"), nil, defaults)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:        "add",
		Description: "Add two integers.",
		Server:      tools.ServerBuiltin,
		Params:      []string{"a", "b"},
		MinArgs:     2,
		Handler: func(_ context.Context, args []string) (string, error) {
			a, _ := strconv.Atoi(args[0])
			b, _ := strconv.Atoi(args[1])
			return strconv.Itoa(a + b), nil
		},
	})

	model := &fakeModel{}
	bus := events.New()
	svc := agent.NewService(agent.ServiceConfig{
		Store:     store,
		Registry:  reg,
		Clients:   fixedClients{model},
		Templates: prompts.DefaultTemplates(),
		Bus:       bus,
	})
	runs := stream.New(svc, bus, nil)
	dataDir := t.TempDir()
	api := NewServer(Config{
		DataDir: dataDir,
		Store:   store,
		Runner:  runs,
		Tools:   svc,
		Clients: fixedClients{model},
		Bus:     bus,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		runs.Shutdown()
		store.Close()
	})
	return &harness{t: t, url: srv.URL, store: store, model: model, runs: runs, bus: bus, dataDir: dataDir}
}

func (h *harness) do(method, path, body string) *http.Response {
	h.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.url+path, rd)
	if err != nil {
		h.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decode reads a JSON response after checking its status.
func (h *harness) decode(resp *http.Response, want int, v any) {
	h.t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			h.t.Fatalf("decode: %v", err)
		}
	}
}

func (h *harness) create(title string) session.Conversation {
	h.t.Helper()
	var conv session.Conversation
	h.decode(h.do("POST", "/api/conversations", `{"name":"`+title+`"}`), http.StatusCreated, &conv)
	return conv
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t)

	var health map[string]string
	h.decode(h.do("GET", "/health", ""), http.StatusOK, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	var version map[string]string
	h.decode(h.do("GET", "/v1/version", ""), http.StatusOK, &version)
	if version["version"] == "" || version["go_version"] == "" {
		t.Errorf("version = %v", version)
	}
}

func TestConversationCRUD(t *testing.T) {
	h := newHarness(t)
	conv := h.create("Plans")
	if conv.ID == "" || conv.Title != "Plans" {
		t.Fatalf("created = %+v", conv)
	}

	var list []session.Conversation
	h.decode(h.do("GET", "/api/conversations", ""), http.StatusOK, &list)
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Errorf("list = %+v", list)
	}

	var renamed session.Conversation
	h.decode(h.do("PUT", "/api/conversations/"+conv.ID, `{"title":"Trip"}`), http.StatusOK, &renamed)
	if renamed.Title != "Trip" {
		t.Errorf("renamed = %+v", renamed)
	}
	h.decode(h.do("PUT", "/api/conversations/"+conv.ID, `{"title":"  "}`), http.StatusBadRequest, nil)

	h.decode(h.do("DELETE", "/api/conversations/"+conv.ID, ""), http.StatusOK, nil)
	h.decode(h.do("GET", "/api/conversations/"+conv.ID, ""), http.StatusNotFound, nil)
	h.decode(h.do("DELETE", "/api/conversations/"+conv.ID, ""), http.StatusNotFound, nil)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.create("math")
	h.model.replies = []string{"RUN: add|2|3", "It is 5."}

	var msg MessageResponse
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `{"content":"What is 2+3?"}`), http.StatusOK, &msg)
	if !strings.HasSuffix(msg.Content, "It is 5.") || msg.Type != "AI" || msg.ID == "" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", msg.Iterations)
	}

	var display []session.DisplayMessage
	h.decode(h.do("GET", "/api/conversations/"+conv.ID+"/messages", ""), http.StatusOK, &display)
	var types []string
	for _, m := range display {
		types = append(types, string(m.Type))
	}
	want := "USER COMMAND_REQUEST COMMAND_RESULT AI"
	if strings.Join(types, " ") != want {
		t.Errorf("display types = %v, want %s", types, want)
	}
	if display[2].Content != "5" {
		t.Errorf("command result = %q", display[2].Content)
	}

	h.decode(h.do("DELETE", "/api/conversations/"+conv.ID+"/messages", ""), http.StatusOK, nil)
	h.decode(h.do("GET", "/api/conversations/"+conv.ID+"/messages", ""), http.StatusOK, &display)
	if len(display) != 0 {
		t.Errorf("after clear: %d messages", len(display))
	}
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t)
	conv := h.create("v")
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `{"content":"  "}`), http.StatusBadRequest, nil)
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `not json`), http.StatusBadRequest, nil)
	h.decode(h.do("POST", "/api/conversations/missing/messages", `{"content":"hi"}`), http.StatusNotFound, nil)
}

// readSSE collects the events of an SSE response.
func readSSE(t *testing.T, body io.Reader) []agent.Event {
	t.Helper()
	var out []agent.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e agent.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestStreamMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.create("s")
	h.model.replies = []string{"RUN: add|1|1", "Two."}

	resp := h.do("POST", "/api/conversations/"+conv.ID+"/messages/stream", `{"content":"1+1?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	evs := readSSE(t, resp.Body)
	var kinds []string
	for _, e := range evs {
		kinds = append(kinds, string(e.Kind))
		if e.ConversationID != conv.ID || e.MessageID != evs[0].MessageID {
			t.Errorf("event %s not stamped with the run: %+v", e.Kind, e)
		}
	}
	want := "user_message chunk command_request command_result chunk complete"
	if strings.Join(kinds, " ") != want {
		t.Errorf("kinds = %v, want %s", kinds, want)
	}
	if last := evs[len(evs)-1]; last.Content != "RUN: add|1|1Two." {
		t.Errorf("complete content = %q", last.Content)
	}
}

func TestStreamMessage_ConflictAndStop(t *testing.T) {
	h := newHarness(t)
	conv := h.create("busy")
	started := make(chan struct{})
	h.model.hold = true
	h.model.started = started

	sub, err := h.runs.Start(context.Background(), conv.ID, "long task")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}

	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages/stream", `{"content":"again"}`), http.StatusConflict, nil)
	h.decode(h.do("DELETE", "/api/conversations/"+conv.ID+"/messages", ""), http.StatusConflict, nil)

	var status SystemStatus
	h.decode(h.do("GET", "/api/system/status", ""), http.StatusOK, &status)
	if status.ProcessingState != "PROCESSING" || status.ActiveRuns != 1 || len(status.Processing) != 1 {
		t.Errorf("status = %+v", status)
	}

	var stop map[string]any
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages/stop", ""), http.StatusOK, &stop)
	if stop["stopped"] != true {
		t.Errorf("stop = %v", stop)
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after stop")
	}
	res, err := sub.Result()
	if err != nil || !res.Cancelled {
		t.Errorf("result = %+v, %v", res, err)
	}

	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages/stop", ""), http.StatusOK, &stop)
	if stop["stopped"] != false {
		t.Errorf("second stop = %v", stop)
	}
}

func TestSettings(t *testing.T) {
	h := newHarness(t)
	conv := h.create("cfg")
	path := "/api/conversations/" + conv.ID + "/settings"

	var st session.Settings
	h.decode(h.do("GET", path, ""), http.StatusOK, &st)
	if st.Model != "deepseek-chat" || st.CommandStart != "RUN:" || st.MaxIterations != 3 {
		t.Errorf("defaults = %+v", st)
	}

	h.decode(h.do("PUT", path, `{"temperature":0.5,"apiKey":"sk-secret-1234"}`), http.StatusOK, &st)
	if st.Temperature != 0.5 || st.APIKey != "****1234" || st.Model != "deepseek-chat" {
		t.Errorf("updated = %+v", st)
	}

	// A redacted key leaves the stored key alone.
	h.decode(h.do("PUT", path, `{"apiKey":"****1234","model":"deepseek-reasoner"}`), http.StatusOK, &st)
	full, err := h.store.Settings(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.APIKey != "sk-secret-1234" || full.Model != "deepseek-reasoner" {
		t.Errorf("stored = %+v", full)
	}

	h.decode(h.do("PUT", path, `{"maxIterations":0}`), http.StatusBadRequest, nil)
	h.decode(h.do("PUT", path, `{"commandSeparator":"RUN:"}`), http.StatusBadRequest, nil)
	h.decode(h.do("GET", "/api/conversations/missing/settings", ""), http.StatusNotFound, nil)
}

func TestToolsListAndToggle(t *testing.T) {
	h := newHarness(t)
	conv := h.create("tools")

	list := func() []ToolInfo {
		var out []ToolInfo
		h.decode(h.do("GET", "/api/tools?conversation="+conv.ID, ""), http.StatusOK, &out)
		return out
	}

	got := list()
	if len(got) != 1 || got[0].Name != "add" || !got[0].Enabled || got[0].Usage != "add <a> <b>" {
		t.Fatalf("tools = %+v", got)
	}

	toggle := "/api/tools/add/toggle?conversationId=" + conv.ID
	h.decode(h.do("PUT", toggle+"&enabled=false", ""), http.StatusOK, nil)
	if got := list(); got[0].Enabled {
		t.Error("add still enabled after toggle off")
	}
	h.decode(h.do("PUT", toggle+"&enabled=true", ""), http.StatusOK, nil)
	if got := list(); !got[0].Enabled {
		t.Error("add not re-enabled")
	}

	h.decode(h.do("PUT", toggle, ""), http.StatusBadRequest, nil)
	h.decode(h.do("PUT", toggle+"&enabled=maybe", ""), http.StatusBadRequest, nil)
	h.decode(h.do("PUT", "/api/tools/add/toggle?enabled=true", ""), http.StatusBadRequest, nil)
	h.decode(h.do("PUT", "/api/tools/nope/toggle?conversationId="+conv.ID+"&enabled=true", ""), http.StatusNotFound, nil)
}

func TestToolsDisabledAreNotOffered(t *testing.T) {
	h := newHarness(t)
	conv := h.create("off")
	h.decode(h.do("PUT", "/api/tools/add/toggle?conversationId="+conv.ID+"&enabled=false", ""), http.StatusOK, nil)

	h.model.replies = []string{"RUN: add|1|2", "ok"}
	var msg MessageResponse
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `{"content":"go"}`), http.StatusOK, &msg)

	var display []session.DisplayMessage
	h.decode(h.do("GET", "/api/conversations/"+conv.ID+"/messages", ""), http.StatusOK, &display)
	for _, m := range display {
		if m.Type == session.DisplayCommandResult && !m.Failed {
			t.Errorf("disabled tool ran: %+v", m)
		}
	}
}

func TestExportHistory(t *testing.T) {
	h := newHarness(t)
	conv := h.create("Export me")
	h.model.replies = []string{"RUN: add|2|2", "**Four**"}
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `{"content":"2+2"}`), http.StatusOK, nil)

	base := "/api/conversations/" + conv.ID + "/export/history"

	var export HistoryExport
	resp := h.do("GET", base, "")
	h.decode(resp, http.StatusOK, &export)
	if export.Title != "Export me" || len(export.Messages) != 4 {
		t.Errorf("json export = %+v", export)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, conv.ID+"_history.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	resp = h.do("GET", base+"?format=markdown", "")
	md, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"# Export me", "## User", "2+2", "## Command", "```\nadd | 2 | 2\n```", "## Assistant"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	resp = h.do("GET", base+"?format=html", "")
	page, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"<title>Export me</title>", "<h1>Export me</h1>", "<strong>Four</strong>"} {
		if !strings.Contains(string(page), want) {
			t.Errorf("html missing %q", want)
		}
	}

	h.decode(h.do("GET", base+"?format=pdf", ""), http.StatusBadRequest, nil)
}

func TestFence(t *testing.T) {
	tests := map[string]string{
		"plain":            "```",
		"has ``` inside":   "````",
		"has ````` inside": "``````",
	}
	for in, want := range tests {
		if got := fence(in); got != want {
			t.Errorf("fence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateKey(t *testing.T) {
	h := newHarness(t)

	var res map[string]any
	h.decode(h.do("POST", "/api/settings/validate-key", `{"apiKey":"sk","apiBase":"https://api.test"}`), http.StatusOK, &res)
	if res["valid"] != true {
		t.Errorf("valid key = %v", res)
	}

	h.model.pingErr = errors.New("401 unauthorized")
	h.decode(h.do("POST", "/api/settings/validate-key", `{"apiKey":"sk","apiBase":"https://api.test"}`), http.StatusOK, &res)
	if res["valid"] != false || res["error"] != "401 unauthorized" {
		t.Errorf("rejected key = %v", res)
	}

	h.decode(h.do("POST", "/api/settings/validate-key", `{"apiKey":"sk","apiBase":"bad://"}`), http.StatusOK, &res)
	if res["valid"] != false {
		t.Errorf("bad endpoint = %v", res)
	}
	h.decode(h.do("POST", "/api/settings/validate-key", `{"apiKey":"sk"}`), http.StatusBadRequest, nil)
}

func wsURL(h *harness, path string) string {
	return "ws" + strings.TrimPrefix(h.url, "http") + path
}

func TestConversationWS(t *testing.T) {
	h := newHarness(t)
	conv := h.create("ws")
	h.model.replies = []string{"Hello there."}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/api/conversations/"+conv.ID+"/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatal(err)
	}
	var e agent.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != agent.EventError || !strings.Contains(e.Error, "unknown message type") {
		t.Errorf("bogus reply = %+v", e)
	}

	if err := conn.WriteJSON(map[string]string{"type": "send", "content": "hi"}); err != nil {
		t.Fatal(err)
	}
	var kinds []agent.EventKind
	for {
		var e agent.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v (got %v)", err, kinds)
		}
		kinds = append(kinds, e.Kind)
		if e.Kind.Terminal() {
			if e.Kind != agent.EventComplete || e.Content != "Hello there." {
				t.Errorf("terminal = %+v", e)
			}
			break
		}
	}
	if kinds[0] != agent.EventUserMessage {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestConversationWS_UnknownConversation(t *testing.T) {
	h := newHarness(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h, "/api/conversations/missing/ws"), nil)
	if err == nil {
		t.Fatal("dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v", resp)
	}
}

func TestEventsWS_Backlog(t *testing.T) {
	h := newHarness(t)
	conv := h.create("events")
	h.decode(h.do("POST", "/api/conversations/"+conv.ID+"/messages", `{"content":"hi"}`), http.StatusOK, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/api/events/ws?backlog=50"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("no run_complete in backlog: %v", err)
		}
		if e.Kind == events.KindRunComplete {
			if e.Data["conversation_id"] != conv.ID {
				t.Errorf("run_complete data = %v", e.Data)
			}
			return
		}
	}
}

func TestSystemStatus(t *testing.T) {
	h := newHarness(t)
	h.create("a")
	h.create("b")

	var status SystemStatus
	h.decode(h.do("GET", "/api/system/status", ""), http.StatusOK, &status)
	if !status.Connected || status.ProcessingState != "IDLE" || status.Conversations != 2 {
		t.Errorf("status = %+v", status)
	}
}
