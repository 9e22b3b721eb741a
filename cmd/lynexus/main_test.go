package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic. It restores the original umask when the test
// completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "LyNexus ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json output: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "requires at least 1 arg"},
		{"missing config", []string{"--config", "/nonexistent/config.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, sub := range []string{"db", "workspace"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", sub, err)
		}
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	mcpInfo, err := os.Stat(filepath.Join(dir, "mcp.yaml"))
	if err != nil {
		t.Fatalf("mcp.yaml not created: %v", err)
	}
	if got := mcpInfo.Mode().Perm(); got != 0o644 {
		t.Errorf("mcp.yaml permissions = %o, want 0644", got)
	}
	if !strings.Contains(buf.String(), "config.yaml") {
		t.Errorf("output does not mention config.yaml:\n%s", buf.String())
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("listen:\n  port: 9999\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml was overwritten:\n%s", got)
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	err := writeIfMissing(filepath.Join(t.TempDir(), "missing", "file"), []byte("x"), 0o644)
	if err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}

func TestInitConfigLoads(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEEPSEEK_API_KEY", "sk-x")
	t.Setenv("LYNEXUS_SECRET", "s3cret")

	cfg, _, err := loadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Model.APIKey != "sk-x" || cfg.Store.Secret != "s3cret" {
		t.Errorf("env not expanded: key=%q secret=%q", cfg.Model.APIKey, cfg.Store.Secret)
	}
}

// fakeCompletions serves an OpenAI-compatible streaming endpoint that
// answers with replies in order, repeating the last.
func fakeCompletions(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		n := int(calls.Add(1)) - 1
		reply := replies[min(n, len(replies)-1)]
		chunk, _ := json.Marshal(map[string]any{
			"model":   "fake",
			"choices": []map[string]any{{"delta": map[string]string{"content": reply}}},
		})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeTestConfig writes a config using the pure-Go store and a fresh
// workspace, pointed at apiBase.
func writeTestConfig(t *testing.T, apiBase string) (path, workspace string) {
	t.Helper()
	dir := t.TempDir()
	workspace = filepath.Join(dir, "ws")
	cfg := fmt.Sprintf(`data_dir: %s
log_level: error
model:
  provider: openai
  api_base: %s
  api_key: sk-test
defaults:
  api_base: %s
store:
  driver: sqlite
tools:
  workspace: %s
`, filepath.Join(dir, "db"), apiBase, apiBase, workspace)
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, workspace
}

func TestRun_ToolsJSON(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"--config", cfgPath, "-o", "json", "tools"}); err != nil {
		t.Fatalf("tools: %v", err)
	}
	var rows []toolRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("tools output: %v\n%s", err, out.String())
	}
	names := make(map[string]bool)
	for _, r := range rows {
		names[r.Name] = true
		if !r.Enabled {
			t.Errorf("%s disabled without a conversation", r.Name)
		}
	}
	for _, want := range []string{"ls", "cat", "read_page", "get_system_info"} {
		if !names[want] {
			t.Errorf("tool %s missing from %v", want, names)
		}
	}
	if names["shell"] {
		t.Error("shell listed while disabled")
	}
}

func TestRun_Ask(t *testing.T) {
	srv := fakeCompletions(t, "YLDEXECUTE: ls", "Found notes.txt.")
	cfgPath, workspace := writeTestConfig(t, srv.URL)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--config", cfgPath, "-o", "json", "ask", "what", "files?"})
	if err != nil {
		t.Fatalf("ask: %v\nstderr: %s", err, stderr.String())
	}

	var got askOutput
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("ask output: %v\n%s", err, stdout.String())
	}
	if got.ConversationID == "" || got.Iterations != 1 {
		t.Errorf("output = %+v", got)
	}
	if len(got.Commands) != 1 || got.Commands[0] != "ls" {
		t.Errorf("commands = %v", got.Commands)
	}
	if !strings.HasSuffix(got.Content, "Found notes.txt.") {
		t.Errorf("content = %q", got.Content)
	}
}

func TestRun_AskText(t *testing.T) {
	srv := fakeCompletions(t, "Hello!")
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"--config", cfgPath, "ask", "hi"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "Hello!" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "conversation ") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncate me", 8, "truncate…"},
		{"héllo wörld", 5, "héllo…"},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
