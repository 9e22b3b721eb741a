package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/lynexus/lynexus-agent/internal/session"
)

type upload struct {
	field, name, body string
}

// postMultipart sends files and form values as multipart/form-data.
func (h *harness) postMultipart(path string, files []upload, values map[string]string) *http.Response {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			h.t.Fatal(err)
		}
		io.WriteString(w, f.body)
	}
	for k, v := range values {
		mw.WriteField(k, v)
	}
	mw.Close()

	resp, err := http.Post(h.url+path, mw.FormDataContentType(), &buf)
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func zipOf(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, entries[name])
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func readZip(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("response is not a zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestMCPUpload(t *testing.T) {
	h := newHarness(t)
	conv := h.create("mcp")
	path := "/api/conversations/" + conv.ID + "/mcp-tools/upload"

	var out struct {
		Success       bool     `json:"success"`
		UploadedCount int      `json:"uploadedCount"`
		Paths         []string `json:"paths"`
	}
	h.decode(h.postMultipart(path, []upload{
		{"files", "servers.json", `{"mcpServers":{}}`},
		{"files", "notes.txt", "skip me"},
		{"files", "../../extra.yaml", "mcpServers: {}\n"},
	}, nil), http.StatusOK, &out)

	dir := filepath.Join(h.dataDir, "conversations", conv.ID, "tools")
	want := []string{filepath.Join(dir, "servers.json"), filepath.Join(dir, "extra.yaml")}
	if !out.Success || out.UploadedCount != 2 || !slices.Equal(out.Paths, want) {
		t.Errorf("upload = %+v, want paths %q", out, want)
	}
	if b, err := os.ReadFile(want[0]); err != nil || string(b) != `{"mcpServers":{}}` {
		t.Errorf("saved file = %q, %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); !os.IsNotExist(err) {
		t.Errorf("unsupported file was saved: %v", err)
	}

	st, err := h.store.Settings(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(st.MCPPaths, want) {
		t.Errorf("mcpPaths = %q", st.MCPPaths)
	}

	// A second upload of the same file does not duplicate the path.
	h.decode(h.postMultipart(path, []upload{{"files", "servers.json", "{}"}}, nil), http.StatusOK, &out)
	st, _ = h.store.Settings(context.Background(), conv.ID)
	if len(st.MCPPaths) != 2 {
		t.Errorf("mcpPaths after re-upload = %q", st.MCPPaths)
	}

	h.decode(h.postMultipart(path, nil, map[string]string{"x": "y"}), http.StatusBadRequest, nil)
	h.decode(h.postMultipart("/api/conversations/missing/mcp-tools/upload", []upload{{"files", "a.json", "{}"}}, nil), http.StatusNotFound, nil)
}

func TestMCPPathAdd(t *testing.T) {
	h := newHarness(t)
	conv := h.create("paths")
	h.do("PUT", "/api/conversations/"+conv.ID+"/settings", `{"apiKey":"sk-keep-5678"}`)
	path := "/api/conversations/" + conv.ID + "/mcp-tools"

	var out struct {
		Success  bool     `json:"success"`
		MCPPaths []string `json:"mcpPaths"`
	}
	h.decode(h.do("POST", path, `{"filePath":"/etc/lynexus/mcp.yaml"}`), http.StatusOK, &out)
	if !out.Success || !slices.Equal(out.MCPPaths, []string{"/etc/lynexus/mcp.yaml"}) {
		t.Errorf("json add = %+v", out)
	}

	form := url.Values{"filePath": {"/srv/mcp.json"}}
	resp, err := http.Post(h.url+path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	h.decode(resp, http.StatusOK, &out)
	h.decode(h.do("POST", path, `{"filePath":"/srv/mcp.json"}`), http.StatusOK, &out)
	if !slices.Equal(out.MCPPaths, []string{"/etc/lynexus/mcp.yaml", "/srv/mcp.json"}) {
		t.Errorf("mcpPaths = %q", out.MCPPaths)
	}

	st, err := h.store.Settings(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.APIKey != "sk-keep-5678" {
		t.Errorf("api key = %q, adding a path must keep it", st.APIKey)
	}

	h.decode(h.do("POST", path, `{"filePath":"  "}`), http.StatusBadRequest, nil)
	h.decode(h.do("POST", "/api/conversations/missing/mcp-tools", `{"filePath":"/x.json"}`), http.StatusNotFound, nil)
}

func TestBundleExportImport(t *testing.T) {
	h := newHarness(t)
	conv := h.create("original")
	id := conv.ID
	h.do("PUT", "/api/conversations/"+id+"/settings", `{"temperature":0.25,"apiKey":"sk-secret-9999","mcpPaths":["/etc/shared.yaml"]}`)
	h.decode(h.postMultipart("/api/conversations/"+id+"/mcp-tools/upload",
		[]upload{{"files", "local.json", `{"mcpServers":{"fs":{"command":"mcp-fs"}}}`}}, nil), http.StatusOK, nil)

	resp := h.do("POST", "/api/conversations/"+id+"/export", "")
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, id+"_config.zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	entries := readZip(t, resp)

	if got := entries[id+"/tools/local.json"]; !strings.Contains(got, "mcp-fs") {
		t.Errorf("tools entry = %q (entries %v)", got, entries)
	}
	var bundled BundleSettings
	if err := json.Unmarshal([]byte(entries[id+"/settings.json"]), &bundled); err != nil {
		t.Fatalf("settings.json: %v", err)
	}
	if bundled.Title != "original" || bundled.Temperature != 0.25 {
		t.Errorf("bundled = %+v", bundled)
	}
	if bundled.APIKey != "****9999" {
		t.Errorf("bundled key = %q, want redacted", bundled.APIKey)
	}
	if !slices.Equal(bundled.MCPPaths, []string{"/etc/shared.yaml", "./tools/local.json"}) {
		t.Errorf("bundled mcpPaths = %q", bundled.MCPPaths)
	}

	// Import the bundle back under a new name.
	zipped := zipOf(t, entries)
	var imported session.Conversation
	h.decode(h.postMultipart("/api/conversations/import",
		[]upload{{"file", "bundle.zip", zipped}}, map[string]string{"name": "copy"}), http.StatusCreated, &imported)
	if imported.ID == id || imported.Title != "copy" {
		t.Errorf("imported = %+v", imported)
	}

	st, err := h.store.Settings(context.Background(), imported.ID)
	if err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(h.dataDir, "conversations", imported.ID, "tools", "local.json")
	if st.Temperature != 0.25 || !slices.Equal(st.MCPPaths, []string{"/etc/shared.yaml", local}) {
		t.Errorf("imported settings = %+v", st)
	}
	if st.APIKey != "" {
		t.Errorf("imported key = %q, a redacted key must not be stored", st.APIKey)
	}
	if b, err := os.ReadFile(local); err != nil || !strings.Contains(string(b), "mcp-fs") {
		t.Errorf("extracted tool = %q, %v", b, err)
	}

	// Without a name the bundled title is used.
	h.decode(h.postMultipart("/api/conversations/import",
		[]upload{{"file", "bundle.zip", zipped}}, nil), http.StatusCreated, &imported)
	if imported.Title != "original" {
		t.Errorf("title = %q", imported.Title)
	}

	// Deleting a conversation removes its uploaded files.
	h.decode(h.do("DELETE", "/api/conversations/"+id, ""), http.StatusOK, nil)
	if _, err := os.Stat(filepath.Join(h.dataDir, "conversations", id)); !os.IsNotExist(err) {
		t.Errorf("conversation files remain after delete: %v", err)
	}
	h.decode(h.do("POST", "/api/conversations/missing/export", ""), http.StatusNotFound, nil)
}

func TestBundleImport_Rejects(t *testing.T) {
	h := newHarness(t)
	before, err := h.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		files []upload
	}{
		{"no file", nil},
		{"not a zip", []upload{{"file", "b.zip", "plain text"}}},
		{"empty zip", []upload{{"file", "b.zip", zipOf(t, nil)}}},
		{"no settings", []upload{{"file", "b.zip", zipOf(t, map[string]string{"c/tools/a.json": "{}"})}}},
		{"bad settings json", []upload{{"file", "b.zip", zipOf(t, map[string]string{"c/settings.json": "{"})}}},
		{"invalid settings", []upload{{"file", "b.zip", zipOf(t, map[string]string{
			"c/settings.json": `{"title":"t","maxIterations":0,"commandStart":"RUN:","commandSeparator":"|"}`,
		})}}},
		{"escaping entry", []upload{{"file", "b.zip", zipOf(t, map[string]string{
			"c/settings.json":       `{"title":"t","maxIterations":3,"commandStart":"RUN:","commandSeparator":"|"}`,
			"c/tools/../../evil.sh": "rm -rf /",
		})}}},
		{"escaping mcp path", []upload{{"file", "b.zip", zipOf(t, map[string]string{
			"c/settings.json": `{"title":"t","maxIterations":3,"commandStart":"RUN:","commandSeparator":"|","mcpPaths":["./tools/../../x.json"]}`,
		})}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.decode(h.postMultipart("/api/conversations/import", tt.files, map[string]string{"name": "x"}), http.StatusBadRequest, nil)
		})
	}

	after, err := h.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Errorf("failed imports left %d conversations behind", len(after)-len(before))
	}
	if _, err := os.Stat(filepath.Join(h.dataDir, "evil.sh")); !os.IsNotExist(err) {
		t.Errorf("escaping entry was written: %v", err)
	}
}

func TestBundleEndpoints_NoDataDir(t *testing.T) {
	handler := NewServer(Config{}).Handler()
	for _, path := range []string{"/api/conversations/import", "/api/conversations/c1/mcp-tools/upload"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status %d, want 503", path, w.Code)
		}
	}
}

func TestBundleImport_PartialSettingsKeepDefaults(t *testing.T) {
	h := newHarness(t)
	zipped := zipOf(t, map[string]string{"old/settings.json": `{"title":"legacy","temperature":1.5}`})

	var conv session.Conversation
	h.decode(h.postMultipart("/api/conversations/import",
		[]upload{{"file", "old.zip", zipped}}, nil), http.StatusCreated, &conv)
	st, err := h.store.Settings(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "legacy" || st.Temperature != 1.5 || st.CommandStart != "RUN:" || st.MaxIterations != 3 {
		t.Errorf("imported %+v with settings %+v", conv, st)
	}
}
