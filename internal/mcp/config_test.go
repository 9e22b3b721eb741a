package mcp

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerFile_Formats(t *testing.T) {
	t.Setenv("LYNEXUS_TEST_TOKEN", "s3cret")
	dir := t.TempDir()

	files := map[string]string{
		"servers.json": `{
			"mcpServers": {
				"files": {"command": "mcp-files", "args": ["--root", "/data"], "cwd": "/srv"},
				"search": {"url": "https://search.test/mcp", "headers": {"Authorization": "Bearer ${LYNEXUS_TEST_TOKEN}"}}
			}
		}`,
		"servers.yaml": `
servers:
  files:
    command: mcp-files
    args: ["--root", "/data"]
    cwd: /srv
  search:
    url: https://search.test/mcp
    headers:
      Authorization: Bearer ${LYNEXUS_TEST_TOKEN}
`,
		"servers.toml": `
[servers.files]
command = "mcp-files"
args = ["--root", "/data"]
cwd = "/srv"

[servers.search]
url = "https://search.test/mcp"
headers = { Authorization = "Bearer ${LYNEXUS_TEST_TOKEN}" }
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name, content)
			cfgs, err := LoadServerFile(path)
			if err != nil {
				t.Fatalf("LoadServerFile: %v", err)
			}
			if len(cfgs) != 2 {
				t.Fatalf("got %d servers, want 2", len(cfgs))
			}

			files, search := cfgs[0], cfgs[1]
			if files.Name != "files" || search.Name != "search" {
				t.Errorf("names = %q, %q", files.Name, search.Name)
			}
			if files.Transport() != "stdio" || search.Transport() != "http" {
				t.Errorf("transports = %q, %q", files.Transport(), search.Transport())
			}
			if !reflect.DeepEqual(files.Args, []string{"--root", "/data"}) || files.Dir != "/srv" {
				t.Errorf("files = %+v", files)
			}
			if got := search.Headers["Authorization"]; got != "Bearer s3cret" {
				t.Errorf("Authorization = %q, want expanded token", got)
			}
			if files.Source != path {
				t.Errorf("Source = %q", files.Source)
			}
		})
	}
}

func TestLoadServerFile_DisabledAndInvalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json", `{
		"servers": {
			"ok": {"command": "run-ok"},
			"off": {"command": "run-off", "disabled": true},
			"empty": {},
			"both": {"command": "x", "url": "http://x"}
		}
	}`)

	cfgs, err := LoadServerFile(path)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{`server "empty": needs command or url`, `server "both": command and url are mutually exclusive`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if len(cfgs) != 1 || cfgs[0].Name != "ok" {
		t.Errorf("valid servers = %+v", cfgs)
	}
}

func TestLoadServerFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadServerFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := LoadServerFile(writeFile(t, dir, "servers.ini", "x=1")); err == nil ||
		!strings.Contains(err.Error(), "unsupported server file type") {
		t.Errorf("unsupported extension: err = %v", err)
	}
	if _, err := LoadServerFile(writeFile(t, dir, "bad.json", "{")); err == nil ||
		!strings.HasPrefix(err.Error(), "parse ") {
		t.Errorf("bad json: err = %v", err)
	}
}

func TestServerConfig_EnvList(t *testing.T) {
	cfg := ServerConfig{Env: map[string]string{"B": "2", "A": "1"}}
	if got := cfg.EnvList(); !reflect.DeepEqual(got, []string{"A=1", "B=2"}) {
		t.Errorf("EnvList = %v", got)
	}
}
