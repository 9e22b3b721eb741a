package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestHTTPTransport_JSON(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions []string
		auth     string
		deleted  bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodDelete {
			deleted = r.Header.Get(sessionHeader) == "s-1"
			return
		}
		sessions = append(sessions, r.Header.Get(sessionHeader))
		auth = r.Header.Get("Authorization")

		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set(sessionHeader, "s-1")
		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	ctx := context.Background()

	resp, err := tr.Send(ctx, NewRequest(7, "initialize", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 || string(resp.Result) != `{"ok":true}` {
		t.Errorf("response = %+v", resp)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "s-1" {
		t.Errorf("session headers = %q", sessions)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization = %q", auth)
	}
	if !deleted {
		t.Error("Close did not delete the session")
	}
}

func TestHTTPTransport_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		io.WriteString(w, ": keepalive\n\n")
		io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		io.WriteString(w, "data: {\"jsonrpc\":\"2.0\",\"id\":99,\"result\":{}}\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", req.ID)
		io.WriteString(w, "data: \"result\":{\"tools\":[]}}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	resp, err := tr.Send(context.Background(), NewRequest(3, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 3 || !strings.Contains(string(resp.Result), `"tools"`) {
		t.Errorf("response = %+v", resp)
	}
}

func TestReadEventStream_NoResponse(t *testing.T) {
	_, err := readEventStream(strings.NewReader("data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"), 2)
	if err == nil || !strings.Contains(err.Error(), "without a response") {
		t.Errorf("err = %v", err)
	}

	// A final event without a trailing blank line still counts.
	resp, err := readEventStream(strings.NewReader("data: {\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{}}"), 2)
	if err != nil || resp.ID != 2 {
		t.Errorf("unterminated event: %+v, %v", resp, err)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "no such session") {
		t.Errorf("Send = %v", err)
	}
	if err := tr.Notify(context.Background(), NewNotification("x", nil)); err == nil {
		t.Error("Notify should fail on 404")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close without session: %v", err)
	}
}

func TestDefaultTransport(t *testing.T) {
	tr, err := DefaultTransport(ServerConfig{Name: "web", URL: "http://localhost:1/mcp"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*HTTPTransport); !ok {
		t.Errorf("url server got %T", tr)
	}

	tr, err = DefaultTransport(ServerConfig{Name: "fs", Command: "mcp-fs"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*StdioTransport); !ok {
		t.Errorf("command server got %T", tr)
	}

	if _, err := DefaultTransport(ServerConfig{Name: "empty"}, nil); err == nil {
		t.Error("server with neither url nor command should fail")
	}
}
