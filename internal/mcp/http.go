package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lynexus/lynexus-agent/internal/httpkit"
)

// sessionHeader carries the server-assigned session across requests.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes caps one JSON-RPC response body.
const maxResponseBytes = 10 << 20

// HTTPConfig describes an MCP server reached over streamable HTTP.
type HTTPConfig struct {
	URL string

	// Headers are sent with every request, typically Authorization.
	// They are client defaults: a header set on a request wins.
	Headers map[string]string

	// Timeout bounds each request. Zero keeps the httpkit default.
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server URL. The
// server may answer with a JSON body or with an event stream carrying
// the response; both are accepted.
type HTTPTransport struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	session string
}

// NewHTTPTransport returns a transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []httpkit.ClientOption{httpkit.WithLogger(logger)}
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, httpkit.WithHeader(k, v))
	}
	return &HTTPTransport{
		url:    cfg.URL,
		client: httpkit.NewClient(opts...),
		logger: logger,
	}
}

// Send posts req and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	body := io.LimitReader(resp.Body, maxResponseBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	var out Response
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode MCP response: %w", err)
	}
	return &out, nil
}

// Notify posts notif. The server may answer 200 or 202.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	resp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("MCP server returned %d for %s: %s", resp.StatusCode, notif.Method, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	return nil
}

// Close ends the server session if one was assigned.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	session := t.session
	t.session = ""
	t.mu.Unlock()
	if session == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	setSession(req, session)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "url", t.url, "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create MCP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()
	setSession(req, session)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MCP request to %s: %w", t.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

func setSession(req *http.Request, session string) {
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
}

// readEventStream returns the first response in an event stream whose
// ID matches id. Server requests and notifications in the stream are
// skipped.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg struct {
			Response
			Method string `json:"method"`
		}
		if json.Unmarshal([]byte(data.String()), &msg) != nil || msg.Method != "" || msg.ID != id {
			return nil, false
		}
		return &msg.Response, true
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read MCP event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("MCP event stream ended without a response")
}
