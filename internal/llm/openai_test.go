package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, frames []string, check func(*http.Request, openAIRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var req openAIRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if check != nil {
			check(r, req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	}))
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	frames := []string{
		`{"model":"deepseek-chat","choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2}}`,
		`[DONE]`,
	}
	srv := sseServer(t, frames, func(r *http.Request, req openAIRequest) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if !req.Stream {
			t.Error("stream should be true when a callback is supplied")
		}
		if req.Temperature != 0.7 || req.TopP != 0.9 {
			t.Errorf("sampling params = %v/%v", req.Temperature, req.TopP)
		}
		if req.MaxTokens != 0 {
			t.Errorf("max_tokens = %d, want omitted", req.MaxTokens)
		}
	})
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/", "sk-test", 0, nil)

	var tokens []string
	var done *ChatResponse
	resp, err := c.ChatStream(context.Background(), "deepseek-chat",
		[]Message{{Role: RoleUser, Content: "hi"}},
		Params{Temperature: 0.7, TopP: 0.9},
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens = append(tokens, ev.Token)
			case KindDone:
				done = ev.Response
			}
		})
	if err != nil {
		t.Fatalf("ChatStream error: %v", err)
	}

	if strings.Join(tokens, "|") != "Hel|lo" {
		t.Errorf("tokens = %v", tokens)
	}
	if resp.Message.Content != "Hello" || resp.Message.Role != RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.FinishReason)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if done != resp {
		t.Error("KindDone should carry the final response")
	}
}

func TestOpenAIClient_ChatStreamErrorFrame(t *testing.T) {
	frames := []string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"context length exceeded"}}`,
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", 0, nil)
	resp, err := c.ChatStream(context.Background(), "m", nil, Params{}, func(StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "context length exceeded") {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.Message.Content != "partial" {
		t.Errorf("partial content not returned: %+v", resp)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("Chat should not request streaming")
		}
		if req.MaxTokens != 256 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", 0, nil)
	resp, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "q"}}, Params{MaxTokens: 256})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "ok" || resp.OutputTokens != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Authentication Fails (no such user)"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "bad", 3, nil)
	_, err := c.ChatStream(context.Background(), "m", nil, Params{}, func(StreamEvent) {})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.Body != "Authentication Fails (no such user)" {
		t.Errorf("body = %q", apiErr.Body)
	}
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"second"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", 2, nil)
	resp, err := c.Chat(context.Background(), "m", nil, Params{})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if calls != 2 || resp.Message.Content != "second" {
		t.Errorf("calls = %d, content = %q", calls, resp.Message.Content)
	}
}

func TestOpenAIClient_StreamCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewOpenAIClient(srv.URL, "", 0, nil)

	errc := make(chan error, 1)
	var got *ChatResponse
	go func() {
		resp, err := c.ChatStream(ctx, "m", nil, Params{}, func(ev StreamEvent) {
			if ev.Kind == KindToken {
				cancel()
			}
		})
		got = resp
		errc <- err
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if got == nil || got.Message.Content != "first" {
			t.Errorf("partial response = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ChatStream did not return after cancel")
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := NewOpenAIClient(srv.URL, "good", 0, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping(good) = %v", err)
	}
	if err := NewOpenAIClient(srv.URL, "bad", 0, nil).Ping(context.Background()); err == nil {
		t.Error("Ping(bad) should fail")
	}
}
