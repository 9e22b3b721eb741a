package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lynexus/lynexus-agent/internal/httpkit"
)

// OpenAIClient talks to any endpoint implementing the OpenAI chat
// completions API (DeepSeek, OpenAI, vLLM, LM Studio, ...).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for the endpoint rooted at baseURL.
// Requests go to baseURL + "/chat/completions".
func NewOpenAIClient(baseURL, apiKey string, maxRetries int, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Reasoning models can sit on the request for a long time before
	// the first header arrives.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxRetries: maxRetries,
		logger:     logger.With("provider", "openai", "api_base", baseURL),
		httpClient: httpkit.NewClient(
			// Streaming responses can be long-lived; ctx controls lifetime.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type openAIRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	PresencePenalty  float64   `json:"presence_penalty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Chat sends a non-streaming completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, params Params) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, params, nil)
}

// ChatStream sends a completion request. With a nil callback the
// request is made without streaming.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, params Params, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	stream := callback != nil

	payload, err := json.Marshal(openAIRequest{
		Model:            model,
		Messages:         messages,
		Stream:           stream,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
		MaxTokens:        params.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(messages),
		"stream", stream,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	resp, err := withRetry(ctx, c.maxRetries, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		c.authorize(req)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: extractErrorMessage(body)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if !stream {
		var out openAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(out.Choices) == 0 {
			return nil, errors.New("response contained no choices")
		}
		result := &ChatResponse{
			Model:        out.Model,
			Message:      Message{Role: RoleAssistant, Content: out.Choices[0].Message.Content},
			FinishReason: out.Choices[0].FinishReason,
			Duration:     time.Since(start),
		}
		if out.Usage != nil {
			result.InputTokens = out.Usage.PromptTokens
			result.OutputTokens = out.Usage.CompletionTokens
		}
		c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
		return result, nil
	}

	result := &ChatResponse{Model: model, Message: Message{Role: RoleAssistant}}
	var content strings.Builder

	s := bufio.NewScanner(resp.Body)
	s.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream line", "error", err)
			continue
		}
		if chunk.Error != nil {
			result.Message.Content = content.String()
			return result, fmt.Errorf("stream error: %s", chunk.Error.Message)
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.InputTokens = chunk.Usage.PromptTokens
			result.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				result.FinishReason = *choice.FinishReason
			}
		}
	}
	result.Message.Content = content.String()
	result.Duration = time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if err := s.Err(); err != nil {
		return result, fmt.Errorf("read stream: %w", err)
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"output_len", content.Len(),
		"elapsed", result.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", result.Message.Content)

	callback(StreamEvent{Kind: KindDone, Response: result})
	return result, nil
}

// Ping lists models, which exercises both reachability and the API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return &APIError{StatusCode: resp.StatusCode, Body: extractErrorMessage(body)}
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

func (c *OpenAIClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// extractErrorMessage pulls error.message out of an OpenAI-style error
// body, falling back to the raw body.
func extractErrorMessage(body string) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return strings.TrimSpace(body)
}
