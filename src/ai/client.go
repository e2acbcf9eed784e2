// Package ai talks to an OpenAI-compatible chat completions API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// ServiceError is any failure to obtain a usable answer from the model.
type ServiceError struct {
	StatusCode int
	Timeout    bool
	Msg        string
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Timeout:
		return "AI service timed out: " + e.Msg
	case e.StatusCode != 0:
		return fmt.Sprintf("AI service returned %d: %s", e.StatusCode, e.Msg)
	default:
		return "AI service error: " + e.Msg
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ServiceError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || (e.StatusCode == 0 && !e.Timeout && e.Err != nil)
}

type Client struct {
	provider    string
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	log         *slog.Logger
	maxAttempts int
	backoff     backoff.Backoff
}

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient builds a client. An empty apiKey yields a disabled client.
func NewClient(provider, apiKey, baseURL, model string, log *slog.Logger) *Client {
	return &Client{
		provider:    provider,
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		client:      &http.Client{Timeout: 60 * time.Second},
		log:         log,
		maxAttempts: 3,
		backoff:     backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// WithRetryDelays overrides the retry schedule. Used by tests.
func (c *Client) WithRetryDelays(minDelay, maxDelay time.Duration, attempts int) *Client {
	c.backoff = backoff.Backoff{Min: minDelay, Max: maxDelay, Factor: 2}
	c.maxAttempts = attempts
	return c
}

func (c *Client) endpoint() string {
	// Build endpoint, avoiding double /v1 if baseURL already contains it
	endpoint := c.baseURL
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	return endpoint + "/chat/completions"
}

// chat sends the conversation and returns the first choice's content. Rate limits and
// server errors are retried with backoff until the attempts or ctx run out.
func (c *Client) chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ChatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", &ServiceError{Msg: "cannot encode request", Err: err}
	}

	b := c.backoff
	b.Reset()
	for attempt := 1; ; attempt++ {
		content, err := c.post(ctx, body)
		if err == nil {
			return content, nil
		}
		var se *ServiceError
		if !errors.As(err, &se) || !se.Retryable() || attempt >= c.maxAttempts {
			return "", err
		}
		wait := b.Duration()
		c.log.Warn("AI request failed, retrying", "provider", c.provider, "attempt", attempt, "wait", wait.String(), "error", err)
		select {
		case <-ctx.Done():
			return "", &ServiceError{Timeout: true, Msg: "deadline exceeded while waiting to retry", Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", &ServiceError{Msg: "cannot build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return "", &ServiceError{Timeout: true, Msg: "request deadline exceeded", Err: err}
		}
		return "", &ServiceError{Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return "", &ServiceError{Timeout: true, Msg: "reading reply timed out", Err: err}
		}
		return "", &ServiceError{Msg: "cannot read reply", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", &ServiceError{StatusCode: resp.StatusCode, Msg: msg}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &ServiceError{Msg: "reply is not a chat completion", Err: err}
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return "", &ServiceError{Msg: "no response from AI"}
	}
	return chatResp.Choices[0].Message.Content, nil
}

// extractJSON returns the body of a ```json fenced block, or the outermost {...} span.
func extractJSON(text string) string {
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	open, closeAt := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if open >= 0 && closeAt > open {
		return text[open : closeAt+1]
	}
	return strings.TrimSpace(text)
}
