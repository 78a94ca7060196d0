// Package gemini is the backend collaborator: it translates chat-completion
// requests into Gemini generateContent calls and turns the SSE response
// stream into backend-neutral events.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/geminigate/internal/relay"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DefaultUpstreamURL is the Gemini API origin.
const DefaultUpstreamURL = "https://generativelanguage.googleapis.com"

// StatusError carries the upstream HTTP status so the rotation layer can
// classify the failure without parsing error text.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: upstream status %d: %s", e.Code, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Code }

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given upstream origin ("" selects the
// public Gemini API).
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultUpstreamURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Generous timeout: a single long generation can run for minutes.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *Client) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, model, method)
}

func (c *Client) post(ctx context.Context, url, key string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key)
	return c.http.Do(req)
}

// upstreamError drains a non-2xx response into a StatusError.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// Call performs one non-streaming generateContent request with one
// credential. Its signature matches rotation.ProviderCall.
func (c *Client) Call(ctx context.Context, key, model string, req *relay.ChatCompletionRequest) (*relay.CompletionResult, error) {
	payload, err := BuildPayload(model, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.endpoint(model, "generateContent"), key, payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return parseResult(body), nil
}

// parseResult flattens the first candidate of a generateContent response.
func parseResult(body []byte) *relay.CompletionResult {
	result := &relay.CompletionResult{}
	for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			result.ToolCalls = append(result.ToolCalls, relay.ToolCall{
				ID:   newCallID(),
				Type: "function",
				Function: relay.ToolCallFunction{
					Name:      fc.Get("name").String(),
					Arguments: functionArgs(fc),
				},
			})
			continue
		}
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				result.ReasoningContent += text.String()
			} else {
				result.Content += text.String()
			}
		}
	}
	result.FinishReason = finishReason(
		gjson.GetBytes(body, "candidates.0.finishReason").String(),
		len(result.ToolCalls) > 0,
	)
	result.Usage = parseUsage(gjson.GetBytes(body, "usageMetadata"))
	return result
}

func finishReason(upstream string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch upstream {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func parseUsage(meta gjson.Result) *relay.Usage {
	if !meta.Exists() {
		return nil
	}
	prompt := meta.Get("promptTokenCount").Int()
	completion := meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int()
	total := meta.Get("totalTokenCount").Int()
	if total == 0 {
		total = prompt + completion
	}
	return &relay.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

func functionArgs(fc gjson.Result) string {
	if args := fc.Get("args"); args.Exists() {
		return args.Raw
	}
	return "{}"
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Stream opens one streaming generateContent request with one credential.
// Its signature matches rotation.ProviderStream: any open failure is
// returned before a channel exists, and once the channel is handed back the
// attempt is committed, so later failures arrive as a terminal error event.
func (c *Client) Stream(ctx context.Context, key, model string, req *relay.ChatCompletionRequest) (<-chan relay.Event, error) {
	payload, err := BuildPayload(model, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.endpoint(model, "streamGenerateContent")+"?alt=sse", key, payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, upstreamError(resp)
	}

	events := make(chan relay.Event)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream scans SSE frames and converts them to events. The producer
// owns the channel: exactly one terminal signal (usage or error), then close.
// Every send races the request context so an abandoned consumer cannot
// strand the goroutine or the response body.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- relay.Event) {
	defer close(events)
	defer body.Close()

	send := func(ev relay.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *relay.Usage
	toolIndex := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frame := []byte(strings.TrimPrefix(line, "data: "))

		for _, part := range gjson.GetBytes(frame, "candidates.0.content.parts").Array() {
			if fc := part.Get("functionCall"); fc.Exists() {
				ok := send(relay.Event{
					Type:      relay.EventToolCall,
					ToolIndex: toolIndex,
					ToolID:    newCallID(),
					ToolName:  fc.Get("name").String(),
					ToolArgs:  functionArgs(fc),
				})
				if !ok {
					return
				}
				toolIndex++
				continue
			}
			if text := part.Get("text"); text.Exists() && text.String() != "" {
				kind := relay.EventText
				if part.Get("thought").Bool() {
					kind = relay.EventThinking
				}
				if !send(relay.Event{Type: kind, Text: text.String()}) {
					return
				}
			}
		}
		if meta := gjson.GetBytes(frame, "usageMetadata"); meta.Exists() {
			usage = parseUsage(meta)
		}
	}

	if err := scanner.Err(); err != nil {
		send(relay.Event{Type: relay.EventError, Err: fmt.Errorf("gemini: stream interrupted: %w", err)})
		return
	}
	if usage != nil {
		send(relay.Event{Type: relay.EventUsage, Usage: usage})
	}
}
