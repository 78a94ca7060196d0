package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/geminigate/internal/relay"
	"github.com/tidwall/gjson"
)

func chatRequest() *relay.ChatCompletionRequest {
	return &relay.ChatCompletionRequest{
		Model:    "gemini-2.5-pro",
		Messages: []relay.Message{{Role: "user", Content: strContent("hello")}},
	}
}

func TestCallParsesResult(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [
					{"text": "planning...", "thought": true},
					{"text": "Hello "},
					{"text": "there."}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 4, "thoughtsTokenCount": 2, "totalTokenCount": 13}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Call(context.Background(), "test-key", "gemini-2.5-pro", chatRequest())
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if gotPath != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}
	if res.Content != "Hello there." {
		t.Errorf("Content = %q", res.Content)
	}
	if res.ReasoningContent != "planning..." {
		t.Errorf("ReasoningContent = %q", res.ReasoningContent)
	}
	if res.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 7 || res.Usage.CompletionTokens != 6 || res.Usage.TotalTokens != 13 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestCallParsesFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"parts": [
					{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
				]},
				"finishReason": "STOP"
			}]
		}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Call(context.Background(), "k", "gemini-2.5-flash", chatRequest())
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.Function.Name != "get_weather" {
		t.Errorf("tool name = %q", tc.Function.Name)
	}
	if got := gjson.Get(tc.Function.Arguments, "city").String(); got != "Oslo" {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
	if !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("tool id = %q", tc.ID)
	}
	if res.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}
}

func TestFinishReasonMapping(t *testing.T) {
	tests := []struct {
		upstream string
		want     string
	}{
		{"", "stop"},
		{"STOP", "stop"},
		{"MAX_TOKENS", "length"},
		{"SAFETY", "content_filter"},
		{"RECITATION", "content_filter"},
		{"OTHER", "stop"},
	}
	for _, tt := range tests {
		if got := finishReason(tt.upstream, false); got != tt.want {
			t.Errorf("finishReason(%q) = %q, want %q", tt.upstream, got, tt.want)
		}
	}
	if got := finishReason("SAFETY", true); got != "tool_calls" {
		t.Errorf("finishReason with tools = %q, want tool_calls", got)
	}
}

func TestCallUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "Resource has been exhausted"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Call(context.Background(), "k", "gemini-2.5-pro", chatRequest())
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("Call() error = %T(%v), want *StatusError", err, err)
	}
	if serr.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want 429", serr.Code)
	}
	if !strings.Contains(serr.Message, "exhausted") {
		t.Errorf("Message = %q", serr.Message)
	}
}

func TestCallSendsPayloadTranslation(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer srv.Close()

	req := chatRequest()
	req.ReasoningEffort = "high"
	if _, err := NewClient(srv.URL).Call(context.Background(), "k", "gemini-2.5-pro", req); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.0.text").String(); got != "hello" {
		t.Errorf("sent contents = %s", body)
	}
	if got := gjson.GetBytes(body, "generationConfig.thinkingConfig.thinkingBudget").Int(); got != 32768 {
		t.Errorf("thinkingBudget = %d, want 32768", got)
	}
}

func sseFrame(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestStreamProducesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "alt=sse" {
			t.Errorf("query = %q, want alt=sse", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"thinking","thought":true}]}}]}`)
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`)
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"lo"},{"functionCall":{"name":"lookup","args":{"q":"x"}}}]}}]}`)
		sseFrame(w, `{"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`)
	}))
	defer srv.Close()

	events, err := NewClient(srv.URL).Stream(context.Background(), "k", "gemini-2.5-flash", chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var got []relay.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(got), got)
	}
	if got[0].Type != relay.EventThinking || got[0].Text != "thinking" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Type != relay.EventText || got[1].Text != "Hel" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Type != relay.EventText || got[2].Text != "lo" {
		t.Errorf("event 2 = %+v", got[2])
	}
	if got[3].Type != relay.EventToolCall || got[3].ToolName != "lookup" || got[3].ToolIndex != 0 {
		t.Errorf("event 3 = %+v", got[3])
	}
	last := got[4]
	if last.Type != relay.EventUsage || last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Errorf("terminal event = %+v", last)
	}
}

// An open failure must surface as an error return, never as a channel.
func TestStreamOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded for this key"}}`)
	}))
	defer srv.Close()

	events, err := NewClient(srv.URL).Stream(context.Background(), "k", "gemini-2.5-pro", chatRequest())
	if events != nil {
		t.Error("Stream() returned a channel alongside an error")
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusForbidden {
		t.Fatalf("Stream() error = %v, want 403 StatusError", err)
	}
}

// An abandoned consumer must not strand the reader goroutine: cancelling
// the request context unblocks any pending send and the channel closes.
func TestStreamCancelUnblocksReader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"one"}]}}]}`)
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"two"}]}}]}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := NewClient(srv.URL).Stream(ctx, "k", "gemini-2.5-flash", chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	// Leave the channel unread so the reader blocks on its first send,
	// then cancel.
	cancel()

	closed := make(chan struct{})
	go func() {
		for range events {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still blocked after cancellation")
	}
}

// A connection that dies mid-stream surfaces as a terminal error event on
// the already-committed channel.
func TestStreamInterrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declare more body than is sent so the client sees an unexpected EOF.
		w.Header().Set("Content-Length", "4096")
		sseFrame(w, `{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`)
	}))
	defer srv.Close()

	events, err := NewClient(srv.URL).Stream(context.Background(), "k", "gemini-2.5-flash", chatRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var got []relay.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) == 0 {
		t.Fatal("no events received")
	}
	last := got[len(got)-1]
	if last.Type != relay.EventError || last.Err == nil {
		t.Errorf("terminal event = %+v, want EventError", last)
	}
}
