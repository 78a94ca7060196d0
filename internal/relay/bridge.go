package relay

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmitFunc delivers one chunk to the client transport. It blocks until the
// transport has accepted the chunk, which is how backpressure propagates
// from the consumer into the bridge.
type EmitFunc func(*ChatCompletionChunk) error

// ErrBridgeSpent is returned when Run is called on a bridge that already ran.
var ErrBridgeSpent = errors.New("stream bridge is single-pass and cannot be reused")

// Bridge converts backend-native events into protocol-compliant chunks.
// It is single-pass: a retry needs a fresh event source and a fresh bridge.
type Bridge struct {
	id           string
	model        string
	created      int64
	hideThoughts bool

	spent     bool
	sawTool   bool
	usage     *Usage
	toolsSeen map[int]bool
}

// NewBridge creates a bridge for one response stream. The model is echoed in
// every chunk; hideThoughts suppresses thinking deltas (reasoning_effort
// "none").
func NewBridge(model string, hideThoughts bool) *Bridge {
	return &Bridge{
		id:           "chatcmpl-" + uuid.NewString(),
		model:        model,
		created:      time.Now().Unix(),
		hideThoughts: hideThoughts,
		toolsSeen:    make(map[int]bool),
	}
}

// ID returns the completion id stamped on every chunk.
func (b *Bridge) ID() string { return b.id }

// Usage returns the token accounting observed on the stream, if any.
// Valid after Run returns.
func (b *Bridge) Usage() *Usage { return b.usage }

// Run drains events and emits chunks in arrival order. The first chunk
// declares the assistant role. On an upstream error event one in-band
// terminal chunk is emitted and the stream is closed cleanly: past the first
// emitted chunk the response status is committed, so Run only returns an
// error when the transport itself fails.
func (b *Bridge) Run(events <-chan Event, emit EmitFunc) error {
	if b.spent {
		return ErrBridgeSpent
	}
	b.spent = true

	if err := emit(b.chunk(Delta{Role: "assistant"}, nil)); err != nil {
		return err
	}

	for ev := range events {
		switch ev.Type {
		case EventText:
			if ev.Text == "" {
				continue
			}
			if err := emit(b.chunk(Delta{Content: ev.Text}, nil)); err != nil {
				return err
			}

		case EventThinking:
			if ev.Text == "" || b.hideThoughts {
				continue
			}
			if err := emit(b.chunk(Delta{ReasoningContent: ev.Text}, nil)); err != nil {
				return err
			}

		case EventToolCall:
			if err := emit(b.toolChunk(ev)); err != nil {
				return err
			}

		case EventUsage:
			b.usage = ev.Usage

		case EventError:
			errChunk := b.chunk(Delta{}, nil)
			errChunk.Error = &StreamError{
				Message: "upstream error: " + ev.Err.Error(),
				Type:    "upstream_error",
			}
			return emit(errChunk)
		}
	}

	finish := "stop"
	if b.sawTool {
		finish = "tool_calls"
	}
	if err := emit(b.chunk(Delta{}, &finish)); err != nil {
		return err
	}

	if b.usage != nil {
		usageChunk := &ChatCompletionChunk{
			ID:      b.id,
			Object:  "chat.completion.chunk",
			Created: b.created,
			Model:   b.model,
			Choices: []ChunkChoice{},
			Usage:   b.usage,
		}
		if err := emit(usageChunk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) chunk(delta Delta, finish *string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

// toolChunk forwards one tool-call fragment. Fragments for the same call
// index concatenate on the client side; id, type and name travel only with
// the first fragment of each call. Argument fragments are passed through
// as-is; assembling or validating the JSON is the consumer's job.
func (b *Bridge) toolChunk(ev Event) *ChatCompletionChunk {
	b.sawTool = true
	tc := ToolCallDelta{
		Index:    ev.ToolIndex,
		Function: &ToolCallFunction{Arguments: ev.ToolArgs},
	}
	if !b.toolsSeen[ev.ToolIndex] {
		b.toolsSeen[ev.ToolIndex] = true
		tc.ID = ev.ToolID
		tc.Type = "function"
		tc.Function.Name = ev.ToolName
	}
	return b.chunk(Delta{ToolCalls: []ToolCallDelta{tc}}, nil)
}
