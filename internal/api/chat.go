package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/geminigate/internal/gemini"
	"github.com/gluk-w/geminigate/internal/relay"
	"github.com/gluk-w/geminigate/internal/rotation"
	"github.com/gluk-w/geminigate/internal/usage"
	"github.com/google/uuid"
)

// chatCompletions serves the chat-completion endpoint, streaming by default.
func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req relay.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if code, msg, ok := validateRequest(&req); !ok {
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}

	if req.Streaming() {
		s.streamCompletion(w, r, &req)
	} else {
		s.unaryCompletion(w, r, &req)
	}
}

// validateRequest fails fast on requests no provider call could serve.
func validateRequest(req *relay.ChatCompletionRequest) (code, msg string, ok bool) {
	if req.Model == "" {
		return "invalid_request", "model is required", false
	}
	if len(req.Messages) == 0 {
		return "invalid_request", "messages is required", false
	}
	if !relay.ValidEffort(req.ReasoningEffort) {
		return "invalid_request", "reasoning_effort must be one of none, low, medium, high", false
	}
	if gemini.HasImageInput(req) {
		return "unsupported_input", "image content is not supported", false
	}
	return "", "", true
}

func (s *Server) unaryCompletion(w http.ResponseWriter, r *http.Request, req *relay.ChatCompletionRequest) {
	result, attempt, err := s.Rotator.Generate(r.Context(), req.Model, req, s.Call)
	if err != nil {
		s.completionError(w, err)
		return
	}

	s.recordUsage(attempt, result.Usage)
	id := "chatcmpl-" + uuid.NewString()
	writeJSON(w, http.StatusOK, result.AsChatCompletion(id, time.Now().Unix(), attempt.Model))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *relay.ChatCompletionRequest) {
	// Rotation happens entirely before the first byte: once a stream opens
	// the attempt is committed and failures flow in-band.
	events, attempt, err := s.Rotator.OpenStream(r.Context(), req.Model, req, s.Stream)
	if err != nil {
		s.completionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	bridge := relay.NewBridge(attempt.Model, relay.HideThoughts(req.ReasoningEffort))
	emit := func(chunk *relay.ChatCompletionChunk) error {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := bridge.Run(events, emit); err != nil {
		// Transport failure: the client is gone. Drain the event channel so
		// the producer can finish and release the upstream body; it also
		// stops on request-context cancellation.
		log.Printf("chat: stream aborted: %v", err)
		go func() {
			for range events {
			}
		}()
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	s.recordUsage(attempt, bridge.Usage())
}

func (s *Server) recordUsage(attempt rotation.Attempt, u *relay.Usage) {
	if s.Usage == nil {
		return
	}
	rec := usage.Record{Key: attempt.Key, Model: attempt.Model}
	if u != nil {
		rec.InputTokens = u.PromptTokens
		rec.OutputTokens = u.CompletionTokens
	}
	s.Usage.Add(rec)
}

// completionError maps a rotation outcome onto the response. Capacity
// exhaustion gets its own status so callers can tell it from a backend
// defect.
func (s *Server) completionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rotation.ErrNoAvailableKeys):
		writeError(w, http.StatusServiceUnavailable, "no_available_keys",
			"All API keys are exhausted or cooling down across every model tier")

	case errors.Is(err, gemini.ErrUnsupportedInput):
		writeError(w, http.StatusBadRequest, "unsupported_input", err.Error())

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client disconnected mid-rotation; there is nobody to answer.

	default:
		var sc rotation.StatusCoder
		if errors.As(err, &sc) && sc.StatusCode() == http.StatusBadRequest {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		log.Printf("chat: upstream failure: %v", err)
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
	}
}
