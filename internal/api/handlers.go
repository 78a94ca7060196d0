// Package api is the HTTP edge: the chat-completion endpoint, the model
// listing and the admin surface for key management and usage reporting.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gluk-w/geminigate/internal/pool"
	"github.com/gluk-w/geminigate/internal/relay"
	"github.com/gluk-w/geminigate/internal/rotation"
	"github.com/gluk-w/geminigate/internal/store"
	"github.com/gluk-w/geminigate/internal/usage"
	"github.com/go-chi/chi/v5"
)

// Server bundles the collaborators the handlers need. Call and Stream are
// the provider functions handed to the rotator; tests inject fakes there.
type Server struct {
	Keys    *store.KeyStore
	Rotator *rotation.Rotator
	Usage   *usage.Recorder
	Pool    *pool.Pool // optional OAuth credential pool

	Call   rotation.ProviderCall
	Stream rotation.ProviderStream

	AuthToken   string
	AdminSecret string
	KeySource   string
}

// Routes assembles the router. Client auth guards the protocol surface,
// admin auth guards the management surface, health stays open.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(ClientAuth(s.AuthToken))
		r.Get("/v1/models", s.listModels)
		r.Post("/v1/chat/completions", s.chatCompletions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(s.AdminSecret))
		r.Get("/status", s.status)
		r.Get("/usage", s.getUsage)
		r.Put("/keys", s.updateKeys)
		r.Post("/keys/reload", s.reloadKeys)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"keys_total":     s.Keys.TotalCount(),
		"keys_available": s.Keys.AvailableCount(),
	})
}

// listModels reports the configured tier models in the standard list shape.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	list := relay.ModelList{Object: "list"}
	for _, m := range s.Rotator.Tiers() {
		list.Data = append(list.Data, relay.ModelInfo{
			ID:      m,
			Object:  "model",
			Created: created,
			OwnedBy: "google",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// status returns the masked rotation state: key cooldowns, pool entries and
// the tier order. Raw credential material never appears here.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"keys":           s.Keys.Snapshot(),
		"keys_total":     s.Keys.TotalCount(),
		"keys_available": s.Keys.AvailableCount(),
		"models":         s.Rotator.Tiers(),
	}
	if s.Pool != nil {
		resp["pool"] = s.Pool.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": s.Usage.Count(),
		"keys":    s.Usage.KeySummaries(),
		"models":  s.Usage.ModelTotals(),
	})
}

// updateKeys replaces the working key set.
func (s *Server) updateKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if len(body.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "keys is required")
		return
	}
	s.Keys.Configure(body.Keys)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "updated",
		"total":  s.Keys.TotalCount(),
	})
}

// reloadKeys re-reads the configured external key source.
func (s *Server) reloadKeys(w http.ResponseWriter, r *http.Request) {
	if s.KeySource == "" {
		writeError(w, http.StatusBadRequest, "no_key_source", "No key source configured")
		return
	}
	n, err := s.Keys.LoadFromSource(r.Context(), s.KeySource)
	if err != nil {
		writeError(w, http.StatusBadGateway, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"total":  n,
	})
}
