package server

import (
	"net/http"
	"strings"

	"github.com/MrWong99/whisperapi/internal/models"
)

// modelEntry is one element of the OpenAI-style model list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// modelList is the OpenAI-style list envelope.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the supported model ids.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(models.Catalog))}
	for _, id := range models.Catalog {
		list.Data = append(list.Data, modelEntry{ID: id, Object: "model", OwnedBy: "openai"})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleModel returns one model entry, or 404 for ids outside the supported
// set. Aliases are not listed and are not addressable here.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(strings.TrimSpace(r.PathValue("id")))
	if !models.Contains(id) {
		writeJSON(w, http.StatusNotFound, envelope(
			"the requested model does not exist", "invalid_request_error", "model_not_found"))
		return
	}
	writeJSON(w, http.StatusOK, modelEntry{ID: id, Object: "model", OwnedBy: "openai"})
}

// handleConfig echoes the effective configuration. The struct field names
// are the wire shape, so clients see Server.Port and Whisper.ModelName.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}
