package orchestrator

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

const defaultUserID = "anonymous"

// Handler exposes the chat orchestrator over HTTP.
type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// HandleChat decodes one chat turn and streams the response as SSE.
// The user identity comes from the X-User-ID header; authentication itself
// is handled upstream of the relay.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = defaultUserID
	}

	h.orch.Stream(r.Context(), w, &req, userID)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
