package handler

import (
	"encoding/json"
	"net/http"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeCommandError maps the command taxonomy to HTTP statuses; untagged
// errors become 500 without leaking internals.
func writeCommandError(w http.ResponseWriter, err error) {
	kind := conversation.KindOf(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	switch kind {
	case conversation.KindUnauthenticated:
		status = http.StatusUnauthorized
		msg = err.Error()
	case conversation.KindForbidden:
		status = http.StatusForbidden
		msg = err.Error()
	case conversation.KindNotFound:
		status = http.StatusNotFound
		msg = err.Error()
	case conversation.KindValidation:
		status = http.StatusBadRequest
		msg = err.Error()
	default:
		logger.Errorf("command failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}
