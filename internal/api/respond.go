package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"feedcron/internal/core"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

// writeServiceError maps domain errors onto status codes; anything unrecognized
// is logged and reported as an internal error.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_input", verr.Error())
	case errors.Is(err, core.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	case errors.Is(err, core.ErrScheduleBusy), errors.Is(err, core.ErrExecutionInFlight):
		writeError(w, http.StatusConflict, "conflict", "schedule is already running")
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
