package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"feedcron/internal/core"
)

const defaultExecutionLimit = 20

type executionResponse struct {
	ID           string          `json:"id"`
	ScheduleID   string          `json:"scheduleId"`
	Status       string          `json:"status"`
	StartedAt    string          `json:"startedAt"`
	CompletedAt  *string         `json:"completedAt"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    string          `json:"createdAt"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultExecutionLimit)
	execs, err := s.service.Executions(r.Context(), chi.URLParam(r, "scheduleID"), limit)
	if err != nil {
		s.writeServiceError(w, "list executions", err)
		return
	}
	res := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		res = append(res, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatestExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.LatestExecution(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeServiceError(w, "load latest execution", err)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.Execution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeServiceError(w, "load execution", err)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func executionToResponse(exec *core.Execution) executionResponse {
	return executionResponse{
		ID:           exec.ID,
		ScheduleID:   exec.ScheduleID,
		Status:       string(exec.Status),
		StartedAt:    exec.StartedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:  formatOptionalNano(exec.CompletedAt),
		Result:       exec.Result,
		ErrorMessage: exec.ErrorMessage,
		CreatedAt:    exec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatOptionalNano(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339Nano)
	return &formatted
}
