package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"feedcron/internal/core"
)

type scheduleResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    *string         `json:"description,omitempty"`
	ScheduleType   string          `json:"scheduleType"`
	Time           *string         `json:"time,omitempty"`
	DayOfWeek      *int            `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int            `json:"dayOfMonth,omitempty"`
	CronExpression *string         `json:"cronExpression,omitempty"`
	TaskType       string          `json:"taskType"`
	TaskConfig     json.RawMessage `json:"taskConfig"`
	IsActive       bool            `json:"isActive"`
	LastRun        *string         `json:"lastRun"`
	NextRun        *string         `json:"nextRun"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.service.List(r.Context())
	if err != nil {
		s.writeServiceError(w, "list schedules", err)
		return
	}
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		res = append(res, scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req core.CreateScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sched, err := s.service.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleToResponse(sched))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.service.Get(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeServiceError(w, "load schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req core.UpdateScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sched, err := s.service.Update(r.Context(), chi.URLParam(r, "scheduleID"), req)
	if err != nil {
		s.writeServiceError(w, "update schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), chi.URLParam(r, "scheduleID")); err != nil {
		s.writeServiceError(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.service.Activate(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeServiceError(w, "activate schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleDeactivateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.service.Deactivate(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeServiceError(w, "deactivate schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.ExecuteNow(r.Context(), chi.URLParam(r, "scheduleID"))
	if errors.Is(err, core.ErrScheduleBusy) && exec != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     errorBody{Code: "conflict", Message: "schedule is already running"},
			"execution": executionToResponse(exec),
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, "execute schedule", err)
		return
	}
	writeJSON(w, http.StatusAccepted, executionToResponse(exec))
}

func scheduleToResponse(sched *core.Schedule) scheduleResponse {
	config, err := core.EncodeTaskConfig(sched.TaskConfig)
	if err != nil {
		config = json.RawMessage(`{}`)
	}
	return scheduleResponse{
		ID:             sched.ID,
		Name:           sched.Name,
		Description:    sched.Description,
		ScheduleType:   string(sched.ScheduleType),
		Time:           sched.Time,
		DayOfWeek:      sched.DayOfWeek,
		DayOfMonth:     sched.DayOfMonth,
		CronExpression: sched.CronExpression,
		TaskType:       string(sched.TaskType),
		TaskConfig:     config,
		IsActive:       sched.IsActive,
		LastRun:        formatOptional(sched.LastRun),
		NextRun:        formatOptional(sched.NextRun),
		CreatedAt:      sched.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      sched.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
