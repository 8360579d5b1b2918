package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"feedcron/internal/core"
)

type cronPreviewRequest struct {
	Expr         string `json:"expr,omitempty"`
	ScheduleType string `json:"scheduleType,omitempty"`
	Time         string `json:"time,omitempty"`
	DayOfWeek    *int   `json:"dayOfWeek,omitempty"`
	DayOfMonth   *int   `json:"dayOfMonth,omitempty"`
	Now          string `json:"now,omitempty"`
	Count        int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"nextTimes,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type timerResponse struct {
	ScheduleID string  `json:"scheduleId"`
	NextFire   *string `json:"nextFire"`
}

type engineStatusResponse struct {
	Running     bool            `json:"running"`
	ActiveTasks int             `json:"activeTasks"`
	InFlight    int             `json:"inFlight"`
	Timers      []timerResponse `json:"timers"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	def, ok := req.definition()
	if !ok {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression or scheduleType is required"})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	times, err := core.Preview(def, base, count)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}

func (req cronPreviewRequest) definition() (*core.Schedule, bool) {
	expr := strings.TrimSpace(req.Expr)
	if expr != "" {
		return &core.Schedule{ScheduleType: core.ScheduleTypeCustom, CronExpression: &expr}, true
	}
	if req.ScheduleType == "" {
		return nil, false
	}
	def := &core.Schedule{
		ScheduleType: core.ScheduleType(req.ScheduleType),
		DayOfWeek:    req.DayOfWeek,
		DayOfMonth:   req.DayOfMonth,
	}
	if req.Time != "" {
		clock := req.Time
		def.Time = &clock
	}
	return def, true
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.Engine().Status()
	timers := make([]timerResponse, 0, len(status.Timers))
	for _, t := range status.Timers {
		timers = append(timers, timerResponse{ScheduleID: t.ScheduleID, NextFire: formatOptional(t.NextFire)})
	}
	writeJSON(w, http.StatusOK, engineStatusResponse{
		Running:     status.Running,
		ActiveTasks: status.ActiveTasks,
		InFlight:    status.InFlight,
		Timers:      timers,
	})
}
