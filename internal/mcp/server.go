package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"feedcron/internal/core"
)

// MCPServer exposes schedule management as MCP tools.
type MCPServer struct {
	service  *core.ScheduleService
	logger   *slog.Logger
	location *time.Location
	server   *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(service *core.ScheduleService, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		service:  service,
		logger:   logger,
		location: location,
		server: server.NewMCPServer(
			"feedcron",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves the tools over stdio until the client disconnects.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// Handler serves the tools over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("schedule_list",
		mcp.WithDescription("List all schedules, active first"),
	), s.handleListSchedules)

	s.server.AddTool(mcp.NewTool("schedule_get",
		mcp.WithDescription("Show one schedule"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	), s.handleGetSchedule)

	s.server.AddTool(mcp.NewTool("schedule_create",
		mcp.WithDescription("Create a recurring feed processing schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Schedule name")),
		mcp.WithString("description", mcp.Description("Optional description")),
		mcp.WithString("schedule_type",
			mcp.Required(),
			mcp.Description("Recurrence kind"),
			mcp.Enum("daily", "weekly", "monthly", "custom"),
		),
		mcp.WithString("time", mcp.Description("HH:MM wall-clock time for daily, weekly and monthly schedules")),
		mcp.WithNumber("day_of_week", mcp.Description("0 (Sunday) to 6 (Saturday), weekly only"), mcp.Min(0), mcp.Max(6)),
		mcp.WithNumber("day_of_month", mcp.Description("1 to 31, monthly only; clamped to the last day of shorter months"), mcp.Min(1), mcp.Max(31)),
		mcp.WithString("cron_expression", mcp.Description("5-field cron expression, custom only, e.g. '0 9 * * 1-5'")),
		mcp.WithString("task_type",
			mcp.Required(),
			mcp.Description("Task dispatched to the processing service"),
			mcp.Enum("rss_collection", "labeling", "summarization", "categorization", "batch_process"),
		),
		mcp.WithString("task_config", mcp.Description("Task configuration as a JSON object")),
		mcp.WithBoolean("is_active", mcp.Description("Arm the schedule immediately, default true")),
	), s.handleCreateSchedule)

	s.server.AddTool(mcp.NewTool("schedule_activate",
		mcp.WithDescription("Activate a schedule and arm its timer"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	), s.handleActivateSchedule)

	s.server.AddTool(mcp.NewTool("schedule_deactivate",
		mcp.WithDescription("Deactivate a schedule; in-flight executions still finish"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	), s.handleDeactivateSchedule)

	s.server.AddTool(mcp.NewTool("schedule_delete",
		mcp.WithDescription("Delete a schedule and cancel its timer; running executions still finish"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	), s.handleDeleteSchedule)

	s.server.AddTool(mcp.NewTool("schedule_execute",
		mcp.WithDescription("Run a schedule's task now, outside its timer"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
	), s.handleExecuteSchedule)

	s.server.AddTool(mcp.NewTool("schedule_executions",
		mcp.WithDescription("Show the execution history of a schedule, newest first"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("Schedule ID")),
		mcp.WithNumber("limit", mcp.Description("Number of executions, default 20"), mcp.Min(1), mcp.Max(100)),
	), s.handleListExecutions)

	s.server.AddTool(mcp.NewTool("engine_status",
		mcp.WithDescription("Show the scheduling engine state and armed timers"),
	), s.handleEngineStatus)

	s.server.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count", mcp.Description("Number of fire times, default 5"), mcp.Min(1), mcp.Max(10)),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 10)
}

func (s *MCPServer) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schedules, err := s.service.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list schedules: %v", err)), nil
	}
	if len(schedules) == 0 {
		return mcp.NewToolResultText("No schedules found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schedule(s):\n", len(schedules))
	for _, sched := range schedules {
		state := "inactive"
		if sched.IsActive {
			state = "active"
		}
		fmt.Fprintf(&b, "\n[%s] %s\n  ID: %s\n  Recurrence: %s\n  Task: %s\n  Next run: %s\n",
			state, sched.Name, sched.ID, describeRecurrence(sched), sched.TaskType, s.formatTime(sched.NextRun))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	sched, err := s.service.Get(ctx, id)
	if err != nil {
		return s.toolError("load schedule", id, err), nil
	}
	return mcp.NewToolResultText(s.describeSchedule(sched)), nil
}

func (s *MCPServer) handleCreateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	in := core.CreateScheduleInput{
		Name:         mcp.ParseString(request, "name", ""),
		ScheduleType: core.ScheduleType(mcp.ParseString(request, "schedule_type", "")),
		TaskType:     core.TaskType(mcp.ParseString(request, "task_type", "")),
	}
	if v := mcp.ParseString(request, "description", ""); v != "" {
		in.Description = &v
	}
	if v := mcp.ParseString(request, "time", ""); v != "" {
		in.Time = &v
	}
	if v := mcp.ParseString(request, "cron_expression", ""); v != "" {
		in.CronExpression = &v
	}
	if _, ok := args["day_of_week"]; ok {
		v := int(mcp.ParseFloat64(request, "day_of_week", 0))
		in.DayOfWeek = &v
	}
	if _, ok := args["day_of_month"]; ok {
		v := int(mcp.ParseFloat64(request, "day_of_month", 0))
		in.DayOfMonth = &v
	}
	if _, ok := args["is_active"]; ok {
		v := mcp.ParseBoolean(request, "is_active", true)
		in.IsActive = &v
	}
	if raw := strings.TrimSpace(mcp.ParseString(request, "task_config", "")); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("task_config must be a JSON object"), nil
		}
		in.TaskConfig = json.RawMessage(raw)
	}

	sched, err := s.service.Create(ctx, in)
	if err != nil {
		return s.toolError("create schedule", "", err), nil
	}
	return mcp.NewToolResultText("Schedule created\n" + s.describeSchedule(sched)), nil
}

func (s *MCPServer) handleActivateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	sched, err := s.service.Activate(ctx, id)
	if err != nil {
		return s.toolError("activate schedule", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule activated: %s\nNext run: %s", sched.ID, s.formatTime(sched.NextRun))), nil
}

func (s *MCPServer) handleDeactivateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	sched, err := s.service.Deactivate(ctx, id)
	if err != nil {
		return s.toolError("deactivate schedule", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule deactivated: %s", sched.ID)), nil
}

func (s *MCPServer) handleDeleteSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	if err := s.service.Delete(ctx, id); err != nil {
		return s.toolError("delete schedule", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule deleted: %s", id)), nil
}

func (s *MCPServer) handleExecuteSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	exec, err := s.service.ExecuteNow(ctx, id)
	if errors.Is(err, core.ErrScheduleBusy) {
		return mcp.NewToolResultError(fmt.Sprintf("Schedule %s is already running; trigger recorded as skipped", id)), nil
	}
	if err != nil {
		return s.toolError("execute schedule", id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution started\nSchedule ID: %s\nExecution ID: %s", id, exec.ID)), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	execs, err := s.service.Executions(ctx, id, limit)
	if err != nil {
		return s.toolError("list executions", id, err), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions recorded for this schedule"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d execution(s):\n", len(execs))
	for _, exec := range execs {
		fmt.Fprintf(&b, "\n%s %s\n  Started: %s\n  Completed: %s\n",
			statusToIcon(exec.Status), exec.ID, s.formatTime(&exec.StartedAt), s.formatTime(exec.CompletedAt))
		if exec.ErrorMessage != nil {
			fmt.Fprintf(&b, "  Error: %s\n", truncateString(*exec.ErrorMessage, 200))
		}
		if len(exec.Result) > 0 {
			fmt.Fprintf(&b, "  Result: %s\n", truncateString(string(exec.Result), 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleEngineStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.service.Engine().Status()
	var b strings.Builder
	fmt.Fprintf(&b, "Running: %t\nArmed timers: %d\nIn flight: %d\n", status.Running, status.ActiveTasks, status.InFlight)
	for _, t := range status.Timers {
		fmt.Fprintf(&b, "  %s next fire %s\n", t.ScheduleID, s.formatTime(t.NextFire))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count < 1 || count > 10 {
		count = 5
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Next %d fire time(s) for '%s':\n", count, expr)
	for i, t := range core.NextOccurrences(schedule, time.Now().In(s.location), count) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) toolError(op, id string, err error) *mcp.CallToolResult {
	switch {
	case core.IsValidation(err):
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err))
	case errors.Is(err, core.ErrScheduleNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("schedule not found: %s", id))
	}
	s.logger.Error(op, "schedule_id", id, "err", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", op, err))
}

func (s *MCPServer) describeSchedule(sched *core.Schedule) string {
	config, _ := core.EncodeTaskConfig(sched.TaskConfig)
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\nName: %s\n", sched.ID, sched.Name)
	if sched.Description != nil {
		fmt.Fprintf(&b, "Description: %s\n", *sched.Description)
	}
	fmt.Fprintf(&b, "Recurrence: %s\nTask: %s\nConfig: %s\nActive: %t\nLast run: %s\nNext run: %s\n",
		describeRecurrence(sched), sched.TaskType, config, sched.IsActive,
		s.formatTime(sched.LastRun), s.formatTime(sched.NextRun))
	return b.String()
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05 MST")
}

var weekdays = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

func describeRecurrence(sched *core.Schedule) string {
	clock := "?"
	if sched.Time != nil {
		clock = *sched.Time
	}
	switch sched.ScheduleType {
	case core.ScheduleTypeDaily:
		return "daily at " + clock
	case core.ScheduleTypeWeekly:
		if sched.DayOfWeek != nil && *sched.DayOfWeek >= 0 && *sched.DayOfWeek < len(weekdays) {
			return fmt.Sprintf("every %s at %s", weekdays[*sched.DayOfWeek], clock)
		}
	case core.ScheduleTypeMonthly:
		if sched.DayOfMonth != nil {
			return fmt.Sprintf("monthly on day %d at %s", *sched.DayOfMonth, clock)
		}
	case core.ScheduleTypeCustom:
		if sched.CronExpression != nil {
			return "cron " + *sched.CronExpression
		}
	}
	return string(sched.ScheduleType)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func statusToIcon(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionCompleted:
		return "[ok]"
	case core.ExecutionFailed:
		return "[failed]"
	case core.ExecutionRunning:
		return "[running]"
	default:
		return "[pending]"
	}
}
