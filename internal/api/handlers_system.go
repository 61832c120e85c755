package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/logger"
)

// listTasks returns all scheduled tasks.
// GET /api/v1/system/tasks
func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scheduler.ListTasks())
}

// runTask manually triggers a task to run.
// POST /api/v1/system/tasks/:id/run
func (s *Server) runTask(c echo.Context) error {
	taskID := c.Param("id")
	if _, err := s.deps.Scheduler.GetTask(taskID); err != nil {
		return err
	}
	if err := s.deps.Scheduler.RunNow(taskID); err != nil {
		return badRequest("%v", err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Task started",
		"taskId":  taskID,
	})
}

// recentLogs returns the buffered log lines, oldest first.
// GET /api/v1/system/logs?limit=
func (s *Server) recentLogs(c echo.Context) error {
	if s.deps.Logs == nil {
		return c.JSON(http.StatusOK, []logger.LogEntry{})
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest("invalid limit %q", raw)
		}
		limit = n
	}
	return c.JSON(http.StatusOK, s.deps.Logs.Recent(limit))
}

// systemHealth returns the last check result of every external service.
// GET /api/v1/system/health
func (s *Server) systemHealth(c echo.Context) error {
	if s.deps.Health == nil {
		return c.JSON(http.StatusOK, health.Summary{Items: []health.Item{}})
	}
	return c.JSON(http.StatusOK, s.deps.Health.Summary())
}
