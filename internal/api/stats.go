package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/scheduler"
)

// Stats

func (s *Server) overview(c *gin.Context) {
	o, err := s.stats.Overview(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) performance(c *gin.Context) {
	p, err := s.stats.PerformanceMetrics(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) summary(c *gin.Context) {
	sum, err := s.stats.Summary(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) requestsByHour(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24)
	if !ok {
		return
	}
	rows, err := s.stats.RequestStatsByHour(c.Request.Context(), hours)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) violations(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 10)
	if !ok {
		return
	}
	rows, err := s.stats.TopViolationIPs(c.Request.Context(), limit)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) uaUsage(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24)
	if !ok {
		return
	}
	rows, err := s.stats.UAUsage(c.Request.Context(), hours)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) exportStats(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24)
	if !ok {
		return
	}
	export, err := s.stats.Export(c.Request.Context(), hours)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

func (s *Server) cleanup(c *gin.Context) {
	days, ok := queryInt(c, "days", s.cfg.Scheduler.RetentionDays)
	if !ok {
		return
	}
	deleted, err := s.stats.CleanupOldData(c.Request.Context(), days)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "old data cleaned up", deleted)
}

// Logs

func (s *Server) systemLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	logs, err := s.stats.RecentLogs(c.Request.Context(), limit, c.Query("level"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

type systemLogRequest struct {
	Level    string                 `json:"level"`
	Message  string                 `json:"message" binding:"required"`
	Details  map[string]interface{} `json:"details"`
	Category string                 `json:"category"`
	Source   string                 `json:"source"`
}

var logLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "WARN": true, "ERROR": true, "CRITICAL": true}

func (s *Server) createSystemLog(c *gin.Context) {
	var req systemLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	if req.Level != "" && !logLevels[strings.ToUpper(req.Level)] {
		FailResponse(c, apperr.Invalid("api.createSystemLog", "unknown level "+req.Level))
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	if err := s.stats.RecordSystemLog(c.Request.Context(), req.Level, req.Message, req.Details, req.Category, req.Source); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "log recorded", nil)
}

func (s *Server) telegramLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	logs, err := s.stats.TelegramLogs(c.Request.Context(), limit, offset)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) syncLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	logs, err := s.stats.SyncLogs(c.Request.Context(), c.Query("worker_id"), limit, offset)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) workerLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	logs, err := s.sync.QueryWorkerLogs(c.Request.Context(), c.Query("worker_id"), limit)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Scheduler

func (s *Server) schedulerStatus(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, scheduler.Status{Jobs: []scheduler.JobStatus{}})
		return
	}
	c.JSON(http.StatusOK, s.scheduler.Status())
}

// runJob runs one scheduled job now. A job that fails still answers 200
// with the failure in the body.
func (s *Server) runJob(c *gin.Context) {
	if s.scheduler == nil {
		ErrorResponse(c, http.StatusServiceUnavailable, apperr.Internal.String(), "scheduler is disabled")
		return
	}
	name := c.Param("job")
	err := s.scheduler.RunNow(c.Request.Context(), name)
	if apperr.Is(err, apperr.NotFound) {
		FailResponse(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, Response{Message: name + " failed: " + err.Error(), ErrorCode: "job_failed"})
		return
	}
	SuccessResponse(c, name+" finished", nil)
}
