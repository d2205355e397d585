package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/workersync"
)

type endpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func bindEndpoint(c *gin.Context) (string, bool) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return "", false
	}
	endpoint := strings.TrimRight(strings.TrimSpace(req.Endpoint), "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		FailResponse(c, apperr.Invalid("api.sync", "endpoint must be an http(s) URL"))
		return "", false
	}
	return endpoint, true
}

// syncOutcome answers an attempt against a Worker. A Worker that failed is
// still a completed request: the outcome is in the body, not the status.
func syncOutcome(c *gin.Context, msg string, data interface{}, err error) {
	if err != nil && apperr.HTTPStatus(apperr.KindOf(err)) < http.StatusBadGateway {
		FailResponse(c, err)
		return
	}
	if err != nil {
		kind := apperr.KindOf(err)
		c.JSON(http.StatusOK, Response{Message: apperr.MessageOf(err), ErrorCode: kind.String(), Data: data})
		return
	}
	SuccessResponse(c, msg, data)
}

func (s *Server) pushConfig(c *gin.Context) {
	endpoint, ok := bindEndpoint(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	blob, err := s.rules.ExportForWorker(ctx)
	if err != nil {
		FailResponse(c, err)
		return
	}
	res, err := s.sync.PushConfig(ctx, endpoint, blob)
	syncOutcome(c, "config pushed to "+endpoint, res, err)
}

func (s *Server) pushConfigAll(c *gin.Context) {
	batch, err := s.sync.PushCurrent(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	msg := fmt.Sprintf("config pushed to %d/%d workers", batch.SuccessCount, batch.Total)
	if batch.Total == 0 {
		msg = "no worker endpoints configured"
	}
	SuccessResponse(c, msg, batch)
}

func (s *Server) pullStats(c *gin.Context) {
	endpoint, ok := bindEndpoint(c)
	if !ok {
		return
	}
	data, err := s.sync.PullStats(c.Request.Context(), endpoint)
	syncOutcome(c, "stats pulled from "+endpoint, data, err)
}

func (s *Server) workerHealth(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		FailResponse(c, apperr.Invalid("api.workerHealth", "endpoint is required"))
		return
	}
	c.JSON(http.StatusOK, s.sync.HealthStatus(c.Request.Context(), strings.TrimRight(endpoint, "/")))
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.sync.Workers(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

func (s *Server) workerRequestStats(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	rows, err := s.sync.QueryWorkerRequestStats(c.Request.Context(), c.Query("worker_id"), limit)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// Worker push endpoints

type statsPush struct {
	WorkerID string          `json:"worker_id"`
	Stats    json.RawMessage `json:"stats"`
}

func (s *Server) workerStats(c *gin.Context) {
	var req statsPush
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	row, err := s.sync.ProcessWorkerStats(c.Request.Context(), req.WorkerID, req.Stats)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "stats recorded", row)
}

type logsPush struct {
	WorkerID string                 `json:"worker_id"`
	Logs     []workersync.WorkerLog `json:"logs"`
}

func (s *Server) workerPushLogs(c *gin.Context) {
	var req logsPush
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	res, err := s.sync.ProcessWorkerLogs(c.Request.Context(), req.WorkerID, req.Logs)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, fmt.Sprintf("%d logs stored", res.Inserted), res)
}

type configReport struct {
	WorkerID string                  `json:"worker_id"`
	Config   workersync.WorkerReport `json:"config"`
}

func (s *Server) workerConfig(c *gin.Context) {
	var req configReport
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	w, err := s.sync.ProcessWorkerConfig(c.Request.Context(), req.WorkerID, req.Config)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "config snapshot stored", gin.H{"worker_id": w.WorkerID, "last_update": w.LastUpdate})
}

type requestStatsPush struct {
	WorkerID string `json:"worker_id"`
	workersync.RequestStatsPush
}

func (s *Server) workerPushRequestStats(c *gin.Context) {
	var req requestStatsPush
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	res, err := s.sync.ProcessWorkerRequestStats(c.Request.Context(), req.WorkerID, req.RequestStatsPush)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "request stats recorded", res)
}

func (s *Server) workerRestore(c *gin.Context) {
	restore, err := s.sync.RestoreStats(c.Request.Context(), c.Query("worker_id"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, restore)
}

// Live refresh

func (s *Server) eventsWS(c *gin.Context) {
	if s.bus == nil {
		ErrorResponse(c, http.StatusServiceUnavailable, apperr.Internal.String(), "live events are disabled")
		return
	}
	if err := s.bus.Hub().ServeWS(c.Writer, c.Request); err != nil {
		// the upgrader has already answered the handshake
		c.Abort()
	}
}
