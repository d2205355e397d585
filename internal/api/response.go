package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/sirupsen/logrus"
)

// Response is the body of every mutation and every error.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// SuccessResponse answers a mutation.
func SuccessResponse(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// ErrorResponse answers with an explicit status and code.
func ErrorResponse(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{Message: message, ErrorCode: code})
}

// ValidationErrorResponse answers a body or query that failed to parse.
func ValidationErrorResponse(c *gin.Context, err error) {
	ErrorResponse(c, http.StatusBadRequest, apperr.Validation.String(), "invalid request: "+err.Error())
}

// UnauthorizedResponse answers a missing or rejected credential.
func UnauthorizedResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, apperr.Unauthorized.String(), message)
}

// FailResponse maps a service error onto its status code. Store and
// internal failures are logged here; the caller only sees a generic message.
func FailResponse(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
	}
	ErrorResponse(c, status, kind.String(), apperr.MessageOf(err))
}

// queryInt reads an integer query parameter, falling back to def when it
// is absent. A malformed value answers 400 and reports false.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, apperr.Validation.String(), name+" must be an integer")
		return 0, false
	}
	return n, true
}
