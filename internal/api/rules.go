package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/sirupsen/logrus"
)

const maxBackupSize = 32 << 20

// UA configs

func (s *Server) listUAConfigs(c *gin.Context) {
	configs, err := s.rules.ListUAConfigs(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (s *Server) getUAConfig(c *gin.Context) {
	cfg, err := s.rules.GetUAConfig(c.Request.Context(), c.Param("name"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) createUAConfig(c *gin.Context) {
	var in rules.UAConfigInput
	if err := c.ShouldBindJSON(&in); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	cfg, err := s.rules.CreateUAConfig(c.Request.Context(), in)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "UA config "+cfg.Name+" created", cfg)
}

func (s *Server) updateUAConfig(c *gin.Context) {
	var patch rules.UAConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	cfg, err := s.rules.UpdateUAConfig(c.Request.Context(), c.Param("name"), patch)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "UA config "+cfg.Name+" updated", cfg)
}

func (s *Server) deleteUAConfig(c *gin.Context) {
	name := c.Param("name")
	if err := s.rules.DeleteUAConfig(c.Request.Context(), name); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "UA config "+name+" deleted", nil)
}

func (s *Server) toggleUAConfig(c *gin.Context) {
	cfg, err := s.rules.ToggleUAConfig(c.Request.Context(), c.Param("name"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	SuccessResponse(c, "UA config "+cfg.Name+" "+state, cfg)
}

// IP blacklist

func (s *Server) listBlacklist(c *gin.Context) {
	entries, err := s.rules.ListIPBlacklist(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type blacklistRequest struct {
	IPAddress string `json:"ip_address" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) addBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	entry, created, err := s.rules.AddIPToBlacklist(c.Request.Context(), req.IPAddress, req.Reason)
	if err != nil {
		FailResponse(c, err)
		return
	}
	msg := entry.IPAddress + " added to the blacklist"
	if !created {
		msg = entry.IPAddress + " is already blacklisted"
	}
	SuccessResponse(c, msg, entry)
}

func (s *Server) removeBlacklist(c *gin.Context) {
	ip := c.Param("ip")
	if err := s.rules.RemoveIPFromBlacklist(c.Request.Context(), ip); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, ip+" removed from the blacklist", nil)
}

func (s *Server) toggleBlacklist(c *gin.Context) {
	entry, err := s.rules.ToggleIP(c.Request.Context(), c.Param("ip"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, entry.IPAddress+" toggled", entry)
}

// Worker-facing export and rule evaluation

func (s *Server) exportConfig(c *gin.Context) {
	blob, err := s.rules.ExportForWorker(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, blob)
}

// testRequest evaluates a sample request against the enabled rules the
// way a Worker would.
func (s *Server) testRequest(c *gin.Context) {
	var req rules.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	m, err := s.rules.Matcher(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Evaluate(req))
}

// Backups

func (s *Server) backup(c *gin.Context) {
	name := fmt.Sprintf("rules-%s.json.zst", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "application/zstd")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := s.rules.WriteBackup(c.Request.Context(), c.Writer); err != nil {
		// Headers are gone once the encoder has flushed.
		if !c.Writer.Written() {
			FailResponse(c, err)
			return
		}
		logrus.WithError(err).Error("rules backup aborted")
	}
}

func (s *Server) restore(c *gin.Context) {
	replace, _ := strconv.ParseBool(c.Query("replace"))

	snap, err := rules.ReadBackup(http.MaxBytesReader(c.Writer, c.Request.Body, maxBackupSize))
	if err != nil {
		FailResponse(c, err)
		return
	}
	n, err := s.rules.RestoreBackup(c.Request.Context(), snap, replace)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, fmt.Sprintf("restored %d rules", n), gin.H{"restored": n, "replace": replace})
}
