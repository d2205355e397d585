package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/auth"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/settings"
	"github.com/sirupsen/logrus"
)

const dataCenterKeyLength = 32

// Web configs and the settings singleton

func (s *Server) getSettings(c *gin.Context) {
	st, err := s.settings.MaskedSettings(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) updateSettings(c *gin.Context) {
	var patch settings.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.settings.UpdateSettings(ctx, patch); err != nil {
		FailResponse(c, err)
		return
	}
	st, err := s.settings.MaskedSettings(ctx)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "settings updated", st)
}

func (s *Server) listWebConfigs(c *gin.Context) {
	grouped, err := s.settings.WebConfigs(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, grouped)
}

func (s *Server) webCategory(c *gin.Context) {
	configs, err := s.settings.Category(c.Request.Context(), c.Param("category"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

type webConfigRequest struct {
	Value       string `json:"value"`
	ValueType   string `json:"value_type"`
	Description string `json:"description"`
	IsSensitive bool   `json:"is_sensitive"`
}

func (s *Server) setWebConfig(c *gin.Context) {
	var req webConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	saved, err := s.settings.SetWeb(c.Request.Context(), database.WebConfig{
		Category:    c.Param("category"),
		Key:         c.Param("key"),
		Value:       req.Value,
		ValueType:   req.ValueType,
		Description: req.Description,
		IsSensitive: req.IsSensitive,
	})
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, saved.Category+"."+saved.Key+" saved", saved)
}

func (s *Server) deleteWebConfig(c *gin.Context) {
	category, key := c.Param("category"), c.Param("key")
	if err := s.settings.DeleteWeb(c.Request.Context(), category, key); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, category+"."+key+" deleted", nil)
}

func (s *Server) initDefaults(c *gin.Context) {
	n, err := s.settings.InitDefaults(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "default configs initialized", gin.H{"created": n})
}

// System configs

func (s *Server) listSystemConfigs(c *gin.Context) {
	configs, err := s.settings.SystemConfigs(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (s *Server) getSystemConfig(c *gin.Context) {
	cfg, err := s.settings.MaskedSystemConfig(c.Request.Context(), c.Param("key"))
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type systemConfigRequest struct {
	Value       string `json:"value"`
	ConfigType  string `json:"config_type"`
	Description string `json:"description"`
}

func (s *Server) setSystemConfig(c *gin.Context) {
	var req systemConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	ctx := c.Request.Context()
	key := c.Param("key")
	if _, err := s.settings.SetSystemConfig(ctx, key, req.Value, req.ConfigType, req.Description); err != nil {
		FailResponse(c, err)
		return
	}
	cfg, err := s.settings.MaskedSystemConfig(ctx, key)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, key+" saved", cfg)
}

func (s *Server) deleteSystemConfig(c *gin.Context) {
	key := c.Param("key")
	if err := s.settings.DeleteSystemConfig(c.Request.Context(), key); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, key+" deleted", nil)
}

// generateAPIKey returns a fresh key without storing it.
func (s *Server) generateAPIKey(c *gin.Context) {
	length, ok := queryInt(c, "length", dataCenterKeyLength)
	if !ok {
		return
	}
	if length < 16 || length > 128 {
		FailResponse(c, apperr.Invalid("api.generateAPIKey", "length must be between 16 and 128"))
		return
	}
	key, err := auth.GenerateAPIKey(length)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "api key generated", gin.H{"api_key": key})
}

func (s *Server) getDataCenterKey(c *gin.Context) {
	key := s.settings.DataCenterAPIKey(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"configured": key != "",
		"api_key":    settings.MaskKey(key),
	})
}

type apiKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

func (s *Server) setDataCenterKey(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	if err := s.settings.SetDataCenterAPIKey(c.Request.Context(), req.APIKey); err != nil {
		FailResponse(c, err)
		return
	}
	logrus.WithField("user", identity(c).User.Username).Warn("data center API key replaced")
	SuccessResponse(c, "api key updated", gin.H{"api_key": settings.MaskKey(req.APIKey)})
}

// regenerateDataCenterKey is the only response that carries the full key.
func (s *Server) regenerateDataCenterKey(c *gin.Context) {
	key, err := auth.GenerateAPIKey(dataCenterKeyLength)
	if err != nil {
		FailResponse(c, err)
		return
	}
	if err := s.settings.SetDataCenterAPIKey(c.Request.Context(), key); err != nil {
		FailResponse(c, err)
		return
	}
	logrus.WithField("user", identity(c).User.Username).Warn("data center API key regenerated")
	SuccessResponse(c, "api key regenerated, update every Worker", gin.H{"api_key": key})
}
