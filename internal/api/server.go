// Package api is the HTTP surface of the data center: JWT-protected admin
// routes and the X-API-Key routes Workers call.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/auth"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/events"
	"github.com/nexus-cloaker/datacenter/internal/logger"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/nexus-cloaker/datacenter/internal/scheduler"
	"github.com/nexus-cloaker/datacenter/internal/settings"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/nexus-cloaker/datacenter/internal/workersync"
	"github.com/sirupsen/logrus"
)

const (
	identityKey  = "identity"
	apiKeyHeader = "X-API-Key"

	healthTimeout = 5 * time.Second
)

// BotState reports on the Telegram bot loop.
type BotState interface {
	Done() <-chan struct{}
}

// Deps are the services behind the routes. Scheduler, Bus, Metrics and
// Bot may be nil.
type Deps struct {
	Config    *config.Config
	DB        *database.DB
	Auth      *auth.Service
	Settings  *settings.Service
	Rules     *rules.Service
	Stats     *stats.Service
	Sync      *workersync.Service
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Metrics   http.Handler
	Bot       BotState
}

// Server is the API server
type Server struct {
	cfg       *config.Config
	db        *database.DB
	auth      *auth.Service
	settings  *settings.Service
	rules     *rules.Service
	stats     *stats.Service
	sync      *workersync.Service
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	metrics   http.Handler
	bot       BotState

	router *gin.Engine
	server *http.Server
}

func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		db:        d.DB,
		auth:      d.Auth,
		settings:  d.Settings,
		rules:     d.Rules,
		stats:     d.Stats,
		sync:      d.Sync,
		scheduler: d.Scheduler,
		bus:       d.Bus,
		metrics:   d.Metrics,
		bot:       d.Bot,
	}
	s.setupRoutes()
	return s
}

// Router exposes the engine, mostly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) setupRoutes() {
	if strings.EqualFold(s.cfg.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// CIDR entries arrive as /blacklist/10.0.0.0%2F8
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(requestLogger(), gin.Recovery(), corsMiddleware())
	s.router = r

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(s.metrics))
	}

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", s.login)
		authGroup.GET("/init-status", s.initStatus)
		authGroup.POST("/init-admin", s.initAdmin)

		authed := authGroup.Group("", s.requireAuth(false))
		authed.POST("/logout", s.logout)
		authed.POST("/logout-all", s.logoutAll)
		authed.GET("/me", s.me)
		authed.POST("/change-password", s.changePassword)
		authed.GET("/sessions", s.sessions)
	}

	// Workers pull their config with the shared key, not a JWT.
	api.GET("/config/export", s.requireAPIKey(), s.exportConfig)

	cfgGroup := api.Group("/config", s.requireAuth(false))
	{
		cfgGroup.GET("/ua", s.listUAConfigs)
		cfgGroup.POST("/ua", s.createUAConfig)
		cfgGroup.GET("/ua/:name", s.getUAConfig)
		cfgGroup.PUT("/ua/:name", s.updateUAConfig)
		cfgGroup.DELETE("/ua/:name", s.deleteUAConfig)
		cfgGroup.POST("/ua/:name/toggle", s.toggleUAConfig)

		cfgGroup.GET("/blacklist", s.listBlacklist)
		cfgGroup.POST("/blacklist", s.addBlacklist)
		cfgGroup.DELETE("/blacklist/:ip", s.removeBlacklist)
		cfgGroup.POST("/blacklist/:ip/toggle", s.toggleBlacklist)

		cfgGroup.POST("/test", s.testRequest)
		cfgGroup.GET("/backup", s.backup)
		cfgGroup.POST("/restore", s.restore)
	}

	statsGroup := api.Group("/stats", s.requireAuth(false))
	{
		statsGroup.GET("/overview", s.overview)
		statsGroup.GET("/performance", s.performance)
		statsGroup.GET("/summary", s.summary)
		statsGroup.GET("/requests", s.requestsByHour)
		statsGroup.GET("/violations", s.violations)
		statsGroup.GET("/ua-usage", s.uaUsage)
		statsGroup.GET("/export", s.exportStats)
		statsGroup.POST("/cleanup", s.cleanup)
	}

	logsGroup := api.Group("/logs", s.requireAuth(false))
	{
		logsGroup.GET("/system", s.systemLogs)
		logsGroup.POST("/system", s.createSystemLog)
		logsGroup.GET("/telegram", s.telegramLogs)
		logsGroup.GET("/sync", s.syncLogs)
		logsGroup.GET("/worker", s.workerLogs)
	}

	syncGroup := api.Group("/sync", s.requireAuth(false))
	{
		syncGroup.POST("/push-config", s.pushConfig)
		syncGroup.POST("/push-config-all", s.pushConfigAll)
		syncGroup.POST("/pull-stats", s.pullStats)
		syncGroup.GET("/worker-health", s.workerHealth)
	}

	workers := api.Group("/workers", s.requireAuth(false))
	{
		workers.GET("", s.listWorkers)
		workers.GET("/request-stats", s.workerRequestStats)
	}

	web := api.Group("/web-config", s.requireAuth(false))
	{
		web.GET("/settings", s.getSettings)
		web.PUT("/settings", s.updateSettings)
		web.GET("/configs", s.listWebConfigs)
		web.GET("/configs/:category", s.webCategory)
		web.PUT("/configs/:category/:key", s.setWebConfig)
		web.DELETE("/configs/:category/:key", s.deleteWebConfig)
		web.POST("/init-defaults", s.initDefaults)
	}

	sys := api.Group("/system-config", s.requireAuth(false))
	{
		sys.GET("/configs", s.listSystemConfigs)
		sys.GET("/configs/:key", s.getSystemConfig)
		sys.PUT("/configs/:key", s.setSystemConfig)
		sys.DELETE("/configs/:key", s.deleteSystemConfig)
		sys.POST("/generate-api-key", s.generateAPIKey)
		sys.GET("/data-center-api-key", s.getDataCenterKey)
		sys.PUT("/data-center-api-key", s.setDataCenterKey)
		sys.POST("/data-center-api-key/regenerate", s.regenerateDataCenterKey)
	}

	api.GET("/system/scheduler", s.requireAuth(false), s.schedulerStatus)
	api.POST("/system/scheduler/:job/run", s.requireAuth(false), s.runJob)

	// Browsers cannot set headers on a websocket handshake.
	api.GET("/events/ws", s.requireAuth(true), s.eventsWS)

	worker := r.Group("/worker-api", s.requireAPIKey())
	{
		worker.POST("/stats", s.workerStats)
		worker.POST("/logs", s.workerPushLogs)
		worker.POST("/config", s.workerConfig)
		worker.POST("/request-stats", s.workerPushRequestStats)
		worker.GET("/stats/restore", s.workerRestore)
	}
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	logrus.WithField("addr", addr).Info("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Middleware

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireAuth validates the bearer token, either a signed access token or
// the opaque session token. With allowQuery the token may also come as
// ?token=.
func (s *Server) requireAuth(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			UnauthorizedResponse(c, "missing bearer token")
			return
		}

		validate := s.auth.ValidateToken
		if strings.Count(token, ".") != 2 {
			validate = s.auth.ValidateSession
		}
		id, err := validate(c.Request.Context(), token)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"ip":    c.ClientIP(),
				"path":  c.Request.URL.Path,
				"token": logger.Mask(token),
			}).Warn("rejected bearer token")
			FailResponse(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) *auth.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(*auth.Identity)
	return id
}

// requireAPIKey checks X-API-Key against the data-center key in constant
// time. An unset key rejects everything.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(apiKeyHeader)
		want := s.settings.DataCenterAPIKey(c.Request.Context())
		if got == "" || want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			logrus.WithFields(logrus.Fields{
				"ip":   c.ClientIP(),
				"path": c.Request.URL.Path,
				"key":  logger.Mask(got),
			}).Warn("rejected API key")
			UnauthorizedResponse(c, "invalid API key")
			return
		}
		c.Next()
	}
}

// Health

func (s *Server) botState() string {
	if s.bot == nil {
		return "disabled"
	}
	select {
	case <-s.bot.Done():
		return "stopped"
	default:
		return "running"
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	resp := gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"database":       "ok",
		"telegram_bot":   s.botState(),
		"task_scheduler": "disabled",
	}
	if s.scheduler != nil {
		resp["task_scheduler"] = "stopped"
		if s.scheduler.Running() {
			resp["task_scheduler"] = "running"
		}
	}

	if err := s.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["database"] = "failed"
	}
	if s.bus != nil {
		// The broker is optional; losing it degrades, it does not fail health.
		resp["events"] = "ok"
		if err := s.bus.Ping(); err != nil {
			resp["events"] = "degraded"
		}
	}

	c.JSON(status, resp)
}
