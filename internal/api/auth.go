package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	res, err := s.auth.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) logout(c *gin.Context) {
	id := identity(c)
	if err := s.auth.Logout(c.Request.Context(), id.Session.ID); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "logged out", nil)
}

func (s *Server) logoutAll(c *gin.Context) {
	id := identity(c)
	n, err := s.auth.LogoutAll(c.Request.Context(), id.User.ID)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "all sessions revoked", gin.H{"revoked": n})
}

func (s *Server) me(c *gin.Context) {
	id := identity(c)
	c.JSON(http.StatusOK, gin.H{
		"user":    id.User,
		"session": id.Session,
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (s *Server) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, err)
		return
	}
	id := identity(c)
	if err := s.auth.ChangePassword(c.Request.Context(), id.User.ID, id.Session.ID, req.OldPassword, req.NewPassword); err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "password changed, other sessions were signed out", nil)
}

func (s *Server) sessions(c *gin.Context) {
	id := identity(c)
	list, err := s.auth.Sessions(c.Request.Context(), id.User.ID)
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "current": id.Session.ID})
}

func (s *Server) initStatus(c *gin.Context) {
	st, err := s.auth.InitStatus(c.Request.Context())
	if err != nil {
		FailResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// initAdmin creates the first admin. Once one exists it is a conflict.
func (s *Server) initAdmin(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.auth.InitStatus(ctx)
	if err != nil {
		FailResponse(c, err)
		return
	}
	if st.Initialized {
		FailResponse(c, apperr.Exists("api.initAdmin", "admin already initialized"))
		return
	}
	res, err := s.auth.Bootstrap(ctx)
	if err != nil {
		FailResponse(c, err)
		return
	}
	SuccessResponse(c, "admin created", res)
}
