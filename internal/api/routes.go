package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/whatsdesk/internal/models"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/sessions", s.handleCreateSession)
	r.POST("/sessions/:id/start", s.handleStartSession)
	r.POST("/sessions/:id/stop", s.handleStopSession)
	r.GET("/sessions/:id/status", s.handleSessionStatus)
	r.GET("/sessions/:id/events", s.handleSessionEvents)
	r.DELETE("/sessions/:id", s.handleDeleteSession)

	r.POST("/tenants/:tenant/messages", s.handleSendText)
}

type createSessionRequest struct {
	TenantID uint   `json:"tenant_id" binding:"required"`
	Name     string `json:"name" binding:"required"`
	AgentID  *uint  `json:"agent_id"`
}

type sendTextRequest struct {
	Phone string `json:"phone" binding:"required"`
	Text  string `json:"text" binding:"required"`
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		abort(c, http.StatusBadRequest, "name is required")
		return
	}

	ctx := c.Request.Context()
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, req.TenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			abort(c, http.StatusNotFound, "tenant not found")
			return
		}
		s.internalError(c, "load tenant", err)
		return
	}
	if req.AgentID != nil {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Agent{}).
			Where("id = ? AND tenant_id = ?", *req.AgentID, req.TenantID).Count(&n).Error; err != nil {
			s.internalError(c, "load agent", err)
			return
		}
		if n == 0 {
			abort(c, http.StatusNotFound, "agent not found")
			return
		}
	}

	row := models.Session{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		Name:     req.Name,
		Status:   models.StatusDisconnected,
		AgentID:  req.AgentID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.internalError(c, "create session", err)
		return
	}
	s.log.Info("api: session created", zap.String("session_id", row.ID), zap.Uint("tenant_id", row.TenantID))
	c.JSON(http.StatusCreated, row)
}

func (s *Server) handleStartSession(c *gin.Context) {
	row, ok := s.loadSession(c)
	if !ok {
		return
	}
	err := s.sessions.Start(c.Request.Context(), whatsapp.StartParams{
		TenantID:  row.TenantID,
		SessionID: row.ID,
		Name:      row.Name,
		AgentID:   row.AgentID,
	})
	if err != nil {
		s.internalError(c, "start session", err)
		return
	}
	c.JSON(http.StatusAccepted, s.sessions.Status(row.ID))
}

func (s *Server) handleStopSession(c *gin.Context) {
	row, ok := s.loadSession(c)
	if !ok {
		return
	}
	if err := s.sessions.Stop(c.Request.Context(), row.ID); err != nil {
		s.internalError(c, "stop session", err)
		return
	}
	c.JSON(http.StatusOK, s.sessions.Status(row.ID))
}

// handleSessionStatus answers from the in-memory registry, so unknown ids
// report DISCONNECTED rather than 404.
func (s *Server) handleSessionStatus(c *gin.Context) {
	id := c.Param("id")
	snap := s.sessions.Status(id)
	if snap.SessionName == "" {
		var row models.Session
		if err := s.db.WithContext(c.Request.Context()).Select("name").
			Where("id = ?", id).Take(&row).Error; err == nil {
			snap.SessionName = row.Name
		}
	}
	c.JSON(http.StatusOK, snap)
}

// handleDeleteSession stops the connection first so no event can rewrite the
// row after it is gone.
func (s *Server) handleDeleteSession(c *gin.Context) {
	row, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.sessions.Stop(ctx, row.ID); err != nil {
		s.internalError(c, "stop session", err)
		return
	}
	if err := s.creds.Clear(ctx, row.ID); err != nil {
		s.internalError(c, "clear credentials", err)
		return
	}
	if err := s.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", row.ID).Error; err != nil {
		s.internalError(c, "delete session", err)
		return
	}
	s.sessions.Registry().Forget(row.ID)
	s.log.Info("api: session deleted", zap.String("session_id", row.ID))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSendText(c *gin.Context) {
	tenantID, err := strconv.ParseUint(c.Param("tenant"), 10, 64)
	if err != nil || tenantID == 0 {
		abort(c, http.StatusBadRequest, "invalid tenant id")
		return
	}
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	sent := s.sender.SendText(c.Request.Context(), uint(tenantID), req.Phone, req.Text)
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (s *Server) loadSession(c *gin.Context) (models.Session, bool) {
	var row models.Session
	err := s.db.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		abort(c, http.StatusNotFound, "session not found")
		return row, false
	}
	if err != nil {
		s.internalError(c, "load session", err)
		return row, false
	}
	return row, true
}

func (s *Server) internalError(c *gin.Context, action string, err error) {
	s.log.Error("api: "+action+" failed", zap.String("path", c.FullPath()), zap.Error(err))
	abort(c, http.StatusInternalServerError, action+" failed")
}
