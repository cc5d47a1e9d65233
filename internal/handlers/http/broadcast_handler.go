package http

import (
	"net/http"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// BroadcastHandler exposes lifecycle and destination operations to the
// external CRUD layer.
type BroadcastHandler struct {
	lifecycle ports.LifecycleController
	sessions  ports.SessionRepository
	composer  ports.CompositionEngine
	relay     ports.FanoutRelay
}

func NewBroadcastHandler(
	lifecycle ports.LifecycleController,
	sessions ports.SessionRepository,
	composer ports.CompositionEngine,
	relay ports.FanoutRelay,
) *BroadcastHandler {
	return &BroadcastHandler{
		lifecycle: lifecycle,
		sessions:  sessions,
		composer:  composer,
		relay:     relay,
	}
}

func (h *BroadcastHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.ScheduleSession)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/start", h.StartSession)
		api.POST("/sessions/:id/end", h.EndSession)

		api.POST("/sessions/:id/destinations", h.AddDestination)
		api.DELETE("/sessions/:id/destinations/:destID", h.RemoveDestination)
		api.POST("/destinations/:destID/test", h.TestDestination)
	}
}

func (h *BroadcastHandler) ScheduleSession(c *gin.Context) {
	var req struct {
		Title  string `json:"title" binding:"required,min=1,max=200"`
		Layout struct {
			Kind            domain.LayoutKind `json:"kind"`
			MaxParticipants int               `json:"max_participants" binding:"min=0,max=50"`
		} `json:"layout"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateSessionName(req.Title); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Layout.MaxParticipants > 0 {
		if err := validation.ValidateMaxParticipants(req.Layout.MaxParticipants); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sessionID, err := h.lifecycle.ScheduleSession(c.Request.Context(), req.Title, domain.LayoutConfig{
		Kind:            req.Layout.Kind,
		MaxParticipants: req.Layout.MaxParticipants,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"state":      domain.SessionScheduled,
	})
}

func (h *BroadcastHandler) GetSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{
		"session": session,
	}
	if job, ok := h.composer.ActiveJob(sessionID); ok {
		resp["job"] = gin.H{
			"job_id": job.ID,
			"status": job.Status,
			"layout": job.Layout,
		}
		resp["destinations"] = h.relay.ActiveDestinations(job.ID)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *BroadcastHandler) StartSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	if err := h.lifecycle.Start(c.Request.Context(), sessionID); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"state":      domain.SessionLive,
	})
}

func (h *BroadcastHandler) EndSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	if err := h.lifecycle.End(c.Request.Context(), sessionID); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"state":      domain.SessionEnded,
	})
}

func (h *BroadcastHandler) AddDestination(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	var req struct {
		Platform  domain.Platform `json:"platform" binding:"required"`
		RTMPURL   string          `json:"rtmp_url" binding:"required"`
		StreamKey string          `json:"stream_key"`
		Enabled   *bool           `json:"enabled"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateRTMPURL(req.RTMPURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StreamKey != "" {
		if err := validation.ValidateStreamKey(req.StreamKey); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	destinationID, err := h.lifecycle.AddDestination(c.Request.Context(), sessionID, domain.DestinationConfig{
		Platform:  req.Platform,
		RTMPURL:   req.RTMPURL,
		StreamKey: req.StreamKey,
		Enabled:   enabled,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"destination_id": destinationID,
	})
}

func (h *BroadcastHandler) RemoveDestination(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	destinationID := domain.DestinationID(c.Param("destID"))

	if err := h.lifecycle.RemoveDestination(c.Request.Context(), sessionID, destinationID); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"destination_id": destinationID,
		"status":         "removed",
	})
}

func (h *BroadcastHandler) TestDestination(c *gin.Context) {
	destinationID := domain.DestinationID(c.Param("destID"))

	status, err := h.lifecycle.TestDestination(c.Request.Context(), destinationID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"destination_id": destinationID,
		"status":         status,
	})
}
