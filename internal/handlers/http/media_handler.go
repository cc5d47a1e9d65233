package http

import (
	"net/http"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// MediaHandler exposes the capability negotiation and transport endpoints
// consumed by each participant's client.
type MediaHandler struct {
	media ports.MediaSessionManager
}

func NewMediaHandler(media ports.MediaSessionManager) *MediaHandler {
	return &MediaHandler{media: media}
}

func (h *MediaHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions/:id/capabilities", h.GetCapabilities)
		api.POST("/transports", h.CreateTransport)
		api.POST("/transports/:id/connect", h.ConnectTransport)
		api.POST("/transports/:id/produce", h.Produce)
		api.POST("/transports/:id/consume", h.Consume)
		api.POST("/transports/:id/bitrate", h.SetBitrate)
	}
}

func (h *MediaHandler) GetCapabilities(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	caps := h.media.LoadCapabilities(sessionID)

	c.JSON(http.StatusOK, gin.H{
		"version":      caps.Version,
		"audio_codecs": caps.AudioCodecs,
		"video_codecs": caps.VideoCodecs,
	})
}

func (h *MediaHandler) CreateTransport(c *gin.Context) {
	var req struct {
		ParticipantID domain.ParticipantID     `json:"participant_id" binding:"required"`
		Direction     domain.TransportDirection `json:"direction" binding:"required,oneof=send recv"`
		CapsVersion   int                      `json:"caps_version" binding:"required,min=1"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.media.CreateTransport(req.ParticipantID, req.Direction, req.CapsVersion)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transport": info,
	})
}

func (h *MediaHandler) ConnectTransport(c *gin.Context) {
	transportID := domain.TransportID(c.Param("id"))

	var req struct {
		AnswerSDP   string `json:"answer_sdp" binding:"required"`
		Fingerprint string `json:"fingerprint"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.media.ConnectTransport(c.Request.Context(), transportID, domain.HandshakeParams{
		AnswerSDP:   req.AnswerSDP,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transport_id": transportID,
		"state":        domain.ResourceOpen,
	})
}

func (h *MediaHandler) Produce(c *gin.Context) {
	transportID := domain.TransportID(c.Param("id"))

	var req struct {
		Kind domain.MediaKind `json:"kind" binding:"required,oneof=audio video screen"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	producerID, err := h.media.Produce(transportID, req.Kind)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"producer_id": producerID,
	})
}

func (h *MediaHandler) Consume(c *gin.Context) {
	transportID := domain.TransportID(c.Param("id"))

	var req struct {
		ProducerID domain.ProducerID `json:"producer_id" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	consumerID, err := h.media.Consume(transportID, req.ProducerID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"consumer_id": consumerID,
	})
}

func (h *MediaHandler) SetBitrate(c *gin.Context) {
	transportID := domain.TransportID(c.Param("id"))

	var req struct {
		Bitrate int `json:"bitrate" binding:"required,min=1"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.media.SetTransportBitrate(transportID, req.Bitrate); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transport_id": transportID,
		"bitrate":      req.Bitrate,
	})
}
