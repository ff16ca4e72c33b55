package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) HandleProviderWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	res, err := s.webhookSvc.Process(c.Request.Context(), payload, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) RetryWebhookEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("id"))
	if eventID == "" {
		AbortWithError(c, newValidationError("id", "invalid_event_id", "event id is required"))
		return
	}

	res, err := s.webhookSvc.Retry(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) WebhookStats(c *gin.Context) {
	stats, err := s.webhookSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) RecentWebhookEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	events, err := s.webhookSvc.Recent(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}
