package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetInvoice(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	resp, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.ListBySubscription(c.Request.Context(), sub.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriptionPayments(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.ListBySubscription(c.Request.Context(), sub.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
