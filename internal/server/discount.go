package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
)

func (s *Server) CreateDiscount(c *gin.Context) {
	var req discountdomain.CreateDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.discountSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetDiscount(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, newValidationError("code", "invalid_discount_code", "discount code is required"))
		return
	}

	resp, err := s.discountSvc.GetByCode(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
