package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
)

func (s *Server) CreatePlan(c *gin.Context) {
	var req plandomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPlans(c *gin.Context) {
	activeOnly := strings.EqualFold(c.Query("active"), "true")

	resp, err := s.planSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPlan(c *gin.Context) {
	resp, err := s.planSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdatePlan(c *gin.Context) {
	var req plandomain.UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.planSvc.Update(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
