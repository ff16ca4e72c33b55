package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
)

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}

func (s *Server) userIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user id"))
		return 0, false
	}
	return id, true
}

type createSubscriptionRequest struct {
	UserID          string `json:"user_id"`
	PlanID          string `json:"plan_id"`
	BillingCycle    string `json:"billing_cycle"`
	PaymentMethodID string `json:"payment_method_id"`
	TrialDays       int    `json:"trial_days"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user id"))
		return
	}
	planID, err := parseID(req.PlanID)
	if err != nil {
		AbortWithError(c, newValidationError("plan_id", "invalid_plan_id", "invalid plan id"))
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		UserID:          userID,
		PlanID:          planID,
		BillingCycle:    subscriptiondomain.BillingCycle(strings.TrimSpace(req.BillingCycle)),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		TrialDays:       req.TrialDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type changePlanRequest struct {
	NewPlanID         string     `json:"new_plan_id"`
	BillingCycle      *string    `json:"billing_cycle,omitempty"`
	ProrationBehavior string     `json:"proration_behavior,omitempty"`
	EffectiveDate     *time.Time `json:"effective_date,omitempty"`
}

func (s *Server) ChangePlan(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	newPlanID, err := parseID(req.NewPlanID)
	if err != nil {
		AbortWithError(c, newValidationError("new_plan_id", "invalid_plan_id", "invalid plan id"))
		return
	}

	domainReq := subscriptiondomain.ChangePlanRequest{
		NewPlanID:         newPlanID,
		ProrationBehavior: subscriptiondomain.ProrationBehavior(req.ProrationBehavior),
		EffectiveDate:     req.EffectiveDate,
	}
	if req.BillingCycle != nil {
		cycle := subscriptiondomain.BillingCycle(strings.TrimSpace(*req.BillingCycle))
		domainReq.BillingCycle = &cycle
	}

	resp, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), userID, domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type pauseSubscriptionRequest struct {
	PauseUntil *time.Time `json:"pause_until,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func (s *Server) PauseSubscription(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	var req pauseSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Pause(c.Request.Context(), userID, subscriptiondomain.PauseRequest{
		PauseUntil: req.PauseUntil,
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Resume(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type cancelSubscriptionRequest struct {
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Reason            string `json:"reason,omitempty"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.ScheduleCancellation(c.Request.Context(), userID, subscriptiondomain.CancelRequest{
		CancelAtPeriodEnd: req.CancelAtPeriodEnd,
		Reason:            strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type reactivateSubscriptionRequest struct {
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	var req reactivateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Reactivate(c.Request.Context(), userID, subscriptiondomain.ReactivateRequest{
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type applyDiscountRequest struct {
	Code string `json:"code"`
}

func (s *Server) ApplySubscriptionDiscount(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	var req applyDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		AbortWithError(c, newValidationError("code", "invalid_discount_code", "discount code is required"))
		return
	}

	resp, err := s.subscriptionSvc.ApplyDiscount(c.Request.Context(), userID, strings.TrimSpace(req.Code))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscriptionDunningState(c *gin.Context) {
	userID, ok := s.userIDParam(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	state, err := s.dunningSvc.GetBySubscription(c.Request.Context(), sub.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": state})
}
