package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	providerdomain "github.com/loopbill/loopbill/internal/provider/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	webhookdomain "github.com/loopbill/loopbill/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictErrorMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, providerdomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "payment provider unavailable",
		}
	case errors.Is(err, providerdomain.ErrRequestRejected):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_error",
			Message: "payment provider rejected the request",
		}
	case errors.Is(err, webhookdomain.ErrProcessingFailed):
		return http.StatusInternalServerError, errorPayload{
			Type:    "processing_failed",
			Message: "webhook processing failed",
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isSubscriptionValidationError(err),
		isPlanValidationError(err),
		isDiscountValidationError(err),
		isPaymentValidationError(err),
		isInvoiceValidationError(err),
		isWebhookValidationError(err):
		return true
	default:
		return false
	}
}

func isSubscriptionValidationError(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrInvalidBillingCycle) ||
		errors.Is(err, subscriptiondomain.ErrInvalidTransition) ||
		errors.Is(err, subscriptiondomain.ErrSamePlan) ||
		errors.Is(err, subscriptiondomain.ErrNotPaused) ||
		errors.Is(err, subscriptiondomain.ErrNotCanceled) ||
		errors.Is(err, subscriptiondomain.ErrAlreadyCanceled) ||
		errors.Is(err, subscriptiondomain.ErrPaymentMethodMissing) ||
		errors.Is(err, subscriptiondomain.ErrNotBillingEligible) ||
		errors.Is(err, subscriptiondomain.ErrDiscountAlreadyUsed)
}

func isPlanValidationError(err error) bool {
	return errors.Is(err, plandomain.ErrInvalidPlan) ||
		errors.Is(err, plandomain.ErrInvalidCode) ||
		errors.Is(err, plandomain.ErrInvalidPrice) ||
		errors.Is(err, plandomain.ErrInvalidCurrency)
}

func isDiscountValidationError(err error) bool {
	return errors.Is(err, discountdomain.ErrInvalidDiscount) ||
		errors.Is(err, discountdomain.ErrInvalidCode) ||
		errors.Is(err, discountdomain.ErrExpired) ||
		errors.Is(err, discountdomain.ErrMaxUsesReached) ||
		errors.Is(err, discountdomain.ErrUserLimitReached) ||
		errors.Is(err, discountdomain.ErrMinAmountNotMet) ||
		errors.Is(err, discountdomain.ErrConflictingAmount)
}

func isPaymentValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidPayment) ||
		errors.Is(err, paymentdomain.ErrInvalidTransition) ||
		errors.Is(err, paymentdomain.ErrInvalidCurrency)
}

func isInvoiceValidationError(err error) bool {
	return errors.Is(err, invoicedomain.ErrInvalidInvoice) ||
		errors.Is(err, invoicedomain.ErrInvoiceVoid) ||
		errors.Is(err, invoicedomain.ErrMissingLines)
}

func isWebhookValidationError(err error) bool {
	return errors.Is(err, providerdomain.ErrInvalidSignature) ||
		errors.Is(err, providerdomain.ErrInvalidPayload) ||
		errors.Is(err, webhookdomain.ErrAlreadySucceeded)
}

func isConflictError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, subscriptiondomain.ErrAlreadySubscribed) ||
		errors.Is(err, plandomain.ErrCodeTaken) ||
		errors.Is(err, discountdomain.ErrCodeTaken)
}

func conflictErrorMessage(err error) string {
	if errors.Is(err, subscriptiondomain.ErrAlreadySubscribed) {
		return "user already has an open subscription"
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, plandomain.ErrNotFound),
		errors.Is(err, invoicedomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, dunningdomain.ErrNotFound),
		errors.Is(err, webhookdomain.ErrEventNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
