package domain

import (
	"context"
	"errors"
)

type CreatePlanRequest struct {
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	Tier         string         `json:"tier"`
	MonthlyPrice float64        `json:"monthly_price"`
	YearlyPrice  *float64       `json:"yearly_price,omitempty"`
	Currency     string         `json:"currency"`
	Features     map[string]any `json:"features,omitempty"`
}

type UpdatePlanRequest struct {
	Name         *string  `json:"name,omitempty"`
	MonthlyPrice *float64 `json:"monthly_price,omitempty"`
	YearlyPrice  *float64 `json:"yearly_price,omitempty"`
	Active       *bool    `json:"active,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)
	Update(ctx context.Context, id string, req UpdatePlanRequest) (Plan, error)
	GetByID(ctx context.Context, id string) (Plan, error)
	List(ctx context.Context, activeOnly bool) ([]Plan, error)
}

var (
	ErrNotFound        = errors.New("plan_not_found")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrInvalidCode     = errors.New("invalid_plan_code")
	ErrInvalidPrice    = errors.New("invalid_plan_price")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrCodeTaken       = errors.New("plan_code_taken")
)
