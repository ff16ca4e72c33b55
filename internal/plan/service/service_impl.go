package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	"github.com/loopbill/loopbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  plandomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  plandomain.Repository
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.Plan, error) {
	code := strings.ToLower(strings.TrimSpace(req.Code))
	if code == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidCode
	}
	if strings.TrimSpace(req.Name) == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}
	if req.MonthlyPrice < 0 {
		return plandomain.Plan{}, plandomain.ErrInvalidPrice
	}
	if req.YearlyPrice != nil && *req.YearlyPrice < 0 {
		return plandomain.Plan{}, plandomain.ErrInvalidPrice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return plandomain.Plan{}, plandomain.ErrInvalidCurrency
	}

	now := s.clock.Now()
	plan := plandomain.Plan{
		ID:           s.genID.Generate(),
		Code:         code,
		Name:         strings.TrimSpace(req.Name),
		Tier:         strings.ToLower(strings.TrimSpace(req.Tier)),
		MonthlyPrice: req.MonthlyPrice,
		YearlyPrice:  req.YearlyPrice,
		Currency:     currency,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Features != nil {
		plan.Features = datatypes.JSONMap(req.Features)
	}

	if err := s.repo.Insert(ctx, s.db, &plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return plandomain.Plan{}, plandomain.ErrCodeTaken
		}
		return plandomain.Plan{}, err
	}
	return plan, nil
}

func (s *Service) Update(ctx context.Context, id string, req plandomain.UpdatePlanRequest) (plandomain.Plan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}

	plan, err := s.repo.FindByID(ctx, s.db, planID)
	if err != nil {
		return plandomain.Plan{}, err
	}
	if plan == nil {
		return plandomain.Plan{}, plandomain.ErrNotFound
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return plandomain.Plan{}, plandomain.ErrInvalidPlan
		}
		plan.Name = strings.TrimSpace(*req.Name)
	}
	if req.MonthlyPrice != nil {
		if *req.MonthlyPrice < 0 {
			return plandomain.Plan{}, plandomain.ErrInvalidPrice
		}
		plan.MonthlyPrice = *req.MonthlyPrice
	}
	if req.YearlyPrice != nil {
		if *req.YearlyPrice < 0 {
			return plandomain.Plan{}, plandomain.ErrInvalidPrice
		}
		plan.YearlyPrice = req.YearlyPrice
	}
	if req.Active != nil {
		plan.Active = *req.Active
	}
	plan.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, plan); err != nil {
		return plandomain.Plan{}, err
	}
	return *plan, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (plandomain.Plan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}

	plan, err := s.repo.FindByID(ctx, s.db, planID)
	if err != nil {
		return plandomain.Plan{}, err
	}
	if plan == nil {
		return plandomain.Plan{}, plandomain.ErrNotFound
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]plandomain.Plan, error) {
	return s.repo.List(ctx, s.db, activeOnly)
}
