package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func NewRepository() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Save(plan).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Where("code = ?", code).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	stmt := db.WithContext(ctx).Order("created_at asc")
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	err := stmt.Find(&plans).Error
	return plans, err
}
