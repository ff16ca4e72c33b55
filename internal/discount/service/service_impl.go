package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	"github.com/loopbill/loopbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) discountdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("discount.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req discountdomain.CreateDiscountRequest) (discountdomain.Discount, error) {
	if strings.TrimSpace(req.Name) == "" {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscount
	}
	if (req.PercentOff == nil) == (req.AmountOff == nil) {
		return discountdomain.Discount{}, discountdomain.ErrConflictingAmount
	}
	if req.PercentOff != nil && (*req.PercentOff <= 0 || *req.PercentOff > 100) {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscount
	}
	if req.AmountOff != nil && *req.AmountOff <= 0 {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscount
	}

	var code *string
	if req.Code != nil {
		normalized := strings.ToUpper(strings.TrimSpace(*req.Code))
		if normalized == "" {
			return discountdomain.Discount{}, discountdomain.ErrInvalidCode
		}
		code = &normalized
	}

	now := s.clock.Now()
	discount := discountdomain.Discount{
		ID:             s.genID.Generate(),
		Code:           code,
		Name:           strings.TrimSpace(req.Name),
		PercentOff:     req.PercentOff,
		AmountOff:      req.AmountOff,
		Active:         true,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		MaxUses:        req.MaxUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		MinAmount:      req.MinAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.WithContext(ctx).Create(&discount).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return discountdomain.Discount{}, discountdomain.ErrCodeTaken
		}
		return discountdomain.Discount{}, err
	}
	return discount, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (discountdomain.Discount, error) {
	discount, err := s.findByCode(ctx, s.db, code)
	if err != nil {
		return discountdomain.Discount{}, err
	}
	if discount == nil {
		return discountdomain.Discount{}, discountdomain.ErrInvalidCode
	}
	return *discount, nil
}

// Validate runs the redemption checks in order, short-circuiting on the
// first failure: existence and active flag, expiry, global usage cap,
// per-user usage cap, minimum amount.
func (s *Service) Validate(ctx context.Context, code string, userID snowflake.ID, amount float64) (*discountdomain.Discount, error) {
	discount, err := s.findByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if discount == nil || !discount.Active {
		return nil, discountdomain.ErrInvalidCode
	}

	now := s.clock.Now()
	if discount.ValidUntil != nil && discount.ValidUntil.Before(now) {
		return nil, discountdomain.ErrExpired
	}

	if discount.MaxUses != nil && discount.CurrentUses >= *discount.MaxUses {
		return nil, discountdomain.ErrMaxUsesReached
	}

	if discount.MaxUsesPerUser != nil {
		count, err := s.countUserRedemptions(ctx, s.db, discount.ID, userID)
		if err != nil {
			return nil, err
		}
		if count >= int64(*discount.MaxUsesPerUser) {
			return nil, discountdomain.ErrUserLimitReached
		}
	}

	if discount.MinAmount != nil && amount < *discount.MinAmount {
		return nil, discountdomain.ErrMinAmountNotMet
	}

	return discount, nil
}

// Redeem re-checks the usage caps under the caller's transaction, then
// inserts the redemption record and increments current_uses. Validation
// before the transaction is advisory only; this is the authoritative check.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, discountID, userID snowflake.ID, amountSaved float64) error {
	var row struct {
		ID             snowflake.ID
		CurrentUses    int
		MaxUses        *int
		MaxUsesPerUser *int
	}
	if err := tx.WithContext(ctx).Raw(
		`SELECT id, current_uses, max_uses, max_uses_per_user
		 FROM discounts
		 WHERE id = ?`,
		discountID,
	).Scan(&row).Error; err != nil {
		return err
	}
	if row.ID == 0 {
		return discountdomain.ErrInvalidDiscount
	}
	if row.MaxUses != nil && row.CurrentUses >= *row.MaxUses {
		return discountdomain.ErrMaxUsesReached
	}
	if row.MaxUsesPerUser != nil {
		count, err := s.countUserRedemptions(ctx, tx, discountID, userID)
		if err != nil {
			return err
		}
		if count >= int64(*row.MaxUsesPerUser) {
			return discountdomain.ErrUserLimitReached
		}
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Create(&discountdomain.DiscountRedemption{
		ID:          s.genID.Generate(),
		DiscountID:  discountID,
		UserID:      userID,
		AmountSaved: amountSaved,
		CreatedAt:   now,
	}).Error; err != nil {
		return err
	}

	// The guarded increment closes the race between the read above and this
	// write: concurrent redeemers past the cap update zero rows.
	result := tx.WithContext(ctx).Exec(
		`UPDATE discounts
		 SET current_uses = current_uses + 1, updated_at = ?
		 WHERE id = ? AND (max_uses IS NULL OR current_uses < max_uses)`,
		now,
		discountID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return discountdomain.ErrMaxUsesReached
	}
	return nil
}

func (s *Service) findByCode(ctx context.Context, db *gorm.DB, code string) (*discountdomain.Discount, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, discountdomain.ErrInvalidCode
	}

	var discount discountdomain.Discount
	err := db.WithContext(ctx).Where("code = ?", normalized).First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &discount, nil
}

func (s *Service) countUserRedemptions(ctx context.Context, db *gorm.DB, discountID, userID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM discount_redemptions WHERE discount_id = ? AND user_id = ?`,
		discountID,
		userID,
	).Scan(&count).Error
	return count, err
}
