package repository

import (
	"context"
	"errors"

	"clubapoints/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound = errors.New("余额记录不存在")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByUserID(ctx context.Context, userID string) (*model.Balance, error) {
	var balance model.Balance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// EnsureExists 保证用户的零值余额行存在，已存在则不动
func (r *BalanceRepository) EnsureExists(ctx context.Context, tx *gorm.DB, userID string) error {
	if tx == nil {
		tx = r.db
	}
	balance := &model.Balance{UserID: userID}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(balance).Error
}

// AddPurchased 购买积分入账（累加）
func (r *BalanceRepository) AddPurchased(ctx context.Context, tx *gorm.DB, userID string, points int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Update("purchased_points_remaining", gorm.Expr("purchased_points_remaining + ?", points))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// ResetMonthly 月度额度重置（覆盖，不累加）
// 订阅续费的语义是刷新额度，上月剩余不结转
func (r *BalanceRepository) ResetMonthly(ctx context.Context, tx *gorm.DB, userID string, points int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Update("monthly_points_remaining", points)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL 默认只统计实际变更的行，重置为相同值时这里可能是 0，
		// 需要区分"行不存在"和"值未变"
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// SetBoth 直接写两个余额字段，仅供对账任务纠偏使用
func (r *BalanceRepository) SetBoth(ctx context.Context, userID string, monthly, purchased int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"monthly_points_remaining":   monthly,
			"purchased_points_remaining": purchased,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// ListUserIDs 分批列出所有余额行的 user_id，供对账任务遍历
func (r *BalanceRepository) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}
