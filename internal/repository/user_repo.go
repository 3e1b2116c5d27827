package repository

import (
	"context"
	"errors"

	"clubapoints/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("用户不存在")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetByStripeCustomerID 反向查询：由 Stripe 客户ID找应用用户
// 查不到返回 nil 而不是错误，调用方据此判定事件无法归属
func (r *UserRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UpsertStripeCustomer 写入或覆盖 user_id -> stripe_customer_id 映射
func (r *UserRepository) UpsertStripeCustomer(ctx context.Context, userID, customerID string) error {
	user := &model.User{
		UserID:           userID,
		StripeCustomerID: customerID,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stripe_customer_id", "updated_at"}),
		}).
		Create(user).Error
}
