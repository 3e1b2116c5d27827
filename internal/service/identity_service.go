package service

import (
	"context"
	"errors"
	"fmt"

	"clubapoints/internal/infrastructure/stripeapi"
	"clubapoints/internal/repository"

	"gorm.io/gorm"
)

// IdentityService 维护 user_id ↔ stripe_customer_id 的双向映射
// users.stripe_customer_id 列只由这个服务写入
type IdentityService struct {
	db           *gorm.DB
	stripeClient stripeapi.Client
	userRepo     *repository.UserRepository
	balanceRepo  *repository.BalanceRepository
}

func NewIdentityService(db *gorm.DB, stripeClient stripeapi.Client) *IdentityService {
	return &IdentityService{
		db:           db,
		stripeClient: stripeClient,
		userRepo:     repository.NewUserRepository(db),
		balanceRepo:  repository.NewBalanceRepository(db),
	}
}

// ResolveOrCreateCustomer 取用户的 Stripe 客户ID，没有就新建
// 只有缓存未命中才产生一次 Stripe 网络调用
func (s *IdentityService) ResolveOrCreateCustomer(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.GetByUserID(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return "", fmt.Errorf("查询用户失败: %w", err)
	}

	if user != nil && user.HasValidCustomerID() {
		return user.StripeCustomerID, nil
	}

	customerID, err := s.stripeClient.CreateCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := s.BindCustomer(ctx, userID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

// FindUserByCustomer 反向查询，webhook 归属用
// 查不到返回空串，调用方据此走"忽略该事件"分支
func (s *IdentityService) FindUserByCustomer(ctx context.Context, customerID string) (string, error) {
	user, err := s.userRepo.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("反查用户失败: %w", err)
	}
	if user == nil {
		return "", nil
	}
	return user.UserID, nil
}

// BindCustomer 落库映射并保证零值余额行存在
// 点包场景下 webhook 是映射第一次可靠落库的时机，这里必须覆盖旧值
func (s *IdentityService) BindCustomer(ctx context.Context, userID, customerID string) error {
	if err := s.userRepo.UpsertStripeCustomer(ctx, userID, customerID); err != nil {
		return fmt.Errorf("写入客户映射失败: %w", err)
	}
	if err := s.balanceRepo.EnsureExists(ctx, nil, userID); err != nil {
		return fmt.Errorf("初始化余额行失败: %w", err)
	}
	return nil
}

// EnsureBalance 保证余额行存在（invoice 入账前调用）
func (s *IdentityService) EnsureBalance(ctx context.Context, userID string) error {
	return s.balanceRepo.EnsureExists(ctx, nil, userID)
}
