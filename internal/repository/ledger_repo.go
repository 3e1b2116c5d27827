package repository

import (
	"context"
	"errors"

	"clubapoints/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrLedgerDuplicate 台账主键冲突，即该外部事件已入账
	ErrLedgerDuplicate = errors.New("台账记录已存在")
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Exists 幂等快路径：检查事件是否已入账
// 这只是避免无谓约束冲突的优化，真正的防重是 id 上的唯一索引
func (r *LedgerRepository) Exists(ctx context.Context, id string) (bool, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Select("id").Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create 追加台账记录
// 并发重复投递会触发唯一约束，统一映射为 ErrLedgerDuplicate 供上层吞掉
func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrLedgerDuplicate
		}
		return err
	}
	return nil
}

func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// SumTopupByUserID 用户购买积分入账总和，对账用
func (r *LedgerRepository) SumTopupByUserID(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("user_id = ? AND kind = ?", userID, model.LedgerKindTopup).
		Select("COALESCE(SUM(points_delta), 0)").
		Scan(&sum).Error
	return sum, err
}

// LatestMonthlyResetByUserID 用户最近一次月度重置的额度，对账用
// 没有重置记录时返回 0
func (r *LedgerRepository) LatestMonthlyResetByUserID(ctx context.Context, userID string) (int64, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, model.LedgerKindMonthlyReset).
		Order("created_at DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return entry.PointsDelta, nil
}
