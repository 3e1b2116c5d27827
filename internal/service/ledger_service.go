package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"clubapoints/internal/config"
	"clubapoints/internal/metrics"
	"clubapoints/internal/model"
	"clubapoints/internal/repository"

	"gorm.io/gorm"
)

// LedgerService 积分台账与余额引擎
//
// 【关键点】入账是整个系统最核心的操作，需要保证：
// 1. 幂等性：同一外部事件ID只入账一次，防重边界是 ledger.id 的唯一索引
// 2. 原子性：台账行、余额变更、outbox 消息在同一个事务内落库
// 3. 并发安全：两次并发投递同一事件，一边成功一边撞唯一约束被吞掉，
//    不依赖任何进程内状态
//
// 事件状态机：Unseen → Applied，没有持久化的失败态，
// 入账失败就停留在 Unseen，等 Stripe 按自己的策略重投
type LedgerService struct {
	db          *gorm.DB
	cfg         *config.Config
	ledgerRepo  *repository.LedgerRepository
	balanceRepo *repository.BalanceRepository
	outboxRepo  *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:          db,
		cfg:         cfg,
		ledgerRepo:  repository.NewLedgerRepository(db),
		balanceRepo: repository.NewBalanceRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// ApplyTopup 点包入账：purchased_points_remaining 累加
func (s *LedgerService) ApplyTopup(ctx context.Context, userID, entryID string, points int64, note string) error {
	return s.apply(ctx, &model.LedgerEntry{
		ID:          entryID,
		UserID:      userID,
		Kind:        model.LedgerKindTopup,
		PointsDelta: points,
		Note:        note,
	})
}

// ApplyMonthlyReset 订阅续费入账：monthly_points_remaining 覆盖为固定额度
func (s *LedgerService) ApplyMonthlyReset(ctx context.Context, userID, entryID string, monthlyPoints int64, note string) error {
	return s.apply(ctx, &model.LedgerEntry{
		ID:          entryID,
		UserID:      userID,
		Kind:        model.LedgerKindMonthlyReset,
		PointsDelta: monthlyPoints,
		Note:        note,
	})
}

func (s *LedgerService) apply(ctx context.Context, entry *model.LedgerEntry) error {
	// 幂等快路径：已入账直接返回成功
	exists, err := s.ledgerRepo.Exists(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("查询台账失败: %w", err)
	}
	if exists {
		metrics.DuplicateDeliveryTotal.Inc()
		log.Printf("[Ledger] 重复投递已忽略: entryID=%s", entry.ID)
		return nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
			return err
		}

		switch entry.Kind {
		case model.LedgerKindTopup:
			if err := s.balanceRepo.AddPurchased(ctx, tx, entry.UserID, entry.PointsDelta); err != nil {
				return fmt.Errorf("累加购买积分失败: %w", err)
			}
		case model.LedgerKindMonthlyReset:
			if err := s.balanceRepo.ResetMonthly(ctx, tx, entry.UserID, entry.PointsDelta); err != nil {
				return fmt.Errorf("重置月度积分失败: %w", err)
			}
		default:
			return fmt.Errorf("未知台账类型: %s", entry.Kind)
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"ledger_id":    entry.ID,
			"user_id":      entry.UserID,
			"kind":         entry.Kind,
			"points_delta": entry.PointsDelta,
			"note":         entry.Note,
			"applied_at":   time.Now().Format(time.RFC3339),
		})
		outboxMsg := &model.OutboxMessage{
			MessageKey: entry.ID,
			Topic:      s.cfg.Kafka.Topic.PointsCredit,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		// 并发重复投递撞上唯一约束，等价于"已入账"，按成功处理
		if errors.Is(err, repository.ErrLedgerDuplicate) {
			metrics.DuplicateDeliveryTotal.Inc()
			log.Printf("[Ledger] 并发重复投递已忽略: entryID=%s", entry.ID)
			return nil
		}
		return err
	}

	metrics.CreditAppliedTotal.WithLabelValues(entry.Kind).Inc()
	metrics.CreditPointsTotal.WithLabelValues(entry.Kind).Add(float64(entry.PointsDelta))
	log.Printf("[Ledger] 入账成功: entryID=%s, userID=%s, kind=%s, points=%d",
		entry.ID, entry.UserID, entry.Kind, entry.PointsDelta)
	return nil
}
