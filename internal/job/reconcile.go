package job

import (
	"context"
	"log"

	"clubapoints/internal/config"
	"clubapoints/internal/metrics"
	"clubapoints/internal/repository"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ReconcileJob 以台账为准核对余额表
//
// 台账是唯一事实来源，余额只是它的投影：
//   purchased = 该用户全部 topup 行的 points_delta 之和
//   monthly   = 最近一条 monthly_reset 行的 points_delta
//
// 入账路径本身是单事务的，正常运行不会产生偏差；这个任务兜底
// 人工改库、历史数据等场景，发现偏差时按台账纠正余额并记录
type ReconcileJob struct {
	db          *gorm.DB
	cfg         *config.Config
	ledgerRepo  *repository.LedgerRepository
	balanceRepo *repository.BalanceRepository
	cronRunner  *cron.Cron
	batchSize   int
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config) *ReconcileJob {
	return &ReconcileJob{
		db:          db,
		cfg:         cfg,
		ledgerRepo:  repository.NewLedgerRepository(db),
		balanceRepo: repository.NewBalanceRepository(db),
		batchSize:   200,
	}
}

// Start 按配置的计划注册并启动定时任务
func (j *ReconcileJob) Start() error {
	j.cronRunner = cron.New()
	_, err := j.cronRunner.AddFunc(j.cfg.Business.ReconcileCron, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	j.cronRunner.Start()
	log.Printf("[Reconcile] 对账任务已注册: schedule=%s", j.cfg.Business.ReconcileCron)
	return nil
}

func (j *ReconcileJob) Stop() {
	if j.cronRunner != nil {
		j.cronRunner.Stop()
	}
}

// RunOnce 全量对账一轮
func (j *ReconcileJob) RunOnce(ctx context.Context) {
	log.Println("[Reconcile] 对账开始")

	checked, corrected := 0, 0
	cursor := ""
	for {
		userIDs, err := j.balanceRepo.ListUserIDs(ctx, cursor, j.batchSize)
		if err != nil {
			log.Printf("[Reconcile] 遍历余额表失败: %v", err)
			return
		}
		if len(userIDs) == 0 {
			break
		}

		for _, userID := range userIDs {
			fixed, err := j.reconcileUser(ctx, userID)
			if err != nil {
				log.Printf("[Reconcile] 核对用户失败: userID=%s, err=%v", userID, err)
				continue
			}
			checked++
			if fixed {
				corrected++
			}
		}
		cursor = userIDs[len(userIDs)-1]
	}

	log.Printf("[Reconcile] 对账结束: checked=%d, corrected=%d", checked, corrected)
}

// reconcileUser 核对单个用户，返回是否发生了纠正
func (j *ReconcileJob) reconcileUser(ctx context.Context, userID string) (bool, error) {
	balance, err := j.balanceRepo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}

	wantPurchased, err := j.ledgerRepo.SumTopupByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	wantMonthly, err := j.ledgerRepo.LatestMonthlyResetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}

	if balance.PurchasedPointsRemaining == wantPurchased && balance.MonthlyPointsRemaining == wantMonthly {
		return false, nil
	}

	log.Printf("[Reconcile] 发现余额偏差: userID=%s, purchased=%d(台账%d), monthly=%d(台账%d)",
		userID, balance.PurchasedPointsRemaining, wantPurchased,
		balance.MonthlyPointsRemaining, wantMonthly)

	if err := j.balanceRepo.SetBoth(ctx, userID, wantMonthly, wantPurchased); err != nil {
		return false, err
	}
	metrics.ReconcileDriftTotal.Inc()
	return true, nil
}
