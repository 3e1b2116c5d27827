package model

import (
	"time"
)

const (
	LedgerKindTopup        = "topup"
	LedgerKindMonthlyReset = "monthly_reset"
)

const (
	PackSmall  = "small"
	PackMedium = "medium"
	PackLarge  = "large"
)

// 积分额度常量
// 点包面值和月度额度是业务常量，不走配置，价格变动通过 Stripe lookup key 轮换
const (
	PointsPackSmall  = 300
	PointsPackMedium = 1000
	PointsPackLarge  = 2500

	MonthlyResetPoints = 200
)

// PointsForPack 返回点包对应的积分面值
func PointsForPack(pack string) (int64, bool) {
	switch pack {
	case PackSmall:
		return PointsPackSmall, true
	case PackMedium:
		return PointsPackMedium, true
	case PackLarge:
		return PointsPackLarge, true
	}
	return 0, false
}

// ValidPack 校验点包档位
func ValidPack(pack string) bool {
	_, ok := PointsForPack(pack)
	return ok
}

// LedgerEntryID 由 Stripe 事件ID派生台账主键
// 这个ID同时是幂等键：同一外部事件无论投递多少次，只会产生一行台账
func LedgerEntryID(eventID string) string {
	return "stripe:" + eventID
}

// LedgerEntry 积分台账表
//
// 【重要】台账表设计原则：
// 1. 只追加，不修改，不删除 —— id 上的唯一约束就是"该事件已入账"的唯一事实来源
// 2. 幂等性最终由存储层唯一索引保证，应用层的存在性检查只是快路径
type LedgerEntry struct {
	ID          string    `gorm:"primaryKey;type:varchar(128)" json:"id"`
	UserID      string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Kind        string    `gorm:"type:varchar(20);not null" json:"kind"`
	PointsDelta int64     `gorm:"not null" json:"points_delta"`
	Note        string    `gorm:"type:varchar(256)" json:"note"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger"
}
