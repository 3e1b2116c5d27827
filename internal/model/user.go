package model

import (
	"strings"
	"time"
)

// StripeCustomerIDPrefix Stripe 客户ID前缀
// 只有带此前缀的映射才会被复用，其他值视为历史脏数据
const StripeCustomerIDPrefix = "cus_"

// User 用户身份映射表
// user_id 是应用侧的稳定标识（目前由调用方提供，后续接入身份服务后替换来源），
// stripe_customer_id 是支付侧标识，两者的关联只存在于这张表
type User struct {
	UserID           string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	StripeCustomerID string    `gorm:"type:varchar(64);index" json:"stripe_customer_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// HasValidCustomerID 判断已存映射是否可复用
func (u *User) HasValidCustomerID() bool {
	return strings.HasPrefix(u.StripeCustomerID, StripeCustomerIDPrefix)
}

// Balance 用户积分余额表
// 每个用户恰好一行，随用户行一起创建，永不删除
//
// 两个字段语义不同：
//   - monthly_points_remaining：订阅续费时【覆盖】为固定额度
//   - purchased_points_remaining：买点包时【累加】，不过期
type Balance struct {
	UserID                   string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	MonthlyPointsRemaining   int64     `gorm:"not null;default:0" json:"monthly_points_remaining"`
	PurchasedPointsRemaining int64     `gorm:"not null;default:0" json:"purchased_points_remaining"`
	UpdatedAt                time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Balance) TableName() string {
	return "balances"
}
