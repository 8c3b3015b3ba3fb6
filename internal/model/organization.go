package model

import (
	"time"
)

// SubscriptionStatus 订阅状态
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"   // 生效中
	SubscriptionTrialing SubscriptionStatus = "trialing" // 试用期
	SubscriptionPastDue  SubscriptionStatus = "past_due" // 逾期未付
	SubscriptionCanceled SubscriptionStatus = "canceled" // 已取消
)

// String 返回状态的字符串表示
func (s SubscriptionStatus) String() string {
	return string(s)
}

// Allowed 订阅状态是否允许发起模型调用
func (s SubscriptionStatus) Allowed() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Organization 组织（租户）实体
// Credits 为计费积分余额，模型调用按 token 用量扣减
type Organization struct {
	ID           string             `bson:"_id,omitempty" json:"id"`
	Name         string             `bson:"name" json:"name"`
	Subscription SubscriptionStatus `bson:"subscription" json:"subscription"`
	Credits      int64              `bson:"credits" json:"credits"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}
