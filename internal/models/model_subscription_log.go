package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionChangeReason tags subscription audit-log rows.
type SubscriptionChangeReason string

const (
	SubscriptionChangeCreate      SubscriptionChangeReason = "create"
	SubscriptionChangeRenew       SubscriptionChangeReason = "renew"
	SubscriptionChangeRetry       SubscriptionChangeReason = "retry"
	SubscriptionChangeCancel      SubscriptionChangeReason = "cancel"
	SubscriptionChangeFail        SubscriptionChangeReason = "fail"
	SubscriptionChangeEnd         SubscriptionChangeReason = "end"
	SubscriptionChangePlanChange  SubscriptionChangeReason = "plan_change"
	SubscriptionChangeResubscribe SubscriptionChangeReason = "resubscribe"
)

// SubscriptionLog keeps before/after snapshots of subscription mutations.
type SubscriptionLog struct {
	ID             string                            `gorm:"column:id;primary_key;type:uuid;index:idx_sub_id_id,priority:2,sort:desc"`
	SubscriptionID string                            `gorm:"column:subscription_id;type:uuid;index:idx_sub_id_id,priority:1;not null"`
	Reason         SubscriptionChangeReason          `gorm:"column:reason;type:varchar(64);not null"`
	Before         datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb;default:'null'"`
	After          datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb;default:'null'"`
	Extra          datatypes.JSONMap                 `gorm:"column:extra;type:jsonb;default:'{}'"`
	CreatedAt      time.Time                         `json:"created_at"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
