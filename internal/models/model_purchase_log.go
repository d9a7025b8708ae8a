package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// PurchaseChangeReason tags an audit-log row with what drove the change.
type PurchaseChangeReason string

const (
	PurchaseChangeCheckout      PurchaseChangeReason = "checkout"
	PurchaseChangeRecurring     PurchaseChangeReason = "recurring_charge"
	PurchaseChangePreorder      PurchaseChangeReason = "preorder"
	PurchaseChangePlanChange    PurchaseChangeReason = "plan_change"
	PurchaseChangeRefund        PurchaseChangeReason = "refund"
	PurchaseChangeFeeCorrection PurchaseChangeReason = "fee_correction"
)

// PurchaseLog keeps before/after snapshots of purchase mutations for
// problem diagnosis and fee audits.
type PurchaseLog struct {
	ID         string                         `gorm:"column:id;primary_key;type:uuid;index:idx_purchase_id_id,priority:2,sort:desc"`
	PurchaseID string                         `gorm:"column:purchase_id;type:uuid;index:idx_purchase_id_id,priority:1;not null"`
	ProductID  string                         `gorm:"column:product_id;type:varchar(64);not null"`
	Processor  types.ProcessorID              `gorm:"column:processor_id;type:varchar(32)"`
	Reason     PurchaseChangeReason           `gorm:"column:reason;type:varchar(64);not null"`
	Before     datatypes.JSONType[*Purchase]  `gorm:"column:before;type:jsonb;default:'null'"`
	After      datatypes.JSONType[*Purchase]  `gorm:"column:after;type:jsonb;default:'null'"`
	Extra      datatypes.JSONMap              `gorm:"column:extra;type:jsonb;default:'{}'"`
	CreatedAt  time.Time                      `json:"created_at"`
}

func (PurchaseLog) TableName() string {
	return "purchase_log"
}

// NewPurchaseLog snapshots a purchase mutation. A nil before marks
// creation.
func NewPurchaseLog(before, after *Purchase, reason PurchaseChangeReason) *PurchaseLog {
	l := &PurchaseLog{
		ID:     tool.GenerateUUIDV7(),
		Reason: reason,
		Before: datatypes.NewJSONType(before),
		After:  datatypes.NewJSONType(after),
	}
	if after != nil {
		l.PurchaseID = after.ID
		l.ProductID = after.ProductID
		l.Processor = after.ProcessorID
	}
	return l
}
