package models

import "time"

// PreorderState is the preorder lifecycle.
type PreorderState string

const (
	PreorderCreated        PreorderState = "created"
	PreorderAuthSuccessful PreorderState = "authorization_successful"
	PreorderAuthFailed     PreorderState = "authorization_failed"
	PreorderChargeSuccess  PreorderState = "charge_successful"
	PreorderChargeFailed   PreorderState = "charge_failed"
	PreorderCancelled      PreorderState = "cancelled"
)

// Preorder is a placeholder for a future charge: one authorization
// purchase now, at most one non-failed capture purchase later.
type Preorder struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;index" json:"product_id"`
	BuyerID   *string `gorm:"column:buyer_id;type:varchar(64);index" json:"buyer_id"`
	Email     *string `gorm:"column:email;type:varchar(255)" json:"email"`

	State PreorderState `gorm:"column:state;type:varchar(64);not null;index" json:"state"`

	AuthorizationPurchaseID string  `gorm:"column:authorization_purchase_id;type:uuid;not null" json:"authorization_purchase_id"`
	CapturePurchaseID       *string `gorm:"column:capture_purchase_id;type:uuid" json:"capture_purchase_id"`

	CancelledAt *time.Time `gorm:"column:cancelled_at;default:null" json:"cancelled_at"`
	ReleasedAt  *time.Time `gorm:"column:released_at;default:null" json:"released_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Preorder) TableName() string {
	return "preorder"
}

// Capturable reports whether a release may attempt the real charge.
// charge_failed stays capturable so the seller can retry with the
// buyer's updated instrument.
func (p *Preorder) Capturable() bool {
	if p == nil {
		return false
	}
	return p.State == PreorderAuthSuccessful || p.State == PreorderChargeFailed
}
