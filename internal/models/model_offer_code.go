package models

import "time"

// OfferCode is a discount usable at checkout. UseCount is mutated with a
// conditional update so concurrent checkouts cannot oversell a limited
// code.
type OfferCode struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Code      string `gorm:"column:code;type:varchar(64);not null;uniqueIndex:idx_code_product,priority:1" json:"code"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;uniqueIndex:idx_code_product,priority:2" json:"product_id"`

	AmountCents int64 `gorm:"column:amount_cents;type:bigint;not null;default:0" json:"amount_cents"`
	PercentBPS  int64 `gorm:"column:percent_bps;type:bigint;not null;default:0" json:"percent_bps"`

	// DurationInBillingCycles is the total number of billing cycles the
	// discount covers, the original purchase included; 1 means the
	// original purchase only. Nil means it never expires.
	DurationInBillingCycles *int `gorm:"column:duration_in_billing_cycles" json:"duration_in_billing_cycles"`

	MaxUses  *int `gorm:"column:max_uses" json:"max_uses"`
	UseCount int  `gorm:"column:use_count;not null;default:0" json:"use_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OfferCode) TableName() string {
	return "offer_code"
}

func (o *OfferCode) Exhausted() bool {
	return o != nil && o.MaxUses != nil && o.UseCount >= *o.MaxUses
}

// Snapshot freezes the terms for storage on the purchase.
func (o *OfferCode) Snapshot() *OfferSnapshot {
	if o == nil {
		return nil
	}
	return &OfferSnapshot{
		Code:                    o.Code,
		AmountCents:             o.AmountCents,
		PercentBPS:              o.PercentBPS,
		DurationInBillingCycles: o.DurationInBillingCycles,
	}
}
