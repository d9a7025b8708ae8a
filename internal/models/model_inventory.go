package models

import "time"

// InventoryLevel is the per-product/variant unit counter. Reservations
// decrement it with a conditional update inside the purchase transaction
// so two concurrent checkouts cannot both take the last unit.
type InventoryLevel struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;uniqueIndex:idx_product_variant,priority:1" json:"product_id"`
	VariantID string `gorm:"column:variant_id;type:varchar(64);not null;uniqueIndex:idx_product_variant,priority:2" json:"variant_id"`
	// Available < 0 means unlimited.
	Available int64     `gorm:"column:available;type:bigint;not null;default:-1" json:"available"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (InventoryLevel) TableName() string {
	return "inventory_level"
}

func (l *InventoryLevel) Unlimited() bool {
	return l == nil || l.Available < 0
}
