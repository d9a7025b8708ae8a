package models

import "time"

// Balance is a ledger account balance (sellers and affiliates).
// Credits and debits go through the ledger service under a row lock.
type Balance struct {
	ID        string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	AccountID string    `gorm:"column:account_id;type:varchar(64);not null;uniqueIndex" json:"account_id"`
	Cents     int64     `gorm:"column:cents;type:bigint;not null;default:0" json:"cents"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Balance) TableName() string {
	return "balance"
}

// LedgerEntry records every credit/debit for reconciliation.
type LedgerEntry struct {
	ID         string    `gorm:"column:id;type:uuid;primary_key;index:idx_account_entry,priority:2,sort:desc"`
	AccountID  string    `gorm:"column:account_id;type:varchar(64);not null;index:idx_account_entry,priority:1"`
	PurchaseID string    `gorm:"column:purchase_id;type:uuid;index"`
	Cents      int64     `gorm:"column:cents;type:bigint;not null"`
	Memo       string    `gorm:"column:memo;type:varchar(128)"`
	CreatedAt  time.Time `json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
