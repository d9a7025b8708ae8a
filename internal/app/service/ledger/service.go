package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
)

// Service maintains seller and affiliate balances. Credits and debits
// always run inside the caller's transaction so they commit or roll back
// together with the purchase row that caused them.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Credit adds cents to an account and records a ledger entry. The balance
// upsert is a single atomic statement, so concurrent purchases crediting
// the same seller never lose an increment.
func (s *Service) Credit(ctx context.Context, tx *gorm.DB, accountID string, cents int64, purchaseID, memo string) error {
	if accountID == "" {
		return fmt.Errorf("ledger credit: empty account id")
	}

	now := time.Now()
	bal := &models.Balance{
		ID:        tool.GenerateUUIDV7(),
		AccountID: accountID,
		Cents:     cents,
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"cents":      gorm.Expr("balance.cents + ?", cents),
			"updated_at": now,
		}),
	}).Create(bal).Error
	if err != nil {
		return fmt.Errorf("failed to upsert balance for %s: %w", accountID, err)
	}

	entry := &models.LedgerEntry{
		ID:         tool.GenerateUUIDV7(),
		AccountID:  accountID,
		PurchaseID: purchaseID,
		Cents:      cents,
		Memo:       memo,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create ledger entry for %s: %w", accountID, err)
	}
	return nil
}

// Debit removes cents from an account.
func (s *Service) Debit(ctx context.Context, tx *gorm.DB, accountID string, cents int64, purchaseID, memo string) error {
	return s.Credit(ctx, tx, accountID, -cents, purchaseID, memo)
}

// Reverse issues compensating debits for every entry a purchase created.
// Used when a purchase fails after some of its money movement already
// committed in an earlier transaction.
func (s *Service) Reverse(ctx context.Context, tx *gorm.DB, purchaseID, memo string) error {
	entries, err := s.entriesForPurchase(ctx, tx, purchaseID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Memo == memo {
			// already reversed
			return nil
		}
	}
	for _, e := range entries {
		if err := s.Credit(ctx, tx, e.AccountID, -e.Cents, purchaseID, memo); err != nil {
			return err
		}
	}
	return nil
}

// BalanceCents returns the current balance for an account; zero when the
// account has never been credited.
func (s *Service) BalanceCents(ctx context.Context, accountID string) (int64, error) {
	var bal models.Balance
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&bal).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load balance for %s: %w", accountID, err)
	}
	return bal.Cents, nil
}

// EntriesForPurchase lists the money movement a purchase caused.
func (s *Service) EntriesForPurchase(ctx context.Context, purchaseID string) ([]*models.LedgerEntry, error) {
	return s.entriesForPurchase(ctx, s.db, purchaseID)
}

func (s *Service) entriesForPurchase(ctx context.Context, tx *gorm.DB, purchaseID string) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	err := tx.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries for purchase %s: %w", purchaseID, err)
	}
	return entries, nil
}
