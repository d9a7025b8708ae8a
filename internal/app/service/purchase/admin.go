package purchase

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// Get loads one purchase by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Purchase, error) {
	return s.loadPurchase(ctx, id)
}

// ListFilter narrows an admin purchase listing. Zero values mean "any".
type ListFilter struct {
	SellerID  string
	BuyerID   string
	ProductID string
	State     types.PurchaseState
	Since     time.Time
	Until     time.Time

	Limit  int
	Offset int
}

// List returns purchases newest-first plus the unpaginated match count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*models.Purchase, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Purchase{})
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.BuyerID != "" {
		q = q.Where("buyer_id = ?", f.BuyerID)
	}
	if f.ProductID != "" {
		q = q.Where("product_id = ?", f.ProductID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*models.Purchase
	err := q.Order("created_at desc").Limit(limit).Offset(f.Offset).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list purchases: %w", err)
	}
	return out, total, nil
}

// Refund returns a settled purchase in full: processor refund, ledger
// debits for the seller and affiliate credits, refunded-at flag. The
// purchase row stays for audit.
func (s *Service) Refund(ctx context.Context, purchaseID, operatorID string) (*models.Purchase, error) {
	p, err := s.loadPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if !p.Succeeded() {
		return nil, types.NewValidationError("purchase %s is %s, not refundable", p.ID, p.State)
	}
	if p.RefundedAt != nil {
		return nil, types.NewValidationError("purchase %s is already refunded", p.ID)
	}

	if p.ProcessorTransactionRef != nil {
		if err := s.gateway.Refund(ctx, p.ProcessorID, *p.ProcessorTransactionRef, p.ID); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p
		now := time.Now()
		p.RefundedAt = &now
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		if err := s.ledger.Reverse(ctx, tx, p.ID, "refund"); err != nil {
			return err
		}
		log := models.NewPurchaseLog(&before, p, models.PurchaseChangeRefund)
		log.Extra = map[string]any{"operator_id": operatorID}
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("failed to write purchase log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("purchase refunded",
		"purchase_id", p.ID, "operator_id", operatorID, "total_cents", p.TotalTransactionCents)
	return p, nil
}

// ConcludeAuthorization moves a successful preorder hold to its failed
// terminal without a capture, voiding the processor-side hold when one
// exists. No money ever moved, so there is nothing to compensate.
func (s *Service) ConcludeAuthorization(ctx context.Context, purchaseID, reason string) (*models.Purchase, error) {
	p, err := s.loadPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.State != types.PurchasePreorderAuthSuccess {
		return nil, types.NewValidationError("purchase %s is %s, not an open authorization", p.ID, p.State)
	}

	if p.ProcessorTransactionRef != nil {
		if err := s.gateway.Void(ctx, p.ProcessorID, *p.ProcessorTransactionRef); err != nil {
			logctx.FromCtx(ctx, s.log).Warnw("failed to void authorization hold",
				"purchase_id", p.ID, "err", err)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p
		p.State = types.PurchasePreorderAuthFailed
		p.ErrorMessage = &reason
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		log := models.NewPurchaseLog(&before, p, models.PurchaseChangePreorder)
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("failed to write purchase log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
