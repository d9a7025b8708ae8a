package purchase

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// guard rejects a second non-failed purchase for the same buyer identity,
// product, and variant from the same network origin inside the policy
// window. Physical and license-key products get the short window because
// quick legitimate re-attempts after a decline are common there. Bundles,
// automatic/multi-buy purchases, and quantity-enabled SKUs bypass the
// window; a different variant never matches in the first place.
func (s *Service) guard(ctx context.Context, tx *gorm.DB, p *models.Purchase, req *Request) error {
	if req.IsBundleItem || req.IsAutomatic || req.Product.QuantityEnabled {
		return nil
	}

	window := s.cfg.Protection.DefaultWindow
	switch req.Product.Type {
	case types.ProductPhysical, types.ProductLicenseKey:
		window = s.cfg.Protection.ShortWindow
	}
	cutoff := time.Now().Add(-window)

	q := tx.WithContext(ctx).Model(&models.Purchase{}).
		Where("product_id = ? AND variant_id = ?", p.ProductID, p.VariantID).
		Where("state NOT IN ?", []types.PurchaseState{types.PurchaseFailed, types.PurchasePreorderAuthFailed}).
		Where("created_at > ?", cutoff).
		Where("ip_address = ?", p.IPAddress)
	if req.intent() != IntentAuthorize {
		// a hold moved no money; it must not block its own capture
		q = q.Where("is_preorder_authorization = ?", false)
	}
	if p.BuyerID != nil {
		q = q.Where("buyer_id = ?", *p.BuyerID)
	} else {
		q = q.Where("email = ?", *p.Email)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check duplicate purchases: %w", err)
	}
	if n > 0 {
		return types.NewValidationError("a purchase for this product is already in flight or just completed")
	}
	return nil
}

// redeemOffer takes one use with a conditional increment; losing the race
// on the last use reads back as a validation failure.
func (s *Service) redeemOffer(ctx context.Context, tx *gorm.DB, offer *models.OfferCode) error {
	if offer == nil {
		return nil
	}
	res := tx.WithContext(ctx).Model(&models.OfferCode{}).
		Where("id = ? AND (max_uses IS NULL OR use_count < max_uses)", offer.ID).
		UpdateColumn("use_count", gorm.Expr("use_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to redeem offer code %s: %w", offer.Code, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewValidationError("offer code %q has no uses left", offer.Code)
	}
	return nil
}

// unredeemOffer returns a use taken by a purchase that did not succeed.
func (s *Service) unredeemOffer(ctx context.Context, tx *gorm.DB, offerCodeID *string) error {
	if offerCodeID == nil {
		return nil
	}
	res := tx.WithContext(ctx).Model(&models.OfferCode{}).
		Where("id = ? AND use_count > 0", *offerCodeID).
		UpdateColumn("use_count", gorm.Expr("use_count - 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to return offer code use: %w", res.Error)
	}
	return nil
}
