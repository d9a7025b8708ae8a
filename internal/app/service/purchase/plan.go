package purchase

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/fees"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// ReplaceOriginal archives a subscription's original purchase and writes
// its replacement under a new product plan, in one transaction and with
// no charge. Buyer identity, affiliate and discount provenance and the
// frozen fee flags carry over; price, tax and fee are recomputed from
// the new plan. License linkage points back at the purchase that issued
// the license.
func (s *Service) ReplaceOriginal(ctx context.Context, originalID string, newProduct *types.ProductInfo) (*models.Purchase, error) {
	original, err := s.loadPurchase(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if original.ArchivedAt != nil {
		return nil, types.NewValidationError("purchase %s is already archived", original.ID)
	}

	req, err := requestFromPurchase(original)
	if err != nil {
		return nil, types.NewInternalFault(err)
	}
	req.Product = newProduct

	replacement, err := s.price(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	replacement.State = original.State
	replacement.SucceededAt = original.SucceededAt

	terms := req.feeTerms()
	bd := s.fees.Calculate(fees.Input{
		PriceCents:              replacement.PriceCents,
		FlatFeeApplicable:       terms.FlatFeeApplicable,
		Recommended:             terms.Recommended,
		DiscoverFeeBPS:          terms.DiscoverFeeBPS,
		SellerWaiverBPS:         newProduct.SellerFeeWaiverBPS,
		MerchantAccountType:     replacement.MerchantAccountType,
		MerchantAccountCountry:  replacement.MerchantAccountCountry,
		AffiliateBPS:            replacement.AffiliateBPS,
		AffiliateAccountCountry: req.AffiliateCountry,
	})
	replacement.FeeCents = bd.TotalCents()
	replacement.AffiliateCreditCents = bd.AffiliateCents

	extra := replacement.Extra.Data()
	if orig := original.Extra.Data(); orig != nil && orig.LicenseID != "" {
		extra.LicenseID = orig.LicenseID
	} else {
		extra.LicenseID = original.ID
	}
	replacement.Extra = datatypes.NewJSONType(extra)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *original
		now := time.Now()
		original.ArchivedAt = &now
		if err := tx.Save(original).Error; err != nil {
			return err
		}
		if err := s.logChange(ctx, tx, &before, original, models.PurchaseChangePlanChange); err != nil {
			return err
		}
		if err := tx.Create(replacement).Error; err != nil {
			return err
		}
		return s.logChange(ctx, tx, nil, replacement, models.PurchaseChangePlanChange)
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}
