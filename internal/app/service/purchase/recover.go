package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// requestFromPurchase rebuilds the run inputs from the frozen snapshots
// on an existing purchase row, for retries and crash recovery.
func requestFromPurchase(p *models.Purchase) (*Request, error) {
	product := p.GetProductSnapshot()
	if product == nil {
		return nil, fmt.Errorf("purchase %s has no product snapshot", p.ID)
	}
	extra := p.Extra.Data()

	req := &Request{
		Product:     product,
		VariantID:   p.VariantID,
		Quantity:    p.Quantity,
		IPAddress:   p.IPAddress,
		Instrument:  p.GetInstrument(),
		FrozenOffer: p.GetOfferSnapshot(),
		FrozenFeeTerms: &FrozenFeeTerms{
			FlatFeeApplicable: p.FlatFeeApplicable,
			Recommended:       p.WasRecommended,
			DiscoverFeeBPS:    p.FrozenDiscoverFeeBPS,
		},
		Location: locationFromPurchase(p),

		IsOriginalSubscriptionPurchase: p.IsOriginalSubscriptionPurchase,
		IsRecurring:                    p.IsRecurringCharge,
		IsGiftSender:                   p.IsGiftSender,
		IsGiftReceiver:                 p.IsGiftReceiver,
		IsFreeTrial:                    p.IsFreeTrial,
		IsTest:                         p.IsTest,
		IsBundleItem:                   p.IsBundleItem,
		IsAutomatic:                    p.IsAutomatic,
	}
	if p.IsPreorderAuthorization {
		req.Intent = IntentAuthorize
	}
	if p.BuyerID != nil {
		req.BuyerID = *p.BuyerID
	} else if p.Email != nil {
		req.Email = *p.Email
	}
	if p.AffiliateID != nil {
		req.AffiliateID = *p.AffiliateID
		req.AffiliateBPS = p.AffiliateBPS
	}
	if p.SubscriptionID != nil {
		req.SubscriptionID = *p.SubscriptionID
	}
	if p.PreorderID != nil {
		req.PreorderID = *p.PreorderID
	}
	if extra != nil {
		req.StatementDescriptor = extra.StatementDescriptor
		req.OperatorID = extra.OperatorID
	}
	return req, nil
}

// locationFromPurchase reconstructs location signals that resolve back to
// the jurisdiction already persisted on the purchase.
func locationFromPurchase(p *models.Purchase) taxes.LocationSignals {
	loc := taxes.LocationSignals{Country: p.TaxJurisdiction}
	if country, state, ok := strings.Cut(p.TaxJurisdiction, "-"); ok {
		loc.Country, loc.State = country, state
	}
	if p.ElectedTaxJurisdiction != nil {
		loc.ElectedJurisdiction = *p.ElectedTaxJurisdiction
	}
	return loc
}

// CaptureRequest rebuilds checkout inputs from a preorder authorization:
// same frozen product terms, discount, variant and quantity, charged for
// real this time at today's exchange rate.
func CaptureRequest(auth *models.Purchase) (*Request, error) {
	req, err := requestFromPurchase(auth)
	if err != nil {
		return nil, err
	}
	req.Intent = IntentCharge
	return req, nil
}

// RecurringRequest rebuilds checkout inputs from a subscription's
// original purchase for one renewal cycle. The frozen product terms,
// fee flags and discount snapshot carry over; the nominal price is
// reconverted at today's exchange rate. Renewals are automatic, so the
// duplicate-charge window does not apply.
func RecurringRequest(original *models.Purchase) (*Request, error) {
	req, err := requestFromPurchase(original)
	if err != nil {
		return nil, err
	}
	req.Intent = IntentCharge
	req.IsOriginalSubscriptionPurchase = false
	req.IsRecurring = true
	req.IsAutomatic = true
	req.IsFreeTrial = false
	req.IsGiftReceiver = false
	return req, nil
}

func (s *Service) loadPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewValidationError("purchase %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase %s: %w", id, err)
	}
	return &p, nil
}

// Retry re-runs a parked attempt under the same purchase id, so the
// processor sees the same idempotency key it may already have a charge
// for. The processor is asked first; an existing charge is finalized
// without re-charging.
func (s *Service) Retry(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	p, err := s.loadPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.State != types.PurchaseNotCharged {
		return nil, types.NewValidationError("purchase %s is %s, not retryable", p.ID, p.State)
	}
	req, err := requestFromPurchase(p)
	if err != nil {
		return nil, types.NewInternalFault(err)
	}

	existing, err := s.gateway.FindByKey(ctx, p.ProcessorID, p.ID)
	if err != nil {
		return nil, err
	}

	if err := s.resume(ctx, p, req); err != nil {
		return nil, err
	}
	if existing != nil {
		logctx.FromCtx(ctx, s.log).Infow("found existing processor charge on retry",
			"purchase_id", p.ID, "transaction_ref", existing.TransactionRef)
		if err := s.finalize(ctx, p, req, existing); err != nil {
			return p, err
		}
		return p, nil
	}
	return s.run(ctx, p, req)
}

// resume re-takes the reservations a parked attempt returned and moves
// the purchase back to in_progress. The duplicate-window guard does not
// re-run: the purchase itself is the prior attempt.
func (s *Service) resume(ctx context.Context, p *models.Purchase, req *Request) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *p
		if err := s.redeemOfferByID(ctx, tx, p.OfferCodeID); err != nil {
			return err
		}
		if err := s.inventory.Reserve(ctx, tx, p.ProductID, p.VariantID, int64(p.Quantity)); err != nil {
			if errors.Is(err, inventory.ErrSoldOut) {
				return types.NewValidationError("product %s is sold out", p.ProductID)
			}
			return err
		}
		p.State = types.PurchaseInProgress
		p.ErrorCode, p.ErrorMessage = nil, nil
		if err := tx.Save(p).Error; err != nil {
			return fmt.Errorf("failed to persist purchase %s: %w", p.ID, err)
		}
		return s.logChange(ctx, tx, &before, p, changeReason(req))
	})
}

func (s *Service) redeemOfferByID(ctx context.Context, tx *gorm.DB, offerCodeID *string) error {
	if offerCodeID == nil {
		return nil
	}
	res := tx.WithContext(ctx).Model(&models.OfferCode{}).
		Where("id = ? AND (max_uses IS NULL OR use_count < max_uses)", *offerCodeID).
		UpdateColumn("use_count", gorm.Expr("use_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to redeem offer code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewValidationError("offer code has no uses left")
	}
	return nil
}

// RecoverStale sweeps purchases stuck in_progress past maxAge — the mark
// of a process that died between "charge sent" and "response recorded".
// Each one is settled from processor-side truth: an existing charge for
// the purchase's key finalizes it, no charge fails it. Money never moves
// here.
func (s *Service) RecoverStale(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	var stuck []*models.Purchase
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", types.PurchaseInProgress, cutoff).
		Find(&stuck).Error
	if err != nil {
		return fmt.Errorf("failed to list stale purchases: %w", err)
	}

	log := logctx.FromCtx(ctx, s.log)
	for _, p := range stuck {
		req, err := requestFromPurchase(p)
		if err != nil {
			log.Errorw("unrecoverable stale purchase", "purchase_id", p.ID, "err", err)
			continue
		}
		existing, err := s.gateway.FindByKey(ctx, p.ProcessorID, p.ID)
		if err != nil {
			log.Warnw("processor lookup failed during recovery", "purchase_id", p.ID, "err", err)
			continue
		}
		if existing != nil {
			log.Infow("recovered stale purchase from processor charge",
				"purchase_id", p.ID, "transaction_ref", existing.TransactionRef)
			if err := s.finalize(ctx, p, req, existing); err != nil {
				log.Errorw("failed to finalize recovered purchase", "purchase_id", p.ID, "err", err)
			}
			continue
		}
		cause := types.NewInternalFault(fmt.Errorf("interrupted before a processor charge was recorded"))
		if err := s.fail(ctx, p, req, cause); err != nil {
			log.Errorw("failed to fail stale purchase", "purchase_id", p.ID, "err", err)
		}
	}
	return nil
}
