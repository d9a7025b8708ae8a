package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// ProratedCents values the remaining fraction of the current billing
// period at the given tier price. The fraction comes from elapsed
// seconds inside the calendar-aware period; rounding happens once, on
// the final amount.
func ProratedCents(periodStart, now time.Time, period types.RecurrencePeriod, tierPriceCents int64) int64 {
	end := period.AddTo(periodStart)
	if !now.After(periodStart) {
		return tierPriceCents
	}
	if !now.Before(end) {
		return 0
	}
	total := decimal.NewFromFloat(end.Sub(periodStart).Seconds())
	remaining := decimal.NewFromFloat(end.Sub(now).Seconds())
	return remaining.Div(total).
		Mul(decimal.NewFromInt(tierPriceCents)).
		Round(0).IntPart()
}

// ChangePlan moves the subscription to a new plan without charging:
// the current original purchase is archived and atomically replaced by
// one priced from the new plan, carrying buyer, affiliate, discount and
// fee provenance forward. The returned credit is the unused value of
// the current period at the old plan's price; the caller applies it
// however its billing policy dictates.
func (s *Service) ChangePlan(ctx context.Context, id, newPlanID string, newPlan *types.ProductInfo) (*models.Subscription, *models.Purchase, int64, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}
	now := time.Now()
	if !sub.Alive(now) {
		return nil, nil, 0, types.NewValidationError("subscription %s is not active", sub.ID)
	}

	old, err := s.purchases.Get(ctx, sub.OriginalPurchaseID)
	if err != nil {
		return nil, nil, 0, err
	}
	var credit int64
	if sub.LastChargedAt != nil {
		credit = ProratedCents(*sub.LastChargedAt, now, sub.Period, old.PriceCents)
	}

	replacement, err := s.purchases.ReplaceOriginal(ctx, old.ID, newPlan)
	if err != nil {
		return nil, nil, 0, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		sub.PlanID = newPlanID
		sub.OriginalPurchaseID = replacement.ID
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		entry := &models.SubscriptionLog{
			ID:             tool.GenerateUUIDV7(),
			SubscriptionID: sub.ID,
			Reason:         models.SubscriptionChangePlanChange,
			Before:         datatypes.NewJSONType(&before),
			After:          datatypes.NewJSONType(sub),
			Extra: datatypes.JSONMap{
				"old_purchase_id":       old.ID,
				"new_purchase_id":       replacement.ID,
				"prorated_credit_cents": credit,
			},
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to write subscription log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription plan changed",
		"subscription_id", sub.ID, "plan_id", newPlanID,
		"new_original_purchase_id", replacement.ID, "prorated_credit_cents", credit)
	return sub, replacement, credit, nil
}
