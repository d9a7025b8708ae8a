package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/events"
	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Service owns the recurrence contracts: creation with the original
// purchase, renewal billing, decline ladders, plan changes, cancellation
// and resubscription.
type Service struct {
	cfg       *config.Config
	db        *gorm.DB
	log       *zap.SugaredLogger
	purchases *purchase.Service
	events    *events.Service
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, purchases *purchase.Service, events *events.Service) *Service {
	return &Service{cfg: cfg, db: db, log: log, purchases: purchases, events: events}
}

// CreateParams shape the recurrence contract around the original
// checkout request.
type CreateParams struct {
	PlanID string
	Period types.RecurrencePeriod
	// ChargeCountLimit caps fixed-length subscriptions; nil is open-ended.
	ChargeCountLimit *int
	FreeTrialEndsAt  *time.Time
}

// Create runs the original purchase and opens the subscription. The
// original purchase freezes the fee terms and discount snapshot every
// renewal replays.
func (s *Service) Create(ctx context.Context, req *purchase.Request, params CreateParams) (*models.Subscription, *models.Purchase, error) {
	if !params.Period.Valid() {
		return nil, nil, types.NewValidationError("invalid billing period %q", params.Period)
	}

	req.SubscriptionID = tool.GenerateUUIDV7()
	req.IsOriginalSubscriptionPurchase = true
	if params.FreeTrialEndsAt != nil {
		req.IsFreeTrial = true
	}

	p, err := s.purchases.Execute(ctx, req)
	if err != nil {
		if ce := types.AsChargeError(err); ce.Retryable() && p != nil && p.State == types.PurchaseNotCharged {
			// the original parked on a transient failure; open the
			// subscription pending so the billing sweep resumes the
			// charge under its idempotency key
			sub, perr := s.openPending(ctx, req, params, p)
			if perr != nil {
				return nil, p, perr
			}
			return sub, p, err
		}
		return nil, p, err
	}

	now := time.Now()
	sub := &models.Subscription{
		ID:                 req.SubscriptionID,
		ProductID:          p.ProductID,
		PlanID:             params.PlanID,
		BuyerID:            p.BuyerID,
		Email:              p.Email,
		Period:             params.Period,
		ChargeCountLimit:   params.ChargeCountLimit,
		FreeTrialEndsAt:    params.FreeTrialEndsAt,
		FlatFee:            p.FlatFeeApplicable,
		OriginalPurchaseID: p.ID,
	}

	next := params.Period.AddTo(now)
	if params.FreeTrialEndsAt != nil {
		// the first real charge lands when the trial closes
		next = *params.FreeTrialEndsAt
	} else {
		charged := now
		sub.LastChargedAt = &charged
		sub.ChargeCount = 1
	}
	sub.NextChargeAt = &next

	extra := &models.SubscriptionExtra{AccountInstrument: req.Instrument}
	if snap := p.GetOfferSnapshot(); snap != nil && snap.DurationInBillingCycles != nil {
		remaining := *snap.DurationInBillingCycles - 1
		if remaining < 0 {
			remaining = 0
		}
		extra.OfferCyclesRemaining = &remaining
	}
	sub.Extra = datatypes.NewJSONType(extra)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return s.logChange(ctx, tx, nil, sub, models.SubscriptionChangeCreate)
	})
	if err != nil {
		return nil, p, err
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription created",
		"subscription_id", sub.ID, "product_id", sub.ProductID,
		"period", sub.Period, "purchase_id", p.ID)
	return sub, p, nil
}

// openPending records the subscription around a parked original
// purchase. The row carries no charge yet: the first settled renewal of
// the pending purchase plays the role the original plays on the direct
// path, so ChargeCount starts at zero and the discount cycle budget is
// not yet consumed.
func (s *Service) openPending(ctx context.Context, req *purchase.Request, params CreateParams, p *models.Purchase) (*models.Subscription, error) {
	now := time.Now()
	sub := &models.Subscription{
		ID:                 req.SubscriptionID,
		ProductID:          p.ProductID,
		PlanID:             params.PlanID,
		BuyerID:            p.BuyerID,
		Email:              p.Email,
		Period:             params.Period,
		ChargeCountLimit:   params.ChargeCountLimit,
		FreeTrialEndsAt:    params.FreeTrialEndsAt,
		FlatFee:            p.FlatFeeApplicable,
		OriginalPurchaseID: p.ID,
		NextChargeAt:       &now,
	}

	pendingID := p.ID
	extra := &models.SubscriptionExtra{
		AccountInstrument:      req.Instrument,
		PendingRetryPurchaseID: &pendingID,
	}
	if snap := p.GetOfferSnapshot(); snap != nil && snap.DurationInBillingCycles != nil {
		remaining := *snap.DurationInBillingCycles
		if remaining < 0 {
			remaining = 0
		}
		extra.OfferCyclesRemaining = &remaining
	}
	sub.Extra = datatypes.NewJSONType(extra)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return s.logChange(ctx, tx, nil, sub, models.SubscriptionChangeCreate)
	})
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription opened pending original charge",
		"subscription_id", sub.ID, "product_id", sub.ProductID,
		"period", sub.Period, "purchase_id", p.ID)
	return sub, nil
}

// Get loads one subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewValidationError("subscription %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return &sub, nil
}

// Cancel stops future billing. A future-dated `at` keeps the
// subscription alive until the date passes; nil or a past date
// deactivates immediately.
func (s *Service) Cancel(ctx context.Context, id string, at *time.Time) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !sub.Alive(now) && !sub.PendingCancellation(now) {
		return nil, types.NewValidationError("subscription %s is already inactive", sub.ID)
	}

	when := now
	if at != nil && at.After(now) {
		when = *at
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		sub.CancelledAt = &when
		if !when.After(now) {
			sub.DeactivatedAt = &now
			sub.NextChargeAt = nil
		}
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeCancel)
	})
	if err != nil {
		return nil, err
	}

	if sub.DeactivatedAt != nil {
		s.emitDeactivated(ctx, sub, "cancelled")
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription cancelled",
		"subscription_id", sub.ID, "effective_at", when)
	return sub, nil
}

// Resubscribe restarts a deactivated subscription: the deactivation
// flags clear, the decline ladder resets, and the next charge comes due
// one period after the last successful one (immediately when overdue).
func (s *Service) Resubscribe(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.DeactivatedAt == nil {
		return nil, types.NewValidationError("subscription %s is still active", sub.ID)
	}

	now := time.Now()
	next := now
	if sub.LastChargedAt != nil {
		if due := sub.Period.AddTo(*sub.LastChargedAt); due.After(now) {
			next = due
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		sub.DeactivatedAt = nil
		sub.CancelledAt = nil
		sub.FailedAt = nil
		sub.FailedAttempts = 0
		sub.NextChargeAt = &next
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeResubscribe)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, types.EventSubscriptionRestarted, sub.ID, map[string]any{
		"subscription_id": sub.ID,
		"next_charge_at":  next,
	})
	logctx.FromCtx(ctx, s.log).Infow("subscription restarted",
		"subscription_id", sub.ID, "next_charge_at", next)
	return sub, nil
}

// emitDeactivated tells downstream consumers the recurrence ended; the
// grace window advertises how long access conventionally survives it.
func (s *Service) emitDeactivated(ctx context.Context, sub *models.Subscription, reason string) {
	payload := map[string]any{
		"subscription_id": sub.ID,
		"reason":          reason,
	}
	if s.cfg.Billing.GracePeriod > 0 {
		payload["grace_until"] = time.Now().Add(s.cfg.Billing.GracePeriod)
	}
	s.events.Emit(ctx, types.EventSubscriptionDeactivated, sub.ID, payload)
}

func (s *Service) logChange(ctx context.Context, tx *gorm.DB, before, after *models.Subscription, reason models.SubscriptionChangeReason) error {
	entry := &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: after.ID,
		Reason:         reason,
		Before:         datatypes.NewJSONType(before),
		After:          datatypes.NewJSONType(after),
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write subscription log: %w", err)
	}
	return nil
}
