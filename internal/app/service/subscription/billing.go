package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/types"
)

// BillDue runs one billing sweep: every subscription due at now gets an
// independent charge attempt. One slow or failing subscription never
// blocks the rest.
func (s *Service) BillDue(ctx context.Context, now time.Time) error {
	var due []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("deactivated_at IS NULL AND next_charge_at IS NOT NULL AND next_charge_at <= ?", now).
		Order("next_charge_at").
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	log := logctx.FromCtx(ctx, s.log)
	var wg sync.WaitGroup
	for _, sub := range due {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.ProcessDue(ctx, id, now); err != nil {
				log.Warnw("billing cycle errored", "subscription_id", id, "err", err)
			}
		}(sub.ID)
	}
	wg.Wait()
	return nil
}

// ProcessDue attempts one renewal charge. Liveness is re-checked here,
// not just at schedule time, so a cancellation racing an in-flight
// sweep still wins.
func (s *Service) ProcessDue(ctx context.Context, id string, now time.Time) error {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if !sub.Alive(now) {
		if sub.DeactivatedAt == nil {
			// a future-dated cancellation came due
			return s.deactivate(ctx, sub, now, models.SubscriptionChangeCancel, "cancelled")
		}
		return nil
	}
	if sub.NextChargeAt == nil || sub.NextChargeAt.After(now) {
		return nil
	}
	if sub.InFreeTrial(now) {
		return nil
	}
	if sub.ChargeCountLimit != nil && sub.ChargeCount >= *sub.ChargeCountLimit {
		return s.deactivate(ctx, sub, now, models.SubscriptionChangeEnd, "ended")
	}

	extra := sub.GetExtra()

	// a parked attempt resumes under its original idempotency key so the
	// processor replays instead of charging twice
	if extra.PendingRetryPurchaseID != nil {
		p, chargeErr := s.purchases.Retry(ctx, *extra.PendingRetryPurchaseID)
		if p == nil {
			// a manual retry may have finished the parked purchase
			// before this sweep reached it
			if done, derr := s.purchases.Get(ctx, *extra.PendingRetryPurchaseID); derr == nil && done.Succeeded() {
				p, chargeErr = done, nil
			}
		}
		return s.settle(ctx, sub, p, chargeErr, now)
	}

	original, err := s.purchases.Get(ctx, sub.OriginalPurchaseID)
	if err != nil {
		return err
	}
	req, err := purchase.RecurringRequest(original)
	if err != nil {
		return types.NewInternalFault(err)
	}
	req.Instrument = s.resolveInstrument(sub, req.Instrument)
	if extra.OfferCyclesRemaining != nil && *extra.OfferCyclesRemaining <= 0 {
		// the cycle-limited discount ran out; renew at full price
		req.FrozenOffer = nil
	}

	p, chargeErr := s.purchases.Execute(ctx, req)
	return s.settle(ctx, sub, p, chargeErr, now)
}

// resolveInstrument picks the card a renewal charges, in falling
// precedence: subscription-pinned, buyer-account, original purchase.
func (s *Service) resolveInstrument(sub *models.Subscription, original *types.PaymentInstrument) *types.PaymentInstrument {
	extra := sub.GetExtra()
	if extra.PinnedInstrument != nil && extra.PinnedInstrument.Valid() {
		return extra.PinnedInstrument
	}
	if extra.AccountInstrument != nil && extra.AccountInstrument.Valid() {
		return extra.AccountInstrument
	}
	return original
}

// PinInstrument fixes the renewal card for one subscription; nil unpins
// and falls back to the account-level instrument.
func (s *Service) PinInstrument(ctx context.Context, id string, instrument *types.PaymentInstrument) (*models.Subscription, error) {
	if instrument != nil && !instrument.Valid() {
		return nil, types.NewValidationError("invalid payment instrument")
	}
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	extra := sub.GetExtra()
	extra.PinnedInstrument = instrument
	sub.Extra = datatypes.NewJSONType(extra)
	if err := s.db.WithContext(ctx).Save(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
	}
	return sub, nil
}

// settle applies one charge outcome to the subscription row.
func (s *Service) settle(ctx context.Context, sub *models.Subscription, p *models.Purchase, chargeErr error, now time.Time) error {
	log := logctx.FromCtx(ctx, s.log)

	if chargeErr == nil && p != nil && p.Succeeded() {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			before := *sub
			charged := now
			next := sub.Period.AddTo(now)
			sub.LastChargedAt = &charged
			sub.NextChargeAt = &next
			sub.ChargeCount++
			sub.FailedAttempts = 0

			extra := sub.GetExtra()
			extra.PendingRetryPurchaseID = nil
			if extra.OfferCyclesRemaining != nil && *extra.OfferCyclesRemaining > 0 {
				remaining := *extra.OfferCyclesRemaining - 1
				extra.OfferCyclesRemaining = &remaining
			}
			sub.Extra = datatypes.NewJSONType(extra)

			if err := tx.Save(sub).Error; err != nil {
				return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
			}
			return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeRenew)
		})
		if err != nil {
			return err
		}
		metrics.BillingCycle().WithLabelValues("ok").Inc()
		log.Infow("subscription renewed",
			"subscription_id", sub.ID, "purchase_id", p.ID,
			"charge_count", sub.ChargeCount, "next_charge_at", sub.NextChargeAt)
		return nil
	}

	if chargeErr == nil {
		chargeErr = fmt.Errorf("renewal purchase did not reach a successful state")
	}
	ce := types.AsChargeError(chargeErr)
	if ce.Retryable() {
		// transient; park the attempt and let the next sweep resume it
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			before := *sub
			extra := sub.GetExtra()
			if p != nil && p.State == types.PurchaseNotCharged {
				id := p.ID
				extra.PendingRetryPurchaseID = &id
			}
			sub.Extra = datatypes.NewJSONType(extra)
			if err := tx.Save(sub).Error; err != nil {
				return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
			}
			return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeRetry)
		})
		if err != nil {
			return err
		}
		metrics.BillingCycle().WithLabelValues("retryable").Inc()
		log.Infow("renewal parked on transient failure",
			"subscription_id", sub.ID, "code", ce.Code)
		return nil
	}

	// decline ladder: bounded backoff attempts, then failed + deactivated
	attempts := sub.FailedAttempts + 1
	if attempts >= s.cfg.Billing.MaxDeclineRetries {
		if err := s.declineExhausted(ctx, sub, now, attempts); err != nil {
			return err
		}
		metrics.BillingCycle().WithLabelValues("failed").Inc()
		log.Warnw("subscription failed after repeated declines",
			"subscription_id", sub.ID, "attempts", attempts, "code", ce.Code)
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		next := now.Add(time.Duration(attempts) * s.cfg.Billing.DeclineBackoff)
		sub.FailedAttempts = attempts
		sub.NextChargeAt = &next
		extra := sub.GetExtra()
		extra.PendingRetryPurchaseID = nil
		sub.Extra = datatypes.NewJSONType(extra)
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeRetry)
	})
	if err != nil {
		return err
	}
	metrics.BillingCycle().WithLabelValues("declined").Inc()
	log.Infow("renewal declined, backoff scheduled",
		"subscription_id", sub.ID, "attempt", attempts,
		"next_charge_at", sub.NextChargeAt, "code", ce.Code)
	return nil
}

func (s *Service) declineExhausted(ctx context.Context, sub *models.Subscription, now time.Time, attempts int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		sub.FailedAttempts = attempts
		sub.FailedAt = &now
		sub.DeactivatedAt = &now
		sub.NextChargeAt = nil
		extra := sub.GetExtra()
		extra.PendingRetryPurchaseID = nil
		sub.Extra = datatypes.NewJSONType(extra)
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		return s.logChange(ctx, tx, &before, sub, models.SubscriptionChangeFail)
	})
	if err != nil {
		return err
	}
	s.emitDeactivated(ctx, sub, "payment_failed")
	return nil
}

// deactivate closes the subscription for a non-payment reason.
func (s *Service) deactivate(ctx context.Context, sub *models.Subscription, now time.Time, reason models.SubscriptionChangeReason, cause string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := *sub
		sub.DeactivatedAt = &now
		sub.NextChargeAt = nil
		if reason == models.SubscriptionChangeEnd {
			sub.EndedAt = &now
		}
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("failed to persist subscription %s: %w", sub.ID, err)
		}
		return s.logChange(ctx, tx, &before, sub, reason)
	})
	if err != nil {
		return err
	}
	s.emitDeactivated(ctx, sub, cause)
	logctx.FromCtx(ctx, s.log).Infow("subscription deactivated",
		"subscription_id", sub.ID, "reason", cause)
	return nil
}
