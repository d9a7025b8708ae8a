package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/types"
)

// SubscriptionExtra is the JSONB column on a subscription row.
type SubscriptionExtra struct {
	// PinnedInstrument, when set, wins over the buyer-account instrument
	// and the original purchase's instrument.
	PinnedInstrument *types.PaymentInstrument `json:"pinned_instrument,omitempty"`
	// AccountInstrument mirrors the buyer-account-level instrument known
	// at the last sync; the originating purchase's instrument is the
	// final fallback.
	AccountInstrument *types.PaymentInstrument `json:"account_instrument,omitempty"`
	// OfferCyclesRemaining counts down the discount's remaining recurring
	// cycles. Nil means no cycle-limited discount is attached.
	OfferCyclesRemaining *int `json:"offer_cycles_remaining,omitempty"`
	// PendingRetryPurchaseID points at a parked charge (the original or a
	// renewal) waiting on a retryable processor failure, so the next
	// attempt resumes it under the same idempotency key instead of
	// opening a new one.
	PendingRetryPurchaseID *string `json:"pending_retry_purchase_id,omitempty"`
}

// Subscription is a recurrence contract tying a buyer to a product plan.
type Subscription struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;index" json:"product_id"`
	PlanID    string `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	// BuyerID is nullable for guest subscriptions.
	BuyerID *string `gorm:"column:buyer_id;type:varchar(64);index" json:"buyer_id"`
	Email   *string `gorm:"column:email;type:varchar(255)" json:"email"`

	Period types.RecurrencePeriod `gorm:"column:period;type:varchar(32);not null" json:"period"`
	// ChargeCountLimit caps fixed-length subscriptions; nil is open-ended.
	ChargeCountLimit *int `gorm:"column:charge_count_limit" json:"charge_count_limit"`

	// CancelledAt may be future-dated ("pending cancellation").
	CancelledAt    *time.Time `gorm:"column:cancelled_at;default:null" json:"cancelled_at"`
	FailedAt       *time.Time `gorm:"column:failed_at;default:null" json:"failed_at"`
	EndedAt        *time.Time `gorm:"column:ended_at;default:null" json:"ended_at"`
	FreeTrialEndsAt *time.Time `gorm:"column:free_trial_ends_at;default:null" json:"free_trial_ends_at"`
	// DeactivatedAt is set exactly once when the first of cancelled /
	// failed / ended lands, and cleared exactly on resubscription.
	DeactivatedAt *time.Time `gorm:"column:deactivated_at;default:null;index" json:"deactivated_at"`

	// FlatFee is sticky: fixed at creation from the seller cohort and
	// frozen into every original purchase.
	FlatFee bool `gorm:"column:flat_fee;not null;default:false" json:"flat_fee"`

	OriginalPurchaseID string `gorm:"column:original_purchase_id;type:uuid;not null" json:"original_purchase_id"`

	LastChargedAt  *time.Time `gorm:"column:last_charged_at;default:null" json:"last_charged_at"`
	NextChargeAt   *time.Time `gorm:"column:next_charge_at;default:null;index" json:"next_charge_at"`
	FailedAttempts int        `gorm:"column:failed_attempts;not null;default:0" json:"failed_attempts"`
	ChargeCount    int        `gorm:"column:charge_count;not null;default:0" json:"charge_count"`

	Extra     datatypes.JSONType[*SubscriptionExtra] `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time                              `json:"created_at"`
	UpdatedAt time.Time                              `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Alive reports whether the subscription should still be billed at now.
// A future-dated cancellation keeps it alive until the date passes.
func (s *Subscription) Alive(now time.Time) bool {
	if s == nil || s.DeactivatedAt != nil {
		return false
	}
	if s.CancelledAt != nil && !s.CancelledAt.After(now) {
		return false
	}
	return s.FailedAt == nil && s.EndedAt == nil
}

func (s *Subscription) PendingCancellation(now time.Time) bool {
	return s != nil && s.CancelledAt != nil && s.CancelledAt.After(now)
}

// InFreeTrial reports whether the trial window is still open.
func (s *Subscription) InFreeTrial(now time.Time) bool {
	return s != nil && s.FreeTrialEndsAt != nil && s.FreeTrialEndsAt.After(now)
}

func (s *Subscription) GetExtra() *SubscriptionExtra {
	if s == nil || s.Extra.Data() == nil {
		return &SubscriptionExtra{}
	}
	return s.Extra.Data()
}
