package types

import "time"

// RecurrencePeriod is a subscription billing period.
type RecurrencePeriod string

const (
	PeriodMonthly       RecurrencePeriod = "monthly"
	PeriodQuarterly     RecurrencePeriod = "quarterly"
	PeriodBiannually    RecurrencePeriod = "biannually"
	PeriodYearly        RecurrencePeriod = "yearly"
	PeriodEveryTwoYears RecurrencePeriod = "every_two_years"
)

// Months returns the period length in calendar months.
func (p RecurrencePeriod) Months() int {
	switch p {
	case PeriodMonthly:
		return 1
	case PeriodQuarterly:
		return 3
	case PeriodBiannually:
		return 6
	case PeriodYearly:
		return 12
	case PeriodEveryTwoYears:
		return 24
	}
	return 0
}

// AddTo advances t by one billing period, calendar-month-aware rather
// than assuming fixed 30-day months.
func (p RecurrencePeriod) AddTo(t time.Time) time.Time {
	return t.AddDate(0, p.Months(), 0)
}

func (p RecurrencePeriod) Valid() bool {
	return p.Months() > 0
}

// SubscriptionEvent names the fire-and-forget events the orchestrator
// emits for external consumers.
const (
	EventPurchaseSucceeded       = "purchase.succeeded"
	EventPurchaseFailed          = "purchase.failed"
	EventSubscriptionDeactivated = "subscription.deactivated"
	EventSubscriptionRestarted   = "subscription.restarted"
	EventPreorderCaptured        = "preorder.captured"
)
