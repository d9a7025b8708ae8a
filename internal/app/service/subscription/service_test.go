package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/currencies"
	"github.com/fatflowers/billing/internal/app/service/events"
	"github.com/fatflowers/billing/internal/app/service/fees"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/processor"
	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	"github.com/fatflowers/billing/internal/platform/rates"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

type scriptedGateway struct {
	// nextErr is returned once by the next Charge call, then cleared.
	nextErr error

	charges  int
	lastKey  string
	lastReq  processor.ChargeRequest
	findHits map[string]*processor.ChargeResult
}

func (g *scriptedGateway) Charge(_ context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	g.charges++
	g.lastKey = req.IdempotencyKey
	g.lastReq = req
	if err := g.nextErr; err != nil {
		g.nextErr = nil
		return nil, err
	}
	return &processor.ChargeResult{TransactionRef: "txn-" + req.IdempotencyKey, Captured: true}, nil
}

func (g *scriptedGateway) Authorize(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	return g.Charge(ctx, req)
}

func (g *scriptedGateway) Capture(ctx context.Context, _ string, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	return g.Charge(ctx, req)
}

func (g *scriptedGateway) FindByKey(_ context.Context, _ types.ProcessorID, key string) (*processor.ChargeResult, error) {
	return g.findHits[key], nil
}

func (g *scriptedGateway) Void(context.Context, types.ProcessorID, string) error { return nil }

func (g *scriptedGateway) Refund(context.Context, types.ProcessorID, string, string) error {
	return nil
}

func testService(t *testing.T) (*Service, *scriptedGateway) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Purchase{}, &models.PurchaseLog{}, &models.OfferCode{},
		&models.Balance{}, &models.LedgerEntry{}, &models.InventoryLevel{},
		&models.OutboxEvent{}, &models.Subscription{}, &models.SubscriptionLog{},
	))

	cfg := &config.Config{
		Fees: config.FeesConfig{
			TieredPlatformBPS: 900,
			CardFeeBPS:        290,
			CardFeeFixedCents: 30,
		},
		Protection: config.ProtectionConfig{
			DefaultWindow: 5 * time.Minute,
			ShortWindow:   10 * time.Second,
		},
		Billing: config.BillingConfig{
			MaxDeclineRetries: 2,
			DeclineBackoff:    time.Hour,
			GracePeriod:       72 * time.Hour,
			SchedulerInterval: time.Minute,
		},
		PlatformAccounts: []*types.MerchantAccount{
			{ID: "plat-stripe", Type: types.MerchantAccountPlatform, Processor: types.ProcessorStripe, Country: "US"},
		},
	}
	log := zap.NewNop().Sugar()
	src := rates.NewStatic()
	gw := &scriptedGateway{findHits: map[string]*processor.ChargeResult{}}
	ev := events.NewService(db, log)

	purchases := purchase.NewService(
		cfg, db, log, gw,
		fees.NewCalculator(cfg),
		taxes.NewResolver(src, log),
		currencies.NewConverter(src),
		ledger.NewService(db, log),
		inventory.NewService(db, log),
		ev,
	)
	return NewService(cfg, db, log, purchases, ev), gw
}

func subscribeRequest() *purchase.Request {
	return &purchase.Request{
		Product: &types.ProductInfo{
			ID:          "plan-basic",
			SellerID:    "seller-1",
			Type:        types.ProductMembership,
			PriceCents:  1000,
			Currency:    "USD",
			Purchasable: true,
		},
		Quantity:  1,
		BuyerID:   "buyer-1",
		IPAddress: "10.0.0.1",
		Instrument: &types.PaymentInstrument{
			Kind:      types.InstrumentCard,
			Processor: types.ProcessorStripe,
			Token:     "tok_original",
		},
	}
}

func monthlyParams() CreateParams {
	return CreateParams{PlanID: "basic-monthly", Period: types.PeriodMonthly}
}

func eventNames(t *testing.T, s *Service) []string {
	t.Helper()
	pending, err := s.events.Pending(context.Background(), 50)
	require.NoError(t, err)
	names := make([]string, 0, len(pending))
	for _, e := range pending {
		names = append(names, e.Name)
	}
	return names
}

func TestCreate(t *testing.T) {
	s, _ := testService(t)

	sub, p, err := s.Create(context.Background(), subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	assert.True(t, p.IsOriginalSubscriptionPurchase)
	require.NotNil(t, p.SubscriptionID)
	assert.Equal(t, sub.ID, *p.SubscriptionID)
	assert.Equal(t, p.ID, sub.OriginalPurchaseID)
	assert.Equal(t, 1, sub.ChargeCount)
	require.NotNil(t, sub.NextChargeAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), *sub.NextChargeAt, time.Minute)
	assert.True(t, sub.Alive(time.Now()))
}

func TestCreate_FreeTrialDefersFirstCharge(t *testing.T) {
	s, gw := testService(t)
	trialEnd := time.Now().Add(14 * 24 * time.Hour)

	sub, p, err := s.Create(context.Background(), subscribeRequest(), CreateParams{
		PlanID:          "basic-monthly",
		Period:          types.PeriodMonthly,
		FreeTrialEndsAt: &trialEnd,
	})
	require.NoError(t, err)

	assert.True(t, p.IsFreeTrial)
	assert.Zero(t, p.TotalTransactionCents)
	assert.Zero(t, gw.charges)
	assert.Zero(t, sub.ChargeCount)
	require.NotNil(t, sub.NextChargeAt)
	assert.Equal(t, trialEnd.Unix(), sub.NextChargeAt.Unix())
	assert.True(t, sub.InFreeTrial(time.Now()))
}

func TestProcessDue_Renews(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, original, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	due := sub.NextChargeAt.Add(time.Minute)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChargeCount)
	assert.Equal(t, due.Unix(), got.LastChargedAt.Unix())
	assert.Equal(t, sub.Period.AddTo(due).Unix(), got.NextChargeAt.Unix())
	assert.Equal(t, 2, gw.charges)

	var renewal models.Purchase
	require.NoError(t, s.db.Where("subscription_id = ? AND id <> ?", sub.ID, original.ID).
		First(&renewal).Error)
	assert.True(t, renewal.IsRecurringCharge)
	assert.False(t, renewal.IsOriginalSubscriptionPurchase)
	assert.Equal(t, types.PurchaseSuccessful, renewal.State)
	assert.Equal(t, original.PriceCents, renewal.PriceCents)
}

func TestProcessDue_NotDueIsNoop(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	require.NoError(t, s.ProcessDue(ctx, sub.ID, time.Now()))
	assert.Equal(t, 1, gw.charges)
}

func TestProcessDue_FrozenDiscoverFeeSurvivesLiveChange(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	req := subscribeRequest()
	req.Recommended = true
	req.Product.DiscoverCommissionBPS = 1000

	sub, original, err := s.Create(ctx, req, monthlyParams())
	require.NoError(t, err)
	// tiered 9% + discover 10% + card 2.9% + 30c on 1000c
	assert.Equal(t, int64(90+100+29+30), original.FeeCents)

	// the live product now advertises a different discover rate; the
	// frozen terms still price the renewal
	due := sub.NextChargeAt.Add(time.Minute)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))

	var renewal models.Purchase
	require.NoError(t, s.db.Where("subscription_id = ? AND is_recurring_charge = ?", sub.ID, true).
		First(&renewal).Error)
	assert.Equal(t, original.FeeCents, renewal.FeeCents)
	assert.Equal(t, int64(1000), renewal.FrozenDiscoverFeeBPS)
}

func TestProcessDue_OfferCodeExpiresAfterItsCycles(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	duration := 1
	require.NoError(t, s.db.Create(&models.OfferCode{
		ID: tool.GenerateUUIDV7(), Code: "HALF", ProductID: "plan-basic",
		PercentBPS: 5000, DurationInBillingCycles: &duration,
	}).Error)

	req := subscribeRequest()
	req.OfferCode = "HALF"
	sub, original, err := s.Create(ctx, req, monthlyParams())
	require.NoError(t, err)
	assert.Equal(t, int64(500), original.PriceCents)

	due := sub.NextChargeAt.Add(time.Minute)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))

	var renewal models.Purchase
	require.NoError(t, s.db.Where("subscription_id = ? AND is_recurring_charge = ?", sub.ID, true).
		First(&renewal).Error)
	assert.Equal(t, int64(1000), renewal.PriceCents)
	assert.Nil(t, renewal.GetOfferSnapshot())
}

func TestProcessDue_DeclineLadder(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	due := sub.NextChargeAt.Add(time.Minute)
	gw.nextErr = types.NewCardDeclined(types.DeclineInsufficientFunds, "insufficient funds", nil)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedAttempts)
	assert.True(t, got.Alive(due))
	require.NotNil(t, got.NextChargeAt)
	assert.Equal(t, due.Add(time.Hour).Unix(), got.NextChargeAt.Unix())

	retryAt := got.NextChargeAt.Add(time.Minute)
	gw.nextErr = types.NewCardDeclined(types.DeclineInsufficientFunds, "insufficient funds", nil)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, retryAt))

	got, err = s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailedAttempts)
	assert.NotNil(t, got.FailedAt)
	assert.NotNil(t, got.DeactivatedAt)
	assert.Nil(t, got.NextChargeAt)
	assert.False(t, got.Alive(retryAt))
	assert.Contains(t, eventNames(t, s), types.EventSubscriptionDeactivated)
}

func TestProcessDue_TransientFailureResumesSameAttempt(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	due := sub.NextChargeAt.Add(time.Minute)
	gw.nextErr = types.NewProcessorUnavailable(assert.AnError)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))
	parkedKey := gw.lastKey

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	require.NotNil(t, got.GetExtra().PendingRetryPurchaseID)
	assert.Equal(t, parkedKey, *got.GetExtra().PendingRetryPurchaseID)

	// next sweep resumes the parked purchase under the same key
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due.Add(time.Minute)))

	got, err = s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChargeCount)
	assert.Nil(t, got.GetExtra().PendingRetryPurchaseID)
	assert.Equal(t, parkedKey, gw.lastKey)
	assert.Equal(t, 3, gw.charges)

	var parked models.Purchase
	require.NoError(t, s.db.First(&parked, "id = ?", parkedKey).Error)
	assert.Equal(t, types.PurchaseSuccessful, parked.State)
}

func TestCreate_TransientFailureOpensPendingSubscription(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	gw.nextErr = types.NewProcessorUnavailable(assert.AnError)
	sub, p, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.Error(t, err)
	assert.True(t, types.AsChargeError(err).Retryable())
	require.NotNil(t, p)
	assert.Equal(t, types.PurchaseNotCharged, p.State)

	// the contract exists even though the original has not charged yet
	require.NotNil(t, sub)
	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ChargeCount)
	assert.Nil(t, got.LastChargedAt)
	require.NotNil(t, got.GetExtra().PendingRetryPurchaseID)
	assert.Equal(t, p.ID, *got.GetExtra().PendingRetryPurchaseID)
	require.NotNil(t, got.NextChargeAt)
	assert.WithinDuration(t, time.Now(), *got.NextChargeAt, time.Minute)

	// the next sweep resumes the parked original under the same key
	require.NoError(t, s.ProcessDue(ctx, sub.ID, time.Now().Add(time.Minute)))

	got, err = s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChargeCount)
	require.NotNil(t, got.LastChargedAt)
	assert.Nil(t, got.GetExtra().PendingRetryPurchaseID)
	assert.Equal(t, sub.Period.AddTo(*got.LastChargedAt).Unix(), got.NextChargeAt.Unix())
	assert.Equal(t, 2, gw.charges)
	assert.Equal(t, p.ID, gw.lastKey)

	var charged models.Purchase
	require.NoError(t, s.db.First(&charged, "id = ?", p.ID).Error)
	assert.Equal(t, types.PurchaseSuccessful, charged.State)
	assert.True(t, charged.IsOriginalSubscriptionPurchase)
}

func TestProcessDue_ManualRetryBeforeSweepSettlesOnce(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	gw.nextErr = types.NewProcessorUnavailable(assert.AnError)
	sub, p, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.Error(t, err)
	require.NotNil(t, sub)

	// an operator retries the parked purchase directly before the sweep
	retried, err := s.purchases.Retry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseSuccessful, retried.State)
	assert.Equal(t, 2, gw.charges)

	require.NoError(t, s.ProcessDue(ctx, sub.ID, time.Now().Add(time.Minute)))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChargeCount)
	assert.Nil(t, got.GetExtra().PendingRetryPurchaseID)
	// the sweep settled the finished purchase without charging again
	assert.Equal(t, 2, gw.charges)
}

func TestCreate_PendingOriginalKeepsOfferCycleBudget(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()
	duration := 1
	require.NoError(t, s.db.Create(&models.OfferCode{
		ID: tool.GenerateUUIDV7(), Code: "HALF", ProductID: "plan-basic",
		PercentBPS: 5000, DurationInBillingCycles: &duration,
	}).Error)

	req := subscribeRequest()
	req.OfferCode = "HALF"
	gw.nextErr = types.NewProcessorUnavailable(assert.AnError)
	sub, _, err := s.Create(ctx, req, monthlyParams())
	require.Error(t, err)
	require.NotNil(t, sub)
	// the discounted cycle is not consumed until the charge lands
	require.NotNil(t, sub.GetExtra().OfferCyclesRemaining)
	assert.Equal(t, 1, *sub.GetExtra().OfferCyclesRemaining)

	require.NoError(t, s.ProcessDue(ctx, sub.ID, time.Now().Add(time.Minute)))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.GetExtra().OfferCyclesRemaining)
	assert.Equal(t, 0, *got.GetExtra().OfferCyclesRemaining)
}

func TestProcessDue_CancellationWinsTheRace(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	cancelAt := sub.NextChargeAt.Add(-time.Hour)
	_, err = s.Cancel(ctx, sub.ID, &cancelAt)
	require.NoError(t, err)

	// still alive today, and billable until the date passes
	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Alive(time.Now()))
	assert.True(t, got.PendingCancellation(time.Now()))

	require.NoError(t, s.ProcessDue(ctx, sub.ID, sub.NextChargeAt.Add(time.Minute)))

	got, err = s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeactivatedAt)
	assert.Equal(t, 1, gw.charges)
	assert.Contains(t, eventNames(t, s), types.EventSubscriptionDeactivated)
}

func TestProcessDue_ChargeCountLimitEnds(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	limit := 1
	params := monthlyParams()
	params.ChargeCountLimit = &limit
	sub, _, err := s.Create(ctx, subscribeRequest(), params)
	require.NoError(t, err)

	require.NoError(t, s.ProcessDue(ctx, sub.ID, sub.NextChargeAt.Add(time.Minute)))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
	assert.NotNil(t, got.DeactivatedAt)
	assert.Equal(t, 1, gw.charges)
}

func TestProcessDue_PinnedInstrumentWins(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	_, err = s.PinInstrument(ctx, sub.ID, &types.PaymentInstrument{
		Kind:      types.InstrumentCard,
		Processor: types.ProcessorStripe,
		Token:     "tok_pinned",
	})
	require.NoError(t, err)

	require.NoError(t, s.ProcessDue(ctx, sub.ID, sub.NextChargeAt.Add(time.Minute)))
	assert.Equal(t, "tok_pinned", gw.lastReq.Instrument.Token)
}

func TestResubscribe(t *testing.T) {
	s, gw := testService(t)
	ctx := context.Background()

	sub, _, err := s.Create(ctx, subscribeRequest(), monthlyParams())
	require.NoError(t, err)

	due := sub.NextChargeAt.Add(time.Minute)
	gw.nextErr = types.NewCardDeclined(types.DeclineGeneric, "declined", nil)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due))
	gw.nextErr = types.NewCardDeclined(types.DeclineGeneric, "declined", nil)
	require.NoError(t, s.ProcessDue(ctx, sub.ID, due.Add(2*time.Hour)))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeactivatedAt)

	restarted, err := s.Resubscribe(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, restarted.DeactivatedAt)
	assert.Nil(t, restarted.FailedAt)
	assert.Zero(t, restarted.FailedAttempts)
	require.NotNil(t, restarted.NextChargeAt)
	assert.Contains(t, eventNames(t, s), types.EventSubscriptionRestarted)

	_, err = s.Resubscribe(ctx, sub.ID)
	assert.Error(t, err)
}
