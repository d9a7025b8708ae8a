package preorder

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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
	declineNext bool
	charges     int
	voids       int
}

func (g *scriptedGateway) call(req processor.ChargeRequest, captured bool) (*processor.ChargeResult, error) {
	g.charges++
	if g.declineNext {
		g.declineNext = false
		return nil, types.NewCardDeclined(types.DeclineGeneric, "declined", nil)
	}
	return &processor.ChargeResult{TransactionRef: "txn-" + req.IdempotencyKey, Captured: captured}, nil
}

func (g *scriptedGateway) Charge(_ context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	return g.call(req, true)
}

func (g *scriptedGateway) Authorize(_ context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	return g.call(req, false)
}

func (g *scriptedGateway) Capture(_ context.Context, _ string, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	return g.call(req, true)
}

func (g *scriptedGateway) FindByKey(context.Context, types.ProcessorID, string) (*processor.ChargeResult, error) {
	return nil, nil
}

func (g *scriptedGateway) Void(context.Context, types.ProcessorID, string) error {
	g.voids++
	return nil
}

func (g *scriptedGateway) Refund(context.Context, types.ProcessorID, string, string) error {
	return nil
}

func testService(t *testing.T) (*Service, *scriptedGateway, *rates.Static) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Purchase{}, &models.PurchaseLog{}, &models.OfferCode{},
		&models.Balance{}, &models.LedgerEntry{}, &models.InventoryLevel{},
		&models.OutboxEvent{}, &models.Preorder{},
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
		PlatformAccounts: []*types.MerchantAccount{
			{ID: "plat-stripe", Type: types.MerchantAccountPlatform, Processor: types.ProcessorStripe, Country: "US"},
		},
	}
	log := zap.NewNop().Sugar()
	src := rates.NewStatic()
	gw := &scriptedGateway{}
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
	return NewService(db, log, purchases, ev), gw, src
}

func authRequest() *purchase.Request {
	return &purchase.Request{
		Product: &types.ProductInfo{
			ID:          "prod-1",
			SellerID:    "seller-1",
			Type:        types.ProductDigital,
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
			Token:     "tok_test",
		},
	}
}

func sellerBalance(t *testing.T, s *Service, db *gorm.DB) int64 {
	t.Helper()
	var b models.Balance
	err := db.Where("account_id = ?", "seller-1").First(&b).Error
	if err != nil {
		require.ErrorIs(t, err, gorm.ErrRecordNotFound)
		return 0
	}
	return b.Cents
}

func TestAuthorize(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	pre, p, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)

	assert.Equal(t, models.PreorderAuthSuccessful, pre.State)
	assert.Equal(t, types.PurchasePreorderAuthSuccess, p.State)
	assert.True(t, p.IsPreorderAuthorization)
	assert.Equal(t, p.ID, pre.AuthorizationPurchaseID)
	require.NotNil(t, p.PreorderID)
	assert.Equal(t, pre.ID, *p.PreorderID)

	// a hold never moves money
	assert.Zero(t, p.FeeCents)
	assert.Zero(t, sellerBalance(t, s, s.db))
}

func TestAuthorize_Declined(t *testing.T) {
	s, gw, _ := testService(t)
	gw.declineNext = true

	pre, p, err := s.Authorize(context.Background(), authRequest())

	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.PreorderAuthFailed, pre.State)
	assert.Equal(t, types.PurchasePreorderAuthFailed, p.State)
	assert.False(t, pre.Capturable())
}

func TestRelease_CapturesAtCurrentRate(t *testing.T) {
	s, _, src := testService(t)
	ctx := context.Background()
	src.SetExchangeRate("JPY", decimal.NewFromInt(95))

	req := authRequest()
	req.Product.Currency = "JPY"
	req.Product.PriceCents = 60000
	pre, auth, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(632), auth.PriceCents)

	// the yen weakens between authorization and shipping
	src.SetExchangeRate("JPY", decimal.NewFromInt(100))

	captured, err := s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)

	assert.Equal(t, types.PurchaseSuccessful, captured.State)
	assert.Equal(t, int64(600), captured.PriceCents)
	// the buyer's nominal yen price never changes
	assert.Equal(t, int64(60000), captured.DisplayedPriceCents)
	assert.Equal(t, "JPY", captured.DisplayedCurrency)

	got, err := s.Get(ctx, pre.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PreorderChargeSuccess, got.State)
	require.NotNil(t, got.CapturePurchaseID)
	assert.Equal(t, captured.ID, *got.CapturePurchaseID)
	assert.NotNil(t, got.ReleasedAt)
}

func TestRelease_CreditsSellerOnlyAtCapture(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	pre, _, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)
	assert.Zero(t, sellerBalance(t, s, s.db))

	captured, err := s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)

	assert.Equal(t, captured.TotalTransactionCents-captured.FeeCents, sellerBalance(t, s, s.db))

	pending, err := s.events.Pending(ctx, 10)
	require.NoError(t, err)
	names := make([]string, 0, len(pending))
	for _, e := range pending {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, types.EventPreorderCaptured)
	assert.Contains(t, names, types.EventPurchaseSucceeded)
}

func TestRelease_FrozenDiscountSurvivesOfferExhaustion(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	maxUses := 1
	require.NoError(t, s.db.Create(&models.OfferCode{
		ID: tool.GenerateUUIDV7(), Code: "HALF", ProductID: "prod-1",
		PercentBPS: 5000, MaxUses: &maxUses,
	}).Error)

	req := authRequest()
	req.OfferCode = "HALF"
	pre, auth, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(500), auth.PriceCents)

	// the code is spent; the frozen snapshot still applies at capture
	captured, err := s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), captured.PriceCents)
}

func TestRelease_DeclineThenRetry(t *testing.T) {
	s, gw, _ := testService(t)
	ctx := context.Background()

	pre, _, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)

	gw.declineNext = true
	_, err = s.Release(ctx, pre.ID, "op-1")
	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureCardDeclined, ce.Code)

	got, err := s.Get(ctx, pre.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PreorderChargeFailed, got.State)
	assert.True(t, got.Capturable())

	captured, err := s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.PurchaseSuccessful, captured.State)
}

func TestRelease_AtMostOneCapture(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	pre, _, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)
	_, err = s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)

	_, err = s.Release(ctx, pre.ID, "op-1")
	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureValidation, ce.Code)
}

func TestReleaseAll(t *testing.T) {
	s, gw, _ := testService(t)
	ctx := context.Background()

	pre1, _, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)
	req := authRequest()
	req.BuyerID = "buyer-2"
	req.IPAddress = "10.0.0.2"
	pre2, _, err := s.Authorize(ctx, req)
	require.NoError(t, err)

	gw.declineNext = true
	released, failed, err := s.ReleaseAll(ctx, "prod-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, failed)

	got1, err := s.Get(ctx, pre1.ID)
	require.NoError(t, err)
	got2, err := s.Get(ctx, pre2.ID)
	require.NoError(t, err)
	states := []models.PreorderState{got1.State, got2.State}
	assert.Contains(t, states, models.PreorderChargeSuccess)
	assert.Contains(t, states, models.PreorderChargeFailed)
}

func TestCancel(t *testing.T) {
	s, gw, _ := testService(t)
	ctx := context.Background()

	pre, auth, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, pre.ID, "seller withdrew the product")
	require.NoError(t, err)

	assert.Equal(t, models.PreorderCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 1, gw.voids)

	concluded, err := s.purchases.Get(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PurchasePreorderAuthFailed, concluded.State)
	require.NotNil(t, concluded.ErrorMessage)
	assert.Equal(t, "seller withdrew the product", *concluded.ErrorMessage)

	_, err = s.Cancel(ctx, pre.ID, "")
	assert.Error(t, err)
}

func TestCancel_CapturedPreorderRefusesCancellation(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	pre, _, err := s.Authorize(ctx, authRequest())
	require.NoError(t, err)
	_, err = s.Release(ctx, pre.ID, "op-1")
	require.NoError(t, err)

	_, err = s.Cancel(ctx, pre.ID, "")
	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureValidation, ce.Code)
}
