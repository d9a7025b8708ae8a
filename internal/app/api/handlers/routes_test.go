package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/rates"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

type stubGateway struct {
	declineNext bool
	charges     int
}

func (g *stubGateway) chargeResult() *processor.ChargeResult {
	return &processor.ChargeResult{
		TransactionRef: tool.GenerateUUIDV7(),
		CardCountry:    "US",
		Captured:       true,
	}
}

func (g *stubGateway) Charge(context.Context, processor.ChargeRequest) (*processor.ChargeResult, error) {
	if g.declineNext {
		g.declineNext = false
		return nil, types.NewCardDeclined(types.DeclineGeneric, "your card was declined", nil)
	}
	g.charges++
	return g.chargeResult(), nil
}

func (g *stubGateway) Authorize(context.Context, processor.ChargeRequest) (*processor.ChargeResult, error) {
	res := g.chargeResult()
	res.Captured = false
	return res, nil
}

func (g *stubGateway) Capture(_ context.Context, ref string, _ processor.ChargeRequest) (*processor.ChargeResult, error) {
	res := g.chargeResult()
	res.TransactionRef = ref
	return res, nil
}

func (g *stubGateway) FindByKey(context.Context, types.ProcessorID, string) (*processor.ChargeResult, error) {
	return nil, nil
}

func (g *stubGateway) Void(context.Context, types.ProcessorID, string) error { return nil }

func (g *stubGateway) Refund(context.Context, types.ProcessorID, string, string) error { return nil }

func testRouter(t *testing.T) (*gin.Engine, *stubGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Purchase{}, &models.PurchaseLog{}, &models.OfferCode{},
		&models.Balance{}, &models.LedgerEntry{}, &models.InventoryLevel{},
		&models.OutboxEvent{},
	))

	cfg := &config.Config{
		Fees: config.FeesConfig{
			FlatFeeBPS:            1000,
			DiscoverFlatFeeBPS:    3000,
			TieredPlatformBPS:     900,
			TieredSellerBPS:       500,
			DiscoverCommissionBPS: 1000,
			CardFeeBPS:            290,
			CardFeeFixedCents:     30,
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
	gw := &stubGateway{}
	ledgerSvc := ledger.NewService(db, log)
	purchases := purchase.NewService(
		cfg, db, log, gw,
		fees.NewCalculator(cfg),
		taxes.NewResolver(src, log),
		currencies.NewConverter(src),
		ledgerSvc,
		inventory.NewService(db, log),
		events.NewService(db, log),
	)

	r := gin.New()
	RegisterHealthRoutes(r)
	apiV1 := r.Group("/api/v1")
	RegisterCheckoutRoutes(apiV1, purchases)
	RegisterAdminRoutes(apiV1.Group("/admin"), purchases, ledgerSvc, statistics.New(db))
	return r, gw
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func checkoutBody() *CheckoutRequest {
	return &CheckoutRequest{
		Product: &types.ProductInfo{
			ID:            "prod-1",
			SellerID:      "seller-1",
			Type:          types.ProductDigital,
			PriceCents:    1000,
			Currency:      "USD",
			Purchasable:   true,
			ZeroTaxRegime: true,
		},
		Quantity: 1,
		BuyerID:  "buyer-1",
		Instrument: &types.PaymentInstrument{
			Kind:      types.InstrumentCard,
			Processor: types.ProcessorStripe,
			Token:     "tok_visa",
		},
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) *response.APIResponse[T] {
	t.Helper()
	var out response.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return &out
}

func TestHealthz(t *testing.T) {
	r, _ := testRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[map[string]string](t, w)
	assert.Equal(t, "ok", res.Data["status"])
}

func TestCheckoutSucceeds(t *testing.T) {
	r, gw := testRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/checkout", checkoutBody())
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeBody[CheckoutResponse](t, w)
	require.Equal(t, response.APIResponseCodeOK, res.Code)
	require.NotNil(t, res.Data.Purchase)
	assert.Equal(t, types.PurchaseSuccessful, res.Data.Purchase.State)
	assert.Equal(t, int64(1000), res.Data.Purchase.TotalTransactionCents)
	assert.Equal(t, int64(149), res.Data.Purchase.FeeCents)
	assert.Equal(t, 1, gw.charges)
}

func TestCheckoutRejectsMissingProduct(t *testing.T) {
	r, gw := testRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/checkout", map[string]any{"buyer_id": "buyer-1"})
	res := decodeBody[any](t, w)
	assert.Equal(t, response.APIResponseCodeBadRequest, res.Code)
	assert.Zero(t, gw.charges)
}

func TestCheckoutDeclineCarriesPurchase(t *testing.T) {
	r, gw := testRouter(t)
	gw.declineNext = true

	w := doJSON(t, r, http.MethodPost, "/api/v1/checkout", checkoutBody())
	res := decodeBody[CheckoutResponse](t, w)
	require.Equal(t, response.APIResponseCodeOK, res.Code)
	require.NotNil(t, res.Data.Purchase)
	assert.Equal(t, types.PurchaseFailed, res.Data.Purchase.State)
	assert.Equal(t, string(types.FailureCardDeclined), res.Data.ErrorCode)
	assert.False(t, res.Data.Retryable)
}

func TestAdminListAndBalance(t *testing.T) {
	r, _ := testRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/checkout", checkoutBody())
	require.Equal(t, response.APIResponseCodeOK, decodeBody[CheckoutResponse](t, w).Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/admin/list_purchases", &ListPurchasesRequest{SellerID: "seller-1"})
	list := decodeBody[ListPurchasesResponse](t, w)
	require.Equal(t, response.APIResponseCodeOK, list.Code)
	require.Len(t, list.Data.Items, 1)
	assert.Equal(t, int64(1), list.Data.Total)

	// Seller keeps price minus the platform fee.
	w = doJSON(t, r, http.MethodGet, "/api/v1/admin/balances/seller-1", nil)
	bal := decodeBody[AccountBalanceResponse](t, w)
	require.Equal(t, response.APIResponseCodeOK, bal.Code)
	assert.Equal(t, int64(851), bal.Data.BalanceCents)
}
