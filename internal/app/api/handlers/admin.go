package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

type ListPurchasesRequest struct {
	SellerID  string              `json:"seller_id"`
	BuyerID   string              `json:"buyer_id"`
	ProductID string              `json:"product_id"`
	State     types.PurchaseState `json:"state"`
	Since     *time.Time          `json:"since"`
	Until     *time.Time          `json:"until"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
}

type ListPurchasesResponse struct {
	Items []*PurchaseItem `json:"items"`
	Total int64           `json:"total"`
}

// @Summary      List Purchases (Admin)
// @Description  Paginated purchase listing, newest first.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ListPurchasesRequest true "List purchases request"
// @Success      200  {object}  response.APIResponse[ListPurchasesResponse]
// @Router       /api/v1/admin/list_purchases [post]
func ApiListPurchases(svc *purchase.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListPurchasesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		f := purchase.ListFilter{
			SellerID:  req.SellerID,
			BuyerID:   req.BuyerID,
			ProductID: req.ProductID,
			State:     req.State,
			Limit:     req.Limit,
			Offset:    req.Offset,
		}
		if req.Since != nil {
			f.Since = *req.Since
		}
		if req.Until != nil {
			f.Until = *req.Until
		}
		items, total, err := svc.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		out := lo.Map(items, func(p *models.Purchase, _ int) *PurchaseItem { return toPurchaseItem(p) })
		c.JSON(http.StatusOK, response.OKT(&ListPurchasesResponse{Items: out, Total: total}))
	}
}

// @Summary      Refund Purchase (Admin)
// @Description  Full refund of a settled purchase: processor refund plus ledger reversal.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[PurchaseItem]
// @Router       /api/v1/admin/refund_purchase [post]
func ApiRefundPurchase(svc *purchase.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PurchaseID string `json:"purchase_id"`
			OperatorID string `json:"operator_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.PurchaseID == "" || req.OperatorID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing purchase_id or operator_id"))
			return
		}
		p, err := svc.Refund(c.Request.Context(), req.PurchaseID, req.OperatorID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(toPurchaseItem(p)))
	}
}

type AccountBalanceResponse struct {
	AccountID    string `json:"account_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// @Summary      Account Balance (Admin)
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  response.APIResponse[AccountBalanceResponse]
// @Router       /api/v1/admin/balances/{account_id} [get]
func ApiAccountBalance(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")
		cents, err := svc.BalanceCents(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&AccountBalanceResponse{AccountID: accountID, BalanceCents: cents}))
	}
}

// @Summary      Revenue statistics (Admin)
// @Description  Daily GMV, purchase counts, subscription base, and renewal success series.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.RevenueStatisticRequest true "Statistic request parameters"
// @Success      200  {object}  response.APIResponse[statistics.RevenueStatisticResponse]
// @Router       /api/v1/admin/get_revenue_statistics [post]
func ApiGetRevenueStatistics(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.RevenueStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetRevenueStatistics(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, purchases *purchase.Service, ledgerSvc *ledger.Service, stats *statistics.Service) {
	r.POST("/list_purchases", ApiListPurchases(purchases))
	r.POST("/refund_purchase", ApiRefundPurchase(purchases))
	r.GET("/balances/:account_id", ApiAccountBalance(ledgerSvc))
	r.POST("/get_revenue_statistics", ApiGetRevenueStatistics(stats))
}
