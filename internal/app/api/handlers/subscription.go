package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	subsvc "github.com/fatflowers/billing/internal/app/service/subscription"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// SubscribeRequest wraps a checkout with the recurrence terms.
type SubscribeRequest struct {
	CheckoutRequest
	PlanID           string                 `json:"plan_id"`
	Period           types.RecurrencePeriod `json:"period" binding:"required"`
	ChargeCountLimit *int                   `json:"charge_count_limit"`
	FreeTrialEndsAt  *time.Time             `json:"free_trial_ends_at"`
}

type SubscribeResponse struct {
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Purchase     *PurchaseItem        `json:"purchase,omitempty"`
	ErrorCode    string               `json:"error_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// @Summary      Subscribe
// @Description  Runs the original purchase and opens the recurrence contract.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body SubscribeRequest true "Subscribe request"
// @Success      200  {object}  response.APIResponse[SubscribeResponse]
// @Router       /api/v1/subscriptions [post]
func ApiSubscribe(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		params := subsvc.CreateParams{
			PlanID:           req.PlanID,
			Period:           req.Period,
			ChargeCountLimit: req.ChargeCountLimit,
			FreeTrialEndsAt:  req.FreeTrialEndsAt,
		}
		sub, p, err := svc.Create(c.Request.Context(), req.toServiceRequest(c), params)
		if err != nil {
			if ce := types.AsChargeError(err); ce != nil && ce.Code == types.FailureValidation {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, ce.Message))
				return
			}
			code, msg := chargeErrorParts(err)
			c.JSON(http.StatusOK, response.OKT(&SubscribeResponse{
				// present when a transient failure parked the original;
				// billing resumes it from here
				Subscription: sub,
				Purchase:     toPurchaseItem(p),
				ErrorCode:    code,
				ErrorMessage: msg,
			}))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&SubscribeResponse{Subscription: sub, Purchase: toPurchaseItem(p)}))
	}
}

// @Summary      Get subscription
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Subscription]
// @Router       /api/v1/subscriptions/{id} [get]
func ApiGetSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

// @Summary      Cancel subscription
// @Description  Immediate when "at" is absent; future-dated otherwise (billing continues until then).
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Subscription]
// @Router       /api/v1/subscriptions/{id}/cancel [post]
func ApiCancelSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			At *time.Time `json:"at"`
		}
		_ = c.ShouldBindJSON(&req)
		sub, err := svc.Cancel(c.Request.Context(), c.Param("id"), req.At)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

// @Summary      Resubscribe
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Subscription]
// @Router       /api/v1/subscriptions/{id}/resubscribe [post]
func ApiResubscribe(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := svc.Resubscribe(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

type ChangePlanRequest struct {
	PlanID  string             `json:"plan_id" binding:"required"`
	NewPlan *types.ProductInfo `json:"new_plan" binding:"required"`
}

type ChangePlanResponse struct {
	Subscription        *models.Subscription `json:"subscription"`
	ReplacementPurchase *PurchaseItem        `json:"replacement_purchase"`
	ProratedCreditCents int64                `json:"prorated_credit_cents"`
}

// @Summary      Change plan
// @Description  Swaps the plan mid-cycle without charging; returns the unused-time credit.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body ChangePlanRequest true "Change plan request"
// @Success      200  {object}  response.APIResponse[ChangePlanResponse]
// @Router       /api/v1/subscriptions/{id}/change_plan [post]
func ApiChangePlan(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChangePlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		sub, replacement, credit, err := svc.ChangePlan(c.Request.Context(), c.Param("id"), req.PlanID, req.NewPlan)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&ChangePlanResponse{
			Subscription:        sub,
			ReplacementPurchase: toPurchaseItem(replacement),
			ProratedCreditCents: credit,
		}))
	}
}

// @Summary      Pin payment instrument
// @Description  Future renewals bill this instrument instead of the original one.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Subscription]
// @Router       /api/v1/subscriptions/{id}/instrument [post]
func ApiPinInstrument(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Instrument *types.PaymentInstrument `json:"instrument" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		sub, err := svc.PinInstrument(c.Request.Context(), c.Param("id"), req.Instrument)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, svc *subsvc.Service) {
	r.POST("/subscriptions", ApiSubscribe(svc))
	r.GET("/subscriptions/:id", ApiGetSubscription(svc))
	r.POST("/subscriptions/:id/cancel", ApiCancelSubscription(svc))
	r.POST("/subscriptions/:id/resubscribe", ApiResubscribe(svc))
	r.POST("/subscriptions/:id/change_plan", ApiChangePlan(svc))
	r.POST("/subscriptions/:id/instrument", ApiPinInstrument(svc))
}
