package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/preorder"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/response"
)

// PreorderAuthorizeResponse pairs the preorder with its authorization
// purchase. A failed hold still creates both rows.
type PreorderAuthorizeResponse struct {
	Preorder     *models.Preorder `json:"preorder"`
	Purchase     *PurchaseItem    `json:"purchase,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// @Summary      Authorize preorder
// @Description  Places a hold for a not-yet-released product. No money moves until release.
// @Tags         Preorder
// @Accept       json
// @Produce      json
// @Param        request body CheckoutRequest true "Checkout request"
// @Success      200  {object}  response.APIResponse[PreorderAuthorizeResponse]
// @Router       /api/v1/preorders [post]
func ApiPreorderAuthorize(svc *preorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		pre, p, err := svc.Authorize(c.Request.Context(), req.toServiceRequest(c))
		if pre == nil {
			chargeOutcome(c, p, err)
			return
		}
		out := &PreorderAuthorizeResponse{Preorder: pre, Purchase: toPurchaseItem(p)}
		if err != nil {
			out.ErrorCode, out.ErrorMessage = chargeErrorParts(err)
		}
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

// @Summary      Release preorder
// @Description  Captures the real charge for one preorder at current rates.
// @Tags         Preorder
// @Produce      json
// @Success      200  {object}  response.APIResponse[CheckoutResponse]
// @Router       /api/v1/preorders/{id}/release [post]
func ApiPreorderRelease(svc *preorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OperatorID string `json:"operator_id"`
		}
		_ = c.ShouldBindJSON(&req)
		p, err := svc.Release(c.Request.Context(), c.Param("id"), req.OperatorID)
		chargeOutcome(c, p, err)
	}
}

type PreorderReleaseAllResponse struct {
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// @Summary      Release all preorders for a product
// @Tags         Preorder
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[PreorderReleaseAllResponse]
// @Router       /api/v1/preorders/release_all [post]
func ApiPreorderReleaseAll(svc *preorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID  string `json:"product_id"`
			OperatorID string `json:"operator_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.ProductID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing product_id"))
			return
		}
		released, failed, err := svc.ReleaseAll(c.Request.Context(), req.ProductID, req.OperatorID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&PreorderReleaseAllResponse{Released: released, Failed: failed}))
	}
}

// @Summary      Cancel preorder
// @Description  Cancels an uncaptured preorder and voids its hold.
// @Tags         Preorder
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Preorder]
// @Router       /api/v1/preorders/{id}/cancel [post]
func ApiPreorderCancel(svc *preorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req)
		pre, err := svc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(pre))
	}
}

// @Summary      Get preorder
// @Tags         Preorder
// @Produce      json
// @Success      200  {object}  response.APIResponse[models.Preorder]
// @Router       /api/v1/preorders/{id} [get]
func ApiGetPreorder(svc *preorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		pre, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(pre))
	}
}

func RegisterPreorderRoutes(r gin.IRouter, svc *preorder.Service) {
	r.POST("/preorders", ApiPreorderAuthorize(svc))
	r.GET("/preorders/:id", ApiGetPreorder(svc))
	r.POST("/preorders/:id/release", ApiPreorderRelease(svc))
	r.POST("/preorders/:id/cancel", ApiPreorderCancel(svc))
	r.POST("/preorders/release_all", ApiPreorderReleaseAll(svc))
}
