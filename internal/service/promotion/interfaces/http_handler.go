package interfaces

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/httpx"
	"flashmart/internal/service/promotion/application"
	"flashmart/internal/service/promotion/domain"
)

// CouponHandler 封装了优惠券相关的 HTTP 接口
type CouponHandler struct {
	service *application.CouponService
}

func NewCouponHandler(service *application.CouponService) *CouponHandler {
	return &CouponHandler{service: service}
}

func (h *CouponHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/coupon", httpx.RequireUser())
	g.POST("/grab/:couponId", h.Grab)
	g.POST("/quote", h.Quote)
}

type GrabResponse struct {
	UserCouponID int64 `json:"userCouponId"`
	CouponID     int64 `json:"couponId"`
	ValidTo      int64 `json:"validTo"`
}

func (h *CouponHandler) Grab(c *gin.Context) {
	couponID, err := strconv.ParseInt(c.Param("couponId"), 10, 64)
	if err != nil || couponID <= 0 {
		httpx.Fail(c, bizerr.Validation("invalid coupon id %q", c.Param("couponId")))
		return
	}
	uc, err := h.service.Grant(c.Request.Context(), httpx.UserID(c), couponID)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, GrabResponse{UserCouponID: uc.ID, CouponID: uc.CouponID, ValidTo: uc.ValidTo.UnixMilli()})
}

type QuoteRequest struct {
	ProductID     int64           `json:"productId" binding:"required"`
	Quantity      int             `json:"quantity" binding:"required,min=1"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	UserCouponIDs []int64         `json:"couponIds"`
}

func (h *CouponHandler) Quote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	userID := httpx.UserID(c)
	q, err := h.service.Quote(c.Request.Context(), userID, req.UserCouponIDs, domain.Fact{
		UserID:    userID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Subtotal:  req.Subtotal,
	})
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, q)
}
