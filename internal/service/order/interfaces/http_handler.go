package interfaces

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/httpx"
	"flashmart/internal/service/order/application"
)

// OrderHandler 封装了订单相关的 HTTP 接口
type OrderHandler struct {
	service *application.OrderService
}

func NewOrderHandler(service *application.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

func (h *OrderHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/order", httpx.RequireUser())
	g.POST("/create", h.Create)
	g.POST("/confirm", h.Confirm)
	g.POST("/pay", h.Pay)
	g.POST("/cancel", h.Cancel)
	g.POST("/ship", h.Ship)
	g.POST("/receive", h.Receive)
	g.GET("/list", h.List)
	g.GET("/:orderNo", h.Get)

	r.POST("/seckill/order", httpx.RequireUser(), h.Seckill)
}

type PlaceOrderRequest struct {
	ProductID int64   `json:"productId" binding:"required"`
	Quantity  int     `json:"quantity" binding:"required,min=1"`
	CouponIDs []int64 `json:"couponIds"`
}

type PlaceOrderResponse struct {
	OrderNo string `json:"orderNo"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	h.place(c, h.service.Create)
}

func (h *OrderHandler) Confirm(c *gin.Context) {
	h.place(c, h.service.Confirm)
}

func (h *OrderHandler) place(c *gin.Context, fn func(ctx context.Context, req application.PlaceOrderRequest) (string, error)) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	orderNo, err := fn(c.Request.Context(), application.PlaceOrderRequest{
		UserID:    httpx.UserID(c),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		CouponIDs: req.CouponIDs,
	})
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, PlaceOrderResponse{OrderNo: orderNo})
}

type SeckillRequest struct {
	ProductID int64 `json:"productId" binding:"required"`
	Quantity  int   `json:"quantity"`
}

func (h *OrderHandler) Seckill(c *gin.Context) {
	var req SeckillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	orderNo, err := h.service.SeckillOrder(c.Request.Context(), httpx.UserID(c), req.ProductID, req.Quantity)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, PlaceOrderResponse{OrderNo: orderNo})
}

type PayRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
	PayType string `json:"payType" binding:"required"`
}

func (h *OrderHandler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	if err := h.service.Pay(c.Request.Context(), httpx.UserID(c), req.OrderNo, req.PayType); err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, PlaceOrderResponse{OrderNo: req.OrderNo})
}

type CancelRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "user"
	}
	res, err := h.service.Cancel(c.Request.Context(), httpx.UserID(c), req.OrderNo, req.Reason)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, res)
}

type ShipRequest struct {
	OrderNo    string `json:"orderNo" binding:"required"`
	TrackingNo string `json:"trackingNo" binding:"required"`
}

// Ship 由商家后台调用，不校验订单归属
func (h *OrderHandler) Ship(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	if err := h.service.Ship(c.Request.Context(), req.OrderNo, req.TrackingNo); err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, PlaceOrderResponse{OrderNo: req.OrderNo})
}

type ReceiveRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
}

func (h *OrderHandler) Receive(c *gin.Context) {
	var req ReceiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, bizerr.Validation("%v", err))
		return
	}
	if err := h.service.Receive(c.Request.Context(), httpx.UserID(c), req.OrderNo); err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, PlaceOrderResponse{OrderNo: req.OrderNo})
}

func (h *OrderHandler) Get(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), httpx.UserID(c), c.Param("orderNo"))
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, application.NewOrderView(order))
}

func (h *OrderHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	orders, err := h.service.ListByUser(c.Request.Context(), httpx.UserID(c), offset, limit)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	views := make([]application.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, application.NewOrderView(o))
	}
	httpx.OK(c, views)
}
