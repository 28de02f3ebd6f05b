package interfaces

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/httpx"
	"flashmart/internal/service/inventory/application"
	"flashmart/internal/service/inventory/domain"
)

// InventoryHandler 运维查询与预热接口
type InventoryHandler struct {
	ledger *application.Ledger
	repo   domain.StockRepository
	sync   *application.StockSync
}

func NewInventoryHandler(ledger *application.Ledger, repo domain.StockRepository, sync *application.StockSync) *InventoryHandler {
	return &InventoryHandler{ledger: ledger, repo: repo, sync: sync}
}

func (h *InventoryHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/inventory")
	g.GET("/:pool/:id", h.Get)
	g.POST("/:pool/:id/warm", h.Warm)
	g.POST("/sync", h.Sync)
}

type StockView struct {
	Pool    string `json:"pool"`
	ID      int64  `json:"id"`
	Cache   *int   `json:"cache"`
	Durable int    `json:"durable"`
	Version int64  `json:"version"`
}

func (h *InventoryHandler) Get(c *gin.Context) {
	pool, id, err := parsePoolID(c)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	ctx := c.Request.Context()
	snap, err := h.repo.Snapshot(ctx, pool, id)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	view := StockView{Pool: string(pool), ID: id, Durable: snap.Quantity, Version: snap.Version}
	cache, err := h.ledger.Available(ctx, pool, id)
	switch {
	case err == nil:
		view.Cache = &cache
	case !errors.Is(err, bizerr.ErrNotFound):
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, view)
}

func (h *InventoryHandler) Warm(c *gin.Context) {
	pool, id, err := parsePoolID(c)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	n, err := h.ledger.Warm(c.Request.Context(), pool, id)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, gin.H{"cache": n})
}

func (h *InventoryHandler) Sync(c *gin.Context) {
	report, err := h.sync.Sweep(c.Request.Context())
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.OK(c, report)
}

func parsePoolID(c *gin.Context) (domain.Pool, int64, error) {
	pool := domain.Pool(c.Param("pool"))
	if !pool.Valid() {
		return "", 0, bizerr.Validation("unknown pool %q", pool)
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, bizerr.Validation("invalid id %q", c.Param("id"))
	}
	return pool, id, nil
}
